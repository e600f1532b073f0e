package listing

import "github.com/gin-gonic/gin"

func RegisterRoutes(rg gin.IRoutes, handler Handler) {
	rg.GET("/channels", handler.GetChannels)
	rg.GET("/channels/:channel_id", handler.GetChannel)
	rg.GET("/channels/:channel_id/threads", handler.GetChannelThreads)
	rg.GET("/threads/:thread_id", handler.GetThread)
}
