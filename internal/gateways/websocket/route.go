package websocket

import "github.com/gin-gonic/gin"

func RegisterRoutes(rg *gin.RouterGroup, hub *Hub) {
	channels := rg.Group("/channels/:channel_id/ws")
	{
		channels.GET("/watch", hub.ServeWatch)
		channels.GET("/comment", hub.ServeComment)
	}
}
