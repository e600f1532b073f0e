package router

import (
	"jikkyo/internal/app/health"
	"jikkyo/internal/app/listing"
	"jikkyo/internal/gateways/websocket"
	"jikkyo/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(logger *zap.Logger) *Router {
	engine := gin.New()
	engine.Use(middleware.CORSMiddleware())
	engine.Use(middleware.LoggerMiddleware(logger))
	engine.Use(gin.Recovery())
	return &Router{Engine: engine}
}

func (r *Router) RegisterHealthRoutes(handler health.Handler) {
	health.RegisterRoutes(r.Engine.Group("/api"), handler)
}

func (r *Router) RegisterWebSocketRoutes(hub *websocket.Hub) {
	websocket.RegisterRoutes(r.Engine.Group("/api/v1"), hub)
}

func (r *Router) RegisterListingRoutes(handler listing.Handler) {
	listing.RegisterRoutes(r.Engine.Group("/api/v1"), handler)
}

func (r *Router) Serve(addr string) error {
	return r.Engine.Run(addr)
}
