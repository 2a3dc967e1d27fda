package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"syncd/internal/auth"
	"syncd/internal/handler"
	"syncd/internal/hub"
	"syncd/internal/middleware"
	"syncd/internal/model"
	"syncd/internal/store"
)

type Deps struct {
	Store       *store.Store
	Manager     *hub.Manager
	TokenConfig auth.TokenConfig
	Log         zerolog.Logger
	IdleTimeout time.Duration
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	mount := func(path string, typ model.EntityType) {
		h := &handler.EntityHandler{Store: deps.Store, Type: typ, Log: deps.Log}
		protected.GET(path, h.List)
		protected.POST(path, h.Create)
		protected.GET(path+"/:id", h.Get)
		protected.PUT(path+"/:id", h.Update)
		protected.DELETE(path+"/:id", h.Delete)
	}
	mount("/sessions", model.EntitySession)
	mount("/machines", model.EntityMachine)
	mount("/artifacts", model.EntityArtifact)
	mount("/access-keys", model.EntityAccessKey)

	upgradeLimiter := middleware.NewRateLimiter(30, time.Minute)
	wsHandler := &handler.WebSocketHandler{
		Manager:     deps.Manager,
		TokenConfig: deps.TokenConfig,
		Log:         deps.Log,
		IdleTimeout: deps.IdleTimeout,
	}
	r.GET("/ws", middleware.RateLimit(upgradeLimiter), wsHandler.Serve)

	return r
}
