package server

import (
	"github.com/gin-gonic/gin"

	"agenthub/internal/auth"
	"agenthub/internal/handler"
	"agenthub/internal/middleware"
	"agenthub/internal/socket"
	"agenthub/internal/sse"
	"agenthub/internal/store"
	hubsync "agenthub/internal/sync"
)

type Deps struct {
	Store       *store.Store
	Engine      *hubsync.Engine
	Events      *sse.Manager
	Socket      *socket.Server
	TokenConfig auth.TokenConfig
	CLIToken    string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	authRequestLimiter := middleware.NewRateLimiter(1, 10)
	authHandler := &handler.AuthHandler{
		Store:       deps.Store,
		TokenConfig: deps.TokenConfig,
		CLIToken:    deps.CLIToken,
		Limiter:     authRequestLimiter,
	}
	r.POST("/v1/auth", authHandler.Exchange)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(middleware.AuthConfig{
		TokenConfig: deps.TokenConfig,
		CLIToken:    deps.CLIToken,
	}))

	sessionHandler := &handler.SessionHandler{Engine: deps.Engine}
	protected.GET("/sessions", sessionHandler.List)
	protected.POST("/sessions", sessionHandler.GetOrCreate)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.GET("/sessions/:id/messages", sessionHandler.Messages)
	protected.POST("/sessions/:id/messages", sessionHandler.SendMessage)
	protected.POST("/sessions/:id/permissions/:requestId/approve", sessionHandler.ApprovePermission)
	protected.POST("/sessions/:id/permissions/:requestId/deny", sessionHandler.DenyPermission)

	machineHandler := &handler.MachineHandler{Engine: deps.Engine}
	protected.GET("/machines", machineHandler.List)
	protected.POST("/machines", machineHandler.Upsert)
	protected.GET("/machines/:id", machineHandler.Get)

	userHandler := &handler.UserHandler{Store: deps.Store}
	protected.GET("/user", userHandler.Me)

	prefsHandler := &handler.PrefsHandler{Store: deps.Store}
	protected.GET("/prefs/sessions-sort", prefsHandler.GetSessionSort)
	protected.PUT("/prefs/sessions-sort", prefsHandler.UpdateSessionSort)

	pushHandler := &handler.PushHandler{Store: deps.Store}
	protected.POST("/push/subscriptions", pushHandler.Subscribe)
	protected.GET("/push/subscriptions", pushHandler.List)
	protected.DELETE("/push/subscriptions", pushHandler.Unsubscribe)

	protected.GET("/events", sse.Handler(deps.Events))

	r.GET("/v1/updates", gin.WrapH(deps.Socket))

	return r
}
