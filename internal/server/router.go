package server

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck-backend/internal/http/handlers"
	"github.com/agentdeck/agentdeck-backend/internal/http/middleware"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	BaseURL     string
	CORSOrigins []string

	ConversationHandler *handlers.ConversationHandler
	MessageHandler      *handlers.MessageHandler
	SessionHandler      *handlers.SessionHandler
	DiagnosticsHandler  *handlers.DiagnosticsHandler
	StreamHandler       *handlers.StreamHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.AttachTraceContext())
	router.Use(middleware.RequestLogger(cfg.Log))

	base := router.Group(normalizeBaseURL(cfg.BaseURL))

	base.GET("/healthcheck", handlers.HealthCheck)
	base.GET("/ws", cfg.StreamHandler.Serve)

	api := base.Group("/api")
	{
		api.POST("/conversations", cfg.ConversationHandler.Create)
		api.GET("/conversations", cfg.ConversationHandler.List)
		api.GET("/conversations/:id", cfg.ConversationHandler.Get)
		api.POST("/conversations/:id", cfg.ConversationHandler.Update)
		api.DELETE("/conversations/:id", cfg.ConversationHandler.Delete)

		api.GET("/conversations/:id/messages", cfg.MessageHandler.List)
		api.POST("/conversations/:id/messages", cfg.MessageHandler.Send)
		api.GET("/conversations/:id/sessions/latest", cfg.SessionHandler.Latest)

		api.GET("/sessions/:id", cfg.SessionHandler.Get)
		api.POST("/sessions/:id/cancel", cfg.SessionHandler.Cancel)

		api.GET("/diagnostics/sessions", cfg.DiagnosticsHandler.Sessions)
		api.GET("/diagnostics/integrity", cfg.DiagnosticsHandler.Integrity)
	}

	return router
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return "/"
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
