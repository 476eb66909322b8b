package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-matchmaker/internal/middleware"
)

type RouterConfig struct {
	AllowedOrigins  []string
	JWTSecret       string
	ControlPassword string
}

// NewRouter wires the control API around ctl.
func NewRouter(cfg RouterConfig, ctl Controller) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, cfg.ControlPassword))

		sessionGroup := apiGroup.Group("/session", middleware.JWTAuth(cfg.JWTSecret))
		sessionGroup.GET("", GetSession(ctl))
		sessionGroup.GET("/transcript", GetTranscript(ctl))
		sessionGroup.POST("/search", Search(ctl))
		sessionGroup.POST("/next", Next(ctl))
		sessionGroup.POST("/stop", Stop(ctl))
		sessionGroup.POST("/chat", SendChat(ctl))
	}

	wsGroup := router.Group("/ws", middleware.JWTAuth(cfg.JWTSecret))
	{
		wsGroup.GET("/events", HandleEvents(ctl))
	}

	return router
}
