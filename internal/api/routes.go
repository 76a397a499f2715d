package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jroosing/hydrarelay/internal/api/handlers"
	"github.com/jroosing/hydrarelay/internal/api/middleware"
	"github.com/jroosing/hydrarelay/internal/config"
)

func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg config.WebUIConfig) {
	api := r.Group("/api/v1")

	// Optional basic-auth protection.
	if cfg.AuthEnabled {
		api.Use(middleware.RequireBasicAuth(cfg.Username, cfg.Password))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/status", h.Status)
	api.GET("/events", h.Events)

	api.GET("/config", h.GetConfig)
	api.PUT("/config", h.PutConfig)
	api.POST("/config/reload", h.ReloadConfig)
}
