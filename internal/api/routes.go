// services/fleet/internal/api/routes.go
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		// Public fleet rollup
		v1.GET("/stats", handlers.GetStats)

		devices := v1.Group("/devices")
		{
			devices.GET("", handlers.ListDevices)
			devices.GET("/:id/status", handlers.GetDeviceStatus)
			devices.GET("/:id/metrics", handlers.GetDeviceMetrics)
			devices.GET("/:id/sessions", handlers.ListSessions)
			devices.GET("/:id/sessions/:sid", handlers.GetSession)
			devices.GET("/:id/rides/:sid", handlers.GetRide)
			devices.POST("/:id/scans", handlers.IngestScans)
		}

		hubs := v1.Group("/hubs")
		{
			hubs.GET("/:id/heartbeat", handlers.GetHubHeartbeat)
			hubs.PUT("/:id/config", handlers.PutHubConfig)
		}

		v1.POST("/batch", handlers.IngestBatch)
	}
}
