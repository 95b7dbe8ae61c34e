package router

import (
	"github.com/cuongbtq/notify-dispatch/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// GET /health - database and broker reachability
	r.GET("/health", handler.NewHealthHandler(deps).Health)

	notificationHandler := handler.NewNotificationHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		notifications := v1.Group("/notifications")
		{
			// POST /api/v1/notifications - Submit a notification for delivery
			notifications.POST("", notificationHandler.SubmitNotification)

			// GET /api/v1/notifications - List notifications with filtering and pagination
			notifications.GET("", notificationHandler.ListNotifications)

			// GET /api/v1/notifications/:job_id - Get delivery status
			notifications.GET("/:job_id", notificationHandler.GetNotification)
		}
	}

	return r
}
