package routes

import (
	"time"

	"ml_backend_project/config"
	"ml_backend_project/controllers"
	"ml_backend_project/middleware"
	"ml_backend_project/services/dispatch"
	"ml_backend_project/services/hub"
	"ml_backend_project/services/sessionstore"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Services carries the explicitly constructed service objects the routes
// depend on. Everything is built once at startup and passed by reference; no
// ambient singletons.
type Services struct {
	Store      *sessionstore.Store
	Dispatcher *dispatch.Dispatcher
	Hub        *hub.Hub
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, db *gorm.DB, svc *Services) {
	loginLimiter := middleware.NewRateLimiter(5, 15*time.Minute, 30*time.Minute)

	authController := controllers.NewAuthController(db, config.AppConfig.JWTSecret, loginLimiter)
	sessionController := controllers.NewSessionController(svc.Store, svc.Dispatcher, svc.Hub)

	api := router.Group("/api/v1")
	{
		// Auth routes
		auth := api.Group("/auth")
		{
			auth.POST("/register", authController.Register)
			auth.POST("/login", middleware.LoginRateLimitMiddleware(loginLimiter), authController.Login)
		}

		// Authenticated routes
		authed := api.Group("")
		authed.Use(middleware.JWTAuthMiddleware(config.AppConfig.JWTSecret))
		{
			// Session routes
			sessions := authed.Group("/sessions")
			{
				sessions.POST("", sessionController.CreateSession)
				sessions.GET("", sessionController.ListSessions)
				sessions.GET("/:id", sessionController.GetSession)
				sessions.POST("/:id/dispatch", sessionController.DispatchSession)
				sessions.POST("/:id/cancel", sessionController.CancelSession)
				sessions.GET("/:id/metrics", sessionController.GetMetrics)
				sessions.GET("/:id/resources", sessionController.GetResources)
			}

			// Live event stream
			authed.GET("/ws", sessionController.HandleWebSocket)

			// Operational surface
			admin := authed.Group("/admin")
			admin.Use(middleware.AdminOnly())
			{
				admin.GET("/stats", sessionController.AdminStats)
			}
		}
	}
}
