package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/melodia-app/melodia-backend/internal/handlers"
	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/middleware"
	"github.com/melodia-app/melodia-backend/internal/types"
)

type RouterConfig struct {
	Logger         *logger.Logger
	AuthHandler    *handlers.AuthHandler
	AuthMiddleware *middleware.AuthMiddleware
	SongsHandler   *handlers.SongsHandler
	JobsHandler    *handlers.JobsHandler
	SSEHandler     *handlers.SSEHandler

	// EnforceOrchestratorRole gates /jobs/report on the orchestrator role.
	EnforceOrchestratorRole bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(cfg.Logger))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/auth/register", cfg.AuthHandler.Register)
	router.POST("/auth/login", cfg.AuthHandler.Login)
	router.POST("/auth/refresh", cfg.AuthHandler.Refresh)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Auth
	protected.GET("/auth/session", cfg.AuthHandler.Session)
	protected.POST("/auth/logout", cfg.AuthHandler.Logout)
	protected.POST("/auth/service-tokens", cfg.AuthHandler.CreateServiceToken)
	// Songs
	protected.POST("/songs/generate-song", cfg.SongsHandler.GenerateSong)
	// Jobs
	protected.GET("/jobs", cfg.JobsHandler.ListJobs)
	protected.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
	protected.POST("/jobs/:id/cancel", cfg.JobsHandler.CancelJob)
	protected.POST("/jobs/report",
		cfg.AuthMiddleware.RequireRole(types.RoleOrchestrator, cfg.EnforceOrchestratorRole),
		cfg.JobsHandler.Report,
	)
	// SSE
	protected.GET("/sse/stream", cfg.SSEHandler.Stream)
	protected.POST("/sse/subscribe", cfg.SSEHandler.Subscribe)
	protected.POST("/sse/unsubscribe", cfg.SSEHandler.Unsubscribe)
	protected.POST("/sse/subscribe/user", cfg.SSEHandler.SubscribeUser)
	protected.POST("/sse/unsubscribe/user", cfg.SSEHandler.UnsubscribeUser)

	return router
}
