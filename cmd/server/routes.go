package main

import (
	"github.com/fieldqa/qcreview/internal/handlers"
	"github.com/fieldqa/qcreview/internal/middleware"
	"github.com/fieldqa/qcreview/internal/utils"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	healthHandler := handlers.NewHealthHandler(svc.db, svc.taskQueue, svc.hub)
	metricsHandler := handlers.NewMetricsHandler(svc.db, svc.taskQueue, svc.hub)
	r.GET("/health", healthHandler.CheckHealth)
	r.GET("/metrics", metricsHandler.Metrics)

	assignmentHandler := handlers.NewAssignmentHandler(svc.leases, svc.stats)
	verificationHandler := handlers.NewVerificationHandler(svc.verifier)
	batchHandler := handlers.NewBatchHandler(svc.batches, svc.stats, svc.remainder, svc.taskQueue)
	configHandler := handlers.NewSamplingConfigHandler(svc.configs)
	responseHandler := handlers.NewResponseHandler(svc.store, svc.stats, svc.remainder)
	systemLogHandler := handlers.NewSystemLogHandler(svc.logs)
	sseHandler := handlers.NewSSEHandler(svc.hub)

	claimLimiter := middleware.NewRateLimiter(5, 10)
	ingestLimiter := middleware.NewRateLimiter(20, 50)

	api := r.Group("/api")
	{
		// SSE (token validated inside the handler)
		api.GET("/events/qc", sseHandler.StreamQCEvents)

		protected := api.Group("")
		protected.Use(middleware.AuthRequired(), middleware.AuditLog())
		{
			qc := protected.Group("/qc")
			{
				reviewer := qc.Group("", middleware.RoleRequired(utils.RoleReviewer))
				reviewer.GET("/assignments/next", claimLimiter.Middleware(), assignmentHandler.Next)
				reviewer.GET("/assignments/current", assignmentHandler.Current)
				reviewer.POST("/assignments/:response_id/release", assignmentHandler.Release)
				reviewer.POST("/responses/:response_id/verify", verificationHandler.Verify)
				reviewer.GET("/reviewers/me/stats", assignmentHandler.ReviewerStats)

				qc.GET("/surveys/:survey_id/batches", batchHandler.List)
				qc.GET("/surveys/:survey_id/config", configHandler.Get)
				qc.GET("/batches/:id", batchHandler.Get)
				qc.GET("/batches/:id/stats", batchHandler.Stats)

				admin := qc.Group("", middleware.AdminRequired())
				admin.PUT("/surveys/:survey_id/config", configHandler.Save)
				admin.POST("/batches/:id/close", batchHandler.Close)
				admin.POST("/batches/:id/evaluate", batchHandler.Evaluate)
			}

			protected.POST("/responses", middleware.RoleRequired(utils.RoleInterviewer), ingestLimiter.Middleware(), responseHandler.Record)
			protected.GET("/responses", responseHandler.List)
			protected.GET("/responses/:id", responseHandler.Get)
			protected.PUT("/responses/status", middleware.AdminRequired(), responseHandler.BulkUpdateStatus)
			protected.PUT("/responses/:id/status", middleware.AdminRequired(), responseHandler.UpdateStatus)

			protected.GET("/system-logs", middleware.AdminRequired(), systemLogHandler.List)
			protected.GET("/system-logs/modules", middleware.AdminRequired(), systemLogHandler.GetModules)
		}
	}
}
