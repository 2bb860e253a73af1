package handlers

import (
	"net/http"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the pipeline's dependencies.
type HealthHandler struct {
	db    *gorm.DB
	queue services.TaskQueue
	hub   *services.SSEHub
}

func NewHealthHandler(db *gorm.DB, queue services.TaskQueue, hub *services.SSEHub) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, hub: hub}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	code := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var openBatches, pendingSample int64
	if dbStatus == "ok" {
		h.db.Model(&models.Batch{}).
			Where("status IN ?", []string{models.BatchStatusQCInProgress, models.BatchStatusQueuedForQC}).
			Count(&openBatches)
		h.db.Model(&models.SurveyResponse{}).
			Where("is_sample_response = ? AND status = ?", true, models.ResponseStatusPending).
			Count(&pendingSample)
	}

	c.JSON(code, gin.H{
		"status":  overall,
		"service": "qcreview",
		"time":    time.Now().UTC(),
		"components": gin.H{
			"database":          dbStatus,
			"queue_mode":        queueMode,
			"sse_clients":       h.hub.ClientCount(),
			"batches_in_review": openBatches,
			"sample_pending":    pendingSample,
		},
	})
}
