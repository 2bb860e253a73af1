package handlers

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startTime = time.Now()

// MetricsHandler renders Prometheus text-format gauges.
type MetricsHandler struct {
	db    *gorm.DB
	queue services.TaskQueue
	hub   *services.SSEHub
}

func NewMetricsHandler(db *gorm.DB, queue services.TaskQueue, hub *services.SSEHub) *MetricsHandler {
	return &MetricsHandler{db: db, queue: queue, hub: hub}
}

type statusCount struct {
	Status string
	Count  int64
}

// Metrics returns Prometheus-compatible text format metrics.
func (h *MetricsHandler) Metrics(c *gin.Context) {
	var b strings.Builder

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeGauge(&b, "qcreview_uptime_seconds", "Time since server start in seconds", time.Since(startTime).Seconds())
	writeGauge(&b, "qcreview_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))
	writeGauge(&b, "qcreview_memory_alloc_bytes", "Current heap allocation in bytes", float64(m.Alloc))

	if sqlDB, err := h.db.DB(); err == nil {
		stats := sqlDB.Stats()
		writeGauge(&b, "qcreview_db_open_connections", "Number of open DB connections", float64(stats.OpenConnections))
		writeGauge(&b, "qcreview_db_in_use_connections", "Number of in-use DB connections", float64(stats.InUse))
	}

	writeGauge(&b, "qcreview_sse_active_clients", "Number of active SSE connections", float64(h.hub.ClientCount()))

	queueAsync := 0.0
	if h.queue != nil && h.queue.IsAsync() {
		queueAsync = 1.0
	}
	writeGauge(&b, "qcreview_queue_async_enabled", "Whether async queue (Redis) is enabled (1=yes, 0=no)", queueAsync)

	var batches []statusCount
	h.db.Model(&models.Batch{}).Select("status, COUNT(*) AS count").Group("status").Scan(&batches)
	writeLabeled(&b, "qcreview_batches", "Batches by status", batches)

	var responses []statusCount
	h.db.Model(&models.SurveyResponse{}).Select("status, COUNT(*) AS count").Group("status").Scan(&responses)
	writeLabeled(&b, "qcreview_responses", "Survey responses by QC status", responses)

	var samplePending, activeLeases int64
	now := time.Now().UTC()
	h.db.Model(&models.SurveyResponse{}).
		Where("is_sample_response = ? AND status = ?", true, models.ResponseStatusPending).
		Count(&samplePending)
	h.db.Model(&models.SurveyResponse{}).
		Where("assigned_to IS NOT NULL AND lease_expires_at > ? AND status = ?", now, models.ResponseStatusPending).
		Count(&activeLeases)
	writeGauge(&b, "qcreview_sample_pending", "Sample responses awaiting review", float64(samplePending))
	writeGauge(&b, "qcreview_active_leases", "Unexpired review assignments", float64(activeLeases))

	var verified24h int64
	h.db.Model(&models.SurveyResponse{}).Where("verified_at >= ?", now.Add(-24*time.Hour)).Count(&verified24h)
	writeGauge(&b, "qcreview_verifications_24h", "Verifications submitted in the last 24 hours", float64(verified24h))

	c.Data(200, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %g\n\n", name, value)
}

func writeLabeled(b *strings.Builder, name, help string, counts []statusCount) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	for _, sc := range counts {
		fmt.Fprintf(b, "%s{status=%q} %d\n", name, sc.Status, sc.Count)
	}
	b.WriteString("\n")
}
