package handlers

import (
	"strconv"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/fieldqa/qcreview/pkg/response"
	"github.com/gin-gonic/gin"
)

type BatchHandler struct {
	batches   *services.BatchService
	stats     *services.StatsService
	remainder *services.RemainderEngine
	queue     services.TaskQueue
}

func NewBatchHandler(batches *services.BatchService, stats *services.StatsService, remainder *services.RemainderEngine, queue services.TaskQueue) *BatchHandler {
	return &BatchHandler{batches: batches, stats: stats, remainder: remainder, queue: queue}
}

type pageQuery struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size" binding:"omitempty,max=500"`
}

// List returns a survey's batches, newest day first
// GET /api/qc/surveys/:survey_id/batches
func (h *BatchHandler) List(c *gin.Context) {
	surveyID, ok := parseID(c, "survey_id")
	if !ok {
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.batches.ListBatches(c.Request.Context(), surveyID, q.Page, q.PageSize)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, resp)
}

// Get returns a batch with its rules, stats and a page of responses
// GET /api/qc/batches/:id
func (h *BatchHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	detail, err := h.batches.GetBatch(c.Request.Context(), id, q.Page, q.PageSize)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, detail)
}

// Stats returns live counts for a batch
// GET /api/qc/batches/:id/stats
func (h *BatchHandler) Stats(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	stats, err := h.stats.BatchStats(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}

// Close hands a collecting batch to the close worker ahead of the schedule
// POST /api/qc/batches/:id/close
func (h *BatchHandler) Close(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	detail, err := h.batches.GetBatch(c.Request.Context(), id, 1, 1)
	if err != nil {
		fail(c, err)
		return
	}
	if detail.Status != models.BatchStatusCollecting {
		fail(c, services.ErrBatchNotCollecting)
		return
	}

	task := &services.BatchTask{BatchID: detail.ID, SurveyID: detail.SurveyID, BatchDate: detail.BatchDate}
	if err := h.queue.Enqueue(task); err != nil {
		fail(c, err)
		return
	}
	response.Accepted(c, gin.H{
		"batch_id": detail.ID,
		"task_id":  "qc:close_batch:" + strconv.FormatUint(uint64(detail.ID), 10),
		"async":    h.queue.IsAsync(),
	})
}

// Evaluate re-runs the remainder check for a batch
// POST /api/qc/batches/:id/evaluate
func (h *BatchHandler) Evaluate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.remainder.Evaluate(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}
