package handlers

import (
	"context"

	"github.com/fieldqa/qcreview/internal/middleware"
	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/fieldqa/qcreview/pkg/response"
	"github.com/gin-gonic/gin"
)

type ResponseHandler struct {
	store     *services.ResponseStore
	stats     *services.StatsService
	remainder *services.RemainderEngine
}

func NewResponseHandler(store *services.ResponseStore, stats *services.StatsService, remainder *services.RemainderEngine) *ResponseHandler {
	return &ResponseHandler{store: store, stats: stats, remainder: remainder}
}

// Record accepts a completed interview
// POST /api/responses
func (h *ResponseHandler) Record(c *gin.Context) {
	var req services.RecordResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.store.RecordResponse(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, resp)
}

// List returns a survey's responses by completion date
// GET /api/responses
func (h *ResponseHandler) List(c *gin.Context) {
	var req services.ResponseListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.store.ListResponses(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, resp)
}

// Get returns one response with its verification record
// GET /api/responses/:id
func (h *ResponseHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	resp, err := h.store.GetResponse(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"response": resp, "verification": resp.Verification()})
}

type updateStatusRequest struct {
	Status       string                     `json:"status" binding:"required"`
	Verification *models.VerificationRecord `json:"verification"`
}

// UpdateStatus overrides a response's QC status
// PUT /api/responses/:id/status
func (h *ResponseHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := h.store.UpdateResponseStatus(ctx, id, req.Status, req.Verification, middleware.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	resp, err := h.store.GetResponse(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	h.settle(ctx, resp.BatchID)
	response.Success(c, resp)
}

type bulkStatusRequest struct {
	IDs    []uint `json:"ids" binding:"required,min=1"`
	Status string `json:"status" binding:"required"`
}

// BulkUpdateStatus sets status on every listed response still pending review
// PUT /api/responses/status
func (h *ResponseHandler) BulkUpdateStatus(c *gin.Context) {
	var req bulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Status != models.ResponseStatusApproved && req.Status != models.ResponseStatusRejected {
		fail(c, services.ErrInvalidStatus)
		return
	}

	ctx := c.Request.Context()
	affected, err := h.store.BulkUpdateStatus(ctx, req.IDs, req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	batchIDs, err := h.store.BatchIDsOf(ctx, req.IDs)
	if err != nil {
		logger.Warn().Err(err).Int("ids", len(req.IDs)).Msg("[Response] Could not resolve batches after bulk update")
	}
	for _, batchID := range batchIDs {
		h.settle(ctx, batchID)
	}
	response.Success(c, gin.H{"affected": affected})
}

// settle refreshes a batch after an override. The override may have
// completed the sample, so the remainder decision runs here too.
func (h *ResponseHandler) settle(ctx context.Context, batchID uint) {
	h.stats.Invalidate(ctx, batchID)
	if h.remainder == nil {
		return
	}
	if _, err := h.remainder.Evaluate(ctx, batchID); err != nil {
		logger.Errorf("[Response] Remainder evaluation for batch %d failed: %v", batchID, err)
	}
}
