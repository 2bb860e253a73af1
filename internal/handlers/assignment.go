package handlers

import (
	"errors"
	"time"

	"github.com/fieldqa/qcreview/internal/middleware"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/fieldqa/qcreview/internal/utils"
	"github.com/fieldqa/qcreview/pkg/response"
	"github.com/gin-gonic/gin"
)

type AssignmentHandler struct {
	leases *services.LeaseManager
	stats  *services.StatsService
}

func NewAssignmentHandler(leases *services.LeaseManager, stats *services.StatsService) *AssignmentHandler {
	return &AssignmentHandler{leases: leases, stats: stats}
}

// Next leases the next sample response to the caller
// GET /api/qc/assignments/next
func (h *AssignmentHandler) Next(c *gin.Context) {
	var filter services.ClaimFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	assignment, err := h.leases.ClaimNext(c.Request.Context(), middleware.GetUserID(c), filter)
	if errors.Is(err, services.ErrNoneAvailable) {
		response.Success(c, gin.H{"none_available": true})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"assignment": assignment})
}

// Current returns the caller's active assignment
// GET /api/qc/assignments/current
func (h *AssignmentHandler) Current(c *gin.Context) {
	assignment, err := h.leases.Current(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"assignment": assignment})
}

// Release gives the caller's lease back; admins free any live lease
// POST /api/qc/assignments/:response_id/release
func (h *AssignmentHandler) Release(c *gin.Context) {
	responseID, ok := parseID(c, "response_id")
	if !ok {
		return
	}

	var released bool
	var err error
	if middleware.GetRole(c) == utils.RoleAdmin {
		released, err = h.leases.ForceRelease(c.Request.Context(), responseID, middleware.GetUserID(c))
	} else {
		released, err = h.leases.Release(c.Request.Context(), responseID, middleware.GetUserID(c))
	}
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"released": released})
}

// ReviewerStats summarizes the caller's verifications
// GET /api/qc/reviewers/me/stats?since=2006-01-02
func (h *AssignmentHandler) ReviewerStats(c *gin.Context) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.BadRequest(c, "since must be YYYY-MM-DD")
			return
		}
		since = t
	}

	stats, err := h.stats.ReviewerStats(c.Request.Context(), middleware.GetUserID(c), since)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}
