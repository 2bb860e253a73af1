package handlers

import (
	"github.com/fieldqa/qcreview/internal/middleware"
	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/fieldqa/qcreview/pkg/response"
	"github.com/gin-gonic/gin"
)

type VerificationHandler struct {
	verifier *services.VerificationEngine
}

func NewVerificationHandler(verifier *services.VerificationEngine) *VerificationHandler {
	return &VerificationHandler{verifier: verifier}
}

// Verify submits the verification form for a leased response
// POST /api/qc/responses/:response_id/verify
func (h *VerificationHandler) Verify(c *gin.Context) {
	responseID, ok := parseID(c, "response_id")
	if !ok {
		return
	}

	var record models.VerificationRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.verifier.Submit(c.Request.Context(), responseID, middleware.GetUserID(c), &record)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}
