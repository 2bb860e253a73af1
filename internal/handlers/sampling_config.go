package handlers

import (
	"github.com/fieldqa/qcreview/internal/middleware"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/fieldqa/qcreview/pkg/response"
	"github.com/gin-gonic/gin"
)

type SamplingConfigHandler struct {
	configs *services.SamplingConfigService
}

func NewSamplingConfigHandler(configs *services.SamplingConfigService) *SamplingConfigHandler {
	return &SamplingConfigHandler{configs: configs}
}

// Get returns the survey's sampling config or the default
// GET /api/qc/surveys/:survey_id/config
func (h *SamplingConfigHandler) Get(c *gin.Context) {
	surveyID, ok := parseID(c, "survey_id")
	if !ok {
		return
	}

	cfg, err := h.configs.GetConfig(c.Request.Context(), surveyID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, cfg)
}

// Save replaces the survey's sampling config
// PUT /api/qc/surveys/:survey_id/config
func (h *SamplingConfigHandler) Save(c *gin.Context) {
	surveyID, ok := parseID(c, "survey_id")
	if !ok {
		return
	}

	var req services.SaveSamplingConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cfg, err := h.configs.SaveConfig(c.Request.Context(), surveyID, middleware.GetUserID(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, cfg)
}
