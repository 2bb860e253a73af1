package handlers

import (
	"errors"
	"strconv"

	"github.com/fieldqa/qcreview/internal/services"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/fieldqa/qcreview/pkg/response"
	"github.com/gin-gonic/gin"
)

// Reasons carried in the envelope for recoverable QC errors.
const (
	ReasonLeaseExpired           = "lease_expired"
	ReasonIncompleteVerification = "incomplete_verification"
	ReasonInvalidRuleCoverage    = "invalid_rule_coverage"
	ReasonBatchClosed            = "batch_closed"
	ReasonBatchNotCollecting     = "batch_not_collecting"
	ReasonBatchNotReviewable     = "batch_not_reviewable"
)

// toAppError maps a service error to its HTTP form. Unknown errors are
// store failures and become 500.
func toAppError(err error) *response.AppError {
	var incomplete *services.IncompleteVerificationError
	switch {
	case errors.As(err, &incomplete):
		return response.NewBadRequest(incomplete.Error()).
			WithReason(ReasonIncompleteVerification).
			WithDetail(gin.H{"field": incomplete.Field})
	case errors.Is(err, services.ErrLeaseExpired):
		return response.NewConflict(services.ErrLeaseExpired.Error()).WithReason(ReasonLeaseExpired)
	case errors.Is(err, services.ErrBatchClosed):
		return response.NewConflict(err.Error()).WithReason(ReasonBatchClosed)
	case errors.Is(err, services.ErrBatchNotCollecting):
		return response.NewConflict(err.Error()).WithReason(ReasonBatchNotCollecting)
	case errors.Is(err, services.ErrBatchNotReviewable):
		return response.NewConflict(err.Error()).WithReason(ReasonBatchNotReviewable)
	case errors.Is(err, services.ErrBatchNotFound), errors.Is(err, services.ErrResponseNotFound):
		return response.NewNotFound(err.Error())
	case errors.Is(err, services.ErrInvalidStatus):
		return response.NewBadRequest(err.Error())
	}
	if rc, ok := services.IsRuleCoverageError(err); ok {
		return response.NewBadRequest(rc.Error()).WithReason(ReasonInvalidRuleCoverage).WithDetail(rc)
	}
	return response.NewServerError(err.Error())
}

// fail writes err as an envelope, logging anything that maps to a 500.
func fail(c *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.Code >= 500 {
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	response.Error(c, appErr)
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
