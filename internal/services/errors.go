package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNoneAvailable is the normal empty result of a claim.
	ErrNoneAvailable = errors.New("no sample response available for review")
	// ErrLeaseExpired means the caller no longer holds a valid assignment.
	ErrLeaseExpired = errors.New("assignment expired, request a new one")
	// ErrConcurrentClaimConflict is returned by a single claim attempt that
	// lost a race; ClaimNext retries it and never surfaces it.
	ErrConcurrentClaimConflict = errors.New("response was claimed concurrently")
	// ErrBatchClosed means the day batch no longer accepts responses.
	ErrBatchClosed = errors.New("batch for this day is no longer collecting responses")
	// ErrBatchNotCollecting is returned when closing a batch that was closed already.
	ErrBatchNotCollecting = errors.New("batch is not collecting")
	// ErrBatchNotReviewable refuses reopening a response of a decided batch.
	ErrBatchNotReviewable = errors.New("batch has been decided and is no longer reviewable")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrResponseNotFound   = errors.New("response not found")
	ErrInvalidStatus      = errors.New("invalid response status")
)

// IncompleteVerificationError names the first missing or malformed field of
// a verification form.
type IncompleteVerificationError struct {
	Field  string
	Reason string
}

func (e *IncompleteVerificationError) Error() string {
	return fmt.Sprintf("incomplete verification: %s %s", e.Field, e.Reason)
}

// Rule coverage defect kinds
const (
	CoverageGap          = "gap"
	CoverageOverlap      = "overlap"
	CoverageInvalidRange = "invalid_range"
	CoverageInvalidRule  = "invalid_action"
	CoverageEmpty        = "empty"
	CoverageBadPercent   = "invalid_sample_percentage"
)

// RuleCoverageError reports why an approval rule set does not tile [0,100].
// Boundary is the rate at which the defect starts.
type RuleCoverageError struct {
	Kind     string  `json:"kind"`
	Boundary float64 `json:"boundary"`
	Message  string  `json:"message"`
}

func (e *RuleCoverageError) Error() string {
	return "invalid rule coverage: " + e.Message
}

// IsRuleCoverageError unwraps err into a *RuleCoverageError.
func IsRuleCoverageError(err error) (*RuleCoverageError, bool) {
	var rc *RuleCoverageError
	if errors.As(err, &rc) {
		return rc, true
	}
	return nil, false
}
