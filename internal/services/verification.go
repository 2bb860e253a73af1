package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/pkg/logger"
	"gorm.io/gorm"
)

// Audio quality below this rejects the response.
const minPassingAudioQuality = 3

// VerificationResult is what a reviewer gets back after submitting.
type VerificationResult struct {
	ResponseID uint              `json:"response_id"`
	Status     string            `json:"status"`
	VerifiedAt time.Time         `json:"verified_at"`
	Batch      *EvaluationResult `json:"batch,omitempty"`
}

// VerificationEngine turns a reviewer's form into a final response status.
type VerificationEngine struct {
	db        *gorm.DB
	stats     *StatsService
	remainder *RemainderEngine
	clock     Clock
}

func NewVerificationEngine(db *gorm.DB, stats *StatsService, remainder *RemainderEngine, clock Clock) *VerificationEngine {
	return &VerificationEngine{db: db, stats: stats, remainder: remainder, clock: clock}
}

// Decide applies the verification policy: poor audio or any "No" answer
// rejects, everything else approves.
func Decide(record *models.VerificationRecord) string {
	if record.AudioQuality < minPassingAudioQuality {
		return models.ResponseStatusRejected
	}
	if record.QuestionAccuracy == models.AnswerNo ||
		record.DataAccuracy == models.AnswerNo ||
		record.LocationMatch == models.AnswerNo {
		return models.ResponseStatusRejected
	}
	return models.ResponseStatusApproved
}

// ValidateRecord returns an *IncompleteVerificationError for the first field
// that is missing or out of range.
func ValidateRecord(record *models.VerificationRecord) error {
	if record == nil {
		return &IncompleteVerificationError{Field: "audio_quality", Reason: "is required"}
	}
	if record.AudioQuality < 1 || record.AudioQuality > 5 {
		return &IncompleteVerificationError{Field: "audio_quality", Reason: "must be between 1 and 5"}
	}
	yesNo := []struct {
		field string
		value string
	}{
		{"question_accuracy", record.QuestionAccuracy},
		{"data_accuracy", record.DataAccuracy},
		{"location_match", record.LocationMatch},
	}
	for _, f := range yesNo {
		if f.value != models.AnswerYes && f.value != models.AnswerNo {
			return &IncompleteVerificationError{Field: f.field, Reason: "must be Yes or No"}
		}
	}
	return nil
}

// Submit records the reviewer's verdict on a leased response. The write only
// lands while the caller still holds an unexpired lease; otherwise
// ErrLeaseExpired. Afterwards the batch is checked for a remainder decision
// or completion.
func (v *VerificationEngine) Submit(ctx context.Context, responseID, reviewerID uint, record *models.VerificationRecord) (*VerificationResult, error) {
	if err := ValidateRecord(record); err != nil {
		return nil, err
	}

	var resp models.SurveyResponse
	if err := v.db.WithContext(ctx).First(&resp, responseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResponseNotFound
		}
		return nil, err
	}

	status := Decide(record)
	now := v.clock.now()
	updates := map[string]interface{}{
		"status":            status,
		"audio_quality":     record.AudioQuality,
		"question_accuracy": record.QuestionAccuracy,
		"data_accuracy":     record.DataAccuracy,
		"location_match":    record.LocationMatch,
		"feedback":          strings.TrimSpace(record.Feedback),
		"verified_by":       reviewerID,
		"verified_at":       now,
	}
	clearLease(updates)

	result := v.db.WithContext(ctx).Model(&models.SurveyResponse{}).
		Where("id = ? AND assigned_to = ? AND lease_expires_at > ? AND status = ?",
			responseID, reviewerID, now, models.ResponseStatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		logger.Info().
			Uint("reviewer_id", reviewerID).
			Uint("response_id", responseID).
			Msg("[Verification] Submit without a valid lease")
		return nil, ErrLeaseExpired
	}

	logger.Info().
		Uint("reviewer_id", reviewerID).
		Uint("response_id", responseID).
		Uint("batch_id", resp.BatchID).
		Str("status", status).
		Msg("[Verification] Response verified")

	if v.stats != nil {
		v.stats.Invalidate(ctx, resp.BatchID)
	}
	PublishQCEvent(QCEvent{
		Type:       EventResponseVerified,
		SurveyID:   resp.SurveyID,
		BatchID:    resp.BatchID,
		ResponseID: resp.ID,
		ReviewerID: reviewerID,
		Status:     status,
	})

	out := &VerificationResult{ResponseID: responseID, Status: status, VerifiedAt: now}
	if v.remainder != nil {
		// The verdict is committed; a failed follow-up is retried by the
		// next submit or the evaluate endpoint.
		eval, err := v.remainder.Evaluate(ctx, resp.BatchID)
		if err != nil {
			logger.Error().Err(err).Uint("batch_id", resp.BatchID).Msg("[Verification] Batch evaluation failed")
		} else {
			out.Batch = eval
		}
	}
	return out, nil
}
