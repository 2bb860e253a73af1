package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/pkg/logger"
	"gorm.io/gorm"
)

// EvaluationResult describes what a batch evaluation changed, if anything.
type EvaluationResult struct {
	BatchID     uint                      `json:"batch_id"`
	BatchStatus string                    `json:"batch_status"`
	Decided     bool                      `json:"decided"`
	Completed   bool                      `json:"completed"`
	Decision    *models.RemainingDecision `json:"decision,omitempty"`
	Affected    int64                     `json:"affected,omitempty"`
}

// RemainderEngine disposes of a batch's un-sampled responses once the
// initial sample has been fully reviewed, and moves batches to completed.
type RemainderEngine struct {
	db    *gorm.DB
	stats *StatsService
	clock Clock
}

func NewRemainderEngine(db *gorm.DB, stats *StatsService, clock Clock) *RemainderEngine {
	return &RemainderEngine{db: db, stats: stats, clock: clock}
}

// Evaluate runs the remainder decision and the completion check for a batch.
// It is safe to call any number of times from any number of goroutines: the
// decision is taken at most once per batch.
func (e *RemainderEngine) Evaluate(ctx context.Context, batchID uint) (*EvaluationResult, error) {
	var batch models.Batch
	if err := e.db.WithContext(ctx).First(&batch, batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	out := &EvaluationResult{BatchID: batch.ID, BatchStatus: batch.Status, Decision: batch.Decision()}
	now := e.clock.now()
	stats, err := computeBatchStats(e.db.WithContext(ctx), &batch, now)
	if err != nil {
		return nil, err
	}

	switch batch.Status {
	case models.BatchStatusQCInProgress:
		if stats.SamplePending > 0 {
			return out, nil
		}
		if batch.RemainingSize == 0 {
			return e.complete(ctx, &batch, out)
		}
		if batch.RemainderDecided {
			return out, nil
		}
		return e.decide(ctx, &batch, out)
	case models.BatchStatusQueuedForQC:
		if stats.Pending > 0 {
			return out, nil
		}
		return e.complete(ctx, &batch, out)
	}
	return out, nil
}

func (e *RemainderEngine) decide(ctx context.Context, batch *models.Batch, out *EvaluationResult) (*EvaluationResult, error) {
	var decision models.RemainingDecision
	var affected int64
	won := false

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Model(&models.Batch{}).
			Where("id = ? AND remainder_decided = ? AND status = ?", batch.ID, false, models.BatchStatusQCInProgress).
			Update("remainder_decided", true)
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return nil
		}
		won = true

		now := e.clock.now()
		stats, err := computeBatchStats(tx, batch, now)
		if err != nil {
			return err
		}

		rules := decodeRules(batch.RulesSnapshot)
		match, ok := MatchRule(rules, stats.ApprovalRate)
		action := match.Rule.Action
		if !ok {
			logger.Warn().
				Uint("batch_id", batch.ID).
				Float64("approval_rate", stats.ApprovalRate).
				Msg("[Remainder] No rule matched, sending remainder to QC")
			action = models.ActionSendToQC
		}

		var ids []uint
		if err := tx.Model(&models.SurveyResponse{}).
			Where("batch_id = ? AND is_sample_response = ? AND status = ?", batch.ID, false, models.ResponseStatusPending).
			Order("id ASC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}

		batchUpdates := map[string]interface{}{
			"remaining_decision":    action,
			"trigger_approval_rate": stats.ApprovalRate,
			"decided_at":            now,
		}
		switch action {
		case models.ActionAutoApprove:
			affected, err = bulkUpdateStatus(tx, ids, models.ResponseStatusApproved)
			batchUpdates["status"] = models.BatchStatusAutoApproved
			batchUpdates["completed_at"] = now
		case models.ActionRejectAll:
			affected, err = bulkUpdateStatus(tx, ids, models.ResponseStatusRejected)
			batchUpdates["status"] = models.BatchStatusCompleted
			batchUpdates["completed_at"] = now
		default:
			affected, err = requeueRemainder(tx, ids)
			if len(ids) == 0 {
				batchUpdates["status"] = models.BatchStatusCompleted
				batchUpdates["completed_at"] = now
			} else {
				batchUpdates["status"] = models.BatchStatusQueuedForQC
			}
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).Updates(batchUpdates).Error; err != nil {
			return err
		}
		decision = models.RemainingDecision{Decision: action, TriggerApprovalRate: stats.ApprovalRate, DecidedAt: now}
		batch.Status = batchUpdates["status"].(string)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decide remainder: %w", err)
	}
	if !won {
		return out, nil
	}

	out.Decided = true
	out.Decision = &decision
	out.BatchStatus = batch.Status
	out.Completed = batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusAutoApproved
	out.Affected = affected

	logger.Info().
		Uint("batch_id", batch.ID).
		Str("decision", decision.Decision).
		Float64("approval_rate", decision.TriggerApprovalRate).
		Int64("affected", affected).
		Msg("[Remainder] Remainder decided")
	LogInfo("remainder", "decide",
		fmt.Sprintf("Remainder of batch %d: %s at %.2f%% approval (%d responses)", batch.ID, decision.Decision, decision.TriggerApprovalRate, affected),
		AuditRef{SurveyID: &batch.SurveyID, BatchID: &batch.ID}, decision)

	if e.stats != nil {
		e.stats.Invalidate(ctx, batch.ID)
	}
	PublishQCEvent(QCEvent{
		Type:     EventRemainderDecided,
		SurveyID: batch.SurveyID,
		BatchID:  batch.ID,
		Status:   batch.Status,
		Decision: decision.Decision,
	})
	if out.Completed {
		PublishQCEvent(QCEvent{Type: EventBatchCompleted, SurveyID: batch.SurveyID, BatchID: batch.ID, Status: batch.Status})
	}
	return out, nil
}

// complete moves a fully reviewed batch to completed.
func (e *RemainderEngine) complete(ctx context.Context, batch *models.Batch, out *EvaluationResult) (*EvaluationResult, error) {
	now := e.clock.now()
	result := e.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND status = ?", batch.ID, batch.Status).
		Updates(map[string]interface{}{"status": models.BatchStatusCompleted, "completed_at": now})
	if result.Error != nil {
		return nil, fmt.Errorf("complete batch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return out, nil
	}

	out.BatchStatus = models.BatchStatusCompleted
	out.Completed = true
	logger.Info().Uint("batch_id", batch.ID).Str("from", batch.Status).Msg("[Remainder] Batch completed")

	if e.stats != nil {
		e.stats.Invalidate(ctx, batch.ID)
	}
	PublishQCEvent(QCEvent{Type: EventBatchCompleted, SurveyID: batch.SurveyID, BatchID: batch.ID, Status: models.BatchStatusCompleted})
	return out, nil
}

// requeueRemainder turns un-sampled responses into review items.
func requeueRemainder(db *gorm.DB, ids []uint) (int64, error) {
	var affected int64
	err := forEachChunk(ids, func(chunk []uint) error {
		result := db.Model(&models.SurveyResponse{}).
			Where("id IN ? AND status = ?", chunk, models.ResponseStatusPending).
			Updates(map[string]interface{}{
				"is_sample_response": true,
				"sample_origin":      models.SampleOriginRemainder,
			})
		affected += result.RowsAffected
		return result.Error
	})
	return affected, err
}
