package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/pkg/logger"
	"gorm.io/gorm"
)

// BatchService closes day batches, draws their QC sample and serves batch
// listings.
type BatchService struct {
	db        *gorm.DB
	configs   *SamplingConfigService
	remainder *RemainderEngine
	stats     *StatsService
	loc       *time.Location
	seed      uint64
	clock     Clock
}

// NewBatchService builds the service. A zero seed draws a random one, so
// samples are reproducible only when a seed is configured.
func NewBatchService(db *gorm.DB, configs *SamplingConfigService, remainder *RemainderEngine, stats *StatsService, loc *time.Location, seed uint64, clock Clock) *BatchService {
	if loc == nil {
		loc = time.UTC
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &BatchService{db: db, configs: configs, remainder: remainder, stats: stats, loc: loc, seed: seed, clock: clock}
}

type BatchListResponse struct {
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Items    []models.Batch `json:"items"`
}

// BatchDetail is a batch with its rules, live stats and a page of responses.
type BatchDetail struct {
	models.Batch
	Decision  *models.RemainingDecision `json:"decision,omitempty"`
	Rules     []models.ApprovalRule     `json:"rules"`
	Stats     *BatchStats               `json:"stats"`
	Responses ResponseListResponse      `json:"responses"`
}

// SampleSize is round(pct/100 * total), the whole batch at 100%.
func SampleSize(samplePercentage, total int) int {
	if samplePercentage >= 100 {
		return total
	}
	if samplePercentage <= 0 || total <= 0 {
		return 0
	}
	n := int(math.Round(float64(samplePercentage*total) / 100))
	if n > total {
		n = total
	}
	return n
}

// drawSample picks size ids uniformly without replacement. The draw depends
// only on the service seed, the batch id and the id set.
func (s *BatchService) drawSample(batchID uint, ids []uint, size int) []uint {
	shuffled := make([]uint, len(ids))
	copy(shuffled, ids)
	rng := rand.New(rand.NewPCG(s.seed, uint64(batchID)))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:size]
}

// CloseBatch stops collection for a batch and draws its sample. Only the
// first call for a batch does anything; later ones get ErrBatchNotCollecting.
func (s *BatchService) CloseBatch(ctx context.Context, batchID uint) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.WithContext(ctx).First(&batch, batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	if batch.Status != models.BatchStatusCollecting {
		return nil, ErrBatchNotCollecting
	}

	cfg, err := s.configs.GetConfig(ctx, batch.SurveyID)
	if err != nil {
		return nil, err
	}
	snapshot, err := encodeRules(cfg.ApprovalRules)
	if err != nil {
		return nil, err
	}

	now := s.clock.now()
	var sampleSize, total int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Model(&models.Batch{}).
			Where("id = ? AND status = ?", batch.ID, models.BatchStatusCollecting).
			Updates(map[string]interface{}{"status": models.BatchStatusProcessing, "closed_at": now})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return ErrBatchNotCollecting
		}

		var ids []uint
		if err := tx.Model(&models.SurveyResponse{}).
			Where("batch_id = ?", batch.ID).
			Order("id ASC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		total = len(ids)
		sampleSize = SampleSize(cfg.SamplePercentage, total)
		sample := s.drawSample(batch.ID, ids, sampleSize)

		if err := forEachChunk(sample, func(chunk []uint) error {
			return tx.Model(&models.SurveyResponse{}).
				Where("id IN ?", chunk).
				Updates(map[string]interface{}{
					"is_sample_response": true,
					"sample_origin":      models.SampleOriginInitial,
				}).Error
		}); err != nil {
			return err
		}

		return tx.Model(&models.Batch{}).Where("id = ?", batch.ID).Updates(map[string]interface{}{
			"status":            models.BatchStatusQCInProgress,
			"total_responses":   total,
			"sample_size":       sampleSize,
			"remaining_size":    total - sampleSize,
			"sample_percentage": cfg.SamplePercentage,
			"rules_snapshot":    snapshot,
		}).Error
	})
	if errors.Is(err, ErrBatchNotCollecting) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("close batch %d: %w", batch.ID, err)
	}

	logger.Info().
		Uint("batch_id", batch.ID).
		Str("batch_date", batch.BatchDate).
		Int("total", total).
		Int("sample_size", sampleSize).
		Int("sample_percentage", cfg.SamplePercentage).
		Msg("[BatchScheduler] Batch closed")
	LogInfo("batch", "close",
		fmt.Sprintf("Batch %s closed: %d responses, %d sampled at %d%%", batch.BatchDate, total, sampleSize, cfg.SamplePercentage),
		AuditRef{SurveyID: &batch.SurveyID, BatchID: &batch.ID}, nil)

	if s.stats != nil {
		s.stats.Invalidate(ctx, batch.ID)
	}
	PublishQCEvent(QCEvent{Type: EventBatchClosed, SurveyID: batch.SurveyID, BatchID: batch.ID, Status: models.BatchStatusQCInProgress})

	// Nothing to review: resolve the remainder or complete right away.
	if sampleSize == 0 && s.remainder != nil {
		if _, err := s.remainder.Evaluate(ctx, batch.ID); err != nil {
			return nil, err
		}
	}

	if err := s.db.WithContext(ctx).First(&batch, batch.ID).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// DueBatches lists collecting batches whose day is over at now.
func (s *BatchService) DueBatches(ctx context.Context, now time.Time) ([]models.Batch, error) {
	today := now.In(s.loc).Format("2006-01-02")
	var batches []models.Batch
	err := s.db.WithContext(ctx).
		Where("status = ? AND batch_date < ?", models.BatchStatusCollecting, today).
		Order("batch_date ASC, id ASC").
		Find(&batches).Error
	return batches, err
}

// CloseDueBatches hands every due batch to the queue and returns how many
// were enqueued.
func (s *BatchService) CloseDueBatches(ctx context.Context, now time.Time, queue TaskQueue) (int, error) {
	batches, err := s.DueBatches(ctx, now)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, b := range batches {
		if err := queue.Enqueue(&BatchTask{BatchID: b.ID, SurveyID: b.SurveyID, BatchDate: b.BatchDate}); err != nil {
			logger.Error().Err(err).Uint("batch_id", b.ID).Msg("[BatchScheduler] Failed to enqueue close task")
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// ProcessBatchTask is the queue processor for close tasks. A batch that is
// already closed is not an error, so redelivered tasks are harmless.
func (s *BatchService) ProcessBatchTask(ctx context.Context, task *BatchTask) error {
	_, err := s.CloseBatch(ctx, task.BatchID)
	if errors.Is(err, ErrBatchNotCollecting) {
		logger.Debug().Uint("batch_id", task.BatchID).Msg("[BatchScheduler] Batch already closed")
		return nil
	}
	return err
}

func (s *BatchService) ListBatches(ctx context.Context, surveyID uint, page, pageSize int) (*BatchListResponse, error) {
	page, pageSize = normalizePage(page, pageSize)

	query := s.db.WithContext(ctx).Model(&models.Batch{}).Where("survey_id = ?", surveyID)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var items []models.Batch
	if err := query.Order("batch_date DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&items).Error; err != nil {
		return nil, err
	}
	return &BatchListResponse{Total: total, Page: page, PageSize: pageSize, Items: items}, nil
}

// GetBatch returns a batch with live stats and one page of its responses.
func (s *BatchService) GetBatch(ctx context.Context, batchID uint, page, pageSize int) (*BatchDetail, error) {
	var batch models.Batch
	if err := s.db.WithContext(ctx).First(&batch, batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	stats, err := s.stats.BatchStats(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	page, pageSize = normalizePage(page, pageSize)
	detail := &BatchDetail{
		Batch:     batch,
		Decision:  batch.Decision(),
		Rules:     decodeRules(batch.RulesSnapshot),
		Stats:     stats,
		Responses: ResponseListResponse{Page: page, PageSize: pageSize},
	}

	query := s.db.WithContext(ctx).Model(&models.SurveyResponse{}).Where("batch_id = ?", batch.ID)
	if err := query.Count(&detail.Responses.Total).Error; err != nil {
		return nil, err
	}
	if err := query.Order("id ASC").Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&detail.Responses.Items).Error; err != nil {
		return nil, err
	}
	return detail, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 500 {
		pageSize = 500
	}
	return page, pageSize
}

func encodeRules(rules []models.ApprovalRule) (string, error) {
	if len(rules) == 0 {
		return "", nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("encode rules snapshot: %w", err)
	}
	return string(data), nil
}

// decodeRules reads a batch's rule snapshot. Batches closed without one use
// the default rules.
func decodeRules(snapshot string) []models.ApprovalRule {
	if snapshot == "" {
		return DefaultSamplingConfig(0).ApprovalRules
	}
	var rules []models.ApprovalRule
	if err := json.Unmarshal([]byte(snapshot), &rules); err != nil {
		logger.Warn().Err(err).Msg("[BatchScheduler] Unreadable rules snapshot, using defaults")
		return DefaultSamplingConfig(0).ApprovalRules
	}
	return rules
}
