package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"gorm.io/gorm"
)

// BatchStats is the live QC picture of one batch. Sample* counters cover the
// initial sample only, which is what the remainder decision is based on.
type BatchStats struct {
	BatchID       uint   `json:"batch_id"`
	Status        string `json:"status"`
	Total         int64  `json:"total_responses"`
	SampleSize    int    `json:"sample_size"`
	RemainingSize int    `json:"remaining_size"`

	Approved int64 `json:"approved"`
	Rejected int64 `json:"rejected"`
	Pending  int64 `json:"pending"`

	SampleApproved int64   `json:"sample_approved"`
	SampleRejected int64   `json:"sample_rejected"`
	SamplePending  int64   `json:"sample_pending"`
	TotalQCed      int64   `json:"total_qced"`
	ApprovalRate   float64 `json:"approval_rate"`

	// Remainder items routed to review by a send_to_qc decision
	RequeuedApproved int64 `json:"requeued_approved"`
	RequeuedRejected int64 `json:"requeued_rejected"`
	RequeuedPending  int64 `json:"requeued_pending"`

	ActiveLeases int64     `json:"active_leases"`
	ComputedAt   time.Time `json:"computed_at"`
}

// SampleExhausted reports whether every initially sampled item is terminal.
func (s *BatchStats) SampleExhausted() bool {
	return s.TotalQCed >= int64(s.SampleSize)
}

// ReviewerStats summarizes one reviewer's verifications.
type ReviewerStats struct {
	ReviewerID uint      `json:"reviewer_id"`
	Since      time.Time `json:"since"`
	Verified   int64     `json:"verified"`
	Approved   int64     `json:"approved"`
	Rejected   int64     `json:"rejected"`
	HasLease   bool      `json:"has_active_lease"`
}

type StatsService struct {
	db    *gorm.DB
	cache StatsCache
	ttl   time.Duration
	clock Clock
}

func NewStatsService(db *gorm.DB, cache StatsCache, ttl time.Duration, clock Clock) *StatsService {
	if cache == nil {
		cache = NoopStatsCache{}
	}
	return &StatsService{db: db, cache: cache, ttl: ttl, clock: clock}
}

// BatchStats returns cached stats when available.
func (s *StatsService) BatchStats(ctx context.Context, batchID uint) (*BatchStats, error) {
	if cached, ok := s.cache.Get(ctx, batchID); ok {
		return cached, nil
	}

	var batch models.Batch
	if err := s.db.WithContext(ctx).First(&batch, batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	stats, err := computeBatchStats(s.db.WithContext(ctx), &batch, s.clock.now())
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, stats, s.ttl)
	return stats, nil
}

// FreshBatchStats bypasses the cache; db may be a transaction.
func (s *StatsService) FreshBatchStats(db *gorm.DB, batch *models.Batch) (*BatchStats, error) {
	return computeBatchStats(db, batch, s.clock.now())
}

// Invalidate drops the cached stats of a batch after a write.
func (s *StatsService) Invalidate(ctx context.Context, batchID uint) {
	s.cache.Delete(ctx, batchID)
}

type statusCount struct {
	SampleOrigin string
	Status       string
	Count        int64
}

func computeBatchStats(db *gorm.DB, batch *models.Batch, now time.Time) (*BatchStats, error) {
	var rows []statusCount
	if err := db.Model(&models.SurveyResponse{}).
		Select("sample_origin, status, COUNT(*) AS count").
		Where("batch_id = ?", batch.ID).
		Group("sample_origin, status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count batch responses: %w", err)
	}

	stats := &BatchStats{
		BatchID:       batch.ID,
		Status:        batch.Status,
		SampleSize:    batch.SampleSize,
		RemainingSize: batch.RemainingSize,
		ComputedAt:    now,
	}

	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case models.ResponseStatusApproved:
			stats.Approved += r.Count
		case models.ResponseStatusRejected:
			stats.Rejected += r.Count
		default:
			stats.Pending += r.Count
		}

		switch r.SampleOrigin {
		case models.SampleOriginInitial:
			switch r.Status {
			case models.ResponseStatusApproved:
				stats.SampleApproved += r.Count
			case models.ResponseStatusRejected:
				stats.SampleRejected += r.Count
			default:
				stats.SamplePending += r.Count
			}
		case models.SampleOriginRemainder:
			switch r.Status {
			case models.ResponseStatusApproved:
				stats.RequeuedApproved += r.Count
			case models.ResponseStatusRejected:
				stats.RequeuedRejected += r.Count
			default:
				stats.RequeuedPending += r.Count
			}
		}
	}

	stats.TotalQCed = stats.SampleApproved + stats.SampleRejected
	stats.ApprovalRate = ApprovalRate(stats.SampleApproved, stats.TotalQCed)

	if err := db.Model(&models.SurveyResponse{}).
		Where("batch_id = ? AND assigned_to IS NOT NULL AND lease_expires_at > ?", batch.ID, now).
		Count(&stats.ActiveLeases).Error; err != nil {
		return nil, fmt.Errorf("count active leases: %w", err)
	}

	return stats, nil
}

// ReviewerStats counts a reviewer's verifications since the given time.
func (s *StatsService) ReviewerStats(ctx context.Context, reviewerID uint, since time.Time) (*ReviewerStats, error) {
	var rows []statusCount
	if err := s.db.WithContext(ctx).Model(&models.SurveyResponse{}).
		Select("status, COUNT(*) AS count").
		Where("verified_by = ? AND verified_at >= ?", reviewerID, since.UTC()).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := &ReviewerStats{ReviewerID: reviewerID, Since: since}
	for _, r := range rows {
		out.Verified += r.Count
		switch r.Status {
		case models.ResponseStatusApproved:
			out.Approved += r.Count
		case models.ResponseStatusRejected:
			out.Rejected += r.Count
		}
	}

	var leased int64
	if err := s.db.WithContext(ctx).Model(&models.SurveyResponse{}).
		Where("assigned_to = ? AND lease_expires_at > ?", reviewerID, s.clock.now()).
		Count(&leased).Error; err != nil {
		return nil, err
	}
	out.HasLease = leased > 0
	return out, nil
}
