package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultClaimCandidates = 10

// ClaimFilter narrows the queue a reviewer draws from. Zero fields match all.
type ClaimFilter struct {
	SurveyID uint `form:"survey_id"`
	BatchID  uint `form:"batch_id"`
}

// Assignment is an active review lease as handed to a reviewer.
type Assignment struct {
	AssignmentID string                 `json:"assignment_id"`
	ReviewerID   uint                   `json:"reviewer_id"`
	AssignedAt   time.Time              `json:"assigned_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
	ExpiresIn    string                 `json:"expires_in"`
	Response     *models.SurveyResponse `json:"response"`
}

// LeaseManager hands pending sample responses to reviewers one at a time.
// Every state change is a conditional single-row UPDATE on the response, so
// any number of server instances can share one database.
type LeaseManager struct {
	db         *gorm.DB
	ttl        time.Duration
	candidates int
	stats      *StatsService
	clock      Clock
}

func NewLeaseManager(db *gorm.DB, ttl time.Duration, candidates int, stats *StatsService, clock Clock) *LeaseManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if candidates <= 0 {
		candidates = defaultClaimCandidates
	}
	return &LeaseManager{db: db, ttl: ttl, candidates: candidates, stats: stats, clock: clock}
}

// TTL is the lease duration.
func (m *LeaseManager) TTL() time.Duration {
	return m.ttl
}

// ClaimNext returns the reviewer's active lease if there is one, otherwise
// leases the oldest eligible sample response. ErrNoneAvailable means the
// queue is empty for this filter.
func (m *LeaseManager) ClaimNext(ctx context.Context, reviewerID uint, filter ClaimFilter) (*Assignment, error) {
	if current, err := m.Current(ctx, reviewerID); err != nil || current != nil {
		return current, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := m.clock.now()
		candidates, err := m.findCandidates(ctx, filter, now)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, ErrNoneAvailable
		}

		for i := range candidates {
			assignment, err := m.tryClaim(ctx, &candidates[i], reviewerID, now)
			if errors.Is(err, ErrConcurrentClaimConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return m.settleSelfClaims(ctx, reviewerID, assignment)
		}

		// Every attempt lost. A concurrent call by the same reviewer may
		// have won, in which case that lease is the answer.
		if current, err := m.Current(ctx, reviewerID); err != nil || current != nil {
			return current, err
		}
		logger.Debug().Uint("reviewer_id", reviewerID).Msg("[Lease] Lost all candidate races, retrying")
	}
}

func (m *LeaseManager) findCandidates(ctx context.Context, filter ClaimFilter, now time.Time) ([]models.SurveyResponse, error) {
	query := m.db.WithContext(ctx).Model(&models.SurveyResponse{}).
		Joins("JOIN batches ON batches.id = survey_responses.batch_id").
		Where("survey_responses.is_sample_response = ? AND survey_responses.status = ?", true, models.ResponseStatusPending).
		Where("(survey_responses.assigned_to IS NULL OR survey_responses.lease_expires_at <= ?)", now).
		Where("batches.status IN ?", []string{models.BatchStatusQCInProgress, models.BatchStatusQueuedForQC})
	if filter.SurveyID != 0 {
		query = query.Where("survey_responses.survey_id = ?", filter.SurveyID)
	}
	if filter.BatchID != 0 {
		query = query.Where("survey_responses.batch_id = ?", filter.BatchID)
	}

	var candidates []models.SurveyResponse
	err := query.Select("survey_responses.*").
		Order("survey_responses.completed_at ASC, survey_responses.id ASC").
		Limit(m.candidates).
		Find(&candidates).Error
	return candidates, err
}

// tryClaim is one compare-and-set attempt on a single response.
func (m *LeaseManager) tryClaim(ctx context.Context, resp *models.SurveyResponse, reviewerID uint, now time.Time) (*Assignment, error) {
	assignmentID := uuid.NewString()
	expiresAt := now.Add(m.ttl)

	result := m.db.WithContext(ctx).Model(&models.SurveyResponse{}).
		Where("id = ? AND status = ?", resp.ID, models.ResponseStatusPending).
		Where("(assigned_to IS NULL OR lease_expires_at <= ?)", now).
		// One live lease per reviewer. The derived table keeps MySQL from
		// rejecting a subquery on the table being updated.
		Where("NOT EXISTS (SELECT 1 FROM (SELECT id FROM survey_responses WHERE assigned_to = ? AND lease_expires_at > ? AND status = ?) AS held)",
			reviewerID, now, models.ResponseStatusPending).
		Updates(map[string]interface{}{
			"assignment_id":    assignmentID,
			"assigned_to":      reviewerID,
			"assigned_at":      now,
			"lease_expires_at": expiresAt,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected != 1 {
		return nil, ErrConcurrentClaimConflict
	}

	resp.AssignmentID = &assignmentID
	resp.AssignedTo = &reviewerID
	resp.AssignedAt = &now
	resp.LeaseExpiresAt = &expiresAt
	return m.toAssignment(resp, now), nil
}

// settleSelfClaims enforces one lease per reviewer after a win. Statements
// on drivers without serialized writers can still let two claims by the same
// reviewer commit; the lowest response id is kept and every other live lease
// of the reviewer is released, including ones returned by an earlier call.
func (m *LeaseManager) settleSelfClaims(ctx context.Context, reviewerID uint, won *Assignment) (*Assignment, error) {
	now := m.clock.now()
	var held []models.SurveyResponse
	if err := m.activeLeases(ctx, reviewerID, now).Find(&held).Error; err != nil {
		return nil, err
	}
	if len(held) == 0 {
		// Force-released between claim and settle.
		return nil, ErrLeaseExpired
	}

	keep := held[0]
	for i := range held[1:] {
		dropped := &held[i+1]
		result := m.db.WithContext(ctx).Model(&models.SurveyResponse{}).
			Where("id = ? AND assignment_id = ?", dropped.ID, *dropped.AssignmentID).
			Updates(leaseCleared())
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 && dropped.ID != won.Response.ID {
			m.afterLeaseChange(ctx, dropped, reviewerID, EventAssignmentReleased)
		}
		logger.Debug().
			Uint("reviewer_id", reviewerID).
			Uint("dropped_response_id", dropped.ID).
			Uint("kept_response_id", keep.ID).
			Msg("[Lease] Concurrent self-claim settled")
	}

	if keep.ID != won.Response.ID {
		return m.toAssignment(&keep, now), nil
	}
	m.afterLeaseChange(ctx, won.Response, reviewerID, EventAssignmentClaimed)
	logger.Info().
		Uint("reviewer_id", reviewerID).
		Uint("response_id", won.Response.ID).
		Time("expires_at", won.ExpiresAt).
		Msg("[Lease] Assignment claimed")
	return won, nil
}

// Current returns the reviewer's active lease, or nil.
func (m *LeaseManager) Current(ctx context.Context, reviewerID uint) (*Assignment, error) {
	now := m.clock.now()
	var resp models.SurveyResponse
	err := m.activeLeases(ctx, reviewerID, now).First(&resp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.toAssignment(&resp, now), nil
}

// Release gives a lease back before it expires. Releasing a lease that is
// gone or held by someone else is not an error; released reports whether
// this call cleared it.
func (m *LeaseManager) Release(ctx context.Context, responseID, reviewerID uint) (bool, error) {
	now := m.clock.now()
	var resp models.SurveyResponse
	if err := m.db.WithContext(ctx).First(&resp, responseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrResponseNotFound
		}
		return false, err
	}

	result := m.db.WithContext(ctx).Model(&models.SurveyResponse{}).
		Where("id = ? AND assigned_to = ? AND lease_expires_at > ? AND status = ?",
			responseID, reviewerID, now, models.ResponseStatusPending).
		Updates(leaseCleared())
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	m.afterLeaseChange(ctx, &resp, reviewerID, EventAssignmentReleased)
	logger.Info().Uint("reviewer_id", reviewerID).Uint("response_id", responseID).Msg("[Lease] Assignment released")
	return true, nil
}

// ForceRelease clears whatever live lease a response carries, whoever holds
// it. It is the admin path for abandoned assignments and is audited.
func (m *LeaseManager) ForceRelease(ctx context.Context, responseID, adminID uint) (bool, error) {
	now := m.clock.now()
	var resp models.SurveyResponse
	if err := m.db.WithContext(ctx).First(&resp, responseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrResponseNotFound
		}
		return false, err
	}
	if !resp.HasActiveLease(now) || resp.Status != models.ResponseStatusPending {
		return false, nil
	}
	holder := *resp.AssignedTo

	result := m.db.WithContext(ctx).Model(&models.SurveyResponse{}).
		Where("id = ? AND assignment_id = ? AND lease_expires_at > ?", responseID, *resp.AssignmentID, now).
		Updates(leaseCleared())
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	m.afterLeaseChange(ctx, &resp, holder, EventAssignmentReleased)
	logger.Warn().Uint("admin_id", adminID).Uint("reviewer_id", holder).Uint("response_id", responseID).Msg("[Lease] Assignment force-released")
	LogWarning("lease", "force_release",
		fmt.Sprintf("Lease on response %d held by reviewer %d force-released", responseID, holder),
		AuditRef{UserID: &adminID, SurveyID: &resp.SurveyID, BatchID: &resp.BatchID},
		map[string]interface{}{"response_id": responseID, "reviewer_id": holder})
	return true, nil
}

func (m *LeaseManager) activeLeases(ctx context.Context, reviewerID uint, now time.Time) *gorm.DB {
	return m.db.WithContext(ctx).
		Where("assigned_to = ? AND lease_expires_at > ? AND status = ?", reviewerID, now, models.ResponseStatusPending).
		Order("id ASC")
}

func (m *LeaseManager) afterLeaseChange(ctx context.Context, resp *models.SurveyResponse, reviewerID uint, eventType string) {
	if m.stats != nil {
		m.stats.Invalidate(ctx, resp.BatchID)
	}
	PublishQCEvent(QCEvent{
		Type:       eventType,
		SurveyID:   resp.SurveyID,
		BatchID:    resp.BatchID,
		ResponseID: resp.ID,
		ReviewerID: reviewerID,
	})
}

func (m *LeaseManager) toAssignment(resp *models.SurveyResponse, now time.Time) *Assignment {
	a := &Assignment{Response: resp}
	if resp.AssignmentID != nil {
		a.AssignmentID = *resp.AssignmentID
	}
	if resp.AssignedTo != nil {
		a.ReviewerID = *resp.AssignedTo
	}
	if resp.AssignedAt != nil {
		a.AssignedAt = resp.AssignedAt.UTC()
	}
	if resp.LeaseExpiresAt != nil {
		a.ExpiresAt = resp.LeaseExpiresAt.UTC()
		a.ExpiresIn = humanize.RelTime(a.ExpiresAt, now, "ago", "from now")
	}
	return a
}

func leaseCleared() map[string]interface{} {
	updates := map[string]interface{}{}
	clearLease(updates)
	return updates
}
