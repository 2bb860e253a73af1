package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// bulkChunkSize keeps IN lists under the sqlite bound-parameter limit.
const bulkChunkSize = 500

// ResponseStore persists survey responses and files each one into the batch
// of its survey and collection day.
type ResponseStore struct {
	db    *gorm.DB
	loc   *time.Location
	clock Clock
}

func NewResponseStore(db *gorm.DB, loc *time.Location, clock Clock) *ResponseStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ResponseStore{db: db, loc: loc, clock: clock}
}

// RecordResponseRequest is a completed interview handed over by the
// collection side.
type RecordResponseRequest struct {
	SurveyID      uint      `json:"survey_id" binding:"required"`
	InterviewerID uint      `json:"interviewer_id" binding:"required"`
	Answers       string    `json:"answers"`
	CompletedAt   time.Time `json:"completed_at"`
}

type ResponseListRequest struct {
	SurveyID  uint      `form:"survey_id" binding:"required"`
	StartDate time.Time `form:"start_date" time_format:"2006-01-02"`
	EndDate   time.Time `form:"end_date" time_format:"2006-01-02"`
	Status    string    `form:"status"`
	Page      int       `form:"page"`
	PageSize  int       `form:"page_size" binding:"omitempty,max=500"`
}

type ResponseListResponse struct {
	Total    int64                   `json:"total"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
	Items    []models.SurveyResponse `json:"items"`
}

// BatchDate is the calendar day key of t in the store's time zone.
func (s *ResponseStore) BatchDate(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// RecordResponse stores a response as PendingApproval in its day batch,
// creating the batch on first arrival.
func (s *ResponseStore) RecordResponse(ctx context.Context, req *RecordResponseRequest) (*models.SurveyResponse, error) {
	completedAt := req.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.clock.now()
	}
	day := s.BatchDate(completedAt)

	fresh := models.Batch{SurveyID: req.SurveyID, BatchDate: day, Status: models.BatchStatusCollecting}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "survey_id"}, {Name: "batch_date"}}, DoNothing: true}).
		Create(&fresh).Error; err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	// Reload by key; the insert may have been a no-op.
	var batch models.Batch
	if err := s.db.WithContext(ctx).
		Where("survey_id = ? AND batch_date = ?", req.SurveyID, day).
		First(&batch).Error; err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	if batch.Status != models.BatchStatusCollecting {
		return nil, ErrBatchClosed
	}

	resp := &models.SurveyResponse{
		SurveyID:      req.SurveyID,
		InterviewerID: req.InterviewerID,
		BatchID:       batch.ID,
		Answers:       req.Answers,
		CompletedAt:   completedAt.UTC(),
		Status:        models.ResponseStatusPending,
	}
	// The counter bump holds the batch row until commit, so a concurrent
	// close either sees this response or makes the bump fail.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Batch{}).
			Where("id = ? AND status = ?", batch.ID, models.BatchStatusCollecting).
			UpdateColumn("total_responses", gorm.Expr("total_responses + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBatchClosed
		}
		return tx.Create(resp).Error
	})
	if errors.Is(err, ErrBatchClosed) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("create response: %w", err)
	}

	logger.Debug().
		Uint("response_id", resp.ID).
		Uint("batch_id", batch.ID).
		Str("batch_date", day).
		Msg("[ResponseStore] Response recorded")
	return resp, nil
}

// ListResponses lists a survey's responses completed within [start, end]
// (whole days, inclusive). Zero bounds are open.
func (s *ResponseStore) ListResponses(ctx context.Context, req *ResponseListRequest) (*ResponseListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&models.SurveyResponse{}).Where("survey_id = ?", req.SurveyID)
	if !req.StartDate.IsZero() {
		start := time.Date(req.StartDate.Year(), req.StartDate.Month(), req.StartDate.Day(), 0, 0, 0, 0, s.loc)
		query = query.Where("completed_at >= ?", start.UTC())
	}
	if !req.EndDate.IsZero() {
		end := time.Date(req.EndDate.Year(), req.EndDate.Month(), req.EndDate.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
		query = query.Where("completed_at < ?", end.UTC())
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var items []models.SurveyResponse
	offset := (req.Page - 1) * req.PageSize
	if err := query.Order("completed_at ASC, id ASC").Offset(offset).Limit(req.PageSize).Find(&items).Error; err != nil {
		return nil, err
	}

	return &ResponseListResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: items}, nil
}

func (s *ResponseStore) GetResponse(ctx context.Context, id uint) (*models.SurveyResponse, error) {
	var resp models.SurveyResponse
	if err := s.db.WithContext(ctx).First(&resp, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResponseNotFound
		}
		return nil, err
	}
	return &resp, nil
}

// UpdateResponseStatus overrides a response's status. A terminal status
// carrying a verification form is validated and attributed to actorID like an
// individual review. Reverting to PendingApproval is refused once the batch
// has been decided, since nothing would ever lease the row again. Any lease is
// cleared.
func (s *ResponseStore) UpdateResponseStatus(ctx context.Context, id uint, status string, record *models.VerificationRecord, actorID uint) error {
	if status != models.ResponseStatusApproved && status != models.ResponseStatusRejected && status != models.ResponseStatusPending {
		return ErrInvalidStatus
	}
	if record != nil && status != models.ResponseStatusPending {
		if err := ValidateRecord(record); err != nil {
			return err
		}
	}

	resp, err := s.GetResponse(ctx, id)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"status": status}
	clearLease(updates)
	if status == models.ResponseStatusPending {
		var batch models.Batch
		if err := s.db.WithContext(ctx).First(&batch, resp.BatchID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBatchNotFound
			}
			return err
		}
		if batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusAutoApproved {
			return ErrBatchNotReviewable
		}
		updates["verified_by"] = nil
		updates["verified_at"] = nil
	} else if record != nil {
		updates["audio_quality"] = record.AudioQuality
		updates["question_accuracy"] = record.QuestionAccuracy
		updates["data_accuracy"] = record.DataAccuracy
		updates["location_match"] = record.LocationMatch
		updates["feedback"] = record.Feedback
		updates["verified_by"] = actorID
		updates["verified_at"] = s.clock.now()
	}

	result := s.db.WithContext(ctx).Model(&models.SurveyResponse{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrResponseNotFound
	}
	return nil
}

// BulkUpdateStatus sets status on every id still PendingApproval and
// returns the number of rows changed.
func (s *ResponseStore) BulkUpdateStatus(ctx context.Context, ids []uint, status string) (int64, error) {
	return bulkUpdateStatus(s.db.WithContext(ctx), ids, status)
}

func bulkUpdateStatus(db *gorm.DB, ids []uint, status string) (int64, error) {
	if status != models.ResponseStatusApproved && status != models.ResponseStatusRejected {
		return 0, ErrInvalidStatus
	}
	var affected int64
	err := forEachChunk(ids, func(chunk []uint) error {
		updates := map[string]interface{}{"status": status}
		clearLease(updates)
		result := db.Model(&models.SurveyResponse{}).
			Where("id IN ? AND status = ?", chunk, models.ResponseStatusPending).
			Updates(updates)
		affected += result.RowsAffected
		return result.Error
	})
	return affected, err
}

func clearLease(updates map[string]interface{}) {
	updates["assignment_id"] = nil
	updates["assigned_to"] = nil
	updates["assigned_at"] = nil
	updates["lease_expires_at"] = nil
}

func forEachChunk(ids []uint, fn func([]uint) error) error {
	for start := 0; start < len(ids); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// BatchIDsOf returns the distinct batches the given responses belong to.
func (s *ResponseStore) BatchIDsOf(ctx context.Context, ids []uint) ([]uint, error) {
	seen := make(map[uint]bool)
	var batchIDs []uint
	err := forEachChunk(ids, func(chunk []uint) error {
		var part []uint
		if err := s.db.WithContext(ctx).Model(&models.SurveyResponse{}).
			Where("id IN ?", chunk).Distinct("batch_id").Pluck("batch_id", &part).Error; err != nil {
			return err
		}
		for _, id := range part {
			if !seen[id] {
				seen[id] = true
				batchIDs = append(batchIDs, id)
			}
		}
		return nil
	})
	return batchIDs, err
}
