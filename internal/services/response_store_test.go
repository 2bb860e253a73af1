package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
)

func TestResponseStore_BatchDate(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	store := NewResponseStore(nil, tokyo, nil)

	// 20:30 UTC is already the next day in Tokyo.
	ts := time.Date(2026, 10, 18, 20, 30, 0, 0, time.UTC)
	if got := store.BatchDate(ts); got != "2026-10-19" {
		t.Errorf("BatchDate = %q, expected 2026-10-19", got)
	}
	if got := NewResponseStore(nil, nil, nil).BatchDate(ts); got != "2026-10-18" {
		t.Errorf("UTC BatchDate = %q, expected 2026-10-18", got)
	}
}

func TestResponseStore_RecordResponse(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	a, err := p.store.RecordResponse(ctx, &RecordResponseRequest{SurveyID: 1, InterviewerID: 5, Answers: `{"q1":"a"}`})
	if err != nil {
		t.Fatalf("RecordResponse error: %v", err)
	}
	b, err := p.store.RecordResponse(ctx, &RecordResponseRequest{SurveyID: 1, InterviewerID: 6})
	if err != nil {
		t.Fatalf("RecordResponse error: %v", err)
	}
	c, err := p.store.RecordResponse(ctx, &RecordResponseRequest{SurveyID: 2, InterviewerID: 6})
	if err != nil {
		t.Fatalf("RecordResponse error: %v", err)
	}

	if a.Status != models.ResponseStatusPending {
		t.Errorf("Status = %q, expected %q", a.Status, models.ResponseStatusPending)
	}
	if !a.CompletedAt.Equal(p.clock.Now()) {
		t.Errorf("CompletedAt = %v, expected clock time %v", a.CompletedAt, p.clock.Now())
	}
	if a.BatchID != b.BatchID {
		t.Errorf("same survey and day should share a batch: %d != %d", a.BatchID, b.BatchID)
	}
	if a.BatchID == c.BatchID {
		t.Error("different surveys should not share a batch")
	}

	batch := p.reload(t, a.BatchID)
	if batch.TotalResponses != 2 || batch.BatchDate != "2026-10-18" || batch.Status != models.BatchStatusCollecting {
		t.Errorf("batch = %+v, expected 2 responses collecting on 2026-10-18", batch)
	}
}

func TestResponseStore_RecordAfterClose(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	batch := p.collect(t, 1, 2)
	if _, err := p.batches.CloseBatch(ctx, batch.ID); err != nil {
		t.Fatalf("CloseBatch error: %v", err)
	}

	_, err := p.store.RecordResponse(ctx, &RecordResponseRequest{SurveyID: 1, InterviewerID: 1, CompletedAt: p.clock.Now()})
	if !errors.Is(err, ErrBatchClosed) {
		t.Errorf("late response err = %v, expected ErrBatchClosed", err)
	}

	// The next day opens a new batch.
	_, err = p.store.RecordResponse(ctx, &RecordResponseRequest{SurveyID: 1, InterviewerID: 1, CompletedAt: p.clock.Now().Add(24 * time.Hour)})
	if err != nil {
		t.Errorf("next day response error: %v", err)
	}
}

func TestResponseStore_ListResponses(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.collect(t, 1, 3)
	p.clock.Advance(48 * time.Hour)
	p.collect(t, 1, 2)
	p.collect(t, 2, 4)

	all, err := p.store.ListResponses(ctx, &ResponseListRequest{SurveyID: 1})
	if err != nil {
		t.Fatalf("ListResponses error: %v", err)
	}
	if all.Total != 5 {
		t.Errorf("Total = %d, expected 5", all.Total)
	}

	day := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	ranged, err := p.store.ListResponses(ctx, &ResponseListRequest{SurveyID: 1, StartDate: day, EndDate: day})
	if err != nil {
		t.Fatalf("ListResponses error: %v", err)
	}
	if ranged.Total != 2 {
		t.Errorf("Total in range = %d, expected 2", ranged.Total)
	}

	paged, _ := p.store.ListResponses(ctx, &ResponseListRequest{SurveyID: 1, Page: 2, PageSize: 2})
	if len(paged.Items) != 2 || paged.Items[0].CompletedAt.Before(all.Items[1].CompletedAt) {
		t.Errorf("page 2 = %d items, expected 2 in completion order", len(paged.Items))
	}
}

func TestResponseStore_UpdateStatus(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.collect(t, 1, 3)

	var ids []uint
	p.db.Model(&models.SurveyResponse{}).Order("id ASC").Pluck("id", &ids)

	if err := p.store.UpdateResponseStatus(ctx, ids[0], "Maybe", nil, 1); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("invalid status err = %v, expected ErrInvalidStatus", err)
	}
	if err := p.store.UpdateResponseStatus(ctx, 9999, models.ResponseStatusApproved, nil, 1); !errors.Is(err, ErrResponseNotFound) {
		t.Errorf("unknown response err = %v, expected ErrResponseNotFound", err)
	}

	rec := &models.VerificationRecord{AudioQuality: 5, QuestionAccuracy: "Yes", DataAccuracy: "Yes", LocationMatch: "Yes"}
	if err := p.store.UpdateResponseStatus(ctx, ids[0], models.ResponseStatusApproved, rec, 7); err != nil {
		t.Fatalf("UpdateResponseStatus error: %v", err)
	}
	got, err := p.store.GetResponse(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetResponse error: %v", err)
	}
	if got.Status != models.ResponseStatusApproved || got.Verification() == nil {
		t.Errorf("response = %+v, expected Approved with a record", got)
	}
	if got.VerifiedBy == nil || *got.VerifiedBy != 7 || got.VerifiedAt == nil {
		t.Errorf("verified_by = %v at %v, expected admin 7 with a timestamp", got.VerifiedBy, got.VerifiedAt)
	}

	// Bulk updates only touch pending rows.
	n, err := p.store.BulkUpdateStatus(ctx, ids, models.ResponseStatusRejected)
	if err != nil {
		t.Fatalf("BulkUpdateStatus error: %v", err)
	}
	if n != 2 {
		t.Errorf("bulk affected = %d, expected 2", n)
	}
	if got, _ := p.store.GetResponse(ctx, ids[0]); got.Status != models.ResponseStatusApproved {
		t.Errorf("verified response changed to %q by bulk update", got.Status)
	}
	if _, err := p.store.GetResponse(ctx, 9999); !errors.Is(err, ErrResponseNotFound) {
		t.Errorf("GetResponse unknown err = %v, expected ErrResponseNotFound", err)
	}
}

func TestResponseStore_UpdateStatusValidatesRecord(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.collect(t, 1, 1)

	var id uint
	p.db.Model(&models.SurveyResponse{}).Select("id").Limit(1).Scan(&id)

	bad := &models.VerificationRecord{AudioQuality: 9, QuestionAccuracy: "Yes", DataAccuracy: "Yes", LocationMatch: "Yes"}
	err := p.store.UpdateResponseStatus(ctx, id, models.ResponseStatusApproved, bad, 1)
	var incomplete *IncompleteVerificationError
	if !errors.As(err, &incomplete) || incomplete.Field != "audio_quality" {
		t.Errorf("out of range record err = %v, expected incomplete audio_quality", err)
	}
	if got, _ := p.store.GetResponse(ctx, id); got.Status != models.ResponseStatusPending || got.Verification() != nil {
		t.Errorf("response after rejected override = %q, expected untouched", got.Status)
	}
}

func TestResponseStore_RevertToPending(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	batch := p.closeBatch(t, 1, 4, 100, defaultRules())

	result := p.verifyNext(t, 3, true)
	id := result.ResponseID

	// Still in review: the row goes back to the queue unverified.
	if err := p.store.UpdateResponseStatus(ctx, id, models.ResponseStatusPending, nil, 1); err != nil {
		t.Fatalf("revert during review error: %v", err)
	}
	got, _ := p.store.GetResponse(ctx, id)
	if got.Status != models.ResponseStatusPending || got.VerifiedBy != nil || got.VerifiedAt != nil {
		t.Errorf("reverted response = %q verified_by %v, expected pending and unverified", got.Status, got.VerifiedBy)
	}

	for _, status := range []string{models.BatchStatusCompleted, models.BatchStatusAutoApproved} {
		p.db.Model(&models.Batch{}).Where("id = ?", batch.ID).Update("status", status)
		err := p.store.UpdateResponseStatus(ctx, id, models.ResponseStatusPending, nil, 1)
		if !errors.Is(err, ErrBatchNotReviewable) {
			t.Errorf("revert in %s batch err = %v, expected ErrBatchNotReviewable", status, err)
		}
	}

	// Terminal overrides on a decided batch stay allowed.
	if err := p.store.UpdateResponseStatus(ctx, id, models.ResponseStatusRejected, nil, 1); err != nil {
		t.Errorf("reject in decided batch error: %v", err)
	}
}

func TestResponseStore_BatchIDsOf(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	a := p.collect(t, 1, 2)
	b := p.collect(t, 2, 2)

	var ids []uint
	p.db.Model(&models.SurveyResponse{}).Order("id ASC").Pluck("id", &ids)
	got, err := p.store.BatchIDsOf(ctx, ids)
	if err != nil {
		t.Fatalf("BatchIDsOf error: %v", err)
	}
	if len(got) != 2 || !((got[0] == a.ID && got[1] == b.ID) || (got[0] == b.ID && got[1] == a.ID)) {
		t.Errorf("BatchIDsOf = %v, expected [%d %d]", got, a.ID, b.ID)
	}

	sqlDB, _ := p.db.DB()
	sqlDB.Close()
	if _, err := p.store.BatchIDsOf(ctx, ids); err == nil {
		t.Error("BatchIDsOf on closed store: expected an error")
	}
}

func TestForEachChunk(t *testing.T) {
	ids := make([]uint, bulkChunkSize*2+7)
	var sizes []int
	forEachChunk(ids, func(chunk []uint) error {
		sizes = append(sizes, len(chunk))
		return nil
	})
	if len(sizes) != 3 || sizes[0] != bulkChunkSize || sizes[2] != 7 {
		t.Errorf("chunk sizes = %v, expected [%d %d 7]", sizes, bulkChunkSize, bulkChunkSize)
	}
}
