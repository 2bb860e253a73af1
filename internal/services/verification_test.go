package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		record   models.VerificationRecord
		expected string
	}{
		{"all good", models.VerificationRecord{AudioQuality: 5, QuestionAccuracy: "Yes", DataAccuracy: "Yes", LocationMatch: "Yes"}, models.ResponseStatusApproved},
		{"audio at threshold", models.VerificationRecord{AudioQuality: 3, QuestionAccuracy: "Yes", DataAccuracy: "Yes", LocationMatch: "Yes"}, models.ResponseStatusApproved},
		{"poor audio", models.VerificationRecord{AudioQuality: 2, QuestionAccuracy: "Yes", DataAccuracy: "Yes", LocationMatch: "Yes"}, models.ResponseStatusRejected},
		{"question inaccurate", models.VerificationRecord{AudioQuality: 5, QuestionAccuracy: "No", DataAccuracy: "Yes", LocationMatch: "Yes"}, models.ResponseStatusRejected},
		{"data inaccurate", models.VerificationRecord{AudioQuality: 5, QuestionAccuracy: "Yes", DataAccuracy: "No", LocationMatch: "Yes"}, models.ResponseStatusRejected},
		{"location mismatch", models.VerificationRecord{AudioQuality: 4, QuestionAccuracy: "Yes", DataAccuracy: "Yes", LocationMatch: "No"}, models.ResponseStatusRejected},
		{"everything wrong", models.VerificationRecord{AudioQuality: 1, QuestionAccuracy: "No", DataAccuracy: "No", LocationMatch: "No"}, models.ResponseStatusRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(&tt.record); got != tt.expected {
				t.Errorf("Decide() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestValidateRecord(t *testing.T) {
	valid := models.VerificationRecord{AudioQuality: 3, QuestionAccuracy: "Yes", DataAccuracy: "No", LocationMatch: "Yes"}
	if err := ValidateRecord(&valid); err != nil {
		t.Errorf("valid record: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *models.VerificationRecord)
		field  string
	}{
		{"audio missing", func(r *models.VerificationRecord) { r.AudioQuality = 0 }, "audio_quality"},
		{"audio too high", func(r *models.VerificationRecord) { r.AudioQuality = 6 }, "audio_quality"},
		{"question missing", func(r *models.VerificationRecord) { r.QuestionAccuracy = "" }, "question_accuracy"},
		{"data lowercase", func(r *models.VerificationRecord) { r.DataAccuracy = "yes" }, "data_accuracy"},
		{"location missing", func(r *models.VerificationRecord) { r.LocationMatch = "" }, "location_match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid
			tt.mutate(&rec)
			err := ValidateRecord(&rec)
			var iv *IncompleteVerificationError
			if !errors.As(err, &iv) {
				t.Fatalf("err = %v, expected IncompleteVerificationError", err)
			}
			if iv.Field != tt.field {
				t.Errorf("Field = %q, expected %q", iv.Field, tt.field)
			}
		})
	}

	if err := ValidateRecord(nil); err == nil {
		t.Error("nil record should be incomplete")
	}
}

func TestVerificationEngine_SubmitWritesRecord(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.closeBatch(t, 1, 3, 100, nil)

	a, err := p.leases.ClaimNext(ctx, 4, ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNext error: %v", err)
	}
	p.clock.Advance(10 * time.Minute)

	rec := &models.VerificationRecord{
		AudioQuality:     2,
		QuestionAccuracy: "Yes",
		DataAccuracy:     "Yes",
		LocationMatch:    "Yes",
		Feedback:         "  background noise  ",
	}
	result, err := p.verifier.Submit(ctx, a.Response.ID, 4, rec)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if result.Status != models.ResponseStatusRejected {
		t.Errorf("Status = %q, expected %q", result.Status, models.ResponseStatusRejected)
	}

	var stored models.SurveyResponse
	p.db.First(&stored, a.Response.ID)
	if stored.Status != models.ResponseStatusRejected {
		t.Errorf("stored status = %q, expected Rejected", stored.Status)
	}
	if stored.AssignedTo != nil || stored.AssignmentID != nil || stored.LeaseExpiresAt != nil {
		t.Error("lease should be cleared after submit")
	}
	if stored.VerifiedBy == nil || *stored.VerifiedBy != 4 {
		t.Errorf("VerifiedBy = %v, expected 4", stored.VerifiedBy)
	}
	if stored.VerifiedAt == nil || !stored.VerifiedAt.Equal(p.clock.Now()) {
		t.Errorf("VerifiedAt = %v, expected %v", stored.VerifiedAt, p.clock.Now())
	}
	got := stored.Verification()
	if got == nil || got.AudioQuality != 2 || got.Feedback != "background noise" {
		t.Errorf("Verification() = %+v, expected audio 2 and trimmed feedback", got)
	}

	// Written once: a second submit has no lease to ride on.
	if _, err := p.verifier.Submit(ctx, a.Response.ID, 4, passingRecord(true)); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("second submit err = %v, expected ErrLeaseExpired", err)
	}
}

func TestVerificationEngine_SubmitRequiresLease(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.closeBatch(t, 1, 2, 100, nil)

	a, err := p.leases.ClaimNext(ctx, 1, ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNext error: %v", err)
	}

	if _, err := p.verifier.Submit(ctx, a.Response.ID, 2, passingRecord(true)); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("submit by non-holder err = %v, expected ErrLeaseExpired", err)
	}

	p.clock.Advance(31 * time.Minute)
	if _, err := p.verifier.Submit(ctx, a.Response.ID, 1, passingRecord(true)); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("submit after expiry err = %v, expected ErrLeaseExpired", err)
	}

	if _, err := p.verifier.Submit(ctx, 9999, 1, passingRecord(true)); !errors.Is(err, ErrResponseNotFound) {
		t.Errorf("submit unknown response err = %v, expected ErrResponseNotFound", err)
	}

	var stored models.SurveyResponse
	p.db.First(&stored, a.Response.ID)
	if stored.Status != models.ResponseStatusPending {
		t.Errorf("status = %q, expected still pending", stored.Status)
	}
}

func TestVerificationEngine_IncompleteKeepsLease(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.closeBatch(t, 1, 1, 100, nil)

	a, err := p.leases.ClaimNext(ctx, 1, ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNext error: %v", err)
	}

	rec := passingRecord(true)
	rec.LocationMatch = ""
	_, err = p.verifier.Submit(ctx, a.Response.ID, 1, rec)
	var iv *IncompleteVerificationError
	if !errors.As(err, &iv) || iv.Field != "location_match" {
		t.Fatalf("err = %v, expected incomplete location_match", err)
	}

	current, _ := p.leases.Current(ctx, 1)
	if current == nil || current.Response.ID != a.Response.ID {
		t.Error("reviewer should still hold the lease after an incomplete submit")
	}
}
