package models

import "time"

// Batch statuses
const (
	BatchStatusCollecting   = "collecting"
	BatchStatusProcessing   = "processing"
	BatchStatusQCInProgress = "qc_in_progress"
	BatchStatusAutoApproved = "auto_approved"
	BatchStatusQueuedForQC  = "queued_for_qc"
	BatchStatusCompleted    = "completed"
)

// Batch groups the responses of one survey collected on one calendar day.
type Batch struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	SurveyID         uint   `gorm:"uniqueIndex:idx_batch_survey_date;not null" json:"survey_id"`
	BatchDate        string `gorm:"uniqueIndex:idx_batch_survey_date;size:10;not null" json:"batch_date"` // YYYY-MM-DD
	Status           string `gorm:"size:20;index;default:collecting" json:"status"`
	TotalResponses   int    `json:"total_responses"`
	SampleSize       int    `json:"sample_size"`
	RemainingSize    int    `json:"remaining_size"`
	SamplePercentage int    `json:"sample_percentage"`
	// JSON snapshot of the approval rules in force when the batch closed
	RulesSnapshot string `gorm:"type:text" json:"-"`

	RemainderDecided    bool       `gorm:"default:false" json:"remainder_decided"`
	RemainingDecision   string     `gorm:"size:20" json:"remaining_decision,omitempty"` // auto_approve, send_to_qc, reject_all
	TriggerApprovalRate *float64   `json:"trigger_approval_rate,omitempty"`
	DecidedAt           *time.Time `json:"decided_at,omitempty"`

	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Batch) TableName() string { return "batches" }

// IsReviewable reports whether sample items of this batch may be leased.
func (b *Batch) IsReviewable() bool {
	return b.Status == BatchStatusQCInProgress || b.Status == BatchStatusQueuedForQC
}

// RemainingDecision mirrors the decision fields for API payloads.
type RemainingDecision struct {
	Decision            string    `json:"decision"`
	TriggerApprovalRate float64   `json:"trigger_approval_rate"`
	DecidedAt           time.Time `json:"decided_at"`
}

// Decision returns the recorded remainder decision, or nil.
func (b *Batch) Decision() *RemainingDecision {
	if b.RemainingDecision == "" || b.TriggerApprovalRate == nil || b.DecidedAt == nil {
		return nil
	}
	return &RemainingDecision{
		Decision:            b.RemainingDecision,
		TriggerApprovalRate: *b.TriggerApprovalRate,
		DecidedAt:           *b.DecidedAt,
	}
}
