package models

import "time"

// Response statuses
const (
	ResponseStatusPending  = "PendingApproval"
	ResponseStatusApproved = "Approved"
	ResponseStatusRejected = "Rejected"
)

// Sample origins
const (
	SampleOriginInitial   = "initial"   // drawn when the batch closed
	SampleOriginRemainder = "remainder" // added by a send_to_qc decision
)

// Yes/No answers on the verification form
const (
	AnswerYes = "Yes"
	AnswerNo  = "No"
)

// SurveyResponse is one collected interview. The lease columns hold the
// current review assignment, if any; a lease is active while AssignedTo is
// set and LeaseExpiresAt is in the future.
type SurveyResponse struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SurveyID         uint      `gorm:"index:idx_response_survey_completed;not null" json:"survey_id"`
	InterviewerID    uint      `gorm:"index" json:"interviewer_id"`
	BatchID          uint      `gorm:"index:idx_response_queue,priority:1;not null" json:"batch_id"`
	Answers          string    `gorm:"type:text" json:"answers"` // JSON object keyed by question id
	CompletedAt      time.Time `gorm:"index:idx_response_survey_completed" json:"completed_at"`
	Status           string    `gorm:"size:20;index:idx_response_queue,priority:3;default:PendingApproval" json:"status"`
	IsSampleResponse bool      `gorm:"index:idx_response_queue,priority:2;default:false" json:"is_sample_response"`
	SampleOrigin     string    `gorm:"size:20" json:"sample_origin,omitempty"`

	AssignmentID   *string    `gorm:"size:36" json:"assignment_id,omitempty"`
	AssignedTo     *uint      `gorm:"index" json:"assigned_to,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"index" json:"lease_expires_at,omitempty"`

	AudioQuality     *int       `json:"audio_quality,omitempty"`
	QuestionAccuracy string     `gorm:"size:5" json:"question_accuracy,omitempty"`
	DataAccuracy     string     `gorm:"size:5" json:"data_accuracy,omitempty"`
	LocationMatch    string     `gorm:"size:5" json:"location_match,omitempty"`
	Feedback         string     `gorm:"type:text" json:"feedback,omitempty"`
	VerifiedBy       *uint      `gorm:"index" json:"verified_by,omitempty"`
	VerifiedAt       *time.Time `gorm:"index" json:"verified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SurveyResponse) TableName() string { return "survey_responses" }

// HasActiveLease reports whether the response is leased at now.
func (r *SurveyResponse) HasActiveLease(now time.Time) bool {
	return r.AssignedTo != nil && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// IsTerminal reports whether the response has a final QC status.
func (r *SurveyResponse) IsTerminal() bool {
	return r.Status == ResponseStatusApproved || r.Status == ResponseStatusRejected
}

// VerificationRecord is the reviewer's form for one response.
type VerificationRecord struct {
	AudioQuality     int    `json:"audio_quality"`     // 1..5
	QuestionAccuracy string `json:"question_accuracy"` // Yes / No
	DataAccuracy     string `json:"data_accuracy"`
	LocationMatch    string `json:"location_match"`
	Feedback         string `json:"feedback"`
	Status           string `json:"status,omitempty"` // derived
}

// Verification returns the stored form, or nil if the response was never
// individually verified.
func (r *SurveyResponse) Verification() *VerificationRecord {
	if r.AudioQuality == nil {
		return nil
	}
	return &VerificationRecord{
		AudioQuality:     *r.AudioQuality,
		QuestionAccuracy: r.QuestionAccuracy,
		DataAccuracy:     r.DataAccuracy,
		LocationMatch:    r.LocationMatch,
		Feedback:         r.Feedback,
		Status:           r.Status,
	}
}
