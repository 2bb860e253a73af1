package models

import "time"

// Remainder actions
const (
	ActionAutoApprove = "auto_approve"
	ActionSendToQC    = "send_to_qc"
	ActionRejectAll   = "reject_all"
)

// SamplingConfig is the per-survey sampling policy.
type SamplingConfig struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	SurveyID         uint           `gorm:"uniqueIndex;not null" json:"survey_id"`
	SamplePercentage int            `gorm:"not null" json:"sample_percentage"`
	ApprovalRules    []ApprovalRule `gorm:"foreignKey:SamplingConfigID;constraint:OnDelete:CASCADE" json:"approval_rules"`
	UpdatedBy        uint           `json:"updated_by"`
	IsDefault        bool           `gorm:"-" json:"is_default"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ApprovalRule maps an approval-rate range [MinRate, MaxRate) to an action.
// A rule ending at 100 also covers 100.
type ApprovalRule struct {
	ID               uint    `gorm:"primaryKey" json:"-"`
	SamplingConfigID uint    `gorm:"index;not null" json:"-"`
	Position         int     `json:"-"`
	MinRate          float64 `json:"min_rate"`
	MaxRate          float64 `json:"max_rate"`
	Action           string  `gorm:"size:20;not null" json:"action"`
}

func (SamplingConfig) TableName() string { return "sampling_configs" }
func (ApprovalRule) TableName() string   { return "approval_rules" }

// Contains reports whether rate falls in the rule's range.
func (r ApprovalRule) Contains(rate float64) bool {
	if rate >= r.MinRate && rate < r.MaxRate {
		return true
	}
	return r.MaxRate == 100 && rate == 100
}
