package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/pkg/logger"
	"gorm.io/gorm"
)

// DefaultSamplePercentage applies to surveys with no stored config.
const DefaultSamplePercentage = 40

// DefaultSamplingConfig is the policy used when a survey has no stored
// config: 40% sample, below 50% approval the remainder goes to QC, otherwise
// it is auto-approved.
func DefaultSamplingConfig(surveyID uint) *models.SamplingConfig {
	return &models.SamplingConfig{
		SurveyID:         surveyID,
		SamplePercentage: DefaultSamplePercentage,
		ApprovalRules: []models.ApprovalRule{
			{Position: 0, MinRate: 0, MaxRate: 50, Action: models.ActionSendToQC},
			{Position: 1, MinRate: 50, MaxRate: 100, Action: models.ActionAutoApprove},
		},
		IsDefault: true,
	}
}

type SamplingConfigService struct {
	db *gorm.DB
}

func NewSamplingConfigService(db *gorm.DB) *SamplingConfigService {
	return &SamplingConfigService{db: db}
}

// SaveSamplingConfigRequest is the body of PUT batch-config.
type SaveSamplingConfigRequest struct {
	SamplePercentage int                   `json:"sample_percentage" binding:"required,min=1,max=100"`
	ApprovalRules    []models.ApprovalRule `json:"approval_rules"`
}

// GetConfig returns the stored config or DefaultSamplingConfig.
func (s *SamplingConfigService) GetConfig(ctx context.Context, surveyID uint) (*models.SamplingConfig, error) {
	var cfg models.SamplingConfig
	err := s.db.WithContext(ctx).
		Preload("ApprovalRules", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("survey_id = ?", surveyID).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Debug().Uint("survey_id", surveyID).Msg("[SamplingConfig] No config stored, using default")
		return DefaultSamplingConfig(surveyID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sampling config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig validates and replaces the survey's config and its ordered rules.
func (s *SamplingConfigService) SaveConfig(ctx context.Context, surveyID, userID uint, req *SaveSamplingConfigRequest) (*models.SamplingConfig, error) {
	if err := ValidateRuleCoverage(req.SamplePercentage, req.ApprovalRules); err != nil {
		return nil, err
	}

	rules := make([]models.ApprovalRule, 0, len(req.ApprovalRules))
	for i, r := range req.ApprovalRules {
		rules = append(rules, models.ApprovalRule{
			Position: i,
			MinRate:  r.MinRate,
			MaxRate:  r.MaxRate,
			Action:   r.Action,
		})
	}

	var saved models.SamplingConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("survey_id = ?", surveyID).First(&saved).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			saved = models.SamplingConfig{SurveyID: surveyID}
		case err != nil:
			return err
		}

		saved.SamplePercentage = req.SamplePercentage
		saved.UpdatedBy = userID
		saved.ApprovalRules = nil
		if err := tx.Save(&saved).Error; err != nil {
			return err
		}

		if err := tx.Where("sampling_config_id = ?", saved.ID).Delete(&models.ApprovalRule{}).Error; err != nil {
			return err
		}
		for i := range rules {
			rules[i].SamplingConfigID = saved.ID
		}
		if len(rules) > 0 {
			if err := tx.Create(&rules).Error; err != nil {
				return err
			}
		}
		saved.ApprovalRules = rules
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save sampling config: %w", err)
	}

	logger.Info().
		Uint("survey_id", surveyID).
		Int("sample_percentage", saved.SamplePercentage).
		Int("rules", len(rules)).
		Msg("[SamplingConfig] Config saved")
	LogInfo("sampling_config", "save", fmt.Sprintf("Sampling config saved: %d%%, %d rules", saved.SamplePercentage, len(rules)),
		AuditRef{UserID: &userID, SurveyID: &surveyID}, saved)

	return &saved, nil
}
