package services

import (
	"context"
	"testing"

	"github.com/fieldqa/qcreview/internal/models"
)

func TestSamplingConfig_MissingResolvesToDefault(t *testing.T) {
	db := newTestDB(t)
	svc := NewSamplingConfigService(db)

	cfg, err := svc.GetConfig(context.Background(), 77)
	if err != nil {
		t.Fatalf("GetConfig error: %v", err)
	}
	if !cfg.IsDefault {
		t.Error("IsDefault should be true when nothing is stored")
	}
	if cfg.SurveyID != 77 || cfg.SamplePercentage != 40 {
		t.Errorf("config = survey %d at %d%%, expected survey 77 at 40%%", cfg.SurveyID, cfg.SamplePercentage)
	}
	if err := ValidateRuleCoverage(cfg.SamplePercentage, cfg.ApprovalRules); err != nil {
		t.Errorf("default rules should tile [0,100]: %v", err)
	}
	if m, ok := MatchRule(cfg.ApprovalRules, 49.9); !ok || m.Rule.Action != models.ActionSendToQC {
		t.Errorf("49.9%% -> %q, expected send_to_qc", m.Rule.Action)
	}
	if m, ok := MatchRule(cfg.ApprovalRules, 100); !ok || m.Rule.Action != models.ActionAutoApprove {
		t.Errorf("100%% -> %q, expected auto_approve", m.Rule.Action)
	}
}

func TestSamplingConfig_SaveAndReplace(t *testing.T) {
	db := newTestDB(t)
	svc := NewSamplingConfigService(db)
	ctx := context.Background()

	first := &SaveSamplingConfigRequest{
		SamplePercentage: 25,
		ApprovalRules: []models.ApprovalRule{
			rule(60, 100, models.ActionAutoApprove),
			rule(0, 30, models.ActionRejectAll),
			rule(30, 60, models.ActionSendToQC),
		},
	}
	if _, err := svc.SaveConfig(ctx, 3, 1, first); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	got, err := svc.GetConfig(ctx, 3)
	if err != nil {
		t.Fatalf("GetConfig error: %v", err)
	}
	if got.IsDefault || got.SamplePercentage != 25 || got.UpdatedBy != 1 {
		t.Errorf("config = %+v, expected stored 25%% by user 1", got)
	}
	if len(got.ApprovalRules) != 3 || got.ApprovalRules[0].MinRate != 60 || got.ApprovalRules[1].Action != models.ActionRejectAll {
		t.Errorf("rules = %+v, expected configured order kept", got.ApprovalRules)
	}

	second := &SaveSamplingConfigRequest{
		SamplePercentage: 50,
		ApprovalRules:    []models.ApprovalRule{rule(0, 100, models.ActionSendToQC)},
	}
	if _, err := svc.SaveConfig(ctx, 3, 2, second); err != nil {
		t.Fatalf("second SaveConfig error: %v", err)
	}
	got, _ = svc.GetConfig(ctx, 3)
	if len(got.ApprovalRules) != 1 || got.SamplePercentage != 50 || got.UpdatedBy != 2 {
		t.Errorf("config = %+v, expected replaced rules", got)
	}

	var configs, rules int64
	db.Model(&models.SamplingConfig{}).Count(&configs)
	db.Model(&models.ApprovalRule{}).Count(&rules)
	if configs != 1 || rules != 1 {
		t.Errorf("rows = %d configs, %d rules; expected 1, 1", configs, rules)
	}

	var audits int64
	db.Model(&models.SystemLog{}).Where("module = ? AND action = ?", "sampling_config", "save").Count(&audits)
	if audits != 2 {
		t.Errorf("audit entries = %d, expected 2", audits)
	}
}

func TestSamplingConfig_SaveRejectsBadCoverage(t *testing.T) {
	db := newTestDB(t)
	svc := NewSamplingConfigService(db)

	_, err := svc.SaveConfig(context.Background(), 3, 1, &SaveSamplingConfigRequest{
		SamplePercentage: 40,
		ApprovalRules: []models.ApprovalRule{
			rule(0, 60, models.ActionSendToQC),
			rule(50, 100, models.ActionAutoApprove),
		},
	})
	rc, ok := IsRuleCoverageError(err)
	if !ok {
		t.Fatalf("err = %v, expected RuleCoverageError", err)
	}
	if rc.Kind != CoverageOverlap || rc.Boundary != 50 {
		t.Errorf("defect = %s at %v, expected overlap at 50", rc.Kind, rc.Boundary)
	}

	cfg, _ := svc.GetConfig(context.Background(), 3)
	if !cfg.IsDefault {
		t.Error("a rejected save must not store anything")
	}
}

func TestSamplingConfig_FullSampleNeedsNoRules(t *testing.T) {
	db := newTestDB(t)
	svc := NewSamplingConfigService(db)

	saved, err := svc.SaveConfig(context.Background(), 4, 1, &SaveSamplingConfigRequest{SamplePercentage: 100})
	if err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	if saved.SamplePercentage != 100 || len(saved.ApprovalRules) != 0 {
		t.Errorf("saved = %+v, expected 100%% without rules", saved)
	}
}
