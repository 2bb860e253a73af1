package services

import (
	"fmt"
	"sort"

	"github.com/fieldqa/qcreview/internal/models"
)

// RuleMatch is the outcome of evaluating the approval rules against an
// observed sample approval rate.
type RuleMatch struct {
	Rule         models.ApprovalRule `json:"rule"`
	ApprovalRate float64             `json:"approval_rate"`
}

// ValidAction reports whether action is one of the remainder actions.
func ValidAction(action string) bool {
	switch action {
	case models.ActionAutoApprove, models.ActionSendToQC, models.ActionRejectAll:
		return true
	}
	return false
}

// ValidateRuleCoverage checks that rules tile [0,100] with no gap and no
// overlap. Ranges are half-open [min,max); the rule ending at 100 also covers
// 100. A 100% sample has no remainder, so its rules are not checked.
func ValidateRuleCoverage(samplePercentage int, rules []models.ApprovalRule) error {
	if samplePercentage < 1 || samplePercentage > 100 {
		return &RuleCoverageError{
			Kind:     CoverageBadPercent,
			Boundary: float64(samplePercentage),
			Message:  fmt.Sprintf("sample percentage must be between 1 and 100, got %d", samplePercentage),
		}
	}
	if samplePercentage == 100 {
		return nil
	}
	if len(rules) == 0 {
		return &RuleCoverageError{Kind: CoverageEmpty, Boundary: 0, Message: "at least one approval rule is required"}
	}

	for _, r := range rules {
		if !ValidAction(r.Action) {
			return &RuleCoverageError{
				Kind:     CoverageInvalidRule,
				Boundary: r.MinRate,
				Message:  fmt.Sprintf("unknown action %q for range %s", r.Action, rangeString(r)),
			}
		}
		if r.MinRate < 0 || r.MaxRate > 100 || r.MinRate >= r.MaxRate {
			return &RuleCoverageError{
				Kind:     CoverageInvalidRange,
				Boundary: r.MinRate,
				Message:  fmt.Sprintf("range %s must satisfy 0 <= min < max <= 100", rangeString(r)),
			}
		}
	}

	sorted := make([]models.ApprovalRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MinRate == sorted[j].MinRate {
			return sorted[i].MaxRate < sorted[j].MaxRate
		}
		return sorted[i].MinRate < sorted[j].MinRate
	})

	covered := 0.0
	for _, r := range sorted {
		if r.MinRate > covered {
			return &RuleCoverageError{
				Kind:     CoverageGap,
				Boundary: covered,
				Message:  fmt.Sprintf("no rule covers approval rates from %g to %g", covered, r.MinRate),
			}
		}
		if r.MinRate < covered {
			return &RuleCoverageError{
				Kind:     CoverageOverlap,
				Boundary: r.MinRate,
				Message:  fmt.Sprintf("range %s overlaps a previous rule ending at %g", rangeString(r), covered),
			}
		}
		covered = r.MaxRate
	}

	if covered < 100 {
		return &RuleCoverageError{
			Kind:     CoverageGap,
			Boundary: covered,
			Message:  fmt.Sprintf("no rule covers approval rates from %g to 100", covered),
		}
	}
	return nil
}

// MatchRule returns the first rule, in configured order, whose range contains
// rate.
func MatchRule(rules []models.ApprovalRule, rate float64) (RuleMatch, bool) {
	for _, r := range rules {
		if r.Contains(rate) {
			return RuleMatch{Rule: r, ApprovalRate: rate}, true
		}
	}
	return RuleMatch{ApprovalRate: rate}, false
}

// ApprovalRate is approved/qced as a percentage; zero verified items yield 0.
func ApprovalRate(approved, qced int64) float64 {
	if qced <= 0 {
		return 0
	}
	return float64(approved) * 100 / float64(qced)
}

func rangeString(r models.ApprovalRule) string {
	if r.MaxRate == 100 {
		return fmt.Sprintf("[%g,%g]", r.MinRate, r.MaxRate)
	}
	return fmt.Sprintf("[%g,%g)", r.MinRate, r.MaxRate)
}
