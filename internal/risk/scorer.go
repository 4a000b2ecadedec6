// Package risk computes the composite risk score and recommendation from
// a screening's findings. Scoring is a pure function of its inputs.
package risk

import (
	"sort"
	"time"

	"github.com/tangentland/elile/internal/findings"
)

// Level bands the overall score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelModerate Level = "MODERATE"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Recommendation is the scorer's decision guidance.
type Recommendation string

const (
	Proceed            Recommendation = "PROCEED"
	ProceedWithCaution Recommendation = "PROCEED_WITH_CAUTION"
	ReviewRequired     Recommendation = "REVIEW_REQUIRED"
	DoNotProceed       Recommendation = "DO_NOT_PROCEED"
)

// Factor explains one finding's contribution to the score.
type Factor struct {
	FindingID    string  `json:"finding_id"`
	Category     string  `json:"category"`
	Contribution float64 `json:"contribution"`
	Summary      string  `json:"summary"`
}

// Score is the composite result.
type Score struct {
	Overall             float64            `json:"overall"` // 0..100
	Level               Level              `json:"level"`
	PerCategory         map[string]float64 `json:"per_category"`
	ContributingFactors []Factor           `json:"contributing_factors"`
	Recommendation      Recommendation     `json:"recommendation"`
}

var severityBase = map[findings.Severity]float64{
	findings.SeverityLow:      10,
	findings.SeverityMedium:   25,
	findings.SeverityHigh:     50,
	findings.SeverityCritical: 75,
}

var categoryWeight = map[findings.Category]float64{
	findings.CategoryCriminal:     1.5,
	findings.CategoryRegulatory:   1.3,
	findings.CategoryVerification: 1.2,
	findings.CategoryFinancial:    1.0,
	findings.CategoryBehavioral:   1.0,
	findings.CategoryNetwork:      0.9,
	findings.CategoryReputation:   0.8,
}

// Scorer computes composite scores. now is injectable for recency tests.
type Scorer struct {
	nowFn func() time.Time
}

// New creates a scorer.
func New() *Scorer {
	return &Scorer{nowFn: time.Now}
}

// RecencyFactor discounts a finding by its age. Unknown dates score 0.8.
func (s *Scorer) RecencyFactor(findingDate *time.Time) float64 {
	if findingDate == nil || findingDate.IsZero() {
		return 0.8
	}
	age := s.nowFn().Sub(*findingDate)
	const year = 365 * 24 * time.Hour
	switch {
	case age <= year:
		return 1.0
	case age <= 3*year:
		return 0.9
	case age <= 7*year:
		return 0.7
	default:
		return 0.5
	}
}

// Compute scores a finding set. Running it twice on the same findings
// yields identical output.
func (s *Scorer) Compute(fs []findings.Finding) Score {
	perCategory := make(map[string]float64)
	var factors []Factor
	hasCriticalFinding := false

	for _, f := range fs {
		base := severityBase[f.Severity]
		recency := s.RecencyFactor(f.FindingDate)
		corrob := 1.0
		if f.Corroborated {
			corrob = 1.2
		}
		contrib := base * recency * f.Confidence * corrob * f.RelevanceToRole
		perCategory[string(f.Category)] += contrib
		factors = append(factors, Factor{
			FindingID:    f.ID,
			Category:     string(f.Category),
			Contribution: contrib,
			Summary:      f.Summary,
		})
		if f.Severity == findings.SeverityCritical {
			hasCriticalFinding = true
		}
	}

	for c, v := range perCategory {
		if v > 100 {
			perCategory[c] = 100
		}
	}

	var weightedSum, weightSum float64
	for c, v := range perCategory {
		w := categoryWeight[findings.Category(c)]
		if w == 0 {
			w = 1.0
		}
		weightedSum += v * w
		weightSum += w
	}
	overall := 0.0
	if weightSum > 0 {
		overall = weightedSum / weightSum
	}
	if overall > 100 {
		overall = 100
	}

	sort.Slice(factors, func(i, j int) bool {
		if factors[i].Contribution != factors[j].Contribution {
			return factors[i].Contribution > factors[j].Contribution
		}
		return factors[i].FindingID < factors[j].FindingID
	})

	level := levelFor(overall)
	return Score{
		Overall:             overall,
		Level:               level,
		PerCategory:         perCategory,
		ContributingFactors: factors,
		Recommendation:      recommend(level, hasCriticalFinding),
	}
}

func levelFor(overall float64) Level {
	switch {
	case overall <= 25:
		return LevelLow
	case overall <= 50:
		return LevelModerate
	case overall <= 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

func recommend(level Level, hasCriticalFinding bool) Recommendation {
	switch {
	case hasCriticalFinding || level == LevelCritical:
		return DoNotProceed
	case level == LevelHigh:
		return ReviewRequired
	case level == LevelModerate:
		return ProceedWithCaution
	default:
		return Proceed
	}
}
