package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentland/elile/internal/findings"
)

func finding(cat findings.Category, sev findings.Severity, conf float64) findings.Finding {
	return findings.Finding{
		ID:              string(cat) + "-" + string(sev),
		Category:        cat,
		Severity:        sev,
		Confidence:      conf,
		RelevanceToRole: 1.0,
	}
}

func TestRecencyFactorBoundaries(t *testing.T) {
	s := New()
	now := time.Now()
	s.nowFn = func() time.Time { return now }

	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"age zero", 0, 1.0},
		{"just under a year", 360 * 24 * time.Hour, 1.0},
		{"two years", 2 * 365 * 24 * time.Hour, 0.9},
		{"five years", 5 * 365 * 24 * time.Hour, 0.7},
		{"over seven years", 8 * 365 * 24 * time.Hour, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			date := now.Add(-tc.age)
			assert.InDelta(t, tc.want, s.RecencyFactor(&date), 0.001)
		})
	}

	assert.InDelta(t, 0.8, s.RecencyFactor(nil), 0.001, "unknown date scores 0.8")
}

func TestComputeSingleFinding(t *testing.T) {
	s := New()
	f := finding(findings.CategoryFinancial, findings.SeverityMedium, 1.0)
	score := s.Compute([]findings.Finding{f})

	// base 25 * recency 0.8 (no date) * conf 1.0 * corrob 1.0 * relevance 1.0
	assert.InDelta(t, 20.0, score.PerCategory["FINANCIAL"], 0.001)
	assert.InDelta(t, 20.0, score.Overall, 0.001)
	assert.Equal(t, LevelLow, score.Level)
	assert.Equal(t, Proceed, score.Recommendation)
	require.Len(t, score.ContributingFactors, 1)
}

func TestCorroborationMultiplier(t *testing.T) {
	s := New()
	f := finding(findings.CategoryFinancial, findings.SeverityMedium, 1.0)
	f.Corroborated = true
	score := s.Compute([]findings.Finding{f})
	assert.InDelta(t, 24.0, score.PerCategory["FINANCIAL"], 0.001)
}

func TestPerCategoryCapAt100(t *testing.T) {
	s := New()
	var fs []findings.Finding
	for i := 0; i < 10; i++ {
		f := finding(findings.CategoryCriminal, findings.SeverityHigh, 1.0)
		now := time.Now()
		f.FindingDate = &now
		fs = append(fs, f)
	}
	score := s.Compute(fs)
	assert.InDelta(t, 100.0, score.PerCategory["CRIMINAL"], 0.001)
}

func TestCriticalFindingForcesDoNotProceed(t *testing.T) {
	s := New()
	score := s.Compute([]findings.Finding{
		finding(findings.CategoryRegulatory, findings.SeverityCritical, 0.9),
	})
	assert.Equal(t, DoNotProceed, score.Recommendation)
}

func TestRecommendationBands(t *testing.T) {
	tests := []struct {
		level Level
		want  Recommendation
	}{
		{LevelLow, Proceed},
		{LevelModerate, ProceedWithCaution},
		{LevelHigh, ReviewRequired},
		{LevelCritical, DoNotProceed},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, recommend(tc.level, false))
	}
}

func TestLevelBoundaries(t *testing.T) {
	assert.Equal(t, LevelLow, levelFor(0))
	assert.Equal(t, LevelLow, levelFor(25))
	assert.Equal(t, LevelModerate, levelFor(25.01))
	assert.Equal(t, LevelModerate, levelFor(50))
	assert.Equal(t, LevelHigh, levelFor(50.01))
	assert.Equal(t, LevelHigh, levelFor(75))
	assert.Equal(t, LevelCritical, levelFor(75.01))
	assert.Equal(t, LevelCritical, levelFor(100))
}

func TestScoringIsPure(t *testing.T) {
	s := New()
	now := time.Now()
	s.nowFn = func() time.Time { return now }

	date := now.Add(-2 * 365 * 24 * time.Hour)
	fs := []findings.Finding{
		finding(findings.CategoryCriminal, findings.SeverityHigh, 0.85),
		finding(findings.CategoryReputation, findings.SeverityMedium, 0.6),
		{
			ID: "dated", Category: findings.CategoryFinancial, Severity: findings.SeverityHigh,
			Confidence: 0.7, RelevanceToRole: 1.2, Corroborated: true, FindingDate: &date,
		},
	}

	first := s.Compute(fs)
	second := s.Compute(fs)
	assert.Equal(t, first, second, "scoring the same findings twice must be identical")
}

func TestEmptyFindings(t *testing.T) {
	s := New()
	score := s.Compute(nil)
	assert.Equal(t, 0.0, score.Overall)
	assert.Equal(t, LevelLow, score.Level)
	assert.Equal(t, Proceed, score.Recommendation)
}
