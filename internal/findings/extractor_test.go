package findings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentland/elile/internal/assess"
	"github.com/tangentland/elile/internal/knowledge"
	"github.com/tangentland/elile/internal/screening"
)

func testSubject() *screening.Subject {
	return &screening.Subject{ID: "sub_1", Role: "finance_manager"}
}

func TestSanctionsMatchIsCritical(t *testing.T) {
	kb := knowledge.NewBase()
	kb.RecordFacts(string(screening.InfoSanctions), []knowledge.Fact{
		{Type: knowledge.FactSanctionMatch, Value: "OFAC SDN 12345", Sources: []string{"p_sanc"}, Confidence: 0.95},
	})

	e := NewExtractor(nil, nil)
	fs := e.Extract(testSubject(), kb, nil)
	require.Len(t, fs, 1)
	assert.Equal(t, CategoryRegulatory, fs[0].Category)
	assert.Equal(t, SeverityCritical, fs[0].Severity)
	assert.True(t, fs[0].AdverseActionUsable)
	assert.NotEmpty(t, fs[0].ID)
}

func TestCriminalSeverityByOffense(t *testing.T) {
	kb := knowledge.NewBase()
	kb.RecordFacts(string(screening.InfoCriminal), []knowledge.Fact{
		{Type: "offense", Value: "felony fraud", Sources: []string{"p1"}, Confidence: 0.8},
		{Type: "offense", Value: "misdemeanor trespass", Sources: []string{"p1"}, Confidence: 0.8},
	})

	e := NewExtractor(nil, nil)
	fs := e.Extract(testSubject(), kb, nil)
	require.Len(t, fs, 2)
	bySummary := map[string]Severity{}
	for _, f := range fs {
		bySummary[f.Summary] = f.Severity
	}
	assert.Equal(t, SeverityHigh, bySummary["criminal record: felony fraud"])
	assert.Equal(t, SeverityMedium, bySummary["criminal record: misdemeanor trespass"])
}

func TestCorroborationNeedsTwoDistinctSources(t *testing.T) {
	kb := knowledge.NewBase()
	kb.RecordFacts(string(screening.InfoSanctions), []knowledge.Fact{
		{Type: knowledge.FactSanctionMatch, Value: "entry A", Sources: []string{"p1", "p2"}, Confidence: 0.9},
		{Type: knowledge.FactSanctionMatch, Value: "entry B", Sources: []string{"p1", "p1"}, Confidence: 0.9},
	})

	e := NewExtractor(nil, nil)
	fs := e.Extract(testSubject(), kb, nil)
	byCorroborated := map[string]bool{}
	for _, f := range fs {
		byCorroborated[f.Summary] = f.Corroborated
	}
	assert.True(t, byCorroborated["sanctions match: entry a"])
	assert.False(t, byCorroborated["sanctions match: entry b"])
}

func TestSynthesisOnlyFindingsCapped(t *testing.T) {
	kb := knowledge.NewBase()
	kb.RecordFacts(string(screening.InfoSanctions), []knowledge.Fact{
		{Type: knowledge.FactSanctionMatch, Value: "synth entry", Sources: []string{"p_synth"}, Confidence: 0.99},
	})

	e := NewExtractor(nil, func(id string) bool { return id == "p_synth" })
	fs := e.Extract(testSubject(), kb, nil)
	require.Len(t, fs, 1)
	assert.False(t, fs[0].AdverseActionUsable)
	assert.LessOrEqual(t, fs[0].Confidence, SynthesisConfidenceCap)
}

func TestVerificationMismatchFromInconsistency(t *testing.T) {
	e := NewExtractor(nil, nil)
	fs := e.Extract(testSubject(), knowledge.NewBase(), []assess.Inconsistency{
		{Field: "dob", Claimed: "1990-01-01", Found: "1985-06-15", Severity: "high", DeceptionScore: 0.8},
		{Field: "degree", Claimed: "BSc", Found: "none", Severity: "medium", DeceptionScore: 0.5},
	})
	require.Len(t, fs, 2)
	bySeverity := map[string]Severity{}
	for _, f := range fs {
		assert.Equal(t, CategoryVerification, f.Category)
		bySeverity[f.Summary] = f.Severity
	}
	assert.Equal(t, SeverityHigh, bySeverity["verification mismatch: dob"])
	assert.Equal(t, SeverityMedium, bySeverity["verification mismatch: degree"])
}

func TestRoleRelevanceApplied(t *testing.T) {
	kb := knowledge.NewBase()
	kb.RecordFacts(string(screening.InfoCriminal), []knowledge.Fact{
		{Type: "offense", Value: "felony fraud", Sources: []string{"p1"}, Confidence: 0.8},
	})

	relevance := func(c Category, role string) float64 {
		if c == CategoryCriminal && role == "finance_manager" {
			return 1.5
		}
		return 1.0
	}
	e := NewExtractor(relevance, nil)
	fs := e.Extract(testSubject(), kb, nil)
	require.Len(t, fs, 1)
	assert.InDelta(t, 1.5, fs[0].RelevanceToRole, 0.001)
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.Exceeds(SeverityHigh))
	assert.True(t, SeverityHigh.Exceeds(SeverityMedium))
	assert.True(t, SeverityMedium.Exceeds(SeverityLow))
	assert.False(t, SeverityLow.Exceeds(SeverityLow))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
}
