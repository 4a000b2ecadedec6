package assess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentland/elile/internal/knowledge"
	"github.com/tangentland/elile/internal/screening"
)

func successResult(providerID string, records ...map[string]any) screening.QueryResult {
	return screening.QueryResult{
		QueryID:    "q",
		ProviderID: providerID,
		Status:     screening.QuerySuccess,
		Records:    records,
	}
}

func TestAssessExtractsFactsAndTalliesNew(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()

	results := []screening.QueryResult{
		successResult("p1", map[string]any{"name": "Jane Doe", "dob": "1990-01-01", "confidence": 0.9}),
		successResult("p2", map[string]any{"name": "Jane Doe"}),
		{QueryID: "q3", ProviderID: "p3", Status: screening.QueryFailed},
	}

	as := a.Assess(screening.InfoIdentity, results, 1, kb)
	assert.Equal(t, 2, as.SuccessCount)
	assert.Equal(t, 3, as.ResultCount)
	assert.Equal(t, 2, as.NewFactCount) // name + dob

	var nameFact *knowledge.Fact
	for i := range as.Facts {
		if as.Facts[i].Type == knowledge.FactNameVariant {
			nameFact = &as.Facts[i]
		}
	}
	require.NotNil(t, nameFact)
	assert.ElementsMatch(t, []string{"p1", "p2"}, nameFact.Sources, "same fact from two providers corroborates")
}

func TestAssessNewFactTallyAgainstKnowledgeBase(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()
	kb.RecordFacts(string(screening.InfoIdentity), []knowledge.Fact{
		{Type: knowledge.FactNameVariant, Value: "jane doe", Sources: []string{"p0"}},
	})

	as := a.Assess(screening.InfoIdentity, []screening.QueryResult{
		successResult("p1", map[string]any{"name": "Jane Doe"}),
	}, 2, kb)
	assert.Equal(t, 0, as.NewFactCount, "already-known identity is not new")
}

func TestConfidenceWeights(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()

	// Two facts, one corroborated by two sources, all queries succeed.
	as := a.Assess(screening.InfoSanctions, []screening.QueryResult{
		successResult("p1", map[string]any{"sanction_match": "OFAC SDN entry", "confidence": 1.0}),
		successResult("p2", map[string]any{"sanction_match": "OFAC SDN entry", "confidence": 1.0}),
		successResult("p1", map[string]any{"name": "Some Name", "confidence": 1.0}),
	}, 1, kb)

	// expected facts for SANCTIONS is 2 -> completeness 1.0;
	// corroboration 1/2; query success 3/3; fact confidence 1.0.
	want := 0.35*1.0 + 0.30*0.5 + 0.20*1.0 + 0.15*1.0
	assert.InDelta(t, want, as.Confidence, 0.001)
}

func TestConfidenceZeroOnNoResults(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()
	as := a.Assess(screening.InfoCivil, nil, 1, kb)
	assert.Equal(t, 0.0, as.Confidence)
	assert.Empty(t, as.Facts)
}

func TestEmploymentGapForMissingEndDate(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()

	as := a.Assess(screening.InfoEmployment, []screening.QueryResult{
		successResult("p1", map[string]any{"employer": "Acme Logistics"}),
		successResult("p1", map[string]any{"employer": "Initech", "end_date": "2022-01-31"}),
	}, 1, kb)

	assert.Contains(t, as.Gaps, "employment_end_date_missing:Acme Logistics")
	for _, g := range as.Gaps {
		assert.NotContains(t, g, "Initech")
	}
}

func TestEducationGap(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()

	as := a.Assess(screening.InfoEducation, []screening.QueryResult{
		successResult("p1", map[string]any{"school": "State University"}),
	}, 1, kb)
	assert.Contains(t, as.Gaps, "no_education_verified")

	as = a.Assess(screening.InfoEducation, []screening.QueryResult{
		successResult("p1", map[string]any{"school": "State University", "degree": "BSc"}),
	}, 1, kb)
	assert.NotContains(t, as.Gaps, "no_education_verified")
}

func TestInconsistencyDetection(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()

	as := a.Assess(screening.InfoIdentity, []screening.QueryResult{
		successResult("p1", map[string]any{"dob": "1990-01-01"}),
		successResult("p2", map[string]any{"dob": "1985-06-15"}),
	}, 1, kb)

	require.Len(t, as.Inconsistencies, 1)
	inc := as.Inconsistencies[0]
	assert.Equal(t, knowledge.FactDOB, inc.Field)
	assert.Equal(t, "high", inc.Severity)
	assert.InDelta(t, 0.8, inc.DeceptionScore, 0.001)
}

func TestNoInconsistencyFromSameSource(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()

	// Conflicting values but both from p1: not independent, no finding.
	as := a.Assess(screening.InfoIdentity, []screening.QueryResult{
		successResult("p1", map[string]any{"dob": "1990-01-01"}),
		successResult("p1", map[string]any{"dob": "1985-06-15"}),
	}, 1, kb)
	assert.Empty(t, as.Inconsistencies)
}

func TestEntityDiscovery(t *testing.T) {
	a := New()
	kb := knowledge.NewBase()

	as := a.Assess(screening.InfoEmployment, []screening.QueryResult{
		successResult("p1", map[string]any{"employer": "Acme Logistics", "associate": "John Partner"}),
	}, 1, kb)

	kinds := map[string]string{}
	for _, e := range as.Entities {
		kinds[e.Name] = e.Kind
	}
	assert.Equal(t, "org", kinds["Acme Logistics"])
	assert.Equal(t, "person", kinds["John Partner"])
}
