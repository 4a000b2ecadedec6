// Package assess turns raw query results into facts, confidence scores,
// gaps, inconsistencies, and discovered entities for one SAR iteration.
package assess

import (
	"fmt"
	"strings"
	"time"

	"github.com/tangentland/elile/internal/knowledge"
	"github.com/tangentland/elile/internal/screening"
)

// Confidence factor weights. Must sum to 1.
const (
	weightCompleteness   = 0.35
	weightCorroboration  = 0.30
	weightQuerySuccess   = 0.20
	weightFactConfidence = 0.15
)

// expectedFacts is how many distinct facts a fully-covered information
// type typically yields; the completeness factor saturates there.
var expectedFacts = map[screening.InfoType]int{
	screening.InfoIdentity:         6,
	screening.InfoCriminal:         4,
	screening.InfoCivil:            3,
	screening.InfoEmployment:       5,
	screening.InfoEducation:        3,
	screening.InfoFinancial:        4,
	screening.InfoLicenses:         2,
	screening.InfoRegulatory:       3,
	screening.InfoSanctions:        2,
	screening.InfoAdverseMedia:     4,
	screening.InfoDigitalFootprint: 4,
}

// Inconsistency is a conflict between independently sourced values of the
// same field.
type Inconsistency struct {
	Field          string  `json:"field"`
	Claimed        string  `json:"claimed"`
	Found          string  `json:"found"`
	Severity       string  `json:"severity"` // "low" | "medium" | "high"
	DeceptionScore float64 `json:"deception_score"`
}

// Assessment is the output of one iteration's assessment.
type Assessment struct {
	InfoType        screening.InfoType `json:"info_type"`
	Iteration       int                `json:"iteration"`
	Facts           []knowledge.Fact   `json:"facts"`
	NewFactCount    int                `json:"new_fact_count"`
	Confidence      float64            `json:"confidence"`
	Gaps            []string           `json:"gaps,omitempty"`
	Inconsistencies []Inconsistency    `json:"inconsistencies,omitempty"`
	Entities        []knowledge.Entity `json:"entities,omitempty"`
	SuccessCount    int                `json:"success_count"`
	ResultCount     int                `json:"result_count"`
}

// Assessor extracts facts from normalized records and scores coverage.
// Pure computation over its inputs plus read-only knowledge-base checks;
// the caller records the returned facts.
type Assessor struct {
	nowFn func() time.Time
}

// New creates an assessor.
func New() *Assessor {
	return &Assessor{nowFn: time.Now}
}

// Assess processes the results of one iteration. kb is consulted read-only
// to tally which extracted facts are new.
func (a *Assessor) Assess(t screening.InfoType, results []screening.QueryResult, iteration int, kb *knowledge.Base) Assessment {
	as := Assessment{InfoType: t, Iteration: iteration, ResultCount: len(results)}

	factsByKey := make(map[string]*knowledge.Fact)
	for _, res := range results {
		if res.Status != screening.QuerySuccess {
			continue
		}
		as.SuccessCount++
		for _, record := range res.Records {
			for _, f := range a.extract(t, record, res.ProviderID) {
				key := knowledge.Key(f.Type, f.Value)
				if existing, ok := factsByKey[key]; ok {
					existing.Sources = mergeSources(existing.Sources, f.Sources)
					if f.Confidence > existing.Confidence {
						existing.Confidence = f.Confidence
					}
					continue
				}
				cp := f
				factsByKey[key] = &cp
			}
		}
	}

	for _, f := range factsByKey {
		as.Facts = append(as.Facts, *f)
		if !kb.HasFact(string(t), f.Type, f.Value) {
			as.NewFactCount++
		}
	}

	as.Confidence = a.confidence(t, factsByKey, as.SuccessCount, as.ResultCount, kb)
	as.Gaps = a.identifyGaps(t, factsByKey, kb)
	as.Inconsistencies = a.detectInconsistencies(factsByKey)
	as.Entities = a.discoverEntities(factsByKey)
	return as
}

// extract maps one normalized record into typed facts. Records carry
// provider-agnostic field names; each extracted fact inherits the
// record's confidence or the extractor default.
func (a *Assessor) extract(t screening.InfoType, record map[string]any, providerID string) []knowledge.Fact {
	conf := fieldFloat(record, "confidence", 0.7)
	now := a.nowFn().UTC()

	fact := func(factType, value string) knowledge.Fact {
		return knowledge.Fact{
			Type:         factType,
			Value:        value,
			Sources:      []string{providerID},
			Confidence:   conf,
			DiscoveredAt: now,
		}
	}

	var out []knowledge.Fact
	addField := func(field, factType string) {
		if v := fieldString(record, field); v != "" {
			out = append(out, fact(factType, v))
		}
	}

	addField("name", knowledge.FactNameVariant)
	addField("name_variant", knowledge.FactNameVariant)
	addField("dob", knowledge.FactDOB)
	addField("address", knowledge.FactAddress)
	addField("county", knowledge.FactCounty)
	addField("state", knowledge.FactState)
	addField("email", knowledge.FactEmail)
	addField("username", knowledge.FactUsername)

	switch t {
	case screening.InfoEmployment:
		if employer := fieldString(record, "employer"); employer != "" {
			out = append(out, fact(knowledge.FactEmployer, employer))
			if end := fieldString(record, "end_date"); end != "" {
				out = append(out, fact(knowledge.FactEmployerEnd, employer+"|"+end))
			}
		}
	case screening.InfoEducation:
		addField("school", knowledge.FactSchool)
		addField("degree", knowledge.FactDegree)
	case screening.InfoLicenses:
		addField("license_number", knowledge.FactLicenseNumber)
	case screening.InfoSanctions:
		if match := fieldString(record, "sanction_match"); match != "" {
			out = append(out, fact(knowledge.FactSanctionMatch, match))
		}
	case screening.InfoCriminal, screening.InfoCivil, screening.InfoRegulatory, screening.InfoFinancial:
		addField("record_id", "record_id")
		addField("offense", "offense")
		addField("case_number", "case_number")
		addField("disposition", "disposition")
	case screening.InfoAdverseMedia:
		addField("article", "adverse_article")
		addField("topic", "adverse_topic")
	}

	addField("associate", knowledge.FactAssociate)
	addField("related_org", knowledge.FactRelatedOrg)

	return out
}

// confidence computes the weighted coverage score for the iteration,
// considering facts already in the knowledge base plus this iteration's.
func (a *Assessor) confidence(t screening.InfoType, facts map[string]*knowledge.Fact, successes, total int, kb *knowledge.Base) float64 {
	// Union of existing and newly extracted fact identities.
	totalFacts := kb.FactCount(string(t))
	corroborated := 0
	groupCount := 0
	var confSum float64
	for _, f := range facts {
		if !kb.HasFact(string(t), f.Type, f.Value) {
			totalFacts++
		}
		groupCount++
		if len(f.Sources) >= 2 {
			corroborated++
		}
		confSum += f.Confidence
	}

	expected := expectedFacts[t]
	if expected <= 0 {
		expected = 4
	}

	completeness := float64(totalFacts) / float64(expected)
	if completeness > 1 {
		completeness = 1
	}

	var corroboration float64
	if groupCount > 0 {
		corroboration = float64(corroborated) / float64(groupCount)
	}

	var querySuccess float64
	if total > 0 {
		querySuccess = float64(successes) / float64(total)
	}

	var factConfidence float64
	if groupCount > 0 {
		factConfidence = confSum / float64(groupCount)
	}

	return weightCompleteness*completeness +
		weightCorroboration*corroboration +
		weightQuerySuccess*querySuccess +
		weightFactConfidence*factConfidence
}

// identifyGaps runs the type-specific coverage checks. Gaps are free-form
// strings the refiner turns into targeted queries.
func (a *Assessor) identifyGaps(t screening.InfoType, facts map[string]*knowledge.Fact, kb *knowledge.Base) []string {
	has := func(factType string) bool {
		for _, f := range facts {
			if f.Type == factType {
				return true
			}
		}
		for _, f := range kb.Facts(string(t)) {
			if f.Type == factType {
				return true
			}
		}
		return false
	}

	var gaps []string
	switch t {
	case screening.InfoIdentity:
		if !has(knowledge.FactDOB) {
			gaps = append(gaps, "dob_unverified")
		}
		if !has(knowledge.FactAddress) {
			gaps = append(gaps, "no_address_history")
		}
	case screening.InfoEmployment:
		// Every employer without a recorded end date is its own gap.
		ends := make(map[string]bool)
		for _, f := range allFacts(facts, kb, t) {
			if f.Type == knowledge.FactEmployerEnd {
				if emp, _, ok := strings.Cut(f.Value, "|"); ok {
					ends[knowledge.Canonical(emp)] = true
				}
			}
		}
		for _, f := range allFacts(facts, kb, t) {
			if f.Type == knowledge.FactEmployer && !ends[knowledge.Canonical(f.Value)] {
				gaps = append(gaps, "employment_end_date_missing:"+f.Value)
			}
		}
	case screening.InfoEducation:
		if !has(knowledge.FactDegree) {
			gaps = append(gaps, "no_education_verified")
		}
	case screening.InfoLicenses:
		if !has(knowledge.FactLicenseNumber) {
			gaps = append(gaps, "no_license_found")
		}
	case screening.InfoCriminal:
		if !has("disposition") && has("offense") {
			gaps = append(gaps, "disposition_missing")
		}
	}
	return gaps
}

func allFacts(facts map[string]*knowledge.Fact, kb *knowledge.Base, t screening.InfoType) []knowledge.Fact {
	out := kb.Facts(string(t))
	for _, f := range facts {
		out = append(out, *f)
	}
	return out
}

// singleValuedFields conflict when independent sources disagree.
var singleValuedFields = map[string]string{
	knowledge.FactDOB:    "high",
	knowledge.FactDegree: "medium",
}

// detectInconsistencies reports distinct canonical values of single-valued
// fields arriving from independent sources.
func (a *Assessor) detectInconsistencies(facts map[string]*knowledge.Fact) []Inconsistency {
	byType := make(map[string][]*knowledge.Fact)
	for _, f := range facts {
		byType[f.Type] = append(byType[f.Type], f)
	}

	var out []Inconsistency
	for fieldType, severity := range singleValuedFields {
		group := byType[fieldType]
		if len(group) < 2 {
			continue
		}
		first := group[0]
		for _, other := range group[1:] {
			if knowledge.Canonical(first.Value) == knowledge.Canonical(other.Value) {
				continue
			}
			if sameSources(first.Sources, other.Sources) {
				continue
			}
			score := 0.5
			if severity == "high" {
				score = 0.8
			}
			out = append(out, Inconsistency{
				Field:          fieldType,
				Claimed:        first.Value,
				Found:          other.Value,
				Severity:       severity,
				DeceptionScore: score,
			})
		}
	}
	return out
}

// discoverEntities surfaces employers and associates as expansion
// candidates for D2/D3 network degrees.
func (a *Assessor) discoverEntities(facts map[string]*knowledge.Fact) []knowledge.Entity {
	var out []knowledge.Entity
	for _, f := range facts {
		switch f.Type {
		case knowledge.FactEmployer, knowledge.FactRelatedOrg:
			out = append(out, knowledge.Entity{
				Name:       f.Value,
				Kind:       "org",
				Relation:   relationFor(f.Type),
				Confidence: f.Confidence,
				Source:     firstSource(f.Sources),
			})
		case knowledge.FactAssociate:
			out = append(out, knowledge.Entity{
				Name:       f.Value,
				Kind:       "person",
				Relation:   "associate",
				Confidence: f.Confidence,
				Source:     firstSource(f.Sources),
			})
		}
	}
	return out
}

func relationFor(factType string) string {
	if factType == knowledge.FactEmployer {
		return "employer"
	}
	return "affiliated_org"
}

func firstSource(sources []string) string {
	if len(sources) == 0 {
		return ""
	}
	return sources[0]
}

func sameSources(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func mergeSources(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(a, b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func fieldString(record map[string]any, field string) string {
	v, ok := record[field]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", s))
	}
}

func fieldFloat(record map[string]any, field string, fallback float64) float64 {
	v, ok := record[field]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return fallback
	}
}
