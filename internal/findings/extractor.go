package findings

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tangentland/elile/internal/assess"
	"github.com/tangentland/elile/internal/knowledge"
	"github.com/tangentland/elile/internal/screening"
)

// SynthesisConfidenceCap bounds the confidence of findings whose only
// sources are synthesis providers.
const SynthesisConfidenceCap = 0.80

// lookbackYears filters convictions older than this to a reduced severity.
const lookbackYears = 7

// RoleRelevance supplies the per-(category, role) relevance multiplier.
// The compliance layer provides the real table; DefaultRelevance is used
// when none is configured.
type RoleRelevance func(category Category, role string) float64

// DefaultRelevance weights every category fully for every role.
func DefaultRelevance(Category, string) float64 { return 1.0 }

// Extractor classifies knowledge-base facts and assessment artifacts into
// findings.
type Extractor struct {
	relevance   RoleRelevance
	isSynthesis func(providerID string) bool
	nowFn       func() time.Time
}

// NewExtractor creates an extractor. isSynthesis identifies providers
// whose output is synthesized rather than sourced from authoritative
// records; nil treats every provider as authoritative.
func NewExtractor(relevance RoleRelevance, isSynthesis func(providerID string) bool) *Extractor {
	if relevance == nil {
		relevance = DefaultRelevance
	}
	if isSynthesis == nil {
		isSynthesis = func(string) bool { return false }
	}
	return &Extractor{relevance: relevance, isSynthesis: isSynthesis, nowFn: time.Now}
}

// Extract derives findings for a subject from the accumulated knowledge
// base and the inconsistencies observed during assessment.
func (e *Extractor) Extract(subject *screening.Subject, kb *knowledge.Base, inconsistencies []assess.Inconsistency) []Finding {
	var out []Finding

	out = append(out, e.criminalFindings(subject, kb)...)
	out = append(out, e.sanctionFindings(subject, kb)...)
	out = append(out, e.regulatoryFindings(subject, kb)...)
	out = append(out, e.financialFindings(subject, kb)...)
	out = append(out, e.adverseMediaFindings(subject, kb)...)
	out = append(out, e.verificationFindings(subject, inconsistencies)...)
	out = append(out, e.networkFindings(subject, kb)...)

	for i := range out {
		e.finalize(&out[i], subject.Role)
	}
	return out
}

// finalize applies corroboration, relevance, and the synthesis cap.
func (e *Extractor) finalize(f *Finding, role string) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Corroborated = len(distinct(f.Sources)) >= 2
	f.RelevanceToRole = e.relevance(f.Category, role)

	f.AdverseActionUsable = false
	for _, src := range f.Sources {
		if !e.isSynthesis(src) {
			f.AdverseActionUsable = true
			break
		}
	}
	if !f.AdverseActionUsable && f.Confidence > SynthesisConfidenceCap {
		f.Confidence = SynthesisConfidenceCap
	}
}

func (e *Extractor) criminalFindings(subject *screening.Subject, kb *knowledge.Base) []Finding {
	var out []Finding
	for _, f := range kb.Facts(string(screening.InfoCriminal)) {
		if f.Type != "offense" {
			continue
		}
		severity := SeverityHigh
		lower := strings.ToLower(f.Value)
		switch {
		case strings.Contains(lower, "felony"):
			severity = SeverityHigh
		case strings.Contains(lower, "misdemeanor"):
			severity = SeverityMedium
		default:
			severity = SeverityMedium
		}
		finding := Finding{
			SubjectID:  subject.ID,
			Category:   CategoryCriminal,
			Severity:   severity,
			Confidence: f.Confidence,
			Summary:    "criminal record: " + knowledge.Canonical(f.Value),
			Detail:     fmt.Sprintf("Criminal history record reported: %s", f.Value),
			Sources:    f.Sources,
		}
		if date := f.DiscoveredAt; !date.IsZero() {
			finding.FindingDate = &date
			// Old convictions drop one severity band under the lookback rule.
			if age := e.nowFn().Sub(date); severity == SeverityHigh && age > lookbackYears*365*24*time.Hour {
				finding.Severity = SeverityMedium
			}
		}
		out = append(out, finding)
	}
	return out
}

func (e *Extractor) sanctionFindings(subject *screening.Subject, kb *knowledge.Base) []Finding {
	var out []Finding
	for _, f := range kb.Facts(string(screening.InfoSanctions)) {
		if f.Type != knowledge.FactSanctionMatch {
			continue
		}
		out = append(out, Finding{
			SubjectID:  subject.ID,
			Category:   CategoryRegulatory,
			Severity:   SeverityCritical,
			Confidence: f.Confidence,
			Summary:    "sanctions match: " + knowledge.Canonical(f.Value),
			Detail:     fmt.Sprintf("Subject matched sanctions list entry: %s", f.Value),
			Sources:    f.Sources,
		})
	}
	return out
}

func (e *Extractor) regulatoryFindings(subject *screening.Subject, kb *knowledge.Base) []Finding {
	var out []Finding
	for _, f := range kb.Facts(string(screening.InfoRegulatory)) {
		if f.Type != "offense" && f.Type != "record_id" {
			continue
		}
		out = append(out, Finding{
			SubjectID:  subject.ID,
			Category:   CategoryRegulatory,
			Severity:   SeverityMedium,
			Confidence: f.Confidence,
			Summary:    "regulatory action: " + knowledge.Canonical(f.Value),
			Detail:     fmt.Sprintf("Regulatory record reported: %s", f.Value),
			Sources:    f.Sources,
		})
	}
	return out
}

func (e *Extractor) financialFindings(subject *screening.Subject, kb *knowledge.Base) []Finding {
	var out []Finding
	for _, f := range kb.Facts(string(screening.InfoFinancial)) {
		if f.Type != "record_id" && f.Type != "disposition" {
			continue
		}
		severity := SeverityMedium
		if strings.Contains(strings.ToLower(f.Value), "bankruptcy") {
			severity = SeverityHigh
		}
		out = append(out, Finding{
			SubjectID:  subject.ID,
			Category:   CategoryFinancial,
			Severity:   severity,
			Confidence: f.Confidence,
			Summary:    "financial record: " + knowledge.Canonical(f.Value),
			Detail:     fmt.Sprintf("Financial history record reported: %s", f.Value),
			Sources:    f.Sources,
		})
	}
	return out
}

func (e *Extractor) adverseMediaFindings(subject *screening.Subject, kb *knowledge.Base) []Finding {
	var out []Finding
	for _, f := range kb.Facts(string(screening.InfoAdverseMedia)) {
		if f.Type != "adverse_topic" {
			continue
		}
		out = append(out, Finding{
			SubjectID:  subject.ID,
			Category:   CategoryReputation,
			Severity:   SeverityMedium,
			Confidence: f.Confidence,
			Summary:    "adverse media: " + knowledge.Canonical(f.Value),
			Detail:     fmt.Sprintf("Adverse media coverage on topic: %s", f.Value),
			Sources:    f.Sources,
		})
	}
	return out
}

// verificationFindings surfaces claimed-vs-found mismatches.
func (e *Extractor) verificationFindings(subject *screening.Subject, inconsistencies []assess.Inconsistency) []Finding {
	var out []Finding
	for _, inc := range inconsistencies {
		severity := SeverityMedium
		if inc.Severity == "high" {
			severity = SeverityHigh
		}
		out = append(out, Finding{
			SubjectID:  subject.ID,
			Category:   CategoryVerification,
			Severity:   severity,
			Confidence: inc.DeceptionScore,
			Summary:    "verification mismatch: " + inc.Field,
			Detail:     fmt.Sprintf("Claimed %q but found %q for %s", inc.Claimed, inc.Found, inc.Field),
			Sources:    []string{"assessment"},
		})
	}
	return out
}

// networkFindings flags high-risk discovered connections.
func (e *Extractor) networkFindings(subject *screening.Subject, kb *knowledge.Base) []Finding {
	snap := kb.Snapshot()
	var out []Finding
	for _, ent := range append(snap.People, snap.Orgs...) {
		if ent.Confidence < 0.6 {
			continue
		}
		if ent.Relation != "associate" && ent.Relation != "affiliated_org" {
			continue
		}
		out = append(out, Finding{
			SubjectID:  subject.ID,
			Category:   CategoryNetwork,
			Severity:   SeverityLow,
			Confidence: ent.Confidence,
			Summary:    "network connection: " + knowledge.Canonical(ent.Name),
			Detail:     fmt.Sprintf("Discovered %s connection: %s", ent.Relation, ent.Name),
			Sources:    []string{ent.Source},
		})
	}
	return out
}

func distinct(sources []string) []string {
	seen := make(map[string]bool, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
