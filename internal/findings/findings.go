// Package findings turns accumulated screening knowledge into typed,
// scored findings ready for risk scoring.
package findings

import (
	"time"
)

// Category is the closed set of finding classifications.
type Category string

const (
	CategoryCriminal     Category = "CRIMINAL"
	CategoryFinancial    Category = "FINANCIAL"
	CategoryRegulatory   Category = "REGULATORY"
	CategoryReputation   Category = "REPUTATION"
	CategoryVerification Category = "VERIFICATION"
	CategoryBehavioral   Category = "BEHAVIORAL"
	CategoryNetwork      Category = "NETWORK"
)

// Severity ranks a finding's gravity.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for comparisons.
var rank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric order of a severity (higher is worse).
func (s Severity) Rank() int { return rank[s] }

// Exceeds reports whether s is strictly worse than other.
func (s Severity) Exceeds(other Severity) bool { return rank[s] > rank[other] }

// AtLeast reports whether s meets or exceeds other.
func (s Severity) AtLeast(other Severity) bool { return rank[s] >= rank[other] }

// Finding is one assessed risk signal about a subject.
type Finding struct {
	ID              string     `json:"id"`
	SubjectID       string     `json:"subject_id"`
	Category        Category   `json:"category"`
	Severity        Severity   `json:"severity"`
	Confidence      float64    `json:"confidence"`
	RelevanceToRole float64    `json:"relevance_to_role"`
	Summary         string     `json:"summary"`
	Detail          string     `json:"detail,omitempty"`
	Sources         []string   `json:"sources"`
	Corroborated    bool       `json:"corroborated"`
	FindingDate     *time.Time `json:"finding_date,omitempty"`
	Status          string     `json:"status,omitempty"`
	// AdverseActionUsable is false for findings sourced only from
	// synthesis providers; those may not drive adverse decisions.
	AdverseActionUsable bool `json:"adverse_action_usable"`
}
