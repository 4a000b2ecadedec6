// Package screening defines the core domain model for the investigation
// engine: subjects, service configuration, information types and their
// phase ordering, per-type SAR state, queries, and results.
package screening

import (
	"errors"
	"fmt"
	"time"
)

// SubjectKind identifies what a subject is.
type SubjectKind string

const (
	SubjectIndividual   SubjectKind = "individual"
	SubjectOrganization SubjectKind = "organization"
	SubjectAddress      SubjectKind = "address"
)

// Subject is the identity being screened. Immutable for the duration of a
// screening once created.
type Subject struct {
	ID        string      `json:"id"`
	Kind      SubjectKind `json:"kind"`
	TenantID  string      `json:"tenant_id"`
	Names     []string    `json:"names,omitempty"`
	DOB       string      `json:"dob,omitempty"` // ISO date, as declared
	TaxID     string      `json:"tax_id,omitempty"`
	Addresses []string    `json:"addresses,omitempty"`
	Employers []string    `json:"employers,omitempty"` // claimed
	Schools   []string    `json:"schools,omitempty"`   // claimed
	Emails    []string    `json:"emails,omitempty"`
	Phones    []string    `json:"phones,omitempty"`
	Usernames []string    `json:"usernames,omitempty"`
	Locale    string      `json:"locale,omitempty"`
	Role      string      `json:"role,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// PrimaryName returns the first declared name, or empty.
func (s *Subject) PrimaryName() string {
	if len(s.Names) == 0 {
		return ""
	}
	return s.Names[0]
}

// Tier is the service class governing data sources and stale-data policy.
type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierEnhanced Tier = "ENHANCED"
)

// Degree is the investigation breadth.
type Degree string

const (
	DegreeD1 Degree = "D1" // subject only
	DegreeD2 Degree = "D2" // subject + direct connections
	DegreeD3 Degree = "D3" // extended network
)

// Vigilance is the ongoing-monitoring frequency class.
type Vigilance string

const (
	VigilanceV0 Vigilance = "V0" // none
	VigilanceV1 Vigilance = "V1" // annual
	VigilanceV2 Vigilance = "V2" // monthly
	VigilanceV3 Vigilance = "V3" // twice monthly + event-driven
)

// ServiceConfig selects tier, degree, and vigilance for a screening.
type ServiceConfig struct {
	Tier      Tier      `json:"tier"`
	Degree    Degree    `json:"degree"`
	Vigilance Vigilance `json:"vigilance"`
}

// ErrInvalidConfig is returned when a service configuration violates the
// tier/degree constraint.
var ErrInvalidConfig = errors.New("invalid service config")

// Validate enforces the configuration invariants. D3 investigations
// require the ENHANCED tier.
func (c ServiceConfig) Validate() error {
	switch c.Tier {
	case TierStandard, TierEnhanced:
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidConfig, c.Tier)
	}
	switch c.Degree {
	case DegreeD1, DegreeD2, DegreeD3:
	default:
		return fmt.Errorf("%w: unknown degree %q", ErrInvalidConfig, c.Degree)
	}
	switch c.Vigilance {
	case VigilanceV0, VigilanceV1, VigilanceV2, VigilanceV3:
	default:
		return fmt.Errorf("%w: unknown vigilance %q", ErrInvalidConfig, c.Vigilance)
	}
	if c.Degree == DegreeD3 && c.Tier != TierEnhanced {
		return fmt.Errorf("%w: degree D3 requires tier ENHANCED", ErrInvalidConfig)
	}
	return nil
}

// InfoType is a class of evidence with its own queries and assessors.
type InfoType string

const (
	InfoIdentity         InfoType = "IDENTITY"
	InfoCriminal         InfoType = "CRIMINAL"
	InfoCivil            InfoType = "CIVIL"
	InfoEmployment       InfoType = "EMPLOYMENT"
	InfoEducation        InfoType = "EDUCATION"
	InfoFinancial        InfoType = "FINANCIAL"
	InfoLicenses         InfoType = "LICENSES"
	InfoRegulatory       InfoType = "REGULATORY"
	InfoSanctions        InfoType = "SANCTIONS"
	InfoAdverseMedia     InfoType = "ADVERSE_MEDIA"
	InfoDigitalFootprint InfoType = "DIGITAL_FOOTPRINT"
)

// Phase partitions information types into strictly ordered processing
// stages. Records queries may not run until all permitted Foundation
// types are terminal, and Intelligence waits for Records.
type Phase int

const (
	PhaseFoundation Phase = iota + 1
	PhaseRecords
	PhaseIntelligence
)

func (p Phase) String() string {
	switch p {
	case PhaseFoundation:
		return "foundation"
	case PhaseRecords:
		return "records"
	case PhaseIntelligence:
		return "intelligence"
	default:
		return "unknown"
	}
}

var phaseByType = map[InfoType]Phase{
	InfoIdentity:         PhaseFoundation,
	InfoEmployment:       PhaseFoundation,
	InfoEducation:        PhaseFoundation,
	InfoCriminal:         PhaseRecords,
	InfoCivil:            PhaseRecords,
	InfoFinancial:        PhaseRecords,
	InfoLicenses:         PhaseRecords,
	InfoRegulatory:       PhaseRecords,
	InfoSanctions:        PhaseRecords,
	InfoAdverseMedia:     PhaseIntelligence,
	InfoDigitalFootprint: PhaseIntelligence,
}

// PhaseOf returns the phase an information type belongs to.
func PhaseOf(t InfoType) Phase {
	return phaseByType[t]
}

// AllInfoTypes lists every information type in phase order.
func AllInfoTypes() []InfoType {
	return []InfoType{
		InfoIdentity, InfoEmployment, InfoEducation,
		InfoCriminal, InfoCivil, InfoFinancial, InfoLicenses, InfoRegulatory, InfoSanctions,
		InfoAdverseMedia, InfoDigitalFootprint,
	}
}

// TypesInPhase returns the information types of one phase, in declaration order.
func TypesInPhase(p Phase) []InfoType {
	out := make([]InfoType, 0, 6)
	for _, t := range AllInfoTypes() {
		if phaseByType[t] == p {
			out = append(out, t)
		}
	}
	return out
}

// CheckType maps an information type to the compliance check identifier
// the oracle and providers understand.
func CheckType(t InfoType) string {
	switch t {
	case InfoIdentity:
		return "identity_verification"
	case InfoCriminal:
		return "criminal_history"
	case InfoCivil:
		return "civil_records"
	case InfoEmployment:
		return "employment_verification"
	case InfoEducation:
		return "education_verification"
	case InfoFinancial:
		return "financial_history"
	case InfoLicenses:
		return "license_verification"
	case InfoRegulatory:
		return "regulatory_records"
	case InfoSanctions:
		return "sanctions_screening"
	case InfoAdverseMedia:
		return "adverse_media"
	case InfoDigitalFootprint:
		return "digital_footprint"
	default:
		return string(t)
	}
}

// TypeState is the per-information-type SAR machine state.
type TypeState string

const (
	StatePending   TypeState = "PENDING"
	StateSearching TypeState = "SEARCHING"
	StateAssessing TypeState = "ASSESSING"
	StateRefining  TypeState = "REFINING"
	StateComplete  TypeState = "COMPLETE"
	StateFailed    TypeState = "FAILED"
	StateSkipped   TypeState = "SKIPPED"
)

// Terminal reports whether the state ends the SAR loop for a type.
func (s TypeState) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateSkipped
}

// IterationRecord snapshots one SAR iteration of one information type.
type IterationRecord struct {
	Iteration        int       `json:"iteration"` // 1-indexed
	QueriesPlanned   int       `json:"queries_planned"`
	QueriesSucceeded int       `json:"queries_succeeded"`
	NewFacts         int       `json:"new_facts"`
	TotalFacts       int       `json:"total_facts"`
	Confidence       float64   `json:"confidence"`
	Gaps             []string  `json:"gaps,omitempty"`
	InfoGainRate     float64   `json:"info_gain_rate"`
	CompletedAt      time.Time `json:"completed_at"`
}

// TypeProgress tracks one information type through the SAR loop.
type TypeProgress struct {
	Type      InfoType          `json:"type"`
	State     TypeState         `json:"state"`
	Iteration int               `json:"iteration"`
	Reason    string            `json:"reason,omitempty"` // terminal reason
	History   []IterationRecord `json:"history,omitempty"`
}

// QueryKind classifies how a search query was produced.
type QueryKind string

const (
	QueryInitial    QueryKind = "initial"
	QueryEnriched   QueryKind = "enriched"
	QueryGapFill    QueryKind = "gap_fill"
	QueryRefinement QueryKind = "refinement"
)

// SearchQuery is one planned provider query.
type SearchQuery struct {
	QueryID     string            `json:"query_id"`
	InfoType    InfoType          `json:"info_type"`
	Kind        QueryKind         `json:"kind"`
	ProviderID  string            `json:"provider_id"`
	Params      map[string]string `json:"params"`
	Iteration   int               `json:"iteration"`
	TargetedGap string            `json:"targeted_gap,omitempty"`
	EnrichedBy  []InfoType        `json:"enriched_by,omitempty"` // completed types that supplied params
}

// QueryStatus is the terminal status of one executed query.
type QueryStatus string

const (
	QuerySuccess     QueryStatus = "SUCCESS"
	QueryFailed      QueryStatus = "FAILED"
	QueryTimeout     QueryStatus = "TIMEOUT"
	QueryRateLimited QueryStatus = "RATE_LIMITED"
)

// QueryResult is the outcome of dispatching one SearchQuery.
type QueryResult struct {
	QueryID    string           `json:"query_id"`
	ProviderID string           `json:"provider_id"`
	Status     QueryStatus      `json:"status"`
	Records    []map[string]any `json:"records,omitempty"` // normalized provider records
	FromCache  bool             `json:"from_cache"`
	Stale      bool             `json:"stale"`
	LatencyMS  int64            `json:"latency_ms"`
	RetryCount int              `json:"retry_count"`
	Error      string           `json:"error,omitempty"`
}

// Status is the lifecycle state of a whole screening.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailedConsent  Status = "failed_consent"
	StatusFailedInternal Status = "failed_internal"
	StatusInsufficient   Status = "insufficient_data"
	StatusCancelled      Status = "cancelled"
)

// TypeOutcome is one entry of the user-visible per-type failure list.
type TypeOutcome struct {
	InfoType InfoType  `json:"info_type"`
	State    TypeState `json:"state"`
	Reason   string    `json:"reason,omitempty"`
}

// Request is the inbound screening request handed to the engine by the
// outer service layer.
type Request struct {
	Subject       *Subject      `json:"subject"`
	Config        ServiceConfig `json:"config"`
	TenantID      string        `json:"tenant_id"`
	UserID        string        `json:"user_id"`
	CorrelationID string        `json:"correlation_id"`
	Deadline      time.Time     `json:"deadline,omitzero"`
}
