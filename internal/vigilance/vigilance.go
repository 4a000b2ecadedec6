// Package vigilance keeps watching screened subjects: it schedules
// periodic re-runs, diffs each new profile version against the baseline,
// and raises alerts when the delta clears the vigilance threshold.
package vigilance

import (
	"time"

	"github.com/tangentland/elile/internal/findings"
	"github.com/tangentland/elile/internal/profile"
	"github.com/tangentland/elile/internal/screening"
)

// Schedule is one subject's monitoring registration. Exactly one schedule
// exists per subject.
type Schedule struct {
	SubjectID       string              `json:"subject_id"`
	TenantID        string              `json:"tenant_id"`
	Vigilance       screening.Vigilance `json:"vigilance"`
	NextCheckAt     time.Time           `json:"next_check_at"`
	BaselineVersion int                 `json:"baseline_version"`
}

// Period returns the re-check interval for a vigilance level; zero means
// the level is never checked.
func Period(v screening.Vigilance) time.Duration {
	const day = 24 * time.Hour
	switch v {
	case screening.VigilanceV1:
		return 365 * day
	case screening.VigilanceV2:
		return 30 * day
	case screening.VigilanceV3:
		return 15 * day
	default:
		return 0
	}
}

// Scope returns the information types a vigilance level re-runs. V1 runs
// the full loop; V2/V3 target the volatile record classes.
func Scope(v screening.Vigilance) []screening.InfoType {
	switch v {
	case screening.VigilanceV2, screening.VigilanceV3:
		return []screening.InfoType{
			screening.InfoCriminal,
			screening.InfoSanctions,
			screening.InfoAdverseMedia,
			screening.InfoCivil,
			screening.InfoRegulatory,
		}
	default:
		return nil // full scope
	}
}

// AlertThreshold returns the minimum delta severity that raises an alert
// for a vigilance level.
func AlertThreshold(v screening.Vigilance) findings.Severity {
	switch v {
	case screening.VigilanceV1:
		return findings.SeverityCritical
	case screening.VigilanceV2:
		return findings.SeverityHigh
	case screening.VigilanceV3:
		return findings.SeverityMedium
	default:
		return ""
	}
}

// Alert is one monitoring notification. Delivery channels are external.
type Alert struct {
	ID        string            `json:"id"`
	SubjectID string            `json:"subject_id"`
	TenantID  string            `json:"tenant_id"`
	Severity  findings.Severity `json:"severity"`
	Delta     profile.Delta     `json:"delta"`
	CreatedAt time.Time         `json:"created_at"`
}

// AlertSink receives generated alerts.
type AlertSink interface {
	Publish(alert Alert)
}
