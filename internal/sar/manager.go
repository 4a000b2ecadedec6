package sar

import (
	"github.com/tangentland/elile/internal/compliance"
	"github.com/tangentland/elile/internal/screening"
)

// TypeManager yields the next batch of information types to run, enforcing
// phase order, tier restrictions, and the compliance oracle.
type TypeManager struct {
	oracle compliance.Oracle
}

// NewTypeManager creates a manager over the compliance oracle.
func NewTypeManager(oracle compliance.Oracle) *TypeManager {
	return &TypeManager{oracle: oracle}
}

// Permitted partitions all information types for the screening into
// runnable types (in phase order) and types the oracle or tier excludes.
func (m *TypeManager) Permitted(subject *screening.Subject, cfg screening.ServiceConfig) (allowed []screening.InfoType, skipped []screening.InfoType) {
	for _, t := range screening.AllInfoTypes() {
		if t == screening.InfoDigitalFootprint && cfg.Tier == screening.TierStandard {
			skipped = append(skipped, t)
			continue
		}
		if m.oracle != nil && !m.oracle.Permit(screening.CheckType(t), subject.Locale, subject.Role, string(cfg.Tier)) {
			skipped = append(skipped, t)
			continue
		}
		allowed = append(allowed, t)
	}
	return allowed, skipped
}

// NextBatch returns the permitted types of the earliest phase that still
// has non-terminal work. Types within the returned batch may run
// concurrently; an empty batch means the screening is done.
func (m *TypeManager) NextBatch(allowed []screening.InfoType, terminal map[screening.InfoType]bool) []screening.InfoType {
	for _, phase := range []screening.Phase{screening.PhaseFoundation, screening.PhaseRecords, screening.PhaseIntelligence} {
		var batch []screening.InfoType
		for _, t := range allowed {
			if screening.PhaseOf(t) != phase {
				continue
			}
			if !terminal[t] {
				batch = append(batch, t)
			}
		}
		if len(batch) > 0 {
			return batch
		}
		// Phase fully terminal; fall through to the next one.
	}
	return nil
}
