package profile

import (
	"github.com/tangentland/elile/internal/findings"
	"github.com/tangentland/elile/internal/knowledge"
)

// findingKey identifies a finding across versions: category plus the
// canonical form of its summary.
func findingKey(f findings.Finding) string {
	return string(f.Category) + "\x00" + knowledge.Canonical(f.Summary)
}

// highRiskConnectionConfidence marks a new connection as alert-worthy.
const highRiskConnectionConfidence = 0.8

// Diff computes the delta between two consecutive versions. Deltas are
// derived on demand, never stored as edges between versions.
func Diff(baseline, current *Version) Delta {
	d := Delta{FromVersion: baseline.Version, ToVersion: current.Version}

	base := make(map[string]findings.Finding, len(baseline.Findings))
	for _, f := range baseline.Findings {
		base[findingKey(f)] = f
	}
	cur := make(map[string]findings.Finding, len(current.Findings))
	for _, f := range current.Findings {
		cur[findingKey(f)] = f
	}

	for key, f := range cur {
		prev, existed := base[key]
		switch {
		case !existed:
			d.New = append(d.New, Change{
				Kind: ChangeNew, Key: key, Severity: f.Severity, Summary: f.Summary,
			})
		case f.Severity.Exceeds(prev.Severity):
			d.Escalated = append(d.Escalated, Change{
				Kind: ChangeEscalated, Key: key,
				Severity: f.Severity, Previous: prev.Severity, Summary: f.Summary,
			})
		case f.Status != prev.Status:
			d.StatusChanges = append(d.StatusChanges, Change{
				Kind: ChangeStatusChanged, Key: key, Severity: f.Severity, Summary: f.Summary,
			})
		}
	}
	for key, f := range base {
		if _, still := cur[key]; !still {
			d.Resolved = append(d.Resolved, Change{
				Kind: ChangeResolved, Key: key, Severity: f.Severity, Summary: f.Summary,
			})
		}
	}

	baseConns := make(map[string]bool, len(baseline.Connections))
	for _, c := range baseline.Connections {
		baseConns[c.From+"\x00"+c.To+"\x00"+c.RelationType] = true
	}
	for _, c := range current.Connections {
		key := c.From + "\x00" + c.To + "\x00" + c.RelationType
		if !baseConns[key] && c.Confidence >= highRiskConnectionConfidence {
			d.NetworkChanges = append(d.NetworkChanges, Change{
				Kind: ChangeNetwork, Key: key, Severity: findings.SeverityMedium,
				Summary: "new high-risk connection: " + c.To,
			})
		}
	}

	d.MaxSeverity = maxSeverity(d)
	return d
}

// maxSeverity scans new, escalated, status-changed and network entries;
// resolved findings do not raise the delta's severity.
func maxSeverity(d Delta) findings.Severity {
	var max findings.Severity
	consider := func(changes []Change) {
		for _, c := range changes {
			if max == "" || c.Severity.Exceeds(max) {
				max = c.Severity
			}
		}
	}
	consider(d.New)
	consider(d.Escalated)
	consider(d.StatusChanges)
	consider(d.NetworkChanges)
	return max
}
