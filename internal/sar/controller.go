// Package sar drives the Search → Assess → Refine loop: the iteration
// controller, the phase-ordered information-type manager, and the
// orchestrator that runs each information type end to end.
package sar

import (
	"fmt"

	"github.com/tangentland/elile/internal/assess"
	"github.com/tangentland/elile/internal/screening"
)

// ControllerConfig holds the per-type stop thresholds.
type ControllerConfig struct {
	ConfidenceTarget float64
	MaxIterations    int
	MinInfoGainRate  float64 // new facts per executed query
}

// DefaultControllerConfig returns the standard thresholds.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ConfidenceTarget: 0.85,
		MaxIterations:    4,
		MinInfoGainRate:  0.15,
	}
}

// Decision is the controller's verdict after one iteration.
type Decision struct {
	Continue bool
	Terminal screening.TypeState // COMPLETE or FAILED when Continue is false
	Reason   string
}

// Controller decides whether a SAR loop iterates or terminates.
type Controller struct {
	config ControllerConfig
}

// NewController creates a controller.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg = DefaultControllerConfig()
	}
	return &Controller{config: cfg}
}

// Decide applies the stop conditions to the iteration's assessment.
// anyFactsEver reports whether any iteration of this type produced facts.
func (c *Controller) Decide(iteration int, as assess.Assessment, queriesExecuted int, anyFactsEver bool) Decision {
	gainRate := 0.0
	if queriesExecuted > 0 {
		gainRate = float64(as.NewFactCount) / float64(queriesExecuted)
	}

	var reason string
	switch {
	case as.Confidence >= c.config.ConfidenceTarget:
		reason = fmt.Sprintf("confidence %.2f reached target %.2f", as.Confidence, c.config.ConfidenceTarget)
	case iteration >= c.config.MaxIterations:
		reason = fmt.Sprintf("max iterations (%d) reached", c.config.MaxIterations)
	case iteration >= 2 && gainRate < c.config.MinInfoGainRate:
		reason = fmt.Sprintf("info gain rate %.3f below %.3f", gainRate, c.config.MinInfoGainRate)
	case iteration >= 2 && len(as.Gaps) == 0:
		reason = "no gaps remain"
	default:
		return Decision{Continue: true}
	}

	if anyFactsEver {
		return Decision{Terminal: screening.StateComplete, Reason: reason}
	}
	return Decision{Terminal: screening.StateFailed, Reason: "no_data_found"}
}
