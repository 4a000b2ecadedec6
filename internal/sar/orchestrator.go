package sar

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tangentland/elile/internal/assess"
	"github.com/tangentland/elile/internal/executor"
	"github.com/tangentland/elile/internal/knowledge"
	"github.com/tangentland/elile/internal/metrics"
	"github.com/tangentland/elile/internal/planner"
	"github.com/tangentland/elile/internal/screening"
)

// QueryRunner abstracts the executor for the orchestrator.
type QueryRunner interface {
	Run(ctx context.Context, b executor.Batch) (*executor.Outcome, error)
}

// Run is the input for one full SAR pass over a screening.
type Run struct {
	Subject       *screening.Subject
	Config        screening.ServiceConfig
	TenantID      string
	ScreeningID   string
	CorrelationID string
	Scope         []screening.InfoType // nil means every permitted type
}

// Result aggregates one SAR pass.
type Result struct {
	Progress        map[screening.InfoType]*screening.TypeProgress
	StaleUsed       []executor.StaleUse
	SourcesUsed     []string
	Inconsistencies []assess.Inconsistency
}

// Orchestrator coordinates planner → executor → assessor → controller for
// each information type, honouring phase order across types.
type Orchestrator struct {
	planner    *planner.Planner
	exec       QueryRunner
	assessor   *assess.Assessor
	controller *Controller
	manager    *TypeManager
	nowFn      func() time.Time
}

// NewOrchestrator wires the SAR components together.
func NewOrchestrator(pl *planner.Planner, exec QueryRunner, as *assess.Assessor, ctrl *Controller, mgr *TypeManager) *Orchestrator {
	return &Orchestrator{
		planner:    pl,
		exec:       exec,
		assessor:   as,
		controller: ctrl,
		manager:    mgr,
		nowFn:      time.Now,
	}
}

// RunAll executes the SAR loop for every permitted information type of
// the screening, phase by phase. Types within one phase run concurrently;
// a later phase starts only when the earlier one is fully terminal, so
// its queries observe all facts recorded by completed earlier types.
func (o *Orchestrator) RunAll(ctx context.Context, run Run, kb *knowledge.Base) (*Result, error) {
	allowed, skipped := o.manager.Permitted(run.Subject, run.Config)
	allowed = filterScope(allowed, run.Scope)

	result := &Result{Progress: make(map[screening.InfoType]*screening.TypeProgress)}
	for _, t := range skipped {
		result.Progress[t] = &screening.TypeProgress{
			Type:   t,
			State:  screening.StateSkipped,
			Reason: "compliance_forbidden",
		}
	}

	terminal := make(map[screening.InfoType]bool, len(allowed))
	var completed []screening.InfoType
	var mu sync.Mutex
	sources := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := o.manager.NextBatch(allowed, terminal)
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, t := range batch {
			t := t
			g.Go(func() error {
				out, err := o.runType(gctx, run, t, kb, completed)
				if err != nil {
					return err
				}
				mu.Lock()
				result.Progress[t] = out.progress
				result.StaleUsed = append(result.StaleUsed, out.staleUsed...)
				result.Inconsistencies = append(result.Inconsistencies, out.inconsistencies...)
				for _, id := range out.sources {
					sources[id] = true
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, t := range batch {
			terminal[t] = true
			if result.Progress[t].State == screening.StateComplete {
				completed = append(completed, t)
			}
		}
	}

	for id := range sources {
		result.SourcesUsed = append(result.SourcesUsed, id)
	}
	return result, nil
}

// typeOutcome carries one information type's SAR results back to RunAll.
type typeOutcome struct {
	progress        *screening.TypeProgress
	staleUsed       []executor.StaleUse
	sources         []string
	inconsistencies []assess.Inconsistency
}

// runType executes the SAR loop for one information type.
func (o *Orchestrator) runType(ctx context.Context, run Run, t screening.InfoType, kb *knowledge.Base, completed []screening.InfoType) (*typeOutcome, error) {
	out := &typeOutcome{progress: &screening.TypeProgress{Type: t, State: screening.StatePending}}
	progress := out.progress
	sources := make(map[string]bool)

	var gaps []string
	anyFacts := false

	for iteration := 1; ; iteration++ {
		progress.Iteration = iteration

		queries := o.planner.Plan(t, run.Subject, kb.Snapshot(), iteration, gaps, completed)
		if len(queries) == 0 {
			if iteration == 1 {
				progress.State = screening.StateFailed
				progress.Reason = "no_queries_planned"
				out.sources = keys(sources)
				return out, nil
			}
			progress.State = screening.StateComplete
			progress.Reason = "no further queries"
			if !anyFacts {
				progress.State = screening.StateFailed
				progress.Reason = "no_data_found"
			}
			out.sources = keys(sources)
			return out, nil
		}

		progress.State = screening.StateSearching
		outcome, err := o.exec.Run(ctx, executor.Batch{
			Subject:       run.Subject,
			TenantID:      run.TenantID,
			ScreeningID:   run.ScreeningID,
			CorrelationID: run.CorrelationID,
			Enhanced:      run.Config.Tier == screening.TierEnhanced,
			Queries:       queries,
		})
		if err != nil {
			return nil, err
		}
		out.staleUsed = append(out.staleUsed, outcome.StaleUsed...)
		for _, id := range outcome.SourcesUsed {
			sources[id] = true
		}

		progress.State = screening.StateAssessing
		as := o.assessor.Assess(t, outcome.Results, iteration, kb)
		kb.RecordFacts(string(t), as.Facts)
		for _, e := range as.Entities {
			kb.RecordEntity(e)
		}
		if as.NewFactCount > 0 {
			anyFacts = true
		}
		out.inconsistencies = append(out.inconsistencies, as.Inconsistencies...)
		gaps = as.Gaps

		record := screening.IterationRecord{
			Iteration:        iteration,
			QueriesPlanned:   len(queries),
			QueriesSucceeded: as.SuccessCount,
			NewFacts:         as.NewFactCount,
			TotalFacts:       kb.FactCount(string(t)),
			Confidence:       as.Confidence,
			Gaps:             as.Gaps,
			CompletedAt:      o.nowFn().UTC(),
		}
		if len(queries) > 0 {
			record.InfoGainRate = float64(as.NewFactCount) / float64(len(queries))
		}
		progress.History = append(progress.History, record)
		metrics.Get().Iteration(string(t))

		decision := o.controller.Decide(iteration, as, len(queries), anyFacts)
		if !decision.Continue {
			progress.State = decision.Terminal
			progress.Reason = decision.Reason
			log.Debug().
				Str("info_type", string(t)).
				Str("state", string(progress.State)).
				Int("iterations", iteration).
				Str("reason", decision.Reason).
				Msg("SAR loop terminated")
			out.sources = keys(sources)
			return out, nil
		}
		progress.State = screening.StateRefining
	}
}

func filterScope(allowed, scope []screening.InfoType) []screening.InfoType {
	if len(scope) == 0 {
		return allowed
	}
	inScope := make(map[screening.InfoType]bool, len(scope))
	for _, t := range scope {
		inScope[t] = true
	}
	out := make([]screening.InfoType, 0, len(allowed))
	for _, t := range allowed {
		if inScope[t] {
			out = append(out, t)
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
