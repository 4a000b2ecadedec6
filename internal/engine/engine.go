// Package engine owns the process-wide singletons of the investigation
// platform and exposes the screening lifecycle: start, track, monitor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tangentland/elile/internal/assess"
	"github.com/tangentland/elile/internal/audit"
	"github.com/tangentland/elile/internal/compliance"
	"github.com/tangentland/elile/internal/crypto"
	"github.com/tangentland/elile/internal/executor"
	"github.com/tangentland/elile/internal/findings"
	"github.com/tangentland/elile/internal/health"
	"github.com/tangentland/elile/internal/knowledge"
	"github.com/tangentland/elile/internal/metrics"
	"github.com/tangentland/elile/internal/planner"
	"github.com/tangentland/elile/internal/profile"
	"github.com/tangentland/elile/internal/provider"
	"github.com/tangentland/elile/internal/ratelimit"
	"github.com/tangentland/elile/internal/respcache"
	"github.com/tangentland/elile/internal/risk"
	"github.com/tangentland/elile/internal/sar"
	"github.com/tangentland/elile/internal/screening"
	"github.com/tangentland/elile/internal/vigilance"
)

// Sentinel errors surfaced by StartScreening.
var (
	ErrConsentMissing = errors.New("CONSENT_MISSING")
)

// Options wires the engine's collaborators. Registry, Cache, Profiles,
// and Schedules are required; the rest default sensibly.
type Options struct {
	Registry      *provider.Registry
	Cache         *respcache.Store
	Profiles      profile.Store
	Schedules     vigilance.ScheduleStore
	Oracle        compliance.Oracle
	Consent       compliance.ConsentStore
	AuditSink     audit.Sink
	AlertSink     vigilance.AlertSink
	Crypto        *crypto.Manager
	Relevance     findings.RoleRelevance
	Executor      executor.Config
	Controller    sar.ControllerConfig
	Breaker       health.BreakerConfig
	AuditBuffer   int
	Deadline      time.Duration // default per-screening deadline
	SchedulerTick time.Duration
}

// Record tracks one screening through its lifecycle.
type Record struct {
	ID             string                  `json:"id"`
	Subject        *screening.Subject      `json:"subject"`
	Config         screening.ServiceConfig `json:"config"`
	TenantID       string                  `json:"tenant_id"`
	CorrelationID  string                  `json:"correlation_id"`
	Status         screening.Status        `json:"status"`
	TypeOutcomes   []screening.TypeOutcome `json:"type_outcomes,omitempty"`
	ProfileVersion int                     `json:"profile_version,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// Engine is the root object. Construct once at startup, Close in reverse.
type Engine struct {
	registry  *provider.Registry
	limiter   *ratelimit.Limiter
	health    *health.Monitor
	cache     *respcache.Store
	audit     *audit.Emitter
	profiles  profile.Store
	schedules vigilance.ScheduleStore
	oracle    compliance.Oracle
	consent   compliance.ConsentStore
	scheduler *vigilance.Scheduler

	exec         *executor.Executor
	orchestrator *sar.Orchestrator
	extractor    *findings.Extractor
	scorer       *risk.Scorer

	deadline time.Duration

	mu          sync.Mutex
	screenings  map[string]*Record
	subjects    map[string]*screening.Subject
	idempotency map[string]string // (tenant, correlation) -> screening id
	wg          sync.WaitGroup

	nowFn func() time.Time
}

// New constructs the engine and its shared gateway singletons.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Cache == nil || opts.Profiles == nil || opts.Schedules == nil {
		return nil, fmt.Errorf("registry, cache, profile store, and schedule store are required")
	}
	if opts.Oracle == nil {
		opts.Oracle = compliance.PermitAll{}
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Minute
	}

	limiter := ratelimit.New()
	for _, p := range opts.Registry.All() {
		info := p.Info()
		limiter.SetLimit(info.ID, info.RateLimitPerMinute)
	}

	hm := health.NewMonitor(opts.Breaker)
	emitter := audit.NewEmitter(opts.AuditSink, opts.AuditBuffer)

	exec := executor.New(opts.Registry, limiter, hm, opts.Cache, emitter, opts.Crypto, opts.Executor)
	orch := sar.NewOrchestrator(
		planner.New(opts.Registry),
		exec,
		assess.New(),
		sar.NewController(opts.Controller),
		sar.NewTypeManager(opts.Oracle),
	)

	isSynthesis := func(providerID string) bool {
		p := opts.Registry.Get(providerID)
		return p != nil && p.Info().TierCategory == provider.TierSynthesis
	}

	e := &Engine{
		registry:     opts.Registry,
		limiter:      limiter,
		health:       hm,
		cache:        opts.Cache,
		audit:        emitter,
		profiles:     opts.Profiles,
		schedules:    opts.Schedules,
		oracle:       opts.Oracle,
		consent:      opts.Consent,
		exec:         exec,
		orchestrator: orch,
		extractor:    findings.NewExtractor(opts.Relevance, isSynthesis),
		scorer:       risk.New(),
		deadline:     opts.Deadline,
		screenings:   make(map[string]*Record),
		subjects:     make(map[string]*screening.Subject),
		idempotency:  make(map[string]string),
		nowFn:        time.Now,
	}
	e.scheduler = vigilance.NewScheduler(opts.Schedules, opts.Profiles, e.runMonitoring, opts.AlertSink, emitter, opts.SchedulerTick)
	return e, nil
}

// Scheduler returns the vigilance scheduler for the caller to run.
func (e *Engine) Scheduler() *vigilance.Scheduler { return e.scheduler }

// HealthMonitor exposes the shared health monitor.
func (e *Engine) HealthMonitor() *health.Monitor { return e.health }

// RunHealthProbes periodically probes every registered provider until the
// context is cancelled. Run as a background goroutine.
func (e *Engine) RunHealthProbes(ctx context.Context) {
	ids := make([]string, 0)
	for _, p := range e.registry.All() {
		ids = append(ids, p.Info().ID)
	}
	e.health.RunProbeLoop(ctx, ids, func(ctx context.Context, providerID string) (bool, error) {
		p := e.registry.Get(providerID)
		if p == nil {
			return false, nil
		}
		h, err := p.HealthCheck(ctx)
		if err != nil {
			return false, err
		}
		return h.Available, nil
	})
}

// Close waits for in-flight screenings and flushes the audit buffer.
func (e *Engine) Close() {
	e.wg.Wait()
	e.audit.Close()
}

func idempotencyKey(tenantID, correlationID string) string {
	return tenantID + "\x00" + correlationID
}

// StartScreening validates and launches a screening asynchronously,
// returning its id. Idempotent on (tenant_id, correlation_id).
func (e *Engine) StartScreening(ctx context.Context, req screening.Request) (string, error) {
	if req.Subject == nil || req.Subject.ID == "" {
		return "", fmt.Errorf("%w: subject required", screening.ErrInvalidConfig)
	}
	if err := req.Config.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	if req.CorrelationID != "" {
		if existing, ok := e.idempotency[idempotencyKey(req.TenantID, req.CorrelationID)]; ok {
			e.mu.Unlock()
			log.Debug().Str("screening_id", existing).Msg("Idempotent screening request, returning existing id")
			return existing, nil
		}
	}

	rec := &Record{
		ID:            uuid.NewString(),
		Subject:       req.Subject,
		Config:        req.Config,
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
		Status:        screening.StatusPending,
		StartedAt:     e.nowFn().UTC(),
	}
	e.screenings[rec.ID] = rec
	e.subjects[req.Subject.ID] = req.Subject
	if req.CorrelationID != "" {
		e.idempotency[idempotencyKey(req.TenantID, req.CorrelationID)] = rec.ID
	}
	e.mu.Unlock()

	e.audit.Emit(audit.Event{
		Type:          audit.ScreeningInitiated,
		TenantID:      req.TenantID,
		SubjectID:     req.Subject.ID,
		ScreeningID:   rec.ID,
		CorrelationID: req.CorrelationID,
	})

	deadline := e.deadline
	if !req.Deadline.IsZero() {
		if until := time.Until(req.Deadline); until < deadline {
			deadline = until
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
		defer cancel()
		e.runScreening(runCtx, rec, req)
	}()

	return rec.ID, nil
}

// Get returns a screening record by id, or nil.
func (e *Engine) Get(screeningID string) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.screenings[screeningID]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

// List returns all known screening records, newest first.
func (e *Engine) List() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.screenings))
	for _, rec := range e.screenings {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Wait blocks until every launched screening has terminated. Test helper.
func (e *Engine) Wait() { e.wg.Wait() }

// runScreening executes the full pipeline for one screening.
func (e *Engine) runScreening(ctx context.Context, rec *Record, req screening.Request) {
	e.setStatus(rec.ID, screening.StatusRunning, "")

	// Consent pre-flight.
	if e.consent != nil {
		scope := compliance.ScopeForTier(string(req.Config.Tier))
		consent := e.consent.Verify(req.Subject.ID, scope, req.TenantID)
		if !consent.Valid {
			e.finish(rec.ID, screening.StatusFailedConsent, ErrConsentMissing.Error(), nil, 0)
			e.emitFailed(rec, "consent missing")
			return
		}
		e.audit.Emit(audit.Event{
			Type:          audit.ConsentVerified,
			TenantID:      req.TenantID,
			SubjectID:     req.Subject.ID,
			ScreeningID:   rec.ID,
			CorrelationID: req.CorrelationID,
		})
	}

	kb := knowledge.NewBase()
	result, err := e.orchestrator.RunAll(ctx, sar.Run{
		Subject:       req.Subject,
		Config:        req.Config,
		TenantID:      req.TenantID,
		ScreeningID:   rec.ID,
		CorrelationID: req.CorrelationID,
	}, kb)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// A cancelled screening must not produce a profile version.
			e.finish(rec.ID, screening.StatusCancelled, "cancelled", nil, 0)
		} else {
			e.finish(rec.ID, screening.StatusFailedInternal, err.Error(), nil, 0)
			e.emitFailed(rec, err.Error())
		}
		return
	}

	outcomes := typeOutcomes(result)

	// A screening succeeds only when a Foundation type completed.
	if !anyFoundationComplete(result) {
		e.finish(rec.ID, screening.StatusInsufficient, "no foundation type completed", outcomes, 0)
		e.emitFailed(rec, "insufficient data")
		return
	}

	fs := e.extractor.Extract(req.Subject, kb, result.Inconsistencies)
	e.audit.Emit(audit.Event{
		Type:          audit.FindingsExtracted,
		TenantID:      req.TenantID,
		SubjectID:     req.Subject.ID,
		ScreeningID:   rec.ID,
		CorrelationID: req.CorrelationID,
		Detail:        map[string]any{"count": len(fs)},
	})

	score := e.scorer.Compute(fs)

	connections := e.expandNetwork(ctx, rec, req, kb)

	version, err := e.profiles.Append(ctx, &profile.Version{
		SubjectID:       req.Subject.ID,
		TenantID:        req.TenantID,
		Trigger:         profile.TriggerScreening,
		Findings:        fs,
		RiskScore:       score,
		Connections:     connections,
		DataSourcesUsed: sorted(result.SourcesUsed),
		StaleDataUsed:   result.StaleUsed,
	})
	if err != nil {
		e.finish(rec.ID, screening.StatusFailedInternal, err.Error(), outcomes, 0)
		e.emitFailed(rec, err.Error())
		return
	}
	e.audit.Emit(audit.Event{
		Type:          audit.ProfileCreated,
		TenantID:      req.TenantID,
		SubjectID:     req.Subject.ID,
		ScreeningID:   rec.ID,
		CorrelationID: req.CorrelationID,
		Detail:        map[string]any{"version": version.Version},
	})

	if err := e.scheduler.Register(ctx, req.Subject.ID, req.TenantID, req.Config.Vigilance, version.Version); err != nil {
		log.Warn().Err(err).Str("subject_id", req.Subject.ID).Msg("Failed to register monitoring schedule")
	}

	e.finish(rec.ID, screening.StatusCompleted, "", outcomes, version.Version)
	metrics.Get().ScreeningDone(string(screening.StatusCompleted))
	e.audit.Emit(audit.Event{
		Type:          audit.ScreeningCompleted,
		TenantID:      req.TenantID,
		SubjectID:     req.Subject.ID,
		ScreeningID:   rec.ID,
		CorrelationID: req.CorrelationID,
		Detail:        map[string]any{"risk_level": string(score.Level), "recommendation": string(score.Recommendation)},
	})
}

// expandNetwork records discovered entity relations for D2/D3 screenings.
func (e *Engine) expandNetwork(ctx context.Context, rec *Record, req screening.Request, kb *knowledge.Base) []profile.Connection {
	if req.Config.Degree == screening.DegreeD1 {
		return nil
	}
	snap := kb.Snapshot()
	var connections []profile.Connection
	for _, ent := range append(snap.People, snap.Orgs...) {
		connections = append(connections, profile.Connection{
			From:         req.Subject.ID,
			To:           knowledge.Canonical(ent.Name),
			RelationType: ent.Relation,
			Confidence:   ent.Confidence,
			DiscoveredIn: rec.ID,
		})
	}
	if len(connections) > 0 {
		if err := e.profiles.AddRelations(ctx, connections); err != nil {
			log.Warn().Err(err).Msg("Failed to record entity relations")
		}
	}
	return connections
}

// runMonitoring is the scheduler's MonitorFunc: a scoped SAR re-run that
// appends a new profile version.
func (e *Engine) runMonitoring(ctx context.Context, sch vigilance.Schedule, scope []screening.InfoType, trigger profile.Trigger) (*profile.Version, error) {
	e.mu.Lock()
	subject := e.subjects[sch.SubjectID]
	e.mu.Unlock()
	if subject == nil {
		return nil, fmt.Errorf("unknown subject %s", sch.SubjectID)
	}

	// Monitoring inherits the vigilance level's scope and always runs at
	// STANDARD tier and degree D1, whatever the original screening used.
	cfg := screening.ServiceConfig{Tier: screening.TierStandard, Degree: screening.DegreeD1, Vigilance: sch.Vigilance}

	kb := knowledge.NewBase()
	runID := uuid.NewString()
	result, err := e.orchestrator.RunAll(ctx, sar.Run{
		Subject:       subject,
		Config:        cfg,
		TenantID:      sch.TenantID,
		ScreeningID:   runID,
		CorrelationID: runID,
		Scope:         scope,
	}, kb)
	if err != nil {
		return nil, err
	}

	fs := e.extractor.Extract(subject, kb, result.Inconsistencies)
	score := e.scorer.Compute(fs)

	version, err := e.profiles.Append(ctx, &profile.Version{
		SubjectID:       subject.ID,
		TenantID:        sch.TenantID,
		Trigger:         trigger,
		Findings:        fs,
		RiskScore:       score,
		DataSourcesUsed: sorted(result.SourcesUsed),
		StaleDataUsed:   result.StaleUsed,
	})
	if err != nil {
		return nil, err
	}
	e.audit.Emit(audit.Event{
		Type:      audit.ProfileCreated,
		TenantID:  sch.TenantID,
		SubjectID: subject.ID,
		Detail:    map[string]any{"version": version.Version, "trigger": string(trigger)},
	})
	return version, nil
}

func (e *Engine) setStatus(id string, status screening.Status, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.screenings[id]; ok {
		rec.Status = status
		if errMsg != "" {
			rec.Error = errMsg
		}
	}
}

func (e *Engine) finish(id string, status screening.Status, errMsg string, outcomes []screening.TypeOutcome, version int) {
	now := e.nowFn().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.screenings[id]; ok {
		rec.Status = status
		rec.Error = errMsg
		rec.TypeOutcomes = outcomes
		rec.ProfileVersion = version
		rec.CompletedAt = &now
	}
	if status != screening.StatusCompleted {
		metrics.Get().ScreeningDone(string(status))
	}
}

func (e *Engine) emitFailed(rec *Record, detail string) {
	e.audit.Emit(audit.Event{
		Type:          audit.ScreeningFailed,
		TenantID:      rec.TenantID,
		SubjectID:     rec.Subject.ID,
		ScreeningID:   rec.ID,
		CorrelationID: rec.CorrelationID,
		Detail:        map[string]any{"reason": detail},
	})
}

func typeOutcomes(result *sar.Result) []screening.TypeOutcome {
	out := make([]screening.TypeOutcome, 0, len(result.Progress))
	for _, p := range result.Progress {
		out = append(out, screening.TypeOutcome{InfoType: p.Type, State: p.State, Reason: p.Reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InfoType < out[j].InfoType })
	return out
}

func anyFoundationComplete(result *sar.Result) bool {
	for _, p := range result.Progress {
		if screening.PhaseOf(p.Type) == screening.PhaseFoundation && p.State == screening.StateComplete {
			return true
		}
	}
	return false
}

func sorted(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
