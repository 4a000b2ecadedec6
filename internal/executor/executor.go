// Package executor dispatches planned search queries through the provider
// gateway: cache first, then rate limit, circuit check, live dispatch
// with retry and backoff, and fallback provider selection.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tangentland/elile/internal/audit"
	"github.com/tangentland/elile/internal/crypto"
	"github.com/tangentland/elile/internal/health"
	"github.com/tangentland/elile/internal/metrics"
	"github.com/tangentland/elile/internal/provider"
	"github.com/tangentland/elile/internal/ratelimit"
	"github.com/tangentland/elile/internal/respcache"
	"github.com/tangentland/elile/internal/screening"
)

// Config tunes the executor.
type Config struct {
	MaxConcurrent int
	MaxAttempts   int             // dispatch attempts per provider
	Backoff       []time.Duration // wait before retry attempt n (1-indexed)
}

// DefaultConfig returns the standard executor tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 10,
		MaxAttempts:   3,
		Backoff:       []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second},
	}
}

// StaleUse records one consumed stale cache entry, surfaced on the
// emitting profile version.
type StaleUse struct {
	CheckType  string `json:"check_type"`
	ProviderID string `json:"provider_id"`
}

// Batch is the input for one executor run.
type Batch struct {
	Subject       *screening.Subject
	TenantID      string
	ScreeningID   string
	CorrelationID string
	Enhanced      bool // ENHANCED tier refuses stale cache entries
	Queries       []screening.SearchQuery
}

// Outcome aggregates one batch run.
type Outcome struct {
	Results     []screening.QueryResult
	StaleUsed   []StaleUse
	SourcesUsed []string // provider ids that contributed data
}

// Executor runs query batches against the provider gateway. Safe for
// concurrent use by multiple screenings.
type Executor struct {
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	health   *health.Monitor
	cache    *respcache.Store
	audit    *audit.Emitter
	crypto   *crypto.Manager
	config   Config
	sem      *semaphore.Weighted

	sleepFn func(ctx context.Context, d time.Duration) error
	nowFn   func() time.Time
}

// New creates an executor over the shared gateway singletons.
func New(reg *provider.Registry, limiter *ratelimit.Limiter, hm *health.Monitor, cache *respcache.Store, sink *audit.Emitter, cm *crypto.Manager, cfg Config) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Executor{
		registry: reg,
		limiter:  limiter,
		health:   hm,
		cache:    cache,
		audit:    sink,
		crypto:   cm,
		config:   cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sleepFn:  sleepCtx,
		nowFn:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes every query of the batch, up to MaxConcurrent in flight.
// Results are returned in query order.
func (e *Executor) Run(ctx context.Context, b Batch) (*Outcome, error) {
	results := make([]screening.QueryResult, len(b.Queries))
	var mu sync.Mutex
	out := &Outcome{}
	sources := make(map[string]bool)

	var wg sync.WaitGroup
	for i := range b.Queries {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer e.sem.Release(1)
			res, stale := e.runOne(ctx, b, b.Queries[idx])
			mu.Lock()
			results[idx] = res
			if stale != nil {
				out.StaleUsed = append(out.StaleUsed, *stale)
			}
			if res.Status == screening.QuerySuccess && res.ProviderID != "" {
				sources[res.ProviderID] = true
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out.Results = results
	for id := range sources {
		out.SourcesUsed = append(out.SourcesUsed, id)
	}
	return out, nil
}

// runOne executes a single query end to end.
func (e *Executor) runOne(ctx context.Context, b Batch, q screening.SearchQuery) (screening.QueryResult, *StaleUse) {
	checkType := screening.CheckType(q.InfoType)

	// Cache consult before any locking.
	if res, stale, ok := e.tryCache(ctx, b, q, checkType, false); ok {
		return res, stale
	}

	// The build lock coalesces concurrent callers for the same
	// (subject, check, provider) key onto one live dispatch.
	release := e.cache.LockBuild(b.Subject.ID, checkType, q.ProviderID)
	defer release()

	// Double-check: another caller may have filled the slot while we
	// waited on the lock.
	if res, stale, ok := e.tryCache(ctx, b, q, checkType, true); ok {
		return res, stale
	}

	return e.dispatch(ctx, b, q, checkType), nil
}

// tryCache looks up and applies the freshness policy. The second return
// carries a stale-use record when a STALE entry was consumed.
func (e *Executor) tryCache(ctx context.Context, b Batch, q screening.SearchQuery, checkType string, rechecking bool) (screening.QueryResult, *StaleUse, bool) {
	cached, err := e.cache.Lookup(ctx, b.Subject.ID, checkType, q.ProviderID, b.TenantID)
	if err != nil {
		log.Warn().Err(err).Str("query_id", q.QueryID).Msg("Cache lookup failed, falling through to provider")
		return screening.QueryResult{}, nil, false
	}

	decision := respcache.Policy(cached, b.Enhanced, e.nowFn())
	if decision == respcache.Refresh {
		if !rechecking {
			metrics.Get().CacheMiss()
			e.emit(b, audit.CacheMiss, map[string]any{"check_type": checkType, "provider_id": q.ProviderID})
		}
		return screening.QueryResult{}, nil, false
	}

	metrics.Get().CacheHit(checkType, decision == respcache.UseStale)
	e.emit(b, audit.CacheHit, map[string]any{"check_type": checkType, "provider_id": cached.ProviderID})

	res := screening.QueryResult{
		QueryID:    q.QueryID,
		ProviderID: cached.ProviderID,
		Status:     screening.QuerySuccess,
		Records:    cached.Normalized,
		FromCache:  true,
	}
	var stale *StaleUse
	if decision == respcache.UseStale {
		res.Stale = true
		stale = &StaleUse{CheckType: checkType, ProviderID: cached.ProviderID}
		e.emit(b, audit.StaleDataUsed, map[string]any{"check_type": checkType, "provider_id": cached.ProviderID})
	}
	return res, stale, true
}

// dispatch performs the live provider call with retry, backoff, and
// fallback. The retry counter continues across provider substitution.
func (e *Executor) dispatch(ctx context.Context, b Batch, q screening.SearchQuery, checkType string) screening.QueryResult {
	res := screening.QueryResult{QueryID: q.QueryID, ProviderID: q.ProviderID}

	tried := make(map[string]bool)
	var lastErr error
	lastKind := provider.ErrProvider

	p := e.registry.Get(q.ProviderID)
	for p != nil {
		info := p.Info()
		tried[info.ID] = true
		res.ProviderID = info.ID

		if !e.health.Allow(info.ID) {
			// Circuit open: skip straight to fallback selection.
			lastErr = fmt.Errorf("provider %s circuit open", info.ID)
			lastKind = provider.ErrServiceUnavailable
		} else {
			var done bool
			done, lastErr, lastKind = e.attemptProvider(ctx, b, q, checkType, p, &res)
			if done {
				return res
			}
			if ctx.Err() != nil {
				res.Status = screening.QueryFailed
				res.Error = ctx.Err().Error()
				return res
			}
		}

		p = e.registry.NextAvailable(checkType, tried, e.health.Available)
	}

	res.Status = screening.QueryFailed
	if lastKind == provider.ErrRateLimited {
		res.Status = screening.QueryRateLimited
	} else if lastKind == provider.ErrTimeout {
		res.Status = screening.QueryTimeout
	}
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	return res
}

// attemptProvider runs up to MaxAttempts dispatches against one provider.
// done is true when res holds a terminal SUCCESS.
func (e *Executor) attemptProvider(ctx context.Context, b Batch, q screening.SearchQuery, checkType string, p provider.Provider, res *screening.QueryResult) (done bool, lastErr error, lastKind provider.ErrorKind) {
	info := p.Info()
	lastKind = provider.ErrProvider

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx, info.ID); err != nil {
			return false, err, provider.ErrTimeout
		}

		start := e.nowFn()
		raw, err := e.queryWithTimeout(ctx, p, provider.QueryParams{
			SubjectID: b.Subject.ID,
			CheckType: checkType,
			Params:    q.Params,
		})
		latency := e.nowFn().Sub(start).Milliseconds()
		metrics.Get().ProviderQuery(info.ID, err == nil, e.nowFn().Sub(start))
		e.emit(b, audit.ProviderQuery, map[string]any{
			"provider_id": info.ID,
			"check_type":  checkType,
			"attempt":     attempt,
			"ok":          err == nil,
		})

		if err == nil {
			records, nerr := p.Normalize(raw)
			if nerr != nil {
				err = provider.NewError(info.ID, provider.ErrProvider, nerr)
			} else {
				e.health.RecordSuccess(info.ID, latency)
				e.store(ctx, b, checkType, info, raw, records)
				res.Status = screening.QuerySuccess
				res.Records = toMaps(records)
				res.LatencyMS = latency
				return true, nil, lastKind
			}
		}

		e.health.RecordFailure(info.ID)
		lastErr = err
		lastKind = provider.KindOf(err)
		res.RetryCount++
		res.LatencyMS = latency

		// RATE_LIMITED is never retried against the same provider.
		if lastKind == provider.ErrRateLimited || !provider.IsRetryable(err) {
			return false, lastErr, lastKind
		}
		if attempt == e.config.MaxAttempts {
			break
		}
		if err := e.sleepFn(ctx, e.backoffFor(attempt)); err != nil {
			return false, err, lastKind
		}
	}
	return false, lastErr, lastKind
}

func (e *Executor) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(e.config.Backoff) {
		idx = len(e.config.Backoff) - 1
	}
	return e.config.Backoff[idx]
}

func (e *Executor) queryWithTimeout(ctx context.Context, p provider.Provider, params provider.QueryParams) (*provider.RawResponse, error) {
	timeout := p.Info().Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := p.Query(qctx, params)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = provider.NewError(p.Info().ID, provider.ErrTimeout, err)
	}
	return raw, err
}

// store writes a successful response into the cache with TTLs derived
// from the check type. Raw payloads are encrypted when a crypto manager
// is configured.
func (e *Executor) store(ctx context.Context, b Batch, checkType string, info provider.Info, raw *provider.RawResponse, records []provider.Record) {
	entry := &respcache.CachedResponse{
		SubjectID:  b.Subject.ID,
		CheckType:  checkType,
		ProviderID: info.ID,
		Origin:     respcache.OriginPaidExternal,
		Normalized: toMaps(records),
		Cost:       info.CostPerQuery,
	}
	if e.crypto != nil && raw != nil && len(raw.Body) > 0 {
		if enc, err := e.crypto.Encrypt(raw.Body); err == nil {
			entry.RawEncrypted = enc
		} else {
			log.Warn().Err(err).Str("provider", info.ID).Msg("Failed to encrypt raw payload, storing without raw body")
		}
	}
	if err := e.cache.Put(ctx, entry); err != nil {
		log.Warn().Err(err).Str("provider", info.ID).Msg("Failed to store cached response")
	}
}

func toMaps(records []provider.Record) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any(r))
	}
	return out
}

func (e *Executor) emit(b Batch, t audit.EventType, detail map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Emit(audit.Event{
		Type:          t,
		TenantID:      b.TenantID,
		SubjectID:     b.Subject.ID,
		ScreeningID:   b.ScreeningID,
		CorrelationID: b.CorrelationID,
		Detail:        detail,
	})
}
