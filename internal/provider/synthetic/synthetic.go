// Package synthetic provides deterministic in-process providers for the
// demo binary and the test suite. Responses are generated from a seed so
// repeated runs of the same subject yield identical evidence.
package synthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tangentland/elile/internal/provider"
)

// Option tweaks a synthetic provider.
type Option func(*Provider)

// WithTier sets the provider's tier category.
func WithTier(t provider.TierCategory) Option {
	return func(p *Provider) { p.info.TierCategory = t }
}

// WithPriority sets the in-tier preference order.
func WithPriority(n int) Option {
	return func(p *Provider) { p.info.Priority = n }
}

// WithRateLimit sets the per-minute admission limit.
func WithRateLimit(n int) Option {
	return func(p *Provider) { p.info.RateLimitPerMinute = n }
}

// WithLatency adds a fixed artificial delay per query.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailures makes the next n queries fail with the given kind.
func WithFailures(n int, kind provider.ErrorKind) Option {
	return func(p *Provider) {
		p.failRemaining.Store(int64(n))
		p.failKind = kind
	}
}

// WithRecords overrides the generated records for a check type.
func WithRecords(checkType string, records []provider.Record) Option {
	return func(p *Provider) { p.scripted[checkType] = records }
}

// Provider is a deterministic synthetic data source.
type Provider struct {
	info     provider.Info
	latency  time.Duration
	failKind provider.ErrorKind

	failRemaining atomic.Int64
	queryCount    atomic.Int64

	mu       sync.Mutex
	scripted map[string][]provider.Record
}

// New creates a synthetic provider serving the given check types.
func New(id string, checkTypes []string, opts ...Option) *Provider {
	p := &Provider{
		info: provider.Info{
			ID:                  id,
			Name:                "synthetic " + id,
			SupportedCheckTypes: checkTypes,
			TierCategory:        provider.TierAggregator,
			CostPerQuery:        0.25,
			RateLimitPerMinute:  600,
			Timeout:             5 * time.Second,
		},
		scripted: make(map[string][]provider.Record),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info { return p.info }

// QueryCount returns how many queries this provider has served.
func (p *Provider) QueryCount() int64 { return p.queryCount.Load() }

// Query implements provider.Provider.
func (p *Provider) Query(ctx context.Context, params provider.QueryParams) (*provider.RawResponse, error) {
	p.queryCount.Add(1)

	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, provider.NewError(p.info.ID, provider.ErrTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, provider.NewError(p.info.ID, provider.ErrTimeout, err)
	}

	if p.failRemaining.Load() > 0 {
		p.failRemaining.Add(-1)
		return nil, provider.NewError(p.info.ID, p.failKind, fmt.Errorf("injected failure"))
	}

	records := p.recordsFor(params)
	body, err := json.Marshal(records)
	if err != nil {
		return nil, provider.NewError(p.info.ID, provider.ErrProvider, err)
	}
	return &provider.RawResponse{Body: body, StatusCode: 200, ReceivedAt: time.Now().UTC()}, nil
}

// Normalize implements provider.Provider.
func (p *Provider) Normalize(raw *provider.RawResponse) ([]provider.Record, error) {
	var records []provider.Record
	if err := json.Unmarshal(raw.Body, &records); err != nil {
		return nil, fmt.Errorf("failed to parse synthetic payload: %w", err)
	}
	return records, nil
}

// HealthCheck implements provider.Provider.
func (p *Provider) HealthCheck(ctx context.Context) (provider.Health, error) {
	return provider.Health{Available: p.failRemaining.Load() == 0, LatencyMS: p.latency.Milliseconds()}, nil
}

func (p *Provider) recordsFor(params provider.QueryParams) []provider.Record {
	p.mu.Lock()
	if scripted, ok := p.scripted[params.CheckType]; ok {
		p.mu.Unlock()
		return scripted
	}
	p.mu.Unlock()
	return generate(p.info.ID, params)
}

// generate produces seed-stable records for a subject and check type.
func generate(providerID string, params provider.QueryParams) []provider.Record {
	h := fnv.New64a()
	h.Write([]byte(providerID))
	h.Write([]byte(params.SubjectID))
	h.Write([]byte(params.CheckType))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	name := params.Params["names"]
	switch params.CheckType {
	case "identity_verification":
		return []provider.Record{{
			"name":       name,
			"dob":        params.Params["dob"],
			"address":    fmt.Sprintf("%d Oak St, Springfield, Greene County, MO", 100+rng.Intn(900)),
			"confidence": 0.85 + rng.Float64()*0.1,
		}}
	case "employment_verification":
		return []provider.Record{{
			"name":       name,
			"employer":   pick(rng, "Acme Logistics", "Northwind Traders", "Initech"),
			"end_date":   pick(rng, "", "2024-05-31", "2022-11-01"),
			"confidence": 0.8,
		}}
	case "education_verification":
		return []provider.Record{{
			"name":       name,
			"school":     pick(rng, "State University", "Riverside College"),
			"degree":     pick(rng, "BSc Computer Science", "BA Economics"),
			"confidence": 0.82,
		}}
	case "criminal_history":
		if rng.Float64() < 0.7 {
			return []provider.Record{} // most subjects are clean
		}
		return []provider.Record{{
			"offense":     pick(rng, "misdemeanor petty theft", "felony fraud"),
			"disposition": pick(rng, "dismissed", "convicted"),
			"county":      params.Params["county"],
			"confidence":  0.75,
		}}
	case "sanctions_screening":
		return []provider.Record{} // hits are scripted in tests
	case "adverse_media":
		if rng.Float64() < 0.8 {
			return []provider.Record{}
		}
		return []provider.Record{{
			"topic":      "litigation coverage",
			"article":    "Local business dispute reported",
			"confidence": 0.6,
		}}
	case "license_verification":
		return []provider.Record{{
			"license_number": fmt.Sprintf("LIC-%06d", rng.Intn(1000000)),
			"confidence":     0.9,
		}}
	case "digital_footprint":
		return []provider.Record{{
			"username":   params.Params["usernames"],
			"email":      params.Params["emails"],
			"confidence": 0.65,
		}}
	default:
		if rng.Float64() < 0.6 {
			return []provider.Record{}
		}
		return []provider.Record{{
			"record_id":  fmt.Sprintf("R-%05d", rng.Intn(100000)),
			"confidence": 0.7,
		}}
	}
}

func pick(rng *rand.Rand, choices ...string) string {
	return choices[rng.Intn(len(choices))]
}

// DefaultFleet registers a standard set of synthetic providers covering
// every check type, with primary/fallback pairs for the record classes.
func DefaultFleet(reg *provider.Registry) error {
	fleet := []*Provider{
		New("syn_identity", []string{"identity_verification"}, WithTier(provider.TierPrimary)),
		New("syn_employment_primary", []string{"employment_verification"}, WithTier(provider.TierPrimary)),
		New("syn_employment_backup", []string{"employment_verification"}, WithTier(provider.TierAggregator), WithPriority(1)),
		New("syn_education", []string{"education_verification"}),
		New("syn_criminal_county", []string{"criminal_history"}, WithTier(provider.TierPrimary)),
		New("syn_criminal_national", []string{"criminal_history"}, WithPriority(1)),
		New("syn_civil", []string{"civil_records"}),
		New("syn_financial", []string{"financial_history"}),
		New("syn_licenses", []string{"license_verification"}),
		New("syn_regulatory", []string{"regulatory_records"}),
		New("syn_sanctions", []string{"sanctions_screening"}, WithTier(provider.TierPrimary)),
		New("syn_media", []string{"adverse_media"}),
		New("syn_digital", []string{"digital_footprint"}, WithTier(provider.TierSynthesis)),
	}
	for _, p := range fleet {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
