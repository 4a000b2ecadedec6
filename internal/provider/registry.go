package provider

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// Registry resolves providers by id and by check type. It is populated at
// startup and read-only afterwards, so lookups are safe under concurrent
// reads without locking.
type Registry struct {
	byID    map[string]Provider
	byCheck map[string][]Provider
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]Provider),
		byCheck: make(map[string][]Provider),
	}
}

// Register adds a provider. Returns an error after Seal or on duplicate id.
func (r *Registry) Register(p Provider) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed")
	}
	info := p.Info()
	if info.ID == "" {
		return fmt.Errorf("provider has empty id")
	}
	if _, exists := r.byID[info.ID]; exists {
		return fmt.Errorf("provider %s already registered", info.ID)
	}
	r.byID[info.ID] = p
	for _, ct := range info.SupportedCheckTypes {
		r.byCheck[ct] = append(r.byCheck[ct], p)
	}
	log.Debug().
		Str("provider", info.ID).
		Str("tier", info.TierCategory.String()).
		Strs("checks", info.SupportedCheckTypes).
		Msg("Registered provider")
	return nil
}

// Seal freezes the registry. Ordering within each check type is fixed
// here: tier category first, then declared priority, then id for
// determinism.
func (r *Registry) Seal() {
	for ct := range r.byCheck {
		ps := r.byCheck[ct]
		sort.SliceStable(ps, func(i, j int) bool {
			a, b := ps[i].Info(), ps[j].Info()
			if a.TierCategory != b.TierCategory {
				return a.TierCategory < b.TierCategory
			}
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.ID < b.ID
		})
	}
	r.sealed = true
}

// Get returns the provider with the given id, or nil.
func (r *Registry) Get(id string) Provider {
	return r.byID[id]
}

// ForCheck returns the providers supporting a check type, in preference
// order. The returned slice must not be mutated.
func (r *Registry) ForCheck(checkType string) []Provider {
	return r.byCheck[checkType]
}

// All returns every registered provider.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info().ID < out[j].Info().ID })
	return out
}

// NextAvailable returns the first provider for checkType that is not in
// tried and for which available reports true, or nil when exhausted.
func (r *Registry) NextAvailable(checkType string, tried map[string]bool, available func(id string) bool) Provider {
	for _, p := range r.byCheck[checkType] {
		id := p.Info().ID
		if tried[id] {
			continue
		}
		if available != nil && !available(id) {
			continue
		}
		return p
	}
	return nil
}
