// Package planner builds the search queries for each SAR iteration:
// initial and enriched queries on the first pass, gap-targeted queries on
// refinement passes.
package planner

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tangentland/elile/internal/knowledge"
	"github.com/tangentland/elile/internal/provider"
	"github.com/tangentland/elile/internal/screening"
)

// maxCountyQueries caps per-county criminal fan-out.
const maxCountyQueries = 5

// Planner derives queries from the subject, the knowledge snapshot, and
// the set of providers registered for each check type. Pure computation;
// safe for concurrent use.
type Planner struct {
	registry *provider.Registry
}

// New creates a planner over the provider registry.
func New(reg *provider.Registry) *Planner {
	return &Planner{registry: reg}
}

// Plan returns the queries for one iteration of one information type.
// For iteration 1 it emits initial queries from subject-declared data
// plus enriched queries parameterised by completed-type facts; for later
// iterations it emits one gap_fill query per (gap, provider). Duplicate
// queries within the iteration collapse on (provider, canonical params).
func (p *Planner) Plan(t screening.InfoType, subject *screening.Subject, snap knowledge.Snapshot, iteration int, gaps []string, completed []screening.InfoType) []screening.SearchQuery {
	providers := p.registry.ForCheck(screening.CheckType(t))
	if len(providers) == 0 {
		return nil
	}

	var queries []screening.SearchQuery
	if iteration <= 1 {
		queries = p.planInitial(t, subject, snap, providers, completed)
	} else {
		queries = p.planGapFill(t, iteration, gaps, providers)
	}
	return dedupeQueries(queries)
}

func (p *Planner) planInitial(t screening.InfoType, subject *screening.Subject, snap knowledge.Snapshot, providers []provider.Provider, completed []screening.InfoType) []screening.SearchQuery {
	names := union(subject.Names, snap.Names)
	dob := subject.DOB
	if dob == "" {
		dob = snap.DOB
	}

	var out []screening.SearchQuery
	add := func(prov provider.Provider, params map[string]string, kind screening.QueryKind, enrichedBy []screening.InfoType) {
		out = append(out, screening.SearchQuery{
			QueryID:    uuid.NewString(),
			InfoType:   t,
			Kind:       kind,
			ProviderID: prov.Info().ID,
			Params:     params,
			Iteration:  1,
			EnrichedBy: enrichedBy,
		})
	}

	for _, prov := range providers {
		switch t {
		case screening.InfoCriminal:
			// One query per known county, capped; enrichment comes from
			// foundation-phase address facts.
			counties := snap.Counties
			if len(counties) > maxCountyQueries {
				counties = counties[:maxCountyQueries]
			}
			if len(counties) == 0 {
				add(prov, withCommon(names, dob, nil), screening.QueryInitial, nil)
				continue
			}
			for _, county := range counties {
				params := withCommon(names, dob, map[string]string{"county": county})
				add(prov, params, screening.QueryEnriched, enrichedFrom(completed, screening.InfoIdentity, screening.InfoEmployment))
			}

		case screening.InfoEmployment:
			params := withCommon(names, dob, nil)
			if addrs := union(subject.Addresses, snap.Addresses); len(addrs) > 0 {
				params["addresses"] = strings.Join(addrs, "|")
			}
			kind := screening.QueryInitial
			var enriched []screening.InfoType
			if len(snap.Addresses) > 0 {
				kind = screening.QueryEnriched
				enriched = enrichedFrom(completed, screening.InfoIdentity)
			}
			add(prov, params, kind, enriched)

		case screening.InfoAdverseMedia:
			terms := union(names, snap.Employers, snap.Schools)
			if len(terms) == 0 {
				continue
			}
			params := map[string]string{"search_terms": strings.Join(terms, "|")}
			kind := screening.QueryInitial
			var enriched []screening.InfoType
			if len(snap.Employers) > 0 || len(snap.Schools) > 0 {
				kind = screening.QueryEnriched
				enriched = enrichedFrom(completed, screening.InfoEmployment, screening.InfoEducation)
			}
			add(prov, params, kind, enriched)

		case screening.InfoSanctions:
			params := map[string]string{"names": strings.Join(names, "|")}
			if dob != "" {
				params["dob"] = dob
			}
			add(prov, params, screening.QueryInitial, nil)

		case screening.InfoDigitalFootprint:
			params := map[string]string{}
			if emails := union(subject.Emails, snap.Emails); len(emails) > 0 {
				params["emails"] = strings.Join(emails, "|")
			}
			if usernames := union(subject.Usernames, snap.Usernames); len(usernames) > 0 {
				params["usernames"] = strings.Join(usernames, "|")
			}
			if len(names) > 0 {
				params["names"] = strings.Join(names, "|")
			}
			if len(params) == 0 {
				continue
			}
			add(prov, params, screening.QueryInitial, nil)

		case screening.InfoEducation:
			params := withCommon(names, dob, nil)
			if schools := union(subject.Schools, snap.Schools); len(schools) > 0 {
				params["schools"] = strings.Join(schools, "|")
			}
			add(prov, params, screening.QueryInitial, nil)

		default:
			add(prov, withCommon(names, dob, nil), screening.QueryInitial, nil)
		}
	}
	return out
}

func (p *Planner) planGapFill(t screening.InfoType, iteration int, gaps []string, providers []provider.Provider) []screening.SearchQuery {
	var out []screening.SearchQuery
	for _, gap := range gaps {
		if strings.TrimSpace(gap) == "" {
			continue
		}
		for _, prov := range providers {
			out = append(out, screening.SearchQuery{
				QueryID:     uuid.NewString(),
				InfoType:    t,
				Kind:        screening.QueryGapFill,
				ProviderID:  prov.Info().ID,
				Params:      map[string]string{"gap": gap},
				Iteration:   iteration,
				TargetedGap: gap,
			})
		}
	}
	return out
}

func withCommon(names []string, dob string, extra map[string]string) map[string]string {
	params := make(map[string]string, len(extra)+2)
	if len(names) > 0 {
		params["names"] = strings.Join(names, "|")
	}
	if dob != "" {
		params["dob"] = dob
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}

// enrichedFrom filters the candidate source types down to those actually
// completed, preserving order.
func enrichedFrom(completed []screening.InfoType, candidates ...screening.InfoType) []screening.InfoType {
	done := make(map[screening.InfoType]bool, len(completed))
	for _, t := range completed {
		done[t] = true
	}
	var out []screening.InfoType
	for _, c := range candidates {
		if done[c] {
			out = append(out, c)
		}
	}
	return out
}

func union(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, s := range list {
			key := knowledge.Canonical(s)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

// dedupeQueries collapses queries with the same provider and canonical
// parameter set emitted within one iteration.
func dedupeQueries(queries []screening.SearchQuery) []screening.SearchQuery {
	seen := make(map[string]bool, len(queries))
	out := queries[:0]
	for _, q := range queries {
		key := q.ProviderID + "\x00" + canonicalParams(q.Params)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

func canonicalParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(knowledge.Canonical(params[k]))
		sb.WriteByte(';')
	}
	return sb.String()
}
