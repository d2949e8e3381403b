// Package router implements SmsRouter: given a destination phone
// number, choose the identifier of a single worker to deliver it: the
// cheapest healthy worker that claims any prefix of the number. Prefix
// length does not rank candidates; equal costs go to the
// lexicographically smallest identifier.
package router

import (
	"sort"
	"sync"
	"time"

	"github.com/kgibson/smsgate/internal/health"
)

// HealthSource is read without blocking: a worker exports its
// last-known health and the router caches it for maxHealthAge before
// re-reading.
type HealthSource interface {
	HealthState() health.State
}

const maxHealthAge = 5 * time.Second

type entry struct {
	cost   float64
	source HealthSource

	mu       sync.Mutex
	cached   health.State
	cachedAt time.Time
}

func (e *entry) health() health.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.cachedAt) > maxHealthAge {
		e.cached = e.source.HealthState()
		e.cachedAt = time.Now()
	}
	return e.cached
}

// Router maps destination prefixes to candidate worker identifiers.
type Router struct {
	mu       sync.RWMutex
	byPrefix map[string]map[string]struct{}
	modem    map[string]*entry
}

// New returns an empty Router.
func New() *Router {
	return &Router{
		byPrefix: make(map[string]map[string]struct{}),
		modem:    make(map[string]*entry),
	}
}

// Add registers identifier as a candidate for every prefix it serves, at
// the given cost, with health read from source.
func (r *Router) Add(identifier string, prefixes []string, cost float64, source HealthSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modem[identifier] = &entry{cost: cost, source: source}
	for _, p := range prefixes {
		set, ok := r.byPrefix[p]
		if !ok {
			set = make(map[string]struct{})
			r.byPrefix[p] = set
		}
		set[identifier] = struct{}{}
	}
}

// Get picks the cheapest healthy worker claiming any prefix of phone.
//
// The inner loop deliberately stops one character short of the full
// phone number (i = 1 .. len(phone)-1, trimming at least one trailing
// character): a registered prefix equal to the complete, untrimmed
// recipient number will never match. More-specific (longer) prefixes
// are still candidates because they are registered directly;
// longest-match falls out of candidate collection, not loop order,
// since every matching prefix contributes and step 2 always re-ranks
// by cost.
func (r *Router) Get(phone string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(phone) < 2 {
		return "", false
	}
	candidates := make(map[string]struct{})
	for i := 1; i < len(phone); i++ {
		prefix := phone[:len(phone)-i]
		set, ok := r.byPrefix[prefix]
		if !ok {
			continue
		}
		for id := range set {
			e, ok := r.modem[id]
			if !ok || e.health().Level != health.OK {
				continue
			}
			candidates[id] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic tie-break
	best := ids[0]
	bestCost := r.modem[best].cost
	for _, id := range ids[1:] {
		if c := r.modem[id].cost; c < bestCost {
			best, bestCost = id, c
		}
	}
	return best, true
}
