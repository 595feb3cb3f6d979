package routing

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	hn "github.com/AtDexters-Lab/sni-relay/internal/hostnames"
)

// ErrNoRoute is returned by Lookup when neither a hostname route nor a
// default route matches.
var ErrNoRoute = errors.New("no route for hostname")

// Match tells how Lookup resolved a hostname.
type Match int

const (
	MatchNone Match = iota
	MatchExact
	MatchWildcard
	MatchDefault
)

func (m Match) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchWildcard:
		return "wildcard"
	case MatchDefault:
		return "default"
	default:
		return "none"
	}
}

// Route maps a set of hostnames (exact or "*.suffix" patterns) to targets.
type Route struct {
	Hostnames []string `json:"hostnames"`
	Targets   []Target `json:"targets"`
}

// Table holds the routing information for the relay. Lookups are lock free;
// Replace swaps the whole table at once so a reload never exposes a half
// built state.
type Table struct {
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	// exact maps a normalized hostname to its pool.
	exact map[string]*Pool
	// wildcard maps a suffix like ".example.com" to a pool for single-label
	// wildcard patterns.
	wildcard map[string]*Pool
	fallback *Pool
	routes   []Route
}

// NewTable creates a routing table from routes and an optional default
// target list.
func NewTable(routes []Route, fallback []Target) (*Table, error) {
	t := &Table{}
	if err := t.Replace(routes, fallback); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace rebuilds the table. On error the previous table stays in place.
func (t *Table) Replace(routes []Route, fallback []Target) error {
	snap := &snapshot{
		exact:    make(map[string]*Pool),
		wildcard: make(map[string]*Pool),
	}
	for i, r := range routes {
		if len(r.Hostnames) == 0 {
			return fmt.Errorf("route %d: no hostnames", i)
		}
		if len(r.Targets) == 0 {
			return fmt.Errorf("route %d: no targets", i)
		}
		pool := NewPool(r.Targets)
		normalized := make([]string, 0, len(r.Hostnames))
		for _, h := range r.Hostnames {
			if err := hn.ValidPattern(h); err != nil {
				return fmt.Errorf("route %d: %w", i, err)
			}
			pattern := hn.NormalizePattern(h)
			set, key := snap.exact, pattern
			if suffix, ok := hn.WildcardSuffix(pattern); ok {
				set, key = snap.wildcard, suffix
			}
			if _, dup := set[key]; dup {
				return fmt.Errorf("route %d: hostname %q is already routed", i, h)
			}
			set[key] = pool
			normalized = append(normalized, pattern)
		}
		snap.routes = append(snap.routes, Route{Hostnames: normalized, Targets: pool.Targets()})
	}
	if len(fallback) > 0 {
		snap.fallback = NewPool(fallback)
	}
	t.current.Store(snap)
	return nil
}

// Lookup finds a target for hostname. Exact routes take precedence over
// wildcards, which take precedence over the default route. An empty hostname
// (no SNI) can only match the default route.
func (t *Table) Lookup(hostname string) (Target, Match, error) {
	snap := t.current.Load()
	if snap == nil {
		return Target{}, MatchNone, ErrNoRoute
	}
	if hostname != "" {
		h := hn.Normalize(hostname)
		if pool, ok := snap.exact[h]; ok {
			target, err := pool.Select()
			return target, MatchExact, err
		}
		// Try single-label wildcard based on first-dot suffix
		if suffix, ok := hn.FirstDotSuffix(h); ok {
			if pool, ok := snap.wildcard[suffix]; ok {
				target, err := pool.Select()
				return target, MatchWildcard, err
			}
		}
	}
	if snap.fallback != nil {
		target, err := snap.fallback.Select()
		return target, MatchDefault, err
	}
	return Target{}, MatchNone, fmt.Errorf("%w %q", ErrNoRoute, hostname)
}

// Routes returns the configured routes sorted by first hostname, plus the
// default targets if any.
func (t *Table) Routes() ([]Route, []Target) {
	snap := t.current.Load()
	if snap == nil {
		return nil, nil
	}
	routes := make([]Route, len(snap.routes))
	copy(routes, snap.routes)
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Hostnames[0] < routes[j].Hostnames[0]
	})
	var fallback []Target
	if snap.fallback != nil {
		fallback = snap.fallback.Targets()
	}
	return routes, fallback
}
