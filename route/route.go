// Package route maintains the overlay's routing table: for each known
// NodeID, the best current path (direct or relayed, UDP or TCP) to reach
// it, refreshed on every observed packet and swept for staleness.
package route

import (
	"sort"
	"sync"
	"time"

	"github.com/oapi-codegen/nullable"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/id"
	"github.com/overlaynet/overlaynode/transport"
)

// Key identifies one candidate path to a destination: which transport and,
// for relayed paths, which next hop.
type Key struct {
	Dst      id.NodeID
	Proto    addr.Proto
	IsDirect bool
	NextHop  id.NodeID // zero value when IsDirect
}

// cost ranks path kinds cheapest-first: direct UDP, direct TCP, relayed UDP,
// relayed TCP. Lower is preferred.
func (k Key) cost() int {
	switch {
	case k.IsDirect && k.Proto == addr.UDP:
		return 0
	case k.IsDirect && k.Proto == addr.TCP:
		return 1
	case !k.IsDirect && k.Proto == addr.UDP:
		return 2
	default:
		return 3
	}
}

// Route is one entry in the table: a candidate path plus the liveness and
// latency data used to rank and expire it. TransportKey is the concrete
// path handed to transport.Set.Send to reach this candidate.
type Route struct {
	Key          Key
	TransportKey transport.RouteKey
	RemoteAddr   addr.NodeAddress
	LastActivity time.Time
	RTTEstimate  time.Duration
	RelayedVia   nullable.Nullable[id.NodeID]
}

// Table is the set of known routes, keyed by destination. It is safe for
// concurrent use.
type Table struct {
	mu         sync.RWMutex
	byDst      map[id.NodeID]map[Key]*Route
	idleTTL    time.Duration
	firstLatency bool
}

// New builds an empty Table. idleTTL is how long a route survives without
// activity before Sweep drops it. firstLatency, when true, ranks candidates
// by lowest RTTEstimate first, falling back to cost() and then
// most-recently-refreshed only to break ties; when false, cost() ranks
// first instead.
func New(idleTTL time.Duration, firstLatency bool) *Table {
	return &Table{
		byDst:        make(map[id.NodeID]map[Key]*Route),
		idleTTL:      idleTTL,
		firstLatency: firstLatency,
	}
}

// InsertOrRefresh records an observed path, updating LastActivity (and
// RTTEstimate, if rtt >= 0) if the path is already known. It rejects routes
// that would relay back through the destination itself.
func (t *Table) InsertOrRefresh(key Key, tkey transport.RouteKey, remote addr.NodeAddress, now time.Time, rtt time.Duration) error {
	if !key.IsDirect && key.NextHop.Equal(key.Dst) {
		return ErrCycle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey, ok := t.byDst[key.Dst]
	if !ok {
		byKey = make(map[Key]*Route)
		t.byDst[key.Dst] = byKey
	}
	r, ok := byKey[key]
	if !ok {
		r = &Route{Key: key, RemoteAddr: remote}
		if !key.IsDirect {
			r.RelayedVia = nullable.NewNullableWithValue(key.NextHop)
		}
		byKey[key] = r
	}
	r.TransportKey = tkey
	r.RemoteAddr = remote
	r.LastActivity = now
	if rtt >= 0 {
		r.RTTEstimate = rtt
	}
	return nil
}

// ErrCycle is returned by InsertOrRefresh when a relayed route's next hop
// is the destination itself.
var ErrCycle = routeCycleError{}

type routeCycleError struct{}

func (routeCycleError) Error() string { return "route: relay next-hop equals destination" }

// Select returns the best known route to dst, or ok=false if none exists.
func (t *Table) Select(dst id.NodeID) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byKey, ok := t.byDst[dst]
	if !ok || len(byKey) == 0 {
		return Route{}, false
	}
	candidates := make([]*Route, 0, len(byKey))
	for _, r := range byKey {
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if t.firstLatency {
			if a.RTTEstimate != b.RTTEstimate {
				return a.RTTEstimate < b.RTTEstimate
			}
			if a.Key.cost() != b.Key.cost() {
				return a.Key.cost() < b.Key.cost()
			}
			return a.LastActivity.After(b.LastActivity)
		}
		if a.Key.cost() != b.Key.cost() {
			return a.Key.cost() < b.Key.cost()
		}
		return a.LastActivity.After(b.LastActivity)
	})
	return *candidates[0], true
}

// DropKey removes one candidate path. If it was the last path to its
// destination, the destination entry is removed entirely.
func (t *Table) DropKey(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey, ok := t.byDst[key.Dst]
	if !ok {
		return
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(t.byDst, key.Dst)
	}
}

// Sweep drops every route whose LastActivity is older than idleTTL relative
// to now, returning the destinations left with no remaining route.
func (t *Table) Sweep(now time.Time) []id.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lost []id.NodeID
	for dst, byKey := range t.byDst {
		for key, r := range byKey {
			if now.Sub(r.LastActivity) > t.idleTTL {
				delete(byKey, key)
			}
		}
		if len(byKey) == 0 {
			delete(t.byDst, dst)
			lost = append(lost, dst)
		}
	}
	return lost
}

// KnownDestinations returns every destination with at least one live route.
func (t *Table) KnownDestinations() []id.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]id.NodeID, 0, len(t.byDst))
	for dst := range t.byDst {
		out = append(out, dst)
	}
	return out
}
