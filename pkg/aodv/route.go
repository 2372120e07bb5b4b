package aodv

import (
	"time"

	"github.com/meshradio/aodv/pkg/wire"
)

// Route is one routing-table entry. The zero next hop is the sentinel
// for "no next hop known"; such entries exist only to remember a
// destination sequence number while discovery is in flight.
type Route struct {
	NextHop  wire.Addr
	SeqNum   uint32
	SeqValid bool
	Hops     uint8

	// Precursors are the upstream neighbors known to route through
	// this node for the destination.
	Precursors map[wire.Addr]struct{}

	// Roundtrip is the measured RREQ to RREP delay for this
	// destination; negative when the reply came via an intermediate.
	Roundtrip time.Duration

	exp *expirable
}

// Valid reports whether the entry may carry traffic: known next hop,
// known-good sequence number, and an unexpired timer.
func (r *Route) Valid() bool {
	return !r.NextHop.IsZero() && r.SeqValid && r.exp.alive
}

// Remaining is the lifetime left on the entry.
func (r *Route) Remaining(now time.Time) time.Duration {
	return r.exp.remaining(now)
}

// Lifetime is the duration the entry was last armed with.
func (r *Route) Lifetime() time.Duration {
	return r.exp.lifetime
}

func (r *Route) addPrecursor(addr wire.Addr) {
	r.Precursors[addr] = struct{}{}
}

// invalidate kills the entry's timer without removing it, so its
// sequence number stays available for later freshness comparisons.
func (r *Route) invalidate() {
	r.exp.alive = false
}

// RoutingTable maps destination addresses to routes. It refuses
// entries for its owner's own address.
type RoutingTable struct {
	owner  wire.Addr
	routes map[wire.Addr]*Route
}

func NewRoutingTable(owner wire.Addr) *RoutingTable {
	return &RoutingTable{owner: owner, routes: make(map[wire.Addr]*Route)}
}

// Get returns the entry for addr, nil when absent.
func (t *RoutingTable) Get(addr wire.Addr) *Route {
	return t.routes[addr]
}

func (t *RoutingTable) Len() int {
	return len(t.routes)
}

// AddUpdate installs a fresh entry for addr unless an existing entry
// is at least as good. A new record supersedes the old one when its
// sequence number is fresher (signed 32-bit delta), when it ties the
// sequence with a shorter hop count, or when it carries a known-good
// sequence and the old entry is not currently valid. The new entry
// starts with no precursors and a zero roundtrip.
func (t *RoutingTable) AddUpdate(now time.Time, addr, nextHop wire.Addr, seqNum uint32, hops uint8, seqValid bool, lifetime time.Duration) bool {
	if addr == t.owner {
		return false
	}
	if old := t.routes[addr]; old != nil {
		fresher := int32(seqNum-old.SeqNum) > 0
		shorter := seqNum == old.SeqNum && hops < old.Hops
		replacesPlaceholder := seqValid && !old.Valid()
		if !fresher && !shorter && !replacesPlaceholder {
			return false
		}
	}
	t.routes[addr] = &Route{
		NextHop:    nextHop,
		SeqNum:     seqNum,
		SeqValid:   seqValid,
		Hops:       hops,
		Precursors: make(map[wire.Addr]struct{}),
		exp:        newExpirable(now, lifetime),
	}
	return true
}

// Update ticks every entry's lifetime. Expired entries stay in the
// table but fail Valid until overwritten.
func (t *RoutingTable) Update(now time.Time) {
	for _, r := range t.routes {
		r.exp.update(now)
	}
}

// DeadVia enumerates every destination whose next hop is the given
// broken neighbor, with its last known sequence number.
func (t *RoutingTable) DeadVia(neighbor wire.Addr) map[wire.Addr]uint32 {
	dead := make(map[wire.Addr]uint32)
	for addr, r := range t.routes {
		if r.NextHop == neighbor {
			dead[addr] = r.SeqNum
		}
	}
	return dead
}

// All returns a snapshot of the table for inspection.
func (t *RoutingTable) All() map[wire.Addr]*Route {
	out := make(map[wire.Addr]*Route, len(t.routes))
	for addr, r := range t.routes {
		out[addr] = r
	}
	return out
}
