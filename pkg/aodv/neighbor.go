package aodv

import (
	"time"

	"github.com/meshradio/aodv/pkg/wire"
)

// Neighbor tracks a one-hop peer: last observed link quality and a
// bounded budget of repair attempts once it goes quiet.
type Neighbor struct {
	RSSI    int
	SNR     int
	Repairs int

	exp *expirable
}

func newNeighbor(now time.Time, rssi, snr, repairs int, lifetime time.Duration) *Neighbor {
	return &Neighbor{
		RSSI:    rssi,
		SNR:     snr,
		Repairs: repairs,
		exp:     newExpirable(now, lifetime),
	}
}

// Alive reports whether the neighbor's presence timer is unexpired.
func (n *Neighbor) Alive() bool {
	return n.exp.alive
}

// neighborSet is the engine's view of its one-hop peers.
type neighborSet map[wire.Addr]*Neighbor

// active reports whether addr is a currently-live neighbor.
func (s neighborSet) active(addr wire.Addr) bool {
	nb, ok := s[addr]
	return ok && nb.Alive()
}
