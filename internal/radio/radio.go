// Package radio is an in-memory broadcast medium for driving protocol
// engines in the simulator and in end-to-end tests. Delivery follows a
// simple expanding-disc model: a frame reaches every station within
// the transmitter's range, with link quality degrading over distance.
package radio

import (
	"log/slog"
	"math"

	"github.com/meshradio/aodv/pkg/aodv"
)

// Station is one engine pinned to a position on the plane.
type Station struct {
	Node  *aodv.Node
	X, Y  float64
	Range float64
}

// Radio steps a set of stations and carries their frames.
type Radio struct {
	log      *slog.Logger
	stations []*Station
}

func New(log *slog.Logger) *Radio {
	return &Radio{log: log}
}

// AddStation registers an engine at a position with a transmit range.
func (r *Radio) AddStation(n *aodv.Node, x, y, txRange float64) *Station {
	s := &Station{Node: n, X: x, Y: y, Range: txRange}
	r.stations = append(r.stations, s)
	return s
}

// Stations returns the registered stations.
func (r *Radio) Stations() []*Station {
	return r.stations
}

// Step ticks every engine once and delivers each emitted frame to all
// stations inside the transmitter's range. Returns how many frames
// went on the air.
func (r *Radio) Step() int {
	sent := 0
	for _, tx := range r.stations {
		frame := tx.Node.Update()
		if frame == nil {
			continue
		}
		sent++
		for _, rx := range r.stations {
			if rx == tx {
				continue
			}
			d := dist(tx, rx)
			if d > tx.Range {
				continue
			}
			rssi, snr := linkQuality(d, tx.Range)
			rx.Node.OnRecv(frame, rssi, snr)
		}
		r.log.Debug("frame on air", "from", tx.Node.Whoami(), "bytes", len(frame))
	}
	return sent
}

func dist(a, b *Station) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// linkQuality derives a plausible RSSI/SNR pair from the distance
// fraction of the transmit range.
func linkQuality(d, txRange float64) (int, int) {
	frac := d / txRange
	rssi := -40 - int(frac*80)
	snr := 10 - int(frac*12)
	return rssi, snr
}
