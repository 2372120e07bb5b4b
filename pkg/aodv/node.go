// Package aodv implements a reactive on-demand mesh routing engine.
// The engine is a pure state machine: a radio shim feeds it received
// frames via OnRecv, a periodic Update tick drives every timer and
// returns at most one outbound frame, and Send/PopRx move application
// datagrams in and out. It is single-threaded by contract.
package aodv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/meshradio/aodv/internal/metrics"
	"github.com/meshradio/aodv/pkg/wire"
)

// NodeConfig wires a Node's identity and collaborators.
type NodeConfig struct {
	Logger   *slog.Logger    // optional; discards when nil
	Clock    clockwork.Clock // optional; real clock when nil
	Addr     []byte          // required; conformed to 8 bytes
	Nickname string          // optional display name
	Protocol Config          // protocol constants; zero value means defaults
}

func (cfg *NodeConfig) Validate() error {
	if len(cfg.Addr) == 0 {
		return fmt.Errorf("addr is required")
	}
	if cfg.Protocol == (Config{}) {
		cfg.Protocol = DefaultConfig()
	}
	if err := cfg.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol config is invalid: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// pendingRREQ tracks one of our own unanswered route discoveries.
type pendingRREQ struct {
	sentAt time.Time
	exp    *expirable
}

// recentRREQ is a (originator, rreq id) pair remembered for duplicate
// suppression during the path-discovery window.
type recentRREQ struct {
	origAddr wire.Addr
	id       uint32
	exp      *expirable
}

// passiveAck waits to overhear a neighbor retransmit a datagram we
// handed it.
type passiveAck struct {
	nextHop wire.Addr
	seq     uint32
	exp     *expirable
}

// queuedData is an outbound datagram parked until a route appears.
type queuedData struct {
	destAddr wire.Addr
	data     []byte
	exp      *expirable
}

// Node is the protocol engine for one radio identity.
type Node struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Config

	addr     wire.Addr
	nickname string

	seqNum uint32
	rreqID uint32

	routes       *RoutingTable
	neighbors    neighborSet
	recentRREQs  []*recentRREQ
	passiveAcks  []*passiveAck
	pendingRREQs map[wire.Addr]*pendingRREQ
	blacklist    map[wire.Addr]*expirable

	rxFIFO   *fifo[*wire.Packet]
	txFIFO   *fifo[[]byte]
	txQueued []*queuedData
	rxQueued *fifo[*wire.Datagram]

	lastHello time.Time
}

// New builds a Node. The address is conformed to 8 bytes per the wire
// rules.
func New(cfg NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr := wire.ConformAddr(cfg.Addr)
	n := &Node{
		log:          cfg.Logger,
		clock:        cfg.Clock,
		cfg:          cfg.Protocol,
		addr:         addr,
		nickname:     cfg.Nickname,
		routes:       NewRoutingTable(addr),
		neighbors:    make(neighborSet),
		pendingRREQs: make(map[wire.Addr]*pendingRREQ),
		blacklist:    make(map[wire.Addr]*expirable),
		rxFIFO:       newFIFO[*wire.Packet](cfg.Protocol.PacketInboxSize),
		txFIFO:       newFIFO[[]byte](cfg.Protocol.PacketOutboxSize),
		rxQueued:     newFIFO[*wire.Datagram](cfg.Protocol.PacketInboxSize),
	}
	return n, nil
}

// Addr returns the node's conformed 8-byte address.
func (n *Node) Addr() wire.Addr {
	return n.addr
}

// Whoami returns the nickname if set, else the hex address.
func (n *Node) Whoami() string {
	if n.nickname != "" {
		return n.nickname
	}
	return hex.EncodeToString(n.addr[:])
}

// OnRecv ingests a raw frame from the radio. Malformed frames are
// dropped silently; this never fails.
func (n *Node) OnRecv(raw []byte, rssi, snr int) {
	p, err := wire.Parse(raw, rssi, snr)
	if err != nil {
		cause := metrics.DropCauseBadLen
		if errors.Is(err, wire.ErrBadCrc) {
			cause = metrics.DropCauseBadCrc
		}
		metrics.FramesDropped.WithLabelValues(n.Whoami(), cause).Inc()
		n.log.Debug("dropping malformed frame", "error", err)
		return
	}
	metrics.FramesReceived.WithLabelValues(n.Whoami(), p.Type.String()).Inc()
	if n.rxFIFO.push(p) {
		metrics.FramesDropped.WithLabelValues(n.Whoami(), metrics.DropCauseInboxFull).Inc()
		n.log.Warn("rx mailbox overflow, oldest frame dropped")
	}
}

// Send queues or dispatches application data toward dest, splitting it
// into frame-sized fragments. Without a usable route it parks the data
// and starts route discovery.
func (n *Node) Send(dest, data []byte) {
	now := n.clock.Now()
	destAddr := wire.ConformAddr(dest)

	if n.neighbors.active(destAddr) {
		n.sendData(now, destAddr, data)
		return
	}
	if route := n.routes.Get(destAddr); route != nil && route.Valid() {
		n.sendData(now, destAddr, data)
		return
	}
	n.txQueued = append(n.txQueued, &queuedData{
		destAddr: destAddr,
		data:     append([]byte(nil), data...),
		exp:      newExpirable(now, n.cfg.DataQueueTimeout),
	})
	n.sendRREQ(now, destAddr, true, false)
}

// Ping probes dest with a destination-only route request, measuring
// the round trip without inviting intermediate replies.
func (n *Node) Ping(dest []byte) {
	n.sendRREQ(n.clock.Now(), wire.ConformAddr(dest), false, true)
}

// PopRx returns the next delivered application datagram, nil when the
// inbox is empty.
func (n *Node) PopRx() *wire.Datagram {
	d, ok := n.rxQueued.pop()
	if !ok {
		return nil
	}
	return d
}

// Update runs one engine tick: every timer advances against the same
// instant, queued data is retried against refreshed routes, one RX
// frame is processed, and at most one TX frame is released.
func (n *Node) Update() []byte {
	now := n.clock.Now()

	// Neighbors: repair with HELLOs while the budget lasts, then drop.
	for addr, nb := range n.neighbors {
		if nb.exp.update(now) {
			continue
		}
		if nb.Repairs > 0 {
			nb.Repairs--
			nb.exp.reset(now, n.cfg.HelloLifetime)
			n.scheduleHello(now)
			continue
		}
		delete(n.neighbors, addr)
		n.log.Info("neighbor lost", "peer", addr)
		n.scheduleHello(now)
	}

	// Recent RREQs age out of the duplicate-suppression window.
	live := n.recentRREQs[:0]
	for _, r := range n.recentRREQs {
		if r.exp.update(now) {
			live = append(live, r)
		}
	}
	n.recentRREQs = live

	// Route lifetimes.
	n.routes.Update(now)

	// Blacklist decay.
	for addr, exp := range n.blacklist {
		if !exp.update(now) {
			n.log.Info("unblacklisting peer", "peer", addr)
			delete(n.blacklist, addr)
		}
	}

	// Our unanswered route requests; expiry callbacks retransmit until
	// the retry budget runs dry.
	for dest, pr := range n.pendingRREQs {
		if !pr.exp.update(now) {
			n.log.Debug("route discovery gave up", "dest", dest)
			delete(n.pendingRREQs, dest)
		}
	}

	// Passive ACK watches escalate to RERR on expiry.
	keep := n.passiveAcks[:0]
	for _, pa := range n.passiveAcks {
		if pa.exp.update(now) {
			keep = append(keep, pa)
			continue
		}
		n.log.Warn("passive ack timeout", "next_hop", pa.nextHop, "seq", pa.seq)
		n.sendRERR(now, pa.nextHop)
	}
	n.passiveAcks = keep

	// Queued data rides any route that has since appeared.
	remaining := n.txQueued[:0]
	for _, qd := range n.txQueued {
		if route := n.routes.Get(qd.destAddr); route != nil && route.Valid() {
			n.log.Info("route found for queued data", "dest", qd.destAddr)
			n.sendData(now, qd.destAddr, qd.data)
			continue
		}
		if !qd.exp.update(now) {
			metrics.FramesDropped.WithLabelValues(n.Whoami(), metrics.DropCauseQueueExpired).Inc()
			n.log.Warn("queued data expired", "dest", qd.destAddr)
			continue
		}
		remaining = append(remaining, qd)
	}
	n.txQueued = remaining

	n.processRx(now)

	if raw, ok := n.txFIFO.pop(); ok {
		return raw
	}
	return nil
}

// Routes exposes the routing table for inspection.
func (n *Node) Routes() *RoutingTable {
	return n.routes
}

// Neighbors returns a snapshot of the one-hop peer set.
func (n *Node) Neighbors() map[wire.Addr]*Neighbor {
	out := make(map[wire.Addr]*Neighbor, len(n.neighbors))
	for addr, nb := range n.neighbors {
		out[addr] = nb
	}
	return out
}

// SeqNum returns the node's current sequence number.
func (n *Node) SeqNum() uint32 {
	return n.seqNum
}

// RREQID returns the node's current route-request identifier.
func (n *Node) RREQID() uint32 {
	return n.rreqID
}

func (n *Node) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "NODE:[%s]%s\n", n.nickname, n.addr)
	fmt.Fprintf(&b, "SEQ:%d,RREQID:%d,INBOX:%d,OUTBOX:%d\n", n.seqNum, n.rreqID, n.rxFIFO.len(), n.txFIFO.len())
	b.WriteString(" == ROUTES ==\n")
	for addr, r := range n.routes.All() {
		fmt.Fprintf(&b, "%s via %s seq=%d hops=%d valid=%t\n", addr, r.NextHop, r.SeqNum, r.Hops, r.Valid())
	}
	return b.String()
}

// uincr is the wrapping unsigned increment used for sequence numbers
// and RREQ identifiers.
func uincr(x uint32) uint32 {
	return x + 1
}

// durToMs converts a duration to the wire's millisecond lifetime.
func durToMs(d time.Duration) uint32 {
	return uint32(d.Milliseconds())
}

// msToDur converts a wire lifetime back to a duration.
func msToDur(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
