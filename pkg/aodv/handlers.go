package aodv

import (
	"bytes"
	"time"

	"github.com/meshradio/aodv/internal/metrics"
	"github.com/meshradio/aodv/pkg/wire"
)

var pingBody = []byte("ping")

// processRx pops one frame off the RX mailbox and dispatches it. The
// preamble charges the hop, burns a TTL unit, and refreshes the
// sending neighbor before any kind-specific handling.
func (n *Node) processRx(now time.Time) {
	p, ok := n.rxFIFO.pop()
	if !ok {
		return
	}

	if _, banned := n.blacklist[p.SendAddr]; banned {
		metrics.FramesDropped.WithLabelValues(n.Whoami(), metrics.DropCauseBlacklist).Inc()
		n.log.Debug("ignoring blacklisted peer", "peer", p.SendAddr)
		return
	}

	p.Hops++
	if p.TTL > 0 {
		p.TTL--
	}
	n.neighbors[p.SendAddr] = newNeighbor(now, p.RSSI, p.SNR, n.cfg.NeighborMaxRepairs, n.cfg.ActiveRouteTimeout)

	switch p.Type {
	case wire.TypeRREQ:
		n.handleRREQ(now, p)
	case wire.TypeRREP:
		n.handleRREP(now, p)
	case wire.TypeRERR:
		n.handleRERR(now, p)
	case wire.TypeData:
		n.handleData(now, p)
	case wire.TypeHello:
		n.handleHello(now, p)
	case wire.TypeAck:
		n.handleAck(now, p)
	default:
		n.log.Warn("unrecognized frame type", "type", uint8(p.Type))
		return
	}

	// Remember the sender as a one-hop route even when the handler had
	// nothing better to install.
	n.routes.AddUpdate(now, p.SendAddr, p.SendAddr, 0, 1, false, n.cfg.ActiveRouteTimeout)
}

// isDuplicate drops RREQs already seen inside the path-discovery
// window and blacklists peers flooding too many concurrent requests.
func (n *Node) isDuplicate(now time.Time, rreq *wire.RREQ) bool {
	for _, r := range n.recentRREQs {
		if r.origAddr == rreq.OrigAddr && r.id == rreq.ID {
			metrics.FramesDropped.WithLabelValues(n.Whoami(), metrics.DropCauseDuplicate).Inc()
			n.log.Debug("ignoring duplicate rreq", "orig", rreq.OrigAddr, "id", rreq.ID)
			return true
		}
	}
	n.recentRREQs = append(n.recentRREQs, &recentRREQ{
		origAddr: rreq.OrigAddr,
		id:       rreq.ID,
		exp:      newExpirable(now, n.cfg.PathDiscoveryTime),
	})

	outstanding := 0
	for _, r := range n.recentRREQs {
		if r.origAddr == rreq.OrigAddr {
			outstanding++
		}
	}
	if outstanding > n.cfg.MaxRecentRREQs {
		n.log.Warn("blacklisting rreq-flooding peer", "peer", rreq.OrigAddr)
		n.blacklist[rreq.OrigAddr] = newExpirable(now, n.cfg.BlacklistTimeout)
	}
	return false
}

func (n *Node) handleRREQ(now time.Time, p *wire.Packet) {
	rreq, err := wire.ParseRREQ(p.Payload)
	if err != nil {
		n.log.Debug("dropping malformed rreq", "error", err)
		return
	}
	if n.isDuplicate(now, rreq) {
		return
	}
	if rreq.OrigAddr == n.addr {
		return
	}

	// Reverse route toward the originator, lifetime scaled for how far
	// the request already traveled.
	life := 2*n.cfg.NetTraversalTime - 2*time.Duration(p.Hops)*n.cfg.NodeTraversalTime
	if route := n.routes.Get(rreq.OrigAddr); route != nil && route.Lifetime() > life {
		life = route.Lifetime()
	}
	n.routes.AddUpdate(now, rreq.OrigAddr, p.SendAddr, rreq.OrigSeq, p.Hops, true, life)

	if rreq.DestAddr == n.addr {
		if uincr(n.seqNum) == rreq.DestSeq {
			n.seqNum = uincr(n.seqNum)
		}
		// Hop count starts at zero here; every receiver on the way
		// back increments before installing, so the originator ends
		// up with the true distance. The TTL only has to cover the
		// request's inbound path.
		rrep := &wire.RREP{
			DestAddr: n.addr,
			OrigAddr: rreq.OrigAddr,
			DestSeq:  n.seqNum,
			Lifetime: durToMs(n.cfg.MyRouteTimeout),
		}
		n.packAndPush(wire.TypeRREP, p.SendAddr, rrep.Marshal(), p.Hops)
		return
	}

	route := n.routes.Get(rreq.DestAddr)
	if route != nil && route.Valid() {
		if rreq.DestOnly {
			// Only the destination may answer; pass it along.
			n.fwdPacket(p, route.NextHop)
			return
		}
		rrep := &wire.RREP{
			DestAddr: rreq.DestAddr,
			OrigAddr: rreq.OrigAddr,
			DestSeq:  route.SeqNum,
			HopCount: route.Hops + p.Hops,
			Lifetime: durToMs(route.Remaining(now)),
		}
		n.packAndPush(wire.TypeRREP, p.SendAddr, rrep.Marshal(), route.Hops+p.Hops)

		if rreq.Gratuitous {
			// Tell the destination about the originator too, so the
			// reverse path exists before data flows.
			orig := n.routes.Get(rreq.OrigAddr)
			if orig != nil {
				n.log.Info("sending gratuitous rrep", "dest", rreq.DestAddr)
				grat := &wire.RREP{
					DestAddr: rreq.OrigAddr,
					OrigAddr: rreq.DestAddr,
					DestSeq:  rreq.OrigSeq,
					HopCount: orig.Hops,
					Lifetime: durToMs(orig.Remaining(now)),
				}
				n.packAndPush(wire.TypeRREP, route.NextHop, grat.Marshal(), orig.Hops)
			}
		}
		return
	}

	// No usable route: remember the destination sequence and flood on.
	n.routes.AddUpdate(now, rreq.DestAddr, wire.Addr{}, rreq.DestSeq, 0, false, n.cfg.InactiveRouteTimeout)
	if p.RecvAddr == n.addr || p.RecvAddr.IsBroadcast() {
		n.fwdPacket(p, wire.Broadcast)
	}
}

func (n *Node) handleRREP(now time.Time, p *wire.Packet) {
	rrep, err := wire.ParseRREP(p.Payload)
	if err != nil {
		n.log.Debug("dropping malformed rrep", "error", err)
		return
	}

	// Route to the replying neighbor; known-good only when it is the
	// destination speaking for itself.
	if rrep.DestAddr == p.SendAddr {
		n.routes.AddUpdate(now, p.SendAddr, p.SendAddr, rrep.DestSeq, 1, true, n.cfg.ActiveRouteTimeout)
	} else {
		n.routes.AddUpdate(now, p.SendAddr, p.SendAddr, 0, 1, false, n.cfg.ActiveRouteTimeout)
	}

	rrep.HopCount++

	n.routes.AddUpdate(now, rrep.DestAddr, p.SendAddr, rrep.DestSeq, rrep.HopCount, true, msToDur(rrep.Lifetime))

	if p.RecvAddr == n.addr {
		if rrep.OrigAddr == n.addr {
			// Answers one of our own discoveries.
			if pr, ok := n.pendingRREQs[rrep.DestAddr]; ok {
				delete(n.pendingRREQs, rrep.DestAddr)
				if route := n.routes.Get(rrep.DestAddr); route != nil {
					if p.Hops == rrep.HopCount {
						route.Roundtrip = now.Sub(pr.sentAt)
					} else {
						route.Roundtrip = -1
					}
				}
			}
		} else {
			if rrep.Lifetime < durToMs(n.cfg.ActiveRouteTimeout) {
				rrep.Lifetime = durToMs(n.cfg.ActiveRouteTimeout)
			}
			orig := n.routes.Get(rrep.OrigAddr)
			if orig != nil && orig.Valid() {
				if destRoute := n.routes.Get(rrep.DestAddr); destRoute != nil {
					destRoute.addPrecursor(orig.NextHop)
				}
				orig.addPrecursor(p.SendAddr)
				if nbRoute := n.routes.Get(p.SendAddr); nbRoute != nil {
					nbRoute.addPrecursor(orig.NextHop)
				}
				p.Payload = rrep.Marshal()
				p.PayloadLen = uint8(len(p.Payload))
				n.log.Debug("forwarding rrep", "dest", rrep.DestAddr, "ttl", p.TTL)
				n.fwdPacket(p, orig.NextHop)
			}
		}
	}

	if rrep.ReqAck && p.RecvAddr == n.addr {
		ack := &wire.Ack{OrigSeq: n.seqNum, DataSeq: rrep.DestSeq}
		n.packAndPush(wire.TypeAck, p.SendAddr, ack.Marshal(), 1)
	}
}

func (n *Node) handleRERR(now time.Time, p *wire.Packet) {
	rerr, err := wire.ParseRERR(p.Payload)
	if err != nil {
		n.log.Debug("dropping malformed rerr", "error", err)
		return
	}
	n.log.Info("received rerr", "bad", rerr.BadAddr, "dests", len(rerr.Dests), "no_delete", rerr.NoDelete)
	if rerr.NoDelete {
		return
	}
	if route := n.routes.Get(rerr.BadAddr); route != nil && route.NextHop == p.SendAddr {
		route.invalidate()
	}
	for _, d := range rerr.Dests {
		if route := n.routes.Get(d.Addr); route != nil && route.NextHop == p.SendAddr {
			route.invalidate()
		}
	}
}

func (n *Node) handleHello(now time.Time, p *wire.Packet) {
	h, err := wire.ParseRREP(p.Payload)
	if err != nil {
		n.log.Debug("dropping malformed hello", "error", err)
		return
	}
	// Presence refresh plus a direct route. A HELLO never elicits a
	// reply.
	n.neighbors[p.SendAddr] = newNeighbor(now, p.RSSI, p.SNR, n.cfg.NeighborMaxRepairs, n.cfg.ActiveRouteTimeout)
	n.routes.AddUpdate(now, h.DestAddr, p.SendAddr, h.DestSeq, 1, true, n.cfg.ActiveRouteTimeout)
}

func (n *Node) handleData(now time.Time, p *wire.Packet) {
	d, err := wire.ParseDatagram(p.Payload)
	if err != nil {
		n.log.Debug("dropping malformed datagram", "error", err)
		return
	}

	// The origin route rides on every datagram.
	n.routes.AddUpdate(now, d.OrigAddr, p.SendAddr, d.OrigSeq, p.Hops, true, n.cfg.ActiveRouteTimeout)

	if p.RecvAddr != n.addr {
		// Overheard someone else's unicast: that is the passive ACK.
		n.clearPassiveAck(p.SendAddr, d.OrigSeq)
		return
	}

	if d.DestAddr == n.addr {
		n.log.Info("received datagram", "from", d.OrigAddr, "bytes", len(d.Data))
		if bytes.Equal(d.Data, pingBody) {
			n.log.Info("answering ping", "peer", d.OrigAddr)
			n.Send(d.OrigAddr[:], []byte("pong"))
		} else {
			ack := &wire.Ack{OrigSeq: n.seqNum, DataSeq: d.OrigSeq}
			n.packAndPush(wire.TypeAck, p.SendAddr, ack.Marshal(), 1)
		}
		n.rxQueued.push(d)
		return
	}

	if n.neighbors.active(d.DestAddr) {
		n.fwdPacket(p, d.DestAddr)
		n.watchPassiveAck(now, d.DestAddr, d.OrigSeq)
		return
	}
	if route := n.routes.Get(d.DestAddr); route != nil && route.Valid() {
		n.fwdPacket(p, route.NextHop)
		n.watchPassiveAck(now, route.NextHop, d.OrigSeq)
		return
	}

	metrics.FramesDropped.WithLabelValues(n.Whoami(), metrics.DropCauseNoRoute).Inc()
	n.log.Warn("unroutable datagram", "orig", d.OrigAddr, "dest", d.DestAddr)
	n.sendRERR(now, d.DestAddr)
}

func (n *Node) handleAck(now time.Time, p *wire.Packet) {
	ack, err := wire.ParseAck(p.Payload)
	if err != nil {
		n.log.Debug("dropping malformed ack", "error", err)
		return
	}
	n.clearPassiveAck(p.SendAddr, ack.DataSeq)
}

// sendData fragments and emits data toward dest. The caller has
// already established that dest is an active neighbor or has a valid
// route.
func (n *Node) sendData(now time.Time, dest wire.Addr, data []byte) {
	var recvAddr wire.Addr
	var ttl uint8
	watch := false

	if n.neighbors.active(dest) {
		recvAddr = dest
		ttl = 1
	} else {
		route := n.routes.Get(dest)
		if route == nil || !route.Valid() {
			metrics.FramesDropped.WithLabelValues(n.Whoami(), metrics.DropCauseNoRoute).Inc()
			n.log.Warn("route vanished before send", "dest", dest)
			return
		}
		recvAddr = route.NextHop
		ttl = route.Hops
		watch = true
	}

	for off := 0; off == 0 || off < len(data); off += wire.PayloadMaxLen {
		end := off + wire.PayloadMaxLen
		if end > len(data) {
			end = len(data)
		}
		d := &wire.Datagram{
			DestAddr: dest,
			OrigAddr: n.addr,
			OrigSeq:  n.seqNum,
			Data:     data[off:end],
		}
		payload, err := d.Marshal()
		if err != nil {
			n.log.Error("datagram marshal failed", "error", err)
			return
		}
		n.packAndPush(wire.TypeData, recvAddr, payload, ttl)
	}

	if watch {
		n.watchPassiveAck(now, recvAddr, n.seqNum)
	}
}

// emitRREQ builds and queues one route request frame for dest,
// bumping our sequence number and request id.
func (n *Node) emitRREQ(dest wire.Addr, gratuitous, destOnly bool) {
	route := n.routes.Get(dest)

	rreq := &wire.RREQ{
		DestAddr:   dest,
		OrigAddr:   n.addr,
		Gratuitous: gratuitous,
		DestOnly:   destOnly,
		Repair:     route != nil && !route.Valid(),
		Unknown:    route == nil,
	}
	if route != nil {
		rreq.DestSeq = route.SeqNum
	}

	n.seqNum = uincr(n.seqNum)
	n.rreqID = uincr(n.rreqID)
	rreq.OrigSeq = n.seqNum
	rreq.ID = n.rreqID

	if destOnly && route != nil {
		n.packAndPush(wire.TypeRREQ, route.NextHop, rreq.Marshal(), route.Hops)
	} else {
		n.packAndPush(wire.TypeRREQ, wire.Broadcast, rreq.Marshal(), n.cfg.NetDiameter)
	}
	metrics.RouteRequests.WithLabelValues(n.Whoami()).Inc()
	n.log.Debug("sending rreq", "dest", dest, "id", n.rreqID)
}

// sendRREQ emits a route request and registers (or refreshes) the
// retry state for dest. Retransmits fire from the expiry callback and
// do not reset the retry budget.
func (n *Node) sendRREQ(now time.Time, dest wire.Addr, gratuitous, destOnly bool) {
	n.emitRREQ(dest, gratuitous, destOnly)

	if pr, ok := n.pendingRREQs[dest]; ok {
		pr.sentAt = now
		pr.exp.reset(now, n.cfg.NetTraversalTime)
		return
	}
	pr := &pendingRREQ{sentAt: now}
	pr.exp = newExpirable(now, n.cfg.NetTraversalTime)
	pr.exp.retries = n.cfg.RREQRetries
	pr.exp.skipLastCallback = true
	pr.exp.onExpire = func() {
		pr.sentAt = n.clock.Now()
		n.emitRREQ(dest, gratuitous, destOnly)
	}
	n.pendingRREQs[dest] = pr
}

// sendRERR reports a broken next hop: every destination routed through
// it is listed, the routes are invalidated, and the report goes out as
// a one-hop broadcast.
func (n *Node) sendRERR(now time.Time, badAddr wire.Addr) {
	rerr := &wire.RERR{
		BadAddr:  badAddr,
		NoDelete: !n.neighbors.active(badAddr),
	}
	if route := n.routes.Get(badAddr); route != nil {
		rerr.BadSeq = route.SeqNum
	}
	for addr, seq := range n.routes.DeadVia(badAddr) {
		if len(rerr.Dests) == wire.MaxRERRDests {
			n.log.Warn("rerr dest list truncated", "bad", badAddr)
			break
		}
		rerr.Dests = append(rerr.Dests, wire.RERRDest{Addr: addr, Seq: seq})
	}

	payload, err := rerr.Marshal()
	if err != nil {
		n.log.Error("rerr marshal failed", "error", err)
		return
	}
	n.packAndPush(wire.TypeRERR, wire.Broadcast, payload, 1)
	metrics.RouteErrors.WithLabelValues(n.Whoami()).Inc()

	for addr := range n.routes.DeadVia(badAddr) {
		n.routes.Get(addr).invalidate()
	}
	if route := n.routes.Get(badAddr); route != nil {
		route.invalidate()
	}
}

// scheduleHello broadcasts a HELLO unless one went out inside the
// current interval.
func (n *Node) scheduleHello(now time.Time) {
	if !n.lastHello.IsZero() && now.Sub(n.lastHello) < n.cfg.HelloInterval {
		return
	}
	n.lastHello = now
	h := &wire.RREP{
		DestAddr: n.addr,
		DestSeq:  n.seqNum,
		Lifetime: durToMs(n.cfg.HelloLifetime),
	}
	n.packAndPush(wire.TypeHello, wire.Broadcast, h.Marshal(), 1)
}

// fwdPacket relays a packet under our own sender address. Frames whose
// TTL is spent stop here.
func (n *Node) fwdPacket(p *wire.Packet, recvAddr wire.Addr) {
	if p.TTL == 0 {
		return
	}
	p.SendAddr = n.addr
	p.RecvAddr = recvAddr
	raw, err := p.Repack()
	if err != nil {
		n.log.Error("repack failed", "error", err)
		return
	}
	n.pushTX(raw, p.Type)
}

func (n *Node) packAndPush(t wire.Type, recv wire.Addr, payload []byte, ttl uint8) {
	raw, err := wire.Pack(t, n.addr, recv, payload, ttl, 0)
	if err != nil {
		n.log.Error("pack failed", "type", t.String(), "error", err)
		return
	}
	n.pushTX(raw, t)
}

func (n *Node) pushTX(raw []byte, t wire.Type) {
	if n.txFIFO.push(raw) {
		metrics.FramesDropped.WithLabelValues(n.Whoami(), metrics.DropCauseOutboxFull).Inc()
		n.log.Warn("tx mailbox overflow, oldest frame dropped")
	}
	metrics.FramesSent.WithLabelValues(n.Whoami(), t.String()).Inc()
}

func (n *Node) watchPassiveAck(now time.Time, nextHop wire.Addr, seq uint32) {
	n.passiveAcks = append(n.passiveAcks, &passiveAck{
		nextHop: nextHop,
		seq:     seq,
		exp:     newExpirable(now, n.cfg.PassiveAckTimeout),
	})
}

func (n *Node) clearPassiveAck(nextHop wire.Addr, seq uint32) {
	for i, pa := range n.passiveAcks {
		if pa.nextHop == nextHop && pa.seq == seq {
			n.passiveAcks = append(n.passiveAcks[:i], n.passiveAcks[i+1:]...)
			return
		}
	}
}
