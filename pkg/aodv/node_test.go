package aodv_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/meshradio/aodv/pkg/aodv"
	"github.com/meshradio/aodv/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, clk clockwork.Clock, addr, nickname string) *aodv.Node {
	t.Helper()
	n, err := aodv.New(aodv.NodeConfig{
		Clock:    clk,
		Addr:     []byte(addr),
		Nickname: nickname,
	})
	require.NoError(t, err)
	return n
}

// helloFrame builds the broadcast HELLO a peer would emit.
func helloFrame(t *testing.T, from wire.Addr, seq uint32) []byte {
	t.Helper()
	h := &wire.RREP{DestAddr: from, DestSeq: seq, Lifetime: 3000}
	raw, err := wire.Pack(wire.TypeHello, from, wire.Broadcast, h.Marshal(), 1, 0)
	require.NoError(t, err)
	return raw
}

func rreqFrame(t *testing.T, r *wire.RREQ, send, recv wire.Addr, ttl uint8) []byte {
	t.Helper()
	raw, err := wire.Pack(wire.TypeRREQ, send, recv, r.Marshal(), ttl, 0)
	require.NoError(t, err)
	return raw
}

func popFrame(t *testing.T, n *aodv.Node) *wire.Packet {
	t.Helper()
	raw := n.Update()
	require.NotNil(t, raw, "expected %s to emit a frame", n.Whoami())
	p, err := wire.Parse(raw, 0, 0)
	require.NoError(t, err)
	return p
}

func expectQuiet(t *testing.T, n *aodv.Node) {
	t.Helper()
	require.Nil(t, n.Update(), "expected %s to stay quiet", n.Whoami())
}

func TestAODV_Node_New(t *testing.T) {
	t.Parallel()

	t.Run("requires an address", func(t *testing.T) {
		t.Parallel()
		_, err := aodv.New(aodv.NodeConfig{})
		require.Error(t, err)
	})

	t.Run("conforms the address", func(t *testing.T) {
		t.Parallel()
		n := newTestNode(t, clockwork.NewFakeClock(), "abc", "")
		require.Equal(t, wire.ConformAddr([]byte("abc")), n.Addr())
	})

	t.Run("whoami prefers the nickname", func(t *testing.T) {
		t.Parallel()
		n := newTestNode(t, clockwork.NewFakeClock(), "aaaaaaaa", "frank")
		require.Equal(t, "frank", n.Whoami())

		anon := newTestNode(t, clockwork.NewFakeClock(), "aaaaaaaa", "")
		require.Equal(t, wire.ConformAddr([]byte("aaaaaaaa")).String(), anon.Whoami())
	})
}

func TestAODV_Node_OnRecv(t *testing.T) {
	t.Parallel()

	t.Run("malformed frames are swallowed", func(t *testing.T) {
		t.Parallel()
		n := newTestNode(t, clockwork.NewFakeClock(), "aaaaaaaa", "")
		n.OnRecv([]byte{1, 2, 3}, 0, 0)
		raw := helloFrame(t, wire.ConformAddr([]byte("bbbbbbbb")), 0)
		raw[5] ^= 0xff
		n.OnRecv(raw, 0, 0)
		expectQuiet(t, n)
		require.Empty(t, n.Neighbors())
	})

	t.Run("one rx frame per tick", func(t *testing.T) {
		t.Parallel()
		clk := clockwork.NewFakeClock()
		n := newTestNode(t, clk, "aaaaaaaa", "")
		n.OnRecv(helloFrame(t, wire.ConformAddr([]byte("bbbbbbbb")), 0), -70, 8)
		n.OnRecv(helloFrame(t, wire.ConformAddr([]byte("cccccccc")), 0), -90, 3)

		n.Update()
		require.Len(t, n.Neighbors(), 1)
		n.Update()
		require.Len(t, n.Neighbors(), 2)
	})

	t.Run("hello records link quality and a direct route", func(t *testing.T) {
		t.Parallel()
		clk := clockwork.NewFakeClock()
		n := newTestNode(t, clk, "aaaaaaaa", "")
		peer := wire.ConformAddr([]byte("bbbbbbbb"))
		n.OnRecv(helloFrame(t, peer, 4), -70, 8)
		expectQuiet(t, n)

		nb := n.Neighbors()[peer]
		require.NotNil(t, nb)
		require.True(t, nb.Alive())
		require.Equal(t, -70, nb.RSSI)
		require.Equal(t, 8, nb.SNR)

		route := n.Routes().Get(peer)
		require.NotNil(t, route)
		require.True(t, route.Valid())
		require.Equal(t, peer, route.NextHop)
		require.Equal(t, uint8(1), route.Hops)
		require.Equal(t, uint32(4), route.SeqNum)
	})
}

// Scenario: direct neighbor send needs no discovery at all.
func TestAODV_Node_DirectNeighborSend(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	b := newTestNode(t, clk, "bbbbbbbb", "bob")

	a.OnRecv(helloFrame(t, b.Addr(), 0), 0, 0)
	expectQuiet(t, a)

	a.Send(b.Addr().Bytes(), []byte("hi"))
	p := popFrame(t, a)
	require.Equal(t, wire.TypeData, p.Type)
	require.Equal(t, b.Addr(), p.RecvAddr)
	require.Equal(t, uint8(1), p.TTL)

	d, err := wire.ParseDatagram(p.Payload)
	require.NoError(t, err)
	require.Equal(t, a.Addr(), d.OrigAddr)
	require.Equal(t, b.Addr(), d.DestAddr)
	require.Zero(t, d.OrigSeq)
	require.Equal(t, []byte("hi"), d.Data)

	b.OnRecv(mustRepack(t, p), 0, 0)
	b.Update()
	got := b.PopRx()
	require.NotNil(t, got)
	require.Equal(t, []byte("hi"), got.Data)
}

func mustRepack(t *testing.T, p *wire.Packet) []byte {
	t.Helper()
	raw, err := wire.Pack(p.Type, p.SendAddr, p.RecvAddr, p.Payload, p.TTL, p.Hops)
	require.NoError(t, err)
	return raw
}

// Scenario: two-hop discovery over a linear A - B - C topology where
// each end only hears the middle node.
func TestAODV_Node_TwoHopDiscovery(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	b := newTestNode(t, clk, "bbbbbbbb", "bob")
	c := newTestNode(t, clk, "cccccccc", "carol")

	a.Send(c.Addr().Bytes(), []byte("hi"))

	// A floods a route request.
	preq := popFrame(t, a)
	require.Equal(t, wire.TypeRREQ, preq.Type)
	require.True(t, preq.RecvAddr.IsBroadcast())
	require.Equal(t, aodv.DefaultConfig().NetDiameter, preq.TTL)
	rreq, err := wire.ParseRREQ(preq.Payload)
	require.NoError(t, err)
	require.Equal(t, c.Addr(), rreq.DestAddr)
	require.Equal(t, a.Addr(), rreq.OrigAddr)
	require.Equal(t, uint32(1), rreq.ID)
	require.Equal(t, uint32(1), rreq.OrigSeq)
	require.True(t, rreq.Unknown)

	// B has no route to C and rebroadcasts with the TTL burned down.
	b.OnRecv(mustRepack(t, preq), 0, 0)
	pfwd := popFrame(t, b)
	require.Equal(t, wire.TypeRREQ, pfwd.Type)
	require.True(t, pfwd.RecvAddr.IsBroadcast())
	require.Equal(t, aodv.DefaultConfig().NetDiameter-1, pfwd.TTL)
	require.Equal(t, uint8(1), pfwd.Hops)

	clk.Advance(100 * time.Millisecond)

	// C answers as the destination.
	c.OnRecv(mustRepack(t, pfwd), 0, 0)
	prep := popFrame(t, c)
	require.Equal(t, wire.TypeRREP, prep.Type)
	require.Equal(t, b.Addr(), prep.RecvAddr)
	rrep, err := wire.ParseRREP(prep.Payload)
	require.NoError(t, err)
	require.Equal(t, c.Addr(), rrep.DestAddr)
	require.Equal(t, a.Addr(), rrep.OrigAddr)
	require.Equal(t, durToMsForTest(aodv.DefaultConfig().MyRouteTimeout), rrep.Lifetime)

	// B forwards the reply back toward A.
	b.OnRecv(mustRepack(t, prep), 0, 0)
	pback := popFrame(t, b)
	require.Equal(t, wire.TypeRREP, pback.Type)
	require.Equal(t, a.Addr(), pback.RecvAddr)
	rback, err := wire.ParseRREP(pback.Payload)
	require.NoError(t, err)
	require.Equal(t, uint8(1), rback.HopCount)

	// B now has a one-hop route to C.
	require.Equal(t, uint8(1), b.Routes().Get(c.Addr()).Hops)

	// A installs the two-hop route and releases the queued datagram.
	a.OnRecv(mustRepack(t, pback), 0, 0)
	require.Nil(t, a.Update())

	route := a.Routes().Get(c.Addr())
	require.NotNil(t, route)
	require.True(t, route.Valid())
	require.Equal(t, b.Addr(), route.NextHop)
	require.Equal(t, uint8(2), route.Hops)
	require.Equal(t, 100*time.Millisecond, route.Roundtrip)

	pdata := popFrame(t, a)
	require.Equal(t, wire.TypeData, pdata.Type)
	require.Equal(t, b.Addr(), pdata.RecvAddr)
	require.Equal(t, uint8(2), pdata.TTL)
	d, err := wire.ParseDatagram(pdata.Payload)
	require.NoError(t, err)
	require.Equal(t, c.Addr(), d.DestAddr)
	require.Equal(t, []byte("hi"), d.Data)
}

func durToMsForTest(d time.Duration) uint32 {
	return uint32(d.Milliseconds())
}

// Scenario: duplicate RREQs inside the path-discovery window trigger
// at most one forward.
func TestAODV_Node_DuplicateRREQSuppressed(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	b := newTestNode(t, clk, "bbbbbbbb", "bob")
	orig := wire.ConformAddr([]byte("aaaaaaaa"))
	dest := wire.ConformAddr([]byte("cccccccc"))

	raw := rreqFrame(t, &wire.RREQ{DestAddr: dest, OrigAddr: orig, OrigSeq: 1, ID: 1, Unknown: true}, orig, wire.Broadcast, 35)

	b.OnRecv(raw, 0, 0)
	clk.Advance(50 * time.Millisecond)
	b.OnRecv(raw, 0, 0)

	p := popFrame(t, b)
	require.Equal(t, wire.TypeRREQ, p.Type)
	expectQuiet(t, b)
}

// Scenario: a dest-only RREQ is forwarded toward the destination even
// when the intermediate holds a valid route.
func TestAODV_Node_DestOnlySuppressesIntermediateReply(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	m := newTestNode(t, clk, "mmmmmmmm", "mallory")
	orig := wire.ConformAddr([]byte("aaaaaaaa"))
	dest := wire.ConformAddr([]byte("cccccccc"))

	m.OnRecv(helloFrame(t, dest, 3), 0, 0)
	expectQuiet(t, m)

	raw := rreqFrame(t, &wire.RREQ{DestAddr: dest, OrigAddr: orig, OrigSeq: 1, ID: 1, DestOnly: true}, orig, wire.Broadcast, 35)
	m.OnRecv(raw, 0, 0)

	p := popFrame(t, m)
	require.Equal(t, wire.TypeRREQ, p.Type)
	require.Equal(t, dest, p.RecvAddr)
	expectQuiet(t, m)
}

// Scenario: an intermediate with a valid route answers and, when asked,
// also sends the destination a gratuitous reply.
func TestAODV_Node_IntermediateReplyWithGratuitous(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	m := newTestNode(t, clk, "mmmmmmmm", "mallory")
	orig := wire.ConformAddr([]byte("aaaaaaaa"))
	dest := wire.ConformAddr([]byte("cccccccc"))

	m.OnRecv(helloFrame(t, dest, 3), 0, 0)
	expectQuiet(t, m)

	raw := rreqFrame(t, &wire.RREQ{DestAddr: dest, OrigAddr: orig, OrigSeq: 1, ID: 1, Gratuitous: true}, orig, wire.Broadcast, 35)
	m.OnRecv(raw, 0, 0)

	p := popFrame(t, m)
	require.Equal(t, wire.TypeRREP, p.Type)
	require.Equal(t, orig, p.RecvAddr)
	rrep, err := wire.ParseRREP(p.Payload)
	require.NoError(t, err)
	require.Equal(t, dest, rrep.DestAddr)
	require.Equal(t, orig, rrep.OrigAddr)
	require.Equal(t, uint32(3), rrep.DestSeq)

	grat := popFrame(t, m)
	require.Equal(t, wire.TypeRREP, grat.Type)
	require.Equal(t, dest, grat.RecvAddr)
	grrep, err := wire.ParseRREP(grat.Payload)
	require.NoError(t, err)
	require.Equal(t, orig, grrep.DestAddr)
	require.Equal(t, dest, grrep.OrigAddr)
}

// Scenario: a silent forwarding neighbor escalates to a RERR listing
// every destination routed through it.
func TestAODV_Node_PassiveAckTimeoutEmitsRERR(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	bAddr := wire.ConformAddr([]byte("bbbbbbbb"))
	cAddr := wire.ConformAddr([]byte("cccccccc"))

	// B hands A a route to C.
	rrep := &wire.RREP{DestAddr: cAddr, OrigAddr: a.Addr(), DestSeq: 1, HopCount: 1, Lifetime: 6000}
	raw, err := wire.Pack(wire.TypeRREP, bAddr, a.Addr(), rrep.Marshal(), 2, 0)
	require.NoError(t, err)
	a.OnRecv(raw, 0, 0)
	expectQuiet(t, a)
	require.True(t, a.Routes().Get(cAddr).Valid())

	a.Send(cAddr.Bytes(), []byte("hi"))
	p := popFrame(t, a)
	require.Equal(t, wire.TypeData, p.Type)
	require.Equal(t, bAddr, p.RecvAddr)

	// B never retransmits; the watch expires.
	clk.Advance(aodv.DefaultConfig().PassiveAckTimeout)
	perr := popFrame(t, a)
	require.Equal(t, wire.TypeRERR, perr.Type)
	require.True(t, perr.RecvAddr.IsBroadcast())
	require.Equal(t, uint8(1), perr.TTL)
	rerr, err := wire.ParseRERR(perr.Payload)
	require.NoError(t, err)
	require.Equal(t, bAddr, rerr.BadAddr)
	listed := false
	for _, d := range rerr.Dests {
		if d.Addr == cAddr {
			listed = true
			require.Equal(t, uint32(1), d.Seq)
		}
	}
	require.True(t, listed)
	require.False(t, rerr.NoDelete)

	// The broken routes are no longer usable.
	require.False(t, a.Routes().Get(cAddr).Valid())
}

// Scenario: oversized payloads fragment into same-sequence datagrams.
func TestAODV_Node_Fragmentation(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	bAddr := wire.ConformAddr([]byte("bbbbbbbb"))

	a.OnRecv(helloFrame(t, bAddr, 0), 0, 0)
	expectQuiet(t, a)

	data := bytes.Repeat([]byte("x"), 500)
	a.Send(bAddr.Bytes(), data)

	sizes := []int{211, 211, 78}
	var seqs []uint32
	for _, want := range sizes {
		p := popFrame(t, a)
		require.Equal(t, wire.TypeData, p.Type)
		d, err := wire.ParseDatagram(p.Payload)
		require.NoError(t, err)
		require.Len(t, d.Data, want)
		seqs = append(seqs, d.OrigSeq)
	}
	require.Equal(t, seqs[0], seqs[1])
	require.Equal(t, seqs[1], seqs[2])
	expectQuiet(t, a)
}

// Scenario: a ping body is answered with a pong.
func TestAODV_Node_PingPong(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	b := newTestNode(t, clk, "bbbbbbbb", "bob")

	a.OnRecv(helloFrame(t, b.Addr(), 0), 0, 0)
	b.OnRecv(helloFrame(t, a.Addr(), 0), 0, 0)
	expectQuiet(t, a)
	expectQuiet(t, b)

	a.Send(b.Addr().Bytes(), []byte("ping"))
	p := popFrame(t, a)
	b.OnRecv(mustRepack(t, p), 0, 0)

	pong := popFrame(t, b)
	require.Equal(t, wire.TypeData, pong.Type)
	d, err := wire.ParseDatagram(pong.Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), d.Data)
	require.Equal(t, a.Addr(), d.DestAddr)

	// The ping still lands in B's application inbox.
	require.NotNil(t, b.PopRx())
}

// Scenario: non-ping datagrams are acknowledged to the previous hop.
func TestAODV_Node_ExplicitAck(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	b := newTestNode(t, clk, "bbbbbbbb", "bob")

	a.OnRecv(helloFrame(t, b.Addr(), 0), 0, 0)
	expectQuiet(t, a)

	a.Send(b.Addr().Bytes(), []byte("hello there"))
	p := popFrame(t, a)
	b.OnRecv(mustRepack(t, p), 0, 0)

	ack := popFrame(t, b)
	require.Equal(t, wire.TypeAck, ack.Type)
	require.Equal(t, a.Addr(), ack.RecvAddr)
	parsed, err := wire.ParseAck(ack.Payload)
	require.NoError(t, err)
	require.Zero(t, parsed.DataSeq)
}

// Scenario: route discovery retries with fresh identifiers, then gives
// up for good.
func TestAODV_Node_RREQRetry(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	dest := wire.ConformAddr([]byte("cccccccc"))
	cfg := aodv.DefaultConfig()

	a.Send(dest.Bytes(), []byte("hi"))
	first := popFrame(t, a)
	require.Equal(t, wire.TypeRREQ, first.Type)

	for i := 0; i < cfg.RREQRetries; i++ {
		clk.Advance(cfg.NetTraversalTime)
		p := popFrame(t, a)
		require.Equal(t, wire.TypeRREQ, p.Type)
		rreq, err := wire.ParseRREQ(p.Payload)
		require.NoError(t, err)
		require.Equal(t, uint32(i+2), rreq.ID)
	}

	clk.Advance(cfg.NetTraversalTime)
	expectQuiet(t, a)
}

// Scenario: peers flooding concurrent RREQs get blacklisted and then
// ignored outright.
func TestAODV_Node_BlacklistFloodingPeer(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	b := newTestNode(t, clk, "bbbbbbbb", "bob")
	orig := wire.ConformAddr([]byte("aaaaaaaa"))
	dest := wire.ConformAddr([]byte("cccccccc"))
	cfg := aodv.DefaultConfig()

	for i := 1; i <= cfg.MaxRecentRREQs+1; i++ {
		raw := rreqFrame(t, &wire.RREQ{DestAddr: dest, OrigAddr: orig, OrigSeq: uint32(i), ID: uint32(i), Unknown: true}, orig, wire.Broadcast, 35)
		b.OnRecv(raw, 0, 0)
		p := popFrame(t, b)
		require.Equal(t, wire.TypeRREQ, p.Type)
	}

	// One past the threshold: the peer is now ignored entirely.
	raw := rreqFrame(t, &wire.RREQ{DestAddr: dest, OrigAddr: orig, OrigSeq: 99, ID: 99, Unknown: true}, orig, wire.Broadcast, 35)
	b.OnRecv(raw, 0, 0)
	expectQuiet(t, b)

	// The blacklist decays and the peer is heard again. The quiet
	// neighbor's repair HELLO drains first, then the forward.
	clk.Advance(cfg.BlacklistTimeout)
	b.OnRecv(raw, 0, 0)
	p := popFrame(t, b)
	require.Equal(t, wire.TypeHello, p.Type)
	p = popFrame(t, b)
	require.Equal(t, wire.TypeRREQ, p.Type)
}

// Scenario: a quiet neighbor is repaired with HELLOs until the budget
// runs out, then removed.
func TestAODV_Node_NeighborRepairAndLoss(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	peer := wire.ConformAddr([]byte("bbbbbbbb"))
	cfg := aodv.DefaultConfig()

	a.OnRecv(helloFrame(t, peer, 0), 0, 0)
	expectQuiet(t, a)
	require.Len(t, a.Neighbors(), 1)

	// Two repair attempts, one HELLO each.
	clk.Advance(cfg.ActiveRouteTimeout)
	p := popFrame(t, a)
	require.Equal(t, wire.TypeHello, p.Type)
	require.True(t, p.RecvAddr.IsBroadcast())
	require.Len(t, a.Neighbors(), 1)

	clk.Advance(cfg.HelloLifetime)
	p = popFrame(t, a)
	require.Equal(t, wire.TypeHello, p.Type)
	require.Len(t, a.Neighbors(), 1)

	// Budget exhausted: the neighbor goes away.
	clk.Advance(cfg.HelloLifetime)
	p = popFrame(t, a)
	require.Equal(t, wire.TypeHello, p.Type)
	require.Empty(t, a.Neighbors())
}

// Scenario: a ping shorthand emits a non-gratuitous dest-only RREQ.
func TestAODV_Node_PingShorthand(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	dest := wire.ConformAddr([]byte("cccccccc"))

	a.Ping(dest.Bytes())
	p := popFrame(t, a)
	require.Equal(t, wire.TypeRREQ, p.Type)
	require.True(t, p.RecvAddr.IsBroadcast())
	rreq, err := wire.ParseRREQ(p.Payload)
	require.NoError(t, err)
	require.True(t, rreq.DestOnly)
	require.False(t, rreq.Gratuitous)
	require.True(t, rreq.Unknown)
}

// Scenario: queued data dies quietly when no route ever appears.
func TestAODV_Node_QueuedDataExpires(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	a := newTestNode(t, clk, "aaaaaaaa", "alice")
	dest := wire.ConformAddr([]byte("cccccccc"))
	cfg := aodv.DefaultConfig()

	a.Send(dest.Bytes(), []byte("hi"))
	p := popFrame(t, a)
	require.Equal(t, wire.TypeRREQ, p.Type)

	// Burn through the retries, then past the queue lifetime.
	for i := 0; i <= cfg.RREQRetries; i++ {
		clk.Advance(cfg.NetTraversalTime)
		a.Update()
	}
	clk.Advance(cfg.DataQueueTimeout)
	for i := 0; i < 4; i++ {
		require.Nil(t, a.Update())
	}
	require.Nil(t, a.PopRx())
}
