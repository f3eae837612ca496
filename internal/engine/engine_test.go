package engine_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhcpv4d/internal/engine"
	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/pool"
	"dhcpv4d/internal/wire"
)

func discardLogger() (l *slog.Logger) {
	return slogutil.NewDiscardLogger()
}

// fakeClock is an injectable clock for deterministic expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) (c *fakeClock) {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() (now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// fakeSender records every reply the engine sends, keyed by destination.
type fakeSender struct {
	mu      sync.Mutex
	replies []sentReply
}

type sentReply struct {
	dst netip.AddrPort
	msg *wire.Message
}

func (s *fakeSender) Send(_ context.Context, dst netip.AddrPort, b []byte) (err error) {
	msg, err := wire.Decode(b)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.replies = append(s.replies, sentReply{dst: dst, msg: msg})

	return nil
}

func (s *fakeSender) last() (r sentReply, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.replies) == 0 {
		return sentReply{}, false
	}

	return s.replies[len(s.replies)-1], true
}

func (s *fakeSender) count() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.replies)
}

var (
	hw1 = []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	hw2 = []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x66}

	serverID = netip.MustParseAddr("192.0.2.1")
)

func newTestEngine(t *testing.T, poolRange string, clock *fakeClock) (e *engine.Engine, tbl *lease.Table, p *pool.Pool, sender *fakeSender) {
	t.Helper()

	p, err := pool.New(poolRange)
	require.NoError(t, err)

	tbl = lease.New(time.Hour, clock)
	sender = &fakeSender{}

	e = engine.New(tbl, p, sender, engine.Config{
		ServerID:      serverID,
		BroadcastAddr: netip.MustParseAddr("255.255.255.255"),
		MinPacketSize: 312,
		Logger:        discardLogger(),
	})

	return e, tbl, p, sender
}

func discoverMsg(hw []byte, xid uint32) (msg *wire.Message) {
	return &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         byte(len(hw)),
		Xid:          xid,
		ClientHWAddr: hw,
		Options: wire.Options{
			{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgDiscover)}},
		},
	}
}

func requestSelectingMsg(hw []byte, xid uint32, srvID, reqIP netip.Addr) (msg *wire.Message) {
	opts := wire.Options{
		{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgRequest)}},
	}
	opts = opts.Set(wire.Option{Code: wire.OptServerID, Value: srvIDBytes(srvID)})
	opts = opts.Set(wire.Option{Code: wire.OptRequestedIP, Value: srvIDBytes(reqIP)})

	return &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         byte(len(hw)),
		Xid:          xid,
		ClientHWAddr: hw,
		Options:      opts,
	}
}

func srvIDBytes(addr netip.Addr) (b []byte) {
	a4 := addr.As4()

	return a4[:]
}

// TestDiscoverThenRequest exercises the full DISCOVER/OFFER, REQUEST/ACK
// handshake in the SELECTING flavor.
func TestDiscoverThenRequest(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, tbl, _, sender := newTestEngine(t, "192.0.2.10-192.0.2.12", clock)

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw1, 1)))

	last, ok := sender.last()
	require.True(t, ok)
	typ, ok := last.msg.Type()
	require.True(t, ok)
	assert.Equal(t, wire.MsgOffer, typ)

	offeredAddr := last.msg.YourAddr
	assert.True(t, offeredAddr.IsValid())

	req := requestSelectingMsg(hw1, 2, serverID, offeredAddr)
	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, req))

	last, ok = sender.last()
	require.True(t, ok)
	typ, ok = last.msg.Type()
	require.True(t, ok)
	assert.Equal(t, wire.MsgAck, typ)
	assert.Equal(t, offeredAddr, last.msg.YourAddr)

	got, found := tbl.GetByHWAddr(hw1)
	require.True(t, found)
	assert.Equal(t, lease.Bound, got.Status)
}

// TestDiscoverPoolExhaustionDrops verifies a DISCOVER is silently dropped,
// not NAKed, once the pool has no free address and nothing to evict.
func TestDiscoverPoolExhaustionDrops(t *testing.T) {
	clock := newFakeClock(time.Now())
	e, _, _, sender := newTestEngine(t, "192.0.2.10-192.0.2.10", clock)

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw1, 1)))
	require.Equal(t, 1, sender.count())

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw2, 2)))
	assert.Equal(t, 1, sender.count(), "second discover must be dropped, not answered")
}

// TestDiscoverEvictsExpiredOnExhaustion checks that a DISCOVER succeeds once
// an outstanding lease has expired, by advancing a fake clock and letting
// the allocator's eviction callback reclaim its address.
func TestDiscoverEvictsExpiredOnExhaustion(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, tbl, _, sender := newTestEngine(t, "192.0.2.10-192.0.2.10", clock)

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw1, 1)))
	require.Equal(t, 1, sender.count())

	first, found := tbl.GetByHWAddr(hw1)
	require.True(t, found)
	first.Status = lease.Bound
	require.NoError(t, tbl.Update(first, nil))

	clock.advance(2 * time.Hour)

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw2, 2)))
	require.Equal(t, 2, sender.count())

	_, found = tbl.GetByHWAddr(hw1)
	assert.False(t, found, "expired lease must have been evicted")
}

// TestInitRebootMismatchNaks checks that a REQUEST in the INIT-REBOOT
// flavor for an address the server doesn't recognize is NAKed and any
// stale record for that client removed.
func TestInitRebootMismatchNaks(t *testing.T) {
	clock := newFakeClock(time.Now())
	e, tbl, _, sender := newTestEngine(t, "192.0.2.10-192.0.2.12", clock)

	_, err := tbl.Create(hw1)
	require.NoError(t, err)

	req := &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         byte(len(hw1)),
		Xid:          1,
		ClientHWAddr: hw1,
		Options: wire.Options{
			{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgRequest)}},
		},
	}
	remembered := netip.MustParseAddr("192.0.2.99")
	a4 := remembered.As4()
	req.Options = req.Options.Set(wire.Option{Code: wire.OptRequestedIP, Value: a4[:]})

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, req))

	last, ok := sender.last()
	require.True(t, ok)
	typ, ok := last.msg.Type()
	require.True(t, ok)
	assert.Equal(t, wire.MsgNak, typ)

	_, found := tbl.GetByHWAddr(hw1)
	assert.False(t, found)
}

// TestInitRebootMismatchFreesPool checks that an INIT-REBOOT mismatch, which
// removes the client's stale lease, returns its bound address to the pool
// instead of leaking it.
func TestInitRebootMismatchFreesPool(t *testing.T) {
	clock := newFakeClock(time.Now())
	e, tbl, p, sender := newTestEngine(t, "192.0.2.10-192.0.2.10", clock)

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw1, 1)))
	last, ok := sender.last()
	require.True(t, ok)
	addr := last.msg.YourAddr
	require.True(t, addr.IsValid())

	bound, found := tbl.GetByHWAddr(hw1)
	require.True(t, found)
	bound.Status = lease.Bound
	require.NoError(t, tbl.Update(bound, nil))

	req := &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         byte(len(hw1)),
		Xid:          2,
		ClientHWAddr: hw1,
		Options: wire.Options{
			{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgRequest)}},
		},
	}
	remembered := netip.MustParseAddr("192.0.2.99")
	a4 := remembered.As4()
	req.Options = req.Options.Set(wire.Option{Code: wire.OptRequestedIP, Value: a4[:]})

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, req))

	last, ok = sender.last()
	require.True(t, ok)
	typ, ok := last.msg.Type()
	require.True(t, ok)
	assert.Equal(t, wire.MsgNak, typ)

	_, found = tbl.GetByHWAddr(hw1)
	assert.False(t, found)

	reallocated, ok := p.AllocateAny(nil)
	require.True(t, ok, "address freed by the init-reboot mismatch must be allocatable again")
	assert.Equal(t, addr, reallocated)
}

// TestRenewingAddressMismatchFreesPool checks that a RENEWING request whose
// ciaddr no longer matches the stored lease removes the stale record and
// returns its address to the pool rather than leaking it.
func TestRenewingAddressMismatchFreesPool(t *testing.T) {
	clock := newFakeClock(time.Now())
	e, tbl, p, sender := newTestEngine(t, "192.0.2.10-192.0.2.10", clock)

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw1, 1)))
	last, ok := sender.last()
	require.True(t, ok)
	addr := last.msg.YourAddr
	require.True(t, addr.IsValid())

	bound, found := tbl.GetByHWAddr(hw1)
	require.True(t, found)
	bound.Status = lease.Bound
	require.NoError(t, tbl.Update(bound, nil))

	staleCiaddr := netip.MustParseAddr("192.0.2.200")
	req := &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         byte(len(hw1)),
		Xid:          2,
		ClientHWAddr: hw1,
		ClientAddr:   staleCiaddr,
		Options: wire.Options{
			{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgRequest)}},
		},
	}

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, req))

	_, found = tbl.GetByHWAddr(hw1)
	assert.False(t, found, "stale record must be removed on address mismatch")

	reallocated, ok := p.AllocateAny(nil)
	require.True(t, ok, "address freed by the renewing mismatch must be allocatable again")
	assert.Equal(t, addr, reallocated)
}

// TestNakBroadcastsToFixedLimitedAddress checks that a NAK's broadcast
// fallback is the fixed limited-broadcast address, not a custom
// BroadcastAddr configured for OFFER/ACK.
func TestNakBroadcastsToFixedLimitedAddress(t *testing.T) {
	clock := newFakeClock(time.Now())

	p, err := pool.New("192.0.2.10-192.0.2.12")
	require.NoError(t, err)

	tbl := lease.New(time.Hour, clock)
	sender := &fakeSender{}

	e := engine.New(tbl, p, sender, engine.Config{
		ServerID:      serverID,
		BroadcastAddr: netip.MustParseAddr("198.51.100.255"),
		MinPacketSize: 312,
		Logger:        discardLogger(),
	})

	_, err = tbl.Create(hw1)
	require.NoError(t, err)

	req := &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         byte(len(hw1)),
		Xid:          1,
		ClientHWAddr: hw1,
		Options: wire.Options{
			{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgRequest)}},
		},
	}
	remembered := netip.MustParseAddr("192.0.2.99")
	a4 := remembered.As4()
	req.Options = req.Options.Set(wire.Option{Code: wire.OptRequestedIP, Value: a4[:]})

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, req))

	last, ok := sender.last()
	require.True(t, ok)
	typ, ok := last.msg.Type()
	require.True(t, ok)
	assert.Equal(t, wire.MsgNak, typ)
	assert.Equal(t, netip.MustParseAddr("255.255.255.255"), last.dst.Addr())
	assert.NotEqual(t, netip.MustParseAddr("198.51.100.255"), last.dst.Addr())
}

// TestDeclineRemovesLeaseAndFreesPool checks that a DECLINE removes the
// lease record and returns its address to the pool for reuse.
func TestDeclineRemovesLeaseAndFreesPool(t *testing.T) {
	clock := newFakeClock(time.Now())
	e, tbl, p, sender := newTestEngine(t, "192.0.2.10-192.0.2.10", clock)

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, discoverMsg(hw1, 1)))
	last, ok := sender.last()
	require.True(t, ok)
	addr := last.msg.YourAddr

	decline := &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         byte(len(hw1)),
		Xid:          2,
		ClientHWAddr: hw1,
		Options: wire.Options{
			{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgDecline)}},
		},
	}
	decline.Options = decline.Options.Set(wire.Option{Code: wire.OptServerID, Value: srvIDBytes(serverID)})
	a4 := addr.As4()
	decline.Options = decline.Options.Set(wire.Option{Code: wire.OptRequestedIP, Value: a4[:]})

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, decline))

	_, found := tbl.GetByHWAddr(hw1)
	assert.False(t, found)

	reallocated, ok := p.AllocateAny(nil)
	require.True(t, ok)
	assert.Equal(t, addr, reallocated)
}

// TestReplyRoutedToRelay checks that a relayed DISCOVER's OFFER is sent
// back to the relay agent's address on the server port, not broadcast.
func TestReplyRoutedToRelay(t *testing.T) {
	clock := newFakeClock(time.Now())
	e, _, _, sender := newTestEngine(t, "192.0.2.10-192.0.2.12", clock)

	relay := netip.MustParseAddr("198.51.100.1")
	msg := discoverMsg(hw1, 1)
	msg.RelayAddr = relay

	e.HandleDatagram(context.Background(), netip.AddrPort{}, encode(t, msg))

	last, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, relay, last.dst.Addr())
	assert.Equal(t, uint16(67), last.dst.Port())
}

func encode(t *testing.T, msg *wire.Message) (b []byte) {
	t.Helper()

	b, err := msg.Encode(312)
	require.NoError(t, err)

	return b
}
