// Package engine implements the DHCPv4 protocol state machine: message
// classification, lease-table and pool mutation, and reply construction and
// routing.
package engine

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/metrics"
	"dhcpv4d/internal/pool"
	"dhcpv4d/internal/wire"
)

// Sender delivers an encoded reply to dst. Implementations must not block
// indefinitely; the engine calls it while holding its own lock.
type Sender interface {
	Send(ctx context.Context, dst netip.AddrPort, b []byte) (err error)
}

// OptionMode is the merge behavior of a [ConfiguredOption] against a reply.
type OptionMode int

// Known values of OptionMode.
const (
	// Optional includes the option only if the client's Parameter Request
	// List asked for it.
	Optional OptionMode = iota

	// Force always includes the option, regardless of the request list.
	Force
)

// ConfiguredOption is one operator-supplied option applied to OFFER, ACK,
// and INFORM-ACK replies.
type ConfiguredOption struct {
	Option wire.Option
	Mode   OptionMode
}

// Config is the static configuration of an [Engine], fixed at construction.
type Config struct {
	// ServerID is the server_identifier (option 54) this engine uses to
	// identify itself and to recognize REQUESTs addressed to it.
	ServerID netip.Addr

	// BroadcastAddr is the address used for broadcast replies.
	BroadcastAddr netip.Addr

	// Options are merged into OFFER/ACK/INFORM-ACK replies per
	// [ConfiguredOption.Mode].
	Options []ConfiguredOption

	// MinPacketSize is the floor passed to [wire.Message.Encode].
	MinPacketSize int

	// Logger receives trace and error output. It must not be nil.
	Logger *slog.Logger

	// Metrics receives operational counters. It may be nil, in which case
	// observations are no-ops.
	Metrics *metrics.Metrics
}

// Engine dispatches inbound datagrams, mutates the lease table and pool,
// and sends replies. All of its exported methods are safe for concurrent
// use; inbound message handling is serialized by a single mutex
// (leases_sync) so that a read-then-mutate sequence for one client is
// atomic with respect to any other concurrently handled datagram.
type Engine struct {
	// mu is leases_sync: held for the duration of processing one inbound
	// message, from parse to reply send.
	mu sync.Mutex

	table  *lease.Table
	pool   *pool.Pool
	sender Sender

	serverID      netip.Addr
	broadcastAddr netip.Addr
	options       []ConfiguredOption
	minPacketSize int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Engine over table and p, sending replies through sender.
func New(table *lease.Table, p *pool.Pool, sender Sender, cfg Config) (e *Engine) {
	return &Engine{
		table:         table,
		pool:          p,
		sender:        sender,
		serverID:      cfg.ServerID,
		broadcastAddr: cfg.BroadcastAddr,
		options:       cfg.Options,
		minPacketSize: cfg.MinPacketSize,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// allocateAny asks the pool for any free address, evicting the oldest
// expired lease if the pool is exhausted.
func (e *Engine) allocateAny() (addr netip.Addr, ok bool) {
	addr, ok = e.pool.AllocateAny(e.table.EvictOldestExpired)
	if !ok {
		e.metrics.ObservePoolExhausted()
	}

	return addr, ok
}

// allocateSpecific asks the pool for addr specifically, evicting a
// Released lease holding it if necessary.
func (e *Engine) allocateSpecific(addr netip.Addr) (ok bool) {
	ok = e.pool.AllocateSpecific(addr, e.table.EvictIfReleased)
	if !ok {
		e.metrics.ObservePoolExhausted()
	}

	return ok
}

// HandleDatagram parses and dispatches a single inbound datagram received
// from src. Malformed datagrams are traced and dropped; messages with
// op != BootRequest are dropped silently. The entire handling sequence,
// including sending any reply, runs under the engine's lock.
func (e *Engine) HandleDatagram(ctx context.Context, src netip.AddrPort, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg, err := wire.Decode(data)
	if err != nil {
		e.logger.DebugContext(ctx, "dropping malformed datagram", "from", src, "err", err)

		return
	}

	if msg.Op != wire.BootRequest {
		return
	}

	typ, ok := msg.Type()
	if !ok {
		e.logger.DebugContext(ctx, "dropping message without a type", "from", src, "xid", msg.Xid)

		return
	}

	e.metrics.ObserveMessage(typ)

	switch typ {
	case wire.MsgDiscover:
		e.handleDiscover(ctx, msg)
	case wire.MsgRequest:
		e.handleRequest(ctx, msg)
	case wire.MsgDecline:
		e.handleDecline(ctx, msg)
	case wire.MsgRelease:
		e.handleRelease(ctx, msg)
	case wire.MsgInform:
		e.handleInform(ctx, msg)
	default:
		e.logger.DebugContext(ctx, "ignoring message type", "type", typ, "xid", msg.Xid)
	}
}

// send encodes reply and delivers it to dst, tracing any transport error.
// It must be called with e.mu held.
func (e *Engine) send(ctx context.Context, reply *wire.Message, dst netip.AddrPort) {
	b, err := reply.Encode(e.minPacketSize)
	if err != nil {
		e.logger.ErrorContext(ctx, "encoding reply", "xid", reply.Xid, "err", err)

		return
	}

	err = e.sender.Send(ctx, dst, b)
	if err != nil {
		e.logger.ErrorContext(ctx, "sending reply", "dst", dst, "xid", reply.Xid, "err", err)

		return
	}

	typ, _ := reply.Type()
	e.metrics.ObserveReply(typ.String())
}
