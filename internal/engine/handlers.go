package engine

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"

	"dhcpv4d/internal/dhcperr"
	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/metrics"
	"dhcpv4d/internal/wire"
)

// limitedBroadcast is the fixed NAK fallback destination, distinct from
// the operator-configurable [Engine.broadcastAddr] used for OFFER/ACK.
var limitedBroadcast = mustAddrFromIP(netutil.IPv4bcast())

func mustAddrFromIP(ip net.IP) (addr netip.Addr) {
	addr, ok := netip.AddrFromSlice(ip.To4())
	if !ok {
		panic("engine: netutil.IPv4bcast did not return an ipv4 address")
	}

	return addr
}

// handleDiscover answers a DISCOVER. It looks up the lease by hardware
// address, creating one if none exists, then lets [lease.Table.Update]
// allocate an address only if the record doesn't already have one. Pool
// exhaustion is a silent drop; the client is expected to retry.
func (e *Engine) handleDiscover(ctx context.Context, msg *wire.Message) {
	hw := msg.ClientHWAddr

	l, found := e.table.GetByHWAddr(hw)
	if !found {
		created, err := e.table.Create(hw)
		if err != nil {
			e.logger.DebugContext(ctx, "discover: creating lease", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)

			return
		}

		l = created
	}

	if cid, ok := msg.Options.ClientID(); ok {
		l.ClientID = cid
	} else {
		l.ClientID = []byte(formatHWAddr(hw))
	}
	if hn, ok := msg.Options.HostName(); ok {
		l.Hostname = hn
	}
	l.Status = lease.Offered

	err := e.table.Update(l, e.allocateAny)
	if err != nil {
		e.logger.DebugContext(ctx, "discover: dropping", "hwaddr", formatHWAddr(hw), "xid", msg.Xid, slogutil.KeyError, err)
		e.metrics.ObserveReply(metrics.ReplyDrop)

		return
	}

	offered, ok := e.table.GetByHWAddr(hw)
	if !ok {
		return
	}

	e.logger.DebugContext(ctx, "offering lease", "hwaddr", formatHWAddr(hw), "addr", offered.Address, "xid", msg.Xid)
	e.sendReply(ctx, msg, wire.MsgOffer, offered)
}

// handleRequest answers a REQUEST, dispatching on the presence of the
// server identifier and requested-IP options and of a non-zero ciaddr to
// distinguish SELECTING, RENEWING/REBINDING, and INIT-REBOOT.
func (e *Engine) handleRequest(ctx context.Context, msg *wire.Message) {
	srvID, hasSrvID := msg.Options.ServerID()
	reqIP, hasReqIP := msg.Options.RequestedIP()
	ciaddrValid := msg.ClientAddr.IsValid() && !msg.ClientAddr.IsUnspecified()

	switch {
	case hasSrvID:
		e.handleSelecting(ctx, msg, netip.AddrFrom4(srvID), reqIP, hasReqIP)
	case ciaddrValid:
		e.handleRenewing(ctx, msg, msg.ClientAddr)
	case hasReqIP:
		e.handleInitReboot(ctx, msg, netip.AddrFrom4(reqIP))
	default:
		e.logger.DebugContext(ctx, "request: missing both server id and requested ip, dropping", "xid", msg.Xid)
	}
}

// releaseLease removes the lease keyed by hw and returns its freed address
// to the pool, so a removal never shrinks the usable pool.
// [lease.Table.Remove] documents that returning the freed address to the
// pool is the caller's responsibility; every removal path in this file
// must go through here instead of calling table.Remove directly.
func (e *Engine) releaseLease(hw []byte) (addr netip.Addr, err error) {
	addr, err = e.table.Remove(hw)
	if err != nil {
		return addr, err
	}

	if addr.IsValid() {
		e.pool.MarkUnused(addr)
	}

	return addr, nil
}

// handleSelecting handles a REQUEST sent in the SELECTING state, addressed
// to a specific server via option 54.
func (e *Engine) handleSelecting(
	ctx context.Context,
	msg *wire.Message,
	srvID netip.Addr,
	reqIP [4]byte,
	hasReqIP bool,
) {
	hw := msg.ClientHWAddr

	if srvID != e.serverID {
		if l, found := e.table.GetByHWAddr(hw); found && l.Status == lease.Offered {
			_, _ = e.releaseLease(hw)
		}

		e.logger.DebugContext(ctx, "selecting: for another server, ignoring", "server", srvID, "xid", msg.Xid)

		return
	}

	l, found := e.table.GetByHWAddr(hw)
	if !found || l.Status != lease.Offered {
		e.logger.DebugContext(ctx, "selecting: no outstanding offer, naking", "hwaddr", formatHWAddr(hw), "xid", msg.Xid)
		e.sendNAK(ctx, msg)

		return
	}

	if !hasReqIP || netip.AddrFrom4(reqIP) != l.Address {
		e.logger.DebugContext(ctx, "selecting: requested ip mismatch, naking", "hwaddr", formatHWAddr(hw), "xid", msg.Xid)
		e.sendNAK(ctx, msg)
		_, _ = e.releaseLease(hw)

		return
	}

	l.Status = lease.Bound
	if hn, ok := msg.Options.HostName(); ok {
		l.Hostname = hn
	}

	err := e.table.Update(l, nil)
	if err != nil {
		e.logger.ErrorContext(ctx, "selecting: promoting to bound", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)
		e.sendNAK(ctx, msg)

		return
	}

	bound, ok := e.table.GetByHWAddr(hw)
	if !ok {
		return
	}

	e.sendReply(ctx, msg, wire.MsgAck, bound)
}

// handleRenewing handles the RENEWING/REBINDING path,
// distinguished from SELECTING by the absence of a server identifier and
// from INIT-REBOOT by a non-zero ciaddr.
func (e *Engine) handleRenewing(ctx context.Context, msg *wire.Message, ciaddr netip.Addr) {
	hw := msg.ClientHWAddr

	l, found := e.table.GetByHWAddr(hw)
	switch {
	case found && l.Address == ciaddr:
		l.Status = lease.Bound
		if hn, ok := msg.Options.HostName(); ok {
			l.Hostname = hn
		}

		err := e.table.Update(l, nil)
		if err != nil {
			e.logger.ErrorContext(ctx, "renewing: promoting to bound", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)
			e.sendNAK(ctx, msg)

			return
		}

		bound, ok := e.table.GetByHWAddr(hw)
		if !ok {
			return
		}

		e.sendReply(ctx, msg, wire.MsgAck, bound)

	case found && l.Static:
		e.logger.DebugContext(ctx, "renewing: static lease address mismatch, naking", "hwaddr", formatHWAddr(hw), "xid", msg.Xid)
		e.sendNAK(ctx, msg)

	case found:
		_, _ = e.releaseLease(hw)

		if !e.allocateSpecific(ciaddr) {
			e.logger.DebugContext(ctx, "renewing: reallocating ciaddr failed, dropping", "ciaddr", ciaddr, "xid", msg.Xid)
			e.metrics.ObserveReply(metrics.ReplyDrop)

			return
		}

		e.bindFreshLease(ctx, msg, ciaddr, wire.MsgAck)

	default:
		if !e.allocateSpecific(ciaddr) {
			e.logger.DebugContext(ctx, "renewing: no prior lease and ciaddr unavailable, naking", "ciaddr", ciaddr, "xid", msg.Xid)
			e.sendNAK(ctx, msg)

			return
		}

		// Deliberately OFFER, not ACK: forces the client through SELECTING.
		// See DESIGN.md for the reasoning.
		e.bindFreshLease(ctx, msg, ciaddr, wire.MsgOffer)
	}
}

// handleInitReboot handles a REQUEST sent in the INIT-REBOOT state: no
// server identifier, no ciaddr, and a requested IP the client remembers
// from a previous lease.
func (e *Engine) handleInitReboot(ctx context.Context, msg *wire.Message, reqIP netip.Addr) {
	hw := msg.ClientHWAddr

	l, found := e.table.GetByHWAddr(hw)
	if found && l.Status == lease.Bound && l.Address == reqIP {
		l.Status = lease.Bound
		if hn, ok := msg.Options.HostName(); ok {
			l.Hostname = hn
		}

		err := e.table.Update(l, nil)
		if err != nil {
			e.logger.ErrorContext(ctx, "init-reboot: re-promoting", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)
			e.sendNAK(ctx, msg)

			return
		}

		bound, ok := e.table.GetByHWAddr(hw)
		if !ok {
			return
		}

		e.sendReply(ctx, msg, wire.MsgAck, bound)

		return
	}

	if found {
		_, _ = e.releaseLease(hw)
	}

	e.logger.DebugContext(ctx, "init-reboot: mismatch, naking", "hwaddr", formatHWAddr(hw), "xid", msg.Xid)
	e.sendNAK(ctx, msg)
}

// bindFreshLease creates a new lease keyed on msg's hardware address, bound
// to addr (already reserved against the pool by the caller), and replies
// with typ.
func (e *Engine) bindFreshLease(ctx context.Context, msg *wire.Message, addr netip.Addr, typ wire.MessageType) {
	hw := msg.ClientHWAddr

	l, err := e.table.Create(hw)
	if err != nil {
		e.logger.ErrorContext(ctx, "creating fresh lease", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)
		e.pool.MarkUnused(addr)

		return
	}

	l.Address = addr
	l.Status = lease.Bound
	if typ == wire.MsgOffer {
		l.Status = lease.Offered
	}
	if cid, ok := msg.Options.ClientID(); ok {
		l.ClientID = cid
	} else {
		l.ClientID = []byte(formatHWAddr(hw))
	}
	if hn, ok := msg.Options.HostName(); ok {
		l.Hostname = hn
	}

	err = e.table.Update(l, nil)
	if err != nil {
		e.logger.ErrorContext(ctx, "binding fresh lease", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)
		e.pool.MarkUnused(addr)

		return
	}

	bound, ok := e.table.GetByHWAddr(hw)
	if !ok {
		return
	}

	e.sendReply(ctx, msg, typ, bound)
}

// handleDecline handles a DECLINE: the client found the offered address
// already in use.
func (e *Engine) handleDecline(ctx context.Context, msg *wire.Message) {
	srvID, ok := msg.Options.ServerID()
	if !ok || netip.AddrFrom4(srvID) != e.serverID {
		return
	}

	hw := msg.ClientHWAddr

	_, found := e.table.GetByHWAddr(hw)
	if !found {
		return
	}

	addr, err := e.releaseLease(hw)
	if err != nil {
		e.logger.DebugContext(ctx, "decline: removing lease", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)

		return
	}

	e.logger.DebugContext(ctx, "decline: lease removed", "hwaddr", formatHWAddr(hw), "addr", addr)
}

// handleRelease handles a RELEASE: the client is giving up its lease
// voluntarily.
func (e *Engine) handleRelease(ctx context.Context, msg *wire.Message) {
	srvID, ok := msg.Options.ServerID()
	if !ok || netip.AddrFrom4(srvID) != e.serverID {
		return
	}

	hw := msg.ClientHWAddr

	l, found := e.table.GetByHWAddr(hw)
	if !found {
		return
	}

	if msg.ClientAddr == l.Address {
		err := e.table.Release(hw)
		if err != nil {
			e.logger.DebugContext(ctx, "release: transitioning to released", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)
		}

		return
	}

	_, err := e.releaseLease(hw)
	if err != nil && !errors.Is(err, dhcperr.ErrStaticViolation) {
		e.logger.DebugContext(ctx, "release: removing mismatched lease", "hwaddr", formatHWAddr(hw), slogutil.KeyError, err)
	}
}

// handleInform answers an INFORM with an ACK carrying no YourIPAddress and no
// lease-time option, unicast to ciaddr.
func (e *Engine) handleInform(ctx context.Context, msg *wire.Message) {
	reply := &wire.Message{
		Op:           wire.BootReply,
		HType:        msg.HType,
		HLen:         msg.HLen,
		Xid:          msg.Xid,
		Secs:         msg.Secs,
		Flags:        msg.Flags,
		RelayAddr:    msg.RelayAddr,
		ClientHWAddr: msg.ClientHWAddr,
	}
	reply.Options = wire.Options{{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgAck)}}}
	reply.Options = reply.Options.Set(wire.Option{Code: wire.OptServerID, Value: e.serverID.AsSlice()})

	e.mergeConfiguredOptions(&reply.Options, msg.Options.RequestedParameters())

	e.send(ctx, reply, netip.AddrPortFrom(msg.ClientAddr, clientPort))
}

// sendReply builds and sends an OFFER or ACK for l, echoing msg's fixed
// fields, and routes it to the right destination.
func (e *Engine) sendReply(ctx context.Context, msg *wire.Message, typ wire.MessageType, l *lease.Lease) {
	reply := e.buildReply(msg, typ, l)
	e.send(ctx, reply, e.replyDestination(msg))
}

// sendNAK builds and sends a NAK, routed per the NAK-specific
// destination rule.
func (e *Engine) sendNAK(ctx context.Context, msg *wire.Message) {
	reply := &wire.Message{
		Op:           wire.BootReply,
		HType:        msg.HType,
		HLen:         msg.HLen,
		Xid:          msg.Xid,
		Secs:         msg.Secs,
		Flags:        msg.Flags,
		RelayAddr:    msg.RelayAddr,
		ClientHWAddr: msg.ClientHWAddr,
	}
	reply.Options = wire.Options{{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgNak)}}}
	reply.Options = reply.Options.Set(wire.Option{Code: wire.OptServerID, Value: e.serverID.AsSlice()})

	if codeRequested(msg.Options.RequestedParameters(), wire.OptSubnetMask) {
		e.mergeOne(&reply.Options, wire.OptSubnetMask)
	}

	dst := netip.AddrPortFrom(limitedBroadcast, clientPort)
	if msg.RelayAddr.IsValid() && !msg.RelayAddr.IsUnspecified() {
		dst = netip.AddrPortFrom(msg.RelayAddr, serverPort)
	}

	e.send(ctx, reply, dst)
}

// buildReply constructs an OFFER or ACK for l, echoing msg's htype, hlen,
// xid, secs, flags, giaddr and chaddr, with hops left at zero.
func (e *Engine) buildReply(msg *wire.Message, typ wire.MessageType, l *lease.Lease) (reply *wire.Message) {
	reply = &wire.Message{
		Op:           wire.BootReply,
		HType:        msg.HType,
		HLen:         msg.HLen,
		Xid:          msg.Xid,
		Secs:         msg.Secs,
		Flags:        msg.Flags,
		RelayAddr:    msg.RelayAddr,
		ClientHWAddr: msg.ClientHWAddr,
		YourAddr:     l.Address,
	}

	reply.Options = wire.Options{{Code: wire.OptMessageType, Value: []byte{byte(typ)}}}
	reply.Options = reply.Options.Set(wire.Option{Code: wire.OptServerID, Value: e.serverID.AsSlice()})
	reply.Options = reply.Options.Set(leaseTimeOption(l.LeaseTime))

	e.mergeConfiguredOptions(&reply.Options, msg.Options.RequestedParameters())

	return reply
}

// mergeConfiguredOptions walks the engine's configured options in order and
// appends each one whose mode is Force, or whose code appears in
// requested, provided it isn't already present in *opts.
func (e *Engine) mergeConfiguredOptions(opts *wire.Options, requested []wire.OptionCode) {
	for _, co := range e.options {
		if _, present := opts.Get(co.Option.Code); present {
			continue
		}

		if co.Mode == Force || codeRequested(requested, co.Option.Code) {
			*opts = opts.Set(co.Option)
		}
	}
}

// mergeOne appends the engine's configured option for code, if any and not
// already present, used by the NAK path which only ever adds the subnet
// mask.
func (e *Engine) mergeOne(opts *wire.Options, code wire.OptionCode) {
	if _, present := opts.Get(code); present {
		return
	}

	for _, co := range e.options {
		if co.Option.Code == code {
			*opts = opts.Set(co.Option)

			return
		}
	}
}

func codeRequested(requested []wire.OptionCode, code wire.OptionCode) (ok bool) {
	for _, c := range requested {
		if c == code {
			return true
		}
	}

	return false
}

// leaseTimeOption encodes d as an IPAddressLeaseTime option (opt 51).
func leaseTimeOption(d time.Duration) (opt wire.Option) {
	secs := uint32(d.Seconds())
	val := []byte{byte(secs >> 24), byte(secs >> 16), byte(secs >> 8), byte(secs)}

	return wire.Option{Code: wire.OptLeaseTime, Value: val}
}

// replyDestination implements the decision tree for OFFER/ACK of
// a REQUEST (and DISCOVER's OFFER, which follows the same rule).
func (e *Engine) replyDestination(msg *wire.Message) (dst netip.AddrPort) {
	switch {
	case msg.RelayAddr.IsValid() && !msg.RelayAddr.IsUnspecified():
		return netip.AddrPortFrom(msg.RelayAddr, serverPort)
	case msg.ClientAddr.IsValid() && !msg.ClientAddr.IsUnspecified():
		return netip.AddrPortFrom(msg.ClientAddr, clientPort)
	default:
		return netip.AddrPortFrom(e.broadcastAddr, clientPort)
	}
}

// Server and client UDP ports per RFC 2131 §4.1.
const (
	serverPort = 67
	clientPort = 68
)

// formatHWAddr renders hwaddr in canonical colon-separated hex, the
// display form of the hardware-address identity key used for lookups.
func formatHWAddr(hwaddr []byte) (s string) {
	return net.HardwareAddr(hwaddr).String()
}
