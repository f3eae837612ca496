// Package transport implements the DHCPv4 datagram transport: a UDP socket
// bound to the server endpoint with broadcast and address-reuse enabled,
// handing received datagrams to the protocol engine and providing a
// blocking send to an arbitrary destination.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"golang.org/x/sys/unix"
)

// Handler receives one fully-read inbound datagram. It must not block for
// long: it is called from the transport's single receive loop.
type Handler interface {
	HandleDatagram(ctx context.Context, src netip.AddrPort, data []byte)
}

// Transport is a UDP/IPv4 datagram transport bound to a single local
// endpoint.
type Transport struct {
	conn   *net.UDPConn
	logger *slog.Logger

	// maxDatagram bounds a single read; RFC 2131 messages are small, but a
	// misbehaving peer shouldn't be able to force an unbounded allocation.
	maxDatagram int
}

// maxDatagramSize is comfortably larger than any legitimate DHCP message
// (RFC 2131's largest fixed+options layout is nowhere near this).
const maxDatagramSize = 8192

// Listen binds a UDP/IPv4 socket at addr (typically 0.0.0.0:67), enabling
// SO_REUSEADDR and SO_BROADCAST on the underlying file descriptor via a
// net.ListenConfig.Control callback.
func Listen(ctx context.Context, addr netip.AddrPort, logger *slog.Logger) (t *Transport, err error) {
	lc := net.ListenConfig{Control: setReuseAddrBroadcast}

	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("binding dhcp transport to %s: %w", addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()

		return nil, fmt.Errorf("binding dhcp transport to %s: unexpected conn type %T", addr, pc)
	}

	return &Transport{conn: conn, logger: logger, maxDatagram: maxDatagramSize}, nil
}

// setReuseAddrBroadcast is a net.ListenConfig.Control callback enabling
// SO_REUSEADDR and SO_BROADCAST on the bound socket ("with
// broadcast and address-reuse enabled").
func setReuseAddrBroadcast(_, _ string, c syscall.RawConn) (err error) {
	var sockErr error
	cerr := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			sockErr = os.NewSyscallError("setsockopt SO_REUSEADDR", sockErr)

			return
		}

		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		if sockErr != nil {
			sockErr = os.NewSyscallError("setsockopt SO_BROADCAST", sockErr)
		}
	})

	if sockErr != nil {
		return fmt.Errorf("setting socket options: %w", sockErr)
	}

	return cerr
}

// Send delivers b to dst. It satisfies [engine.Sender].
func (t *Transport) Send(_ context.Context, dst netip.AddrPort, b []byte) (err error) {
	_, err = t.conn.WriteToUDPAddrPort(b, dst)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", dst, err)
	}

	return nil
}

// Close closes the underlying socket, causing a blocked [Transport.Serve]
// call to return.
func (t *Transport) Close() (err error) {
	return t.conn.Close()
}

// Serve reads datagrams in a loop and dispatches each to h.HandleDatagram,
// until ctx is canceled or the socket is closed. A read error other than
// the socket being closed is treated as fatal and
// returned to the caller, which is expected to trigger shutdown.
func (t *Transport) Serve(ctx context.Context, h Handler) (err error) {
	buf := make([]byte, t.maxDatagram)

	for {
		n, src, rerr := t.conn.ReadFromUDPAddrPort(buf)
		if rerr != nil {
			if ctx.Err() != nil || errors.Is(rerr, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("reading datagram: %w", rerr)
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		func() {
			defer slogutil.RecoverAndLog(ctx, t.logger)

			h.HandleDatagram(ctx, src, data)
		}()
	}
}
