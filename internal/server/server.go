// Package server ties together the datagram transport, the protocol
// engine, and the lease table's expiry sweeper into the small set of
// long-lived workers: a receive worker and a periodic
// sweeper worker.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"

	"dhcpv4d/internal/engine"
	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/metrics"
	"dhcpv4d/internal/transport"
)

// sweepInterval is the fixed period of the lease-table expiry sweep, per
// sweep of the lease table, run once a second.
const sweepInterval = time.Second

// statusQueueSize bounds the status-change event channel; a status change
// is a rare, one-shot signal so a small buffer is ample.
const statusQueueSize = 4

// Status is a status-change event delivered on [Server.StatusEvents],
// on status changes.
type Status struct {
	// Reason is nil on a clean, requested stop, or the fault that caused
	// the server to become inactive.
	Reason error

	// Active reports whether the server is now running.
	Active bool
}

// Server owns the transport and the periodic sweeper, and drives the
// engine from received datagrams.
type Server struct {
	logger    *slog.Logger
	engine    *engine.Engine
	table     *lease.Table
	transport *transport.Transport
	clock     timeutil.Clock
	metrics   *metrics.Metrics

	active atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusCh chan Status
}

// New creates a Server. It does not start any worker; call [Server.Start].
// m may be nil, in which case the sweeper's lease-count gauge update is a
// no-op.
func New(
	e *engine.Engine,
	table *lease.Table,
	tr *transport.Transport,
	clock timeutil.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) (s *Server) {
	return &Server{
		logger:    logger,
		engine:    e,
		table:     table,
		transport: tr,
		clock:     clock,
		metrics:   m,
		statusCh:  make(chan Status, statusQueueSize),
	}
}

// StatusEvents returns the channel on which status-change events are
// delivered.
func (s *Server) StatusEvents() (events <-chan Status) {
	return s.statusCh
}

// Start launches the receive worker and the sweeper worker. It returns
// immediately; use [Server.StatusEvents] to observe a subsequent fault or
// [Server.Stop] to shut down cleanly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.active.Store(true)

	s.wg.Add(2)
	go s.receiveLoop(runCtx)
	go s.sweepLoop(runCtx)
}

// receiveLoop runs [transport.Transport.Serve] until it returns, then
// treats a non-nil error as fatal and triggers shutdown.
func (s *Server) receiveLoop(ctx context.Context) {
	defer s.wg.Done()

	err := s.transport.Serve(ctx, s.engine)
	if err != nil {
		s.fail(fmt.Errorf("datagram transport: %w", err))
	}
}

// sweepLoop calls [lease.Table.Sweep] once per second until ctx is
// canceled, refreshing the lease-count gauge from the post-sweep table
// state after each sweep.
func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.table.Sweep(s.clock.Now())
			s.metrics.SetLeaseCounts(s.table.Snapshot())
		}
	}
}

// fail transitions the server to inactive because of a fault, emitting a
// status-change event carrying err as the reason. It is a no-op if the
// server is already inactive.
func (s *Server) fail(err error) {
	if !s.active.CompareAndSwap(true, false) {
		return
	}

	s.logger.Error("dhcp server failed", "err", err)
	s.emitStatus(Status{Active: false, Reason: err})

	if s.cancel != nil {
		s.cancel()
	}
}

// Stop requests a clean shutdown: it cancels the workers' context, closes
// the transport socket (causing the receive worker to exit), and waits for
// both workers to finish. It emits a status-change event with a nil
// reason.
func (s *Server) Stop() (err error) {
	if s.active.CompareAndSwap(true, false) {
		s.emitStatus(Status{Active: false, Reason: nil})
	}

	if s.cancel != nil {
		s.cancel()
	}

	err = s.transport.Close()

	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("closing transport: %w", err)
	}

	return nil
}

// emitStatus delivers ev without blocking. If the channel is full, the
// event is dropped, matching the lease table's own best-effort event
// delivery.
func (s *Server) emitStatus(ev Status) {
	select {
	case s.statusCh <- ev:
	default:
	}
}
