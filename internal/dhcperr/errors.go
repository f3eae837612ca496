// Package dhcperr defines the sentinel error kinds shared by the lease
// table, address pool, and protocol engine, so that callers across package
// boundaries can match on them with errors.Is instead of string
// comparison.
package dhcperr

import "github.com/AdguardTeam/golibs/errors"

// Sentinel error kinds shared across the lease table, pool, and engine.
// Each is surfaced to its immediate caller and never escapes an
// inbound-datagram handler unhandled: the engine always answers on the
// wire (NAK or silent drop) or logs it.
const (
	// ErrNotFound indicates a lease lookup miss during a mutation that
	// requires an existing record.
	ErrNotFound errors.Error = "lease not found"

	// ErrStaticViolation indicates an attempt to change a static lease's
	// address or to remove a static lease.
	ErrStaticViolation errors.Error = "static lease violation"

	// ErrConflict indicates an attempt to make a lease static with an
	// address already held by another active, non-static lease, or to
	// create a lease for a hardware address that already has one.
	ErrConflict errors.Error = "lease conflict"

	// ErrPoolExhausted indicates the address pool had no free address and
	// no expired lease to reclaim.
	ErrPoolExhausted errors.Error = "address pool exhausted"
)
