// Package lease implements the authoritative, concurrent lease table: the
// mapping from client hardware identity to an IPv4 lease, its lifecycle,
// expiry sweeping, static reservations, and change notification.
package lease

import (
	"net/netip"
	"time"

	"dhcpv4d/internal/wire"
)

// Status is the lifecycle state of a lease record.
type Status int

// Known values of Status.
const (
	Created Status = iota
	Offered
	Bound
	Released
)

// String implements the fmt.Stringer interface for Status.
func (s Status) String() (str string) {
	switch s {
	case Created:
		return "Created"
	case Offered:
		return "Offered"
	case Bound:
		return "Bound"
	case Released:
		return "Released"
	default:
		return "Unknown"
	}
}

// Lease is a single client's DHCP lease record.
type Lease struct {
	// HWAddr is the client's hardware address, the stable lookup key.
	HWAddr []byte

	// ClientID is the optional contents of option 61, stored
	// informationally; HWAddr remains the lookup key.
	ClientID []byte

	// Hostname is the client's reported hostname, updated from requests.
	Hostname string

	// Address is the leased IPv4 address, or the zero [netip.Addr] before
	// allocation.
	Address netip.Addr

	// Options is the set of option items recorded against this lease.
	Options wire.Options

	// Start is the instant the lease entered Offered or Bound.
	Start time.Time

	// End is Start plus LeaseTime, valid while Offered or Bound.
	End time.Time

	// LeaseTime is the lease duration; zero disables auto-expiry.
	LeaseTime time.Duration

	// Status is the current lifecycle state.
	Status Status

	// Static marks the lease as an operator-pinned reservation: its
	// address never changes and it is exempt from the expiry sweeper.
	Static bool
}

// Clone returns a deep copy of l so that callers (event subscribers,
// snapshot consumers) never receive a reference into the live table.
func (l *Lease) Clone() (clone *Lease) {
	if l == nil {
		return nil
	}

	c := *l
	c.HWAddr = append([]byte(nil), l.HWAddr...)
	c.ClientID = append([]byte(nil), l.ClientID...)
	c.Options = l.Options.Clone()

	return &c
}

// Expired reports whether l is subject to sweeping: it isn't static, its
// LeaseTime isn't zero (infinite lease), and its End has passed now.
func (l *Lease) Expired(now time.Time) (expired bool) {
	return !l.Static && l.LeaseTime != 0 && l.End.Before(now)
}

// hwKey returns the map key used to index a lease by hardware address.
func hwKey(hwaddr []byte) (key string) {
	return string(hwaddr)
}
