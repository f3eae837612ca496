package lease

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"

	"dhcpv4d/internal/dhcperr"
)

// entry is the table's internal bookkeeping for one lease. surfaced tracks
// "has this record ever been delivered via [EventAdd]" on the table side:
// the subscription/visibility state is bookkeeping, not part of the
// lease's own data.
type entry struct {
	lease    *Lease
	surfaced bool
}

// Table is the concurrent, authoritative lease table. All methods are safe
// for concurrent use. A single RWMutex protects the table's own state;
// callers (the protocol engine) additionally hold a coarser lock across an
// entire inbound-message handling sequence.
type Table struct {
	mu    sync.RWMutex
	clock timeutil.Clock

	byHWAddr map[string]*entry
	byAddr   map[netip.Addr]*entry
	byName   map[string]*entry

	events chan Event

	defaultLeaseTime time.Duration
	loaded           bool
}

// New creates an empty Table with the given default lease time (used by
// [Table.Create]) and clock. clock is injectable so that tests exercising
// expiry don't need to sleep on the wall clock.
func New(defaultLeaseTime time.Duration, clock timeutil.Clock) (t *Table) {
	return &Table{
		clock:            clock,
		byHWAddr:         map[string]*entry{},
		byAddr:           map[netip.Addr]*entry{},
		byName:           map[string]*entry{},
		events:           make(chan Event, eventQueueSize),
		defaultLeaseTime: defaultLeaseTime,
	}
}

// Events returns the channel on which the table delivers lease change
// notifications. Lease values delivered on it are always clones.
func (t *Table) Events() (events <-chan Event) {
	return t.events
}

// GetByHWAddr returns a clone of the lease keyed by hwaddr, if any.
func (t *Table) GetByHWAddr(hwaddr []byte) (l *Lease, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byHWAddr[hwKey(hwaddr)]
	if !ok {
		return nil, false
	}

	return e.lease.Clone(), true
}

// GetByAddress returns a clone of the lease currently holding addr, if any.
func (t *Table) GetByAddress(addr netip.Addr) (l *Lease, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byAddr[addr]
	if !ok {
		return nil, false
	}

	return e.lease.Clone(), true
}

// Create inserts a new [Created] record keyed on hwaddr, using the table's
// default lease time. It returns [dhcperr.ErrConflict] if a record for
// hwaddr already exists.
func (t *Table) Create(hwaddr []byte) (l *Lease, err error) {
	t.mu.Lock()

	key := hwKey(hwaddr)
	if _, exists := t.byHWAddr[key]; exists {
		t.mu.Unlock()

		return nil, fmt.Errorf("creating lease for %x: %w", hwaddr, dhcperr.ErrConflict)
	}

	created := &Lease{
		HWAddr:    append([]byte(nil), hwaddr...),
		Status:    Created,
		LeaseTime: t.defaultLeaseTime,
	}
	t.byHWAddr[key] = &entry{lease: created}

	t.mu.Unlock()

	return created.Clone(), nil
}

// Update merges the supplied lease into the stored record by HWAddr. If the
// new status is [Offered] or [Bound] and the resulting address is still
// unspecified, allocate is called to obtain one from the pool; allocate
// must not be nil in that case. It returns [dhcperr.ErrNotFound] if no
// record exists for the lease's HWAddr, or [dhcperr.ErrStaticViolation] if
// the stored record is static and l attempts to change its address.
//
// allocate is always called with t.mu released: the pool's own allocation
// path may need to evict a lease, which calls back into this table (e.g.
// [Table.EvictOldestExpired]), and that call must not re-enter t.mu on the
// same goroutine.
func (t *Table) Update(l *Lease, allocate func() (netip.Addr, bool)) (err error) {
	key := hwKey(l.HWAddr)

	t.mu.Lock()

	e, ok := t.byHWAddr[key]
	if !ok {
		t.mu.Unlock()

		return fmt.Errorf("updating lease for %x: %w", l.HWAddr, dhcperr.ErrNotFound)
	}

	stored := e.lease

	if stored.Static && l.Address.IsValid() && l.Address != stored.Address {
		t.mu.Unlock()

		return fmt.Errorf("updating lease for %x: %w", l.HWAddr, dhcperr.ErrStaticViolation)
	}

	resultAddr := stored.Address
	if !stored.Static && l.Address.IsValid() {
		resultAddr = l.Address
	}

	needsAlloc := !resultAddr.IsValid() && (l.Status == Offered || l.Status == Bound)

	t.mu.Unlock()

	var allocatedAddr netip.Addr
	if needsAlloc {
		if allocate == nil {
			return fmt.Errorf("updating lease for %x: %w", l.HWAddr, dhcperr.ErrPoolExhausted)
		}

		var got bool
		allocatedAddr, got = allocate()
		if !got {
			return fmt.Errorf("updating lease for %x: %w", l.HWAddr, dhcperr.ErrPoolExhausted)
		}
	}

	t.mu.Lock()

	e, ok = t.byHWAddr[key]
	if !ok {
		t.mu.Unlock()

		return fmt.Errorf("updating lease for %x: %w", l.HWAddr, dhcperr.ErrNotFound)
	}

	stored = e.lease
	oldAddr := stored.Address
	oldName := strings.ToLower(stored.Hostname)

	if !stored.Static && l.Address.IsValid() {
		stored.Address = l.Address
	}
	stored.Options = l.Options.Clone()
	stored.Hostname = l.Hostname
	stored.ClientID = append([]byte(nil), l.ClientID...)
	stored.Status = l.Status
	stored.LeaseTime = l.LeaseTime

	if stored.Status == Offered || stored.Status == Bound {
		now := t.clock.Now()
		stored.Start = now
		stored.End = now.Add(stored.LeaseTime)

		if !stored.Address.IsValid() && needsAlloc {
			stored.Address = allocatedAddr
		}
	}

	t.reindex(e, oldAddr, oldName)

	wasSurfaced := e.surfaced
	e.surfaced = true
	clone := stored.Clone()

	t.mu.Unlock()

	if wasSurfaced {
		t.emit(Event{Kind: EventChange, Lease: clone})
	} else {
		t.emit(Event{Kind: EventAdd, Lease: clone})
	}

	return nil
}

// reindex refreshes the byAddr/byName shortcut maps for e after its lease's
// Address or Hostname may have changed. t.mu must be held for writing.
func (t *Table) reindex(e *entry, oldAddr netip.Addr, oldName string) {
	if oldAddr.IsValid() && oldAddr != e.lease.Address {
		delete(t.byAddr, oldAddr)
	}
	if e.lease.Address.IsValid() {
		t.byAddr[e.lease.Address] = e
	}

	newName := strings.ToLower(e.lease.Hostname)
	if oldName != newName {
		delete(t.byName, oldName)
	}
	if newName != "" {
		t.byName[newName] = e
	}
}

// Remove deletes the record keyed by hwaddr. It returns
// [dhcperr.ErrStaticViolation] for a static lease, or [dhcperr.ErrNotFound]
// if no such record exists. On success it returns the address that was
// freed (the caller is responsible for returning it to the pool, e.g. via
// Pool.MarkUnused).
func (t *Table) Remove(hwaddr []byte) (freed netip.Addr, err error) {
	t.mu.Lock()

	key := hwKey(hwaddr)
	e, ok := t.byHWAddr[key]
	if !ok {
		t.mu.Unlock()

		return netip.Addr{}, fmt.Errorf("removing lease for %x: %w", hwaddr, dhcperr.ErrNotFound)
	}

	if e.lease.Static {
		t.mu.Unlock()

		return netip.Addr{}, fmt.Errorf("removing lease for %x: %w", hwaddr, dhcperr.ErrStaticViolation)
	}

	delete(t.byHWAddr, key)
	if e.lease.Address.IsValid() {
		delete(t.byAddr, e.lease.Address)
	}
	delete(t.byName, strings.ToLower(e.lease.Hostname))

	clone := e.lease.Clone()
	freed = e.lease.Address

	t.mu.Unlock()

	t.emit(Event{Kind: EventRemove, Lease: clone})

	return freed, nil
}

// Release transitions the lease keyed by hwaddr to [Released], retaining
// the record for a DHCPRELEASE with a matching ciaddr. It returns
// [dhcperr.ErrNotFound] if no such record exists.
func (t *Table) Release(hwaddr []byte) (err error) {
	t.mu.Lock()

	e, ok := t.byHWAddr[hwKey(hwaddr)]
	if !ok {
		t.mu.Unlock()

		return fmt.Errorf("releasing lease for %x: %w", hwaddr, dhcperr.ErrNotFound)
	}

	e.lease.Status = Released
	clone := e.lease.Clone()

	t.mu.Unlock()

	t.emit(Event{Kind: EventChange, Lease: clone})

	return nil
}

// MakeStatic marks the lease keyed by hwaddr static, pinning it to addr.
// It returns [dhcperr.ErrConflict] if another lease currently holds addr in
// an active, non-static state. Calling it again with the same address is a
// no-op: no event fires on the second call.
func (t *Table) MakeStatic(hwaddr []byte, addr netip.Addr) (err error) {
	t.mu.Lock()

	e, ok := t.byHWAddr[hwKey(hwaddr)]
	if !ok {
		t.mu.Unlock()

		return fmt.Errorf("making lease static for %x: %w", hwaddr, dhcperr.ErrNotFound)
	}

	if e.lease.Static && e.lease.Address == addr {
		t.mu.Unlock()

		return nil
	}

	if holder, held := t.byAddr[addr]; held && holder != e && holder.lease.Status != Released {
		t.mu.Unlock()

		return fmt.Errorf("making lease static for %x: %w", hwaddr, dhcperr.ErrConflict)
	}

	oldAddr := e.lease.Address
	e.lease.Static = true
	e.lease.Address = addr
	t.reindex(e, oldAddr, strings.ToLower(e.lease.Hostname))

	wasSurfaced := e.surfaced
	e.surfaced = true
	clone := e.lease.Clone()

	t.mu.Unlock()

	if wasSurfaced {
		t.emit(Event{Kind: EventChange, Lease: clone})
	} else {
		t.emit(Event{Kind: EventAdd, Lease: clone})
	}

	return nil
}

// MakeDynamic clears the static flag of the lease keyed by hwaddr.
func (t *Table) MakeDynamic(hwaddr []byte) (err error) {
	t.mu.Lock()

	e, ok := t.byHWAddr[hwKey(hwaddr)]
	if !ok {
		t.mu.Unlock()

		return fmt.Errorf("making lease dynamic for %x: %w", hwaddr, dhcperr.ErrNotFound)
	}

	e.lease.Static = false
	clone := e.lease.Clone()

	t.mu.Unlock()

	t.emit(Event{Kind: EventChange, Lease: clone})

	return nil
}

// EvictOldestExpired finds the non-static, expired lease holding an address
// with the smallest End, removes it, and returns its address. It is meant to
// be passed as a [pool.EvictAnyFunc] to the address pool.
func (t *Table) EvictOldestExpired() (addr netip.Addr, ok bool) {
	now := t.clock.Now()

	t.mu.Lock()

	var oldest *entry
	for _, e := range t.byHWAddr {
		if !e.lease.Expired(now) || !e.lease.Address.IsValid() {
			continue
		}
		if oldest == nil || e.lease.End.Before(oldest.lease.End) {
			oldest = e
		}
	}

	if oldest == nil {
		t.mu.Unlock()

		return netip.Addr{}, false
	}

	delete(t.byHWAddr, hwKey(oldest.lease.HWAddr))
	delete(t.byAddr, oldest.lease.Address)
	delete(t.byName, strings.ToLower(oldest.lease.Hostname))

	addr = oldest.lease.Address
	clone := oldest.lease.Clone()

	t.mu.Unlock()

	t.emit(Event{Kind: EventRemove, Lease: clone})

	return addr, true
}

// EvictIfReleased removes the lease holding addr if it is non-static and
// [Released], reporting whether it did so. It is meant to be passed as a
// [pool.EvictSpecificFunc] to the address pool.
func (t *Table) EvictIfReleased(addr netip.Addr) (ok bool) {
	t.mu.Lock()

	e, held := t.byAddr[addr]
	if !held || e.lease.Static || e.lease.Status != Released {
		t.mu.Unlock()

		return false
	}

	delete(t.byHWAddr, hwKey(e.lease.HWAddr))
	delete(t.byAddr, addr)
	delete(t.byName, strings.ToLower(e.lease.Hostname))

	clone := e.lease.Clone()

	t.mu.Unlock()

	t.emit(Event{Kind: EventRemove, Lease: clone})

	return true
}

// Snapshot returns a clone of every lease currently in the table, in
// unspecified order.
func (t *Table) Snapshot() (leases []*Lease) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leases = make([]*Lease, 0, len(t.byHWAddr))
	for _, e := range t.byHWAddr {
		leases = append(leases, e.lease.Clone())
	}

	return leases
}

// Load bulk-inserts leases at construction time only: it is a no-op if the
// table is already populated. Each lease's address is first checked
// against reserve (typically Pool.AllocateSpecific); only leases whose
// address reserve accepts are loaded.
func (t *Table) Load(leases []*Lease, reserve func(netip.Addr) bool) (loaded int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.loaded || len(t.byHWAddr) > 0 {
		return 0
	}
	t.loaded = true

	for _, l := range leases {
		if l.Address.IsValid() && reserve != nil && !reserve(l.Address) {
			continue
		}

		e := &entry{lease: l.Clone(), surfaced: true}
		t.byHWAddr[hwKey(e.lease.HWAddr)] = e
		if e.lease.Address.IsValid() {
			t.byAddr[e.lease.Address] = e
		}
		if name := strings.ToLower(e.lease.Hostname); name != "" {
			t.byName[name] = e
		}

		loaded++
	}

	return loaded
}

// Sweep walks the table under lock and transitions any lease whose End has
// passed now, whose LeaseTime is non-zero, and which isn't already
// Released, to Released. It is called once per second by the server's
// sweeper worker.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()

	var changed []*Lease
	for _, e := range t.byHWAddr {
		l := e.lease
		if l.Static || l.LeaseTime == 0 || l.Status == Released {
			continue
		}
		if !l.End.Before(now) {
			continue
		}

		l.Status = Released
		changed = append(changed, l.Clone())
	}

	t.mu.Unlock()

	for _, c := range changed {
		t.emit(Event{Kind: EventChange, Lease: c})
	}
}
