// Package pool implements the DHCPv4 address pool: the set of IPv4
// addresses within a configured range that are free for allocation to
// clients.
package pool

import (
	"net/netip"
	"sync"
)

// EvictAnyFunc is called by [Pool.AllocateAny] when the pool has no free
// address left. It should evict the oldest expired, non-static lease (e.g.
// via the lease table's evict-oldest-expired operation) and return the
// address it held. The pool never holds a reference to the lease table
// itself — callers supply this function at the call site — so that the
// pool and the lease table don't own each other.
type EvictAnyFunc func() (addr netip.Addr, ok bool)

// EvictSpecificFunc is called by [Pool.AllocateSpecific] when addr isn't
// currently free. It should check whether a non-static, Released lease
// holds addr and, if so, remove that lease and report true.
type EvictSpecificFunc func(addr netip.Addr) (ok bool)

// allocWordBits is the width of one word in a Pool's allocation cursor.
const allocWordBits = 64

// Pool tracks which addresses within a configured IPv4 range are free.
// A single mutex serializes every operation; it is released while an
// eviction callback runs, so the pool never calls into another component
// while it is held.
//
// Allocation state is a sparse bitset keyed by word index, one bit per
// offset from r.start: a set bit means the address at that offset is
// currently handed out. It's sparse rather than a flat slice because a
// pool declared over a /8 shouldn't force a multi-megabyte allocation up
// front for a range that will only ever have a handful of leases active.
type Pool struct {
	mu        sync.Mutex
	r         ipRange
	allocated map[uint64]uint64
}

// New creates a Pool over the address range described by rangeText, either
// an inclusive dash-separated range ("a.b.c.d-a.b.c.e") or a CIDR prefix
// ("a.b.c.d/n"). Every address in the range starts out free.
func New(rangeText string) (p *Pool, err error) {
	r, err := parseIPRange(rangeText)
	if err != nil {
		// Don't wrap, parseIPRange already annotates.
		return nil, err
	}

	return &Pool{r: r, allocated: map[uint64]uint64{}}, nil
}

// isAllocatedLocked reports whether the address at off is currently
// handed out. p.mu must be held.
func (p *Pool) isAllocatedLocked(off uint64) (ok bool) {
	word := p.allocated[off/allocWordBits]

	return word&(1<<(off%allocWordBits)) != 0
}

// setAllocatedLocked marks the address at off as handed out or free.
// p.mu must be held.
func (p *Pool) setAllocatedLocked(off uint64, allocated bool) {
	idx := off / allocWordBits
	bit := uint64(1) << (off % allocWordBits)

	if allocated {
		p.allocated[idx] |= bit
	} else {
		p.allocated[idx] &^= bit
	}
}

// Size returns the total number of addresses in the pool's configured
// range.
func (p *Pool) Size() (n uint64) {
	return p.r.size()
}

// InRange reports whether addr lies within the pool's configured range.
func (p *Pool) InRange(addr netip.Addr) (ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.r.contains(addr)
}

// AllocateAny removes and returns the numerically smallest free address in
// the pool. If none is free, it calls evict (if non-nil) to reclaim an
// expired lease's address instead. It returns false if no address is
// available either way.
func (p *Pool) AllocateAny(evict EvictAnyFunc) (addr netip.Addr, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := p.r.find(func(ip netip.Addr) (isFree bool) {
		off, _ := p.r.offset(ip)

		return !p.isAllocatedLocked(off)
	})
	if free.IsValid() {
		off, _ := p.r.offset(free)
		p.setAllocatedLocked(off, true)

		return free, true
	}

	if evict == nil {
		return netip.Addr{}, false
	}

	// evict takes the lease table's lock, which orders before the pool's.
	p.mu.Unlock()
	addr, ok = evict()
	p.mu.Lock()

	if !ok {
		return netip.Addr{}, false
	}

	if off, inRange := p.r.offset(addr); inRange {
		p.setAllocatedLocked(off, true)
	}

	return addr, true
}

// AllocateSpecific allocates addr if it is currently free. If it isn't
// free, it calls evict (if non-nil) to check whether a Released, non-static
// lease holds addr and reclaim it. An address outside the pool's
// configured range is rejected: this pool implements strict rejection
// rather than pass-through for out-of-range requests (see DESIGN.md, Open
// Questions).
func (p *Pool) AllocateSpecific(addr netip.Addr, evict EvictSpecificFunc) (ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, inRange := p.r.offset(addr)
	if !inRange {
		return false
	}

	if !p.isAllocatedLocked(off) {
		p.setAllocatedLocked(off, true)

		return true
	}

	if evict == nil {
		return false
	}

	// evict takes the lease table's lock, which orders before the pool's.
	p.mu.Unlock()
	evicted := evict(addr)
	p.mu.Lock()

	if !evicted {
		return false
	}

	// The offset was marked used by the evicted lease; it now has a new
	// owner.
	p.setAllocatedLocked(off, true)

	return true
}

// MarkUnused returns addr to the free set if it lies within the pool's
// range. It is a no-op for addresses outside the range.
func (p *Pool) MarkUnused(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if off, inRange := p.r.offset(addr); inRange {
		p.setAllocatedLocked(off, false)
	}
}
