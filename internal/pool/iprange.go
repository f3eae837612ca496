package pool

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// ipRange is an inclusive range of IPv4 addresses. A zero range doesn't
// contain any addresses. It is safe for concurrent use since all of its
// methods have value receivers.
type ipRange struct {
	start netip.Addr
	end   netip.Addr
}

// maxRangeLen is the maximum number of addresses an ipRange may span; the
// offset bitset only accepts uint64 indices, and a DHCPv4 pool can never
// exceed the IPv4 address space anyway.
const maxRangeLen = math.MaxUint32

// parseIPRange parses s as either an inclusive dash-separated range
// ("a.b.c.d-a.b.c.e") or a CIDR prefix ("a.b.c.d/n").
func parseIPRange(s string) (r ipRange, err error) {
	defer func() { err = errors.Annotate(err, "parsing pool range %q: %w", s) }()

	if start, end, ok := strings.Cut(s, "-"); ok {
		startAddr, pErr := netip.ParseAddr(strings.TrimSpace(start))
		if pErr != nil {
			return ipRange{}, pErr
		}

		endAddr, pErr := netip.ParseAddr(strings.TrimSpace(end))
		if pErr != nil {
			return ipRange{}, pErr
		}

		return newIPRange(startAddr, endAddr)
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return ipRange{}, err
	}

	return newIPRangeFromPrefix(prefix)
}

// newIPRangeFromPrefix returns the inclusive range of host addresses
// within p, excluding the network and broadcast addresses when the prefix
// is large enough to have them.
func newIPRangeFromPrefix(p netip.Prefix) (r ipRange, err error) {
	p = p.Masked()
	start := p.Addr()
	end := lastAddr(p)

	if p.Bits() < 31 {
		start = start.Next()
		end = prevAddr(end)
	}

	return newIPRange(start, end)
}

// lastAddr returns the last (broadcast) address of p.
func lastAddr(p netip.Prefix) (addr netip.Addr) {
	a4 := p.Addr().As4()
	bits := p.Bits()

	var mask uint32 = math.MaxUint32
	if bits < 32 {
		mask = mask >> bits
	} else {
		mask = 0
	}

	v := binary.BigEndian.Uint32(a4[:]) | mask

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return netip.AddrFrom4(b)
}

// prevAddr returns the address immediately before addr.
func prevAddr(addr netip.Addr) (prev netip.Addr) {
	a4 := addr.As4()
	v := binary.BigEndian.Uint32(a4[:]) - 1

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return netip.AddrFrom4(b)
}

// newIPRange creates a new IPv4 address range. start must be less than or
// equal to end and the resulting range must not exceed [maxRangeLen]
// addresses.
func newIPRange(start, end netip.Addr) (r ipRange, err error) {
	defer func() { err = errors.Annotate(err, "invalid ip range: %w") }()

	switch {
	case !start.Is4() || !end.Is4():
		return ipRange{}, fmt.Errorf("%s and %s must both be ipv4", start, end)
	case end.Less(start):
		return ipRange{}, fmt.Errorf("start %s is greater than end %s", start, end)
	}

	diff := (&big.Int{}).Sub(
		(&big.Int{}).SetBytes(end.AsSlice()),
		(&big.Int{}).SetBytes(start.AsSlice()),
	)
	if !diff.IsUint64() || diff.Uint64() > maxRangeLen {
		return ipRange{}, fmt.Errorf("range length must be within %d", uint32(maxRangeLen))
	}

	return ipRange{start: start, end: end}, nil
}

// contains returns true if r contains ip.
func (r ipRange) contains(ip netip.Addr) (ok bool) {
	return ip.Is4() && !ip.Less(r.start) && !r.end.Less(ip)
}

// ipPredicate is called on every address in r by [ipRange.find].
type ipPredicate func(ip netip.Addr) (ok bool)

// find returns the first address in r for which p returns true, or an
// invalid [netip.Addr] if none does.
func (r ipRange) find(p ipPredicate) (ip netip.Addr) {
	for ip = r.start; !r.end.Less(ip); ip = ip.Next() {
		if p(ip) {
			return ip
		}
	}

	return netip.Addr{}
}

// offset returns the offset of ip from the start of r. It returns false if
// ip isn't in r.
func (r ipRange) offset(ip netip.Addr) (offset uint64, ok bool) {
	if !r.contains(ip) {
		return 0, false
	}

	startData, ipData := r.start.As4(), ip.As4()

	return uint64(binary.BigEndian.Uint32(ipData[:]) - binary.BigEndian.Uint32(startData[:])), true
}

// size returns the number of addresses in r.
func (r ipRange) size() (n uint64) {
	off, _ := r.offset(r.end)

	return off + 1
}

// String implements the fmt.Stringer interface for ipRange.
func (r ipRange) String() (s string) {
	return fmt.Sprintf("%s-%s", r.start, r.end)
}
