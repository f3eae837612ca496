package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Decode parses b as an RFC 2131 DHCP message. It tolerates a truncated
// option list, treating end-of-stream as an implicit terminator, and
// preserves the raw value of any option code it doesn't otherwise interpret
// so it can be round-tripped. It returns [ErrMalformed] if b is too short to
// hold the fixed fields or has a bad magic cookie. An option whose declared
// length overruns the remaining bytes is treated like a truncated list:
// decoding stops there and the options read so far are kept.
func Decode(b []byte) (m *Message, err error) {
	if len(b) < fixedFieldsLen {
		return nil, fmt.Errorf("%w: short packet: %d bytes", ErrMalformed, len(b))
	}

	m = &Message{
		Op:    OpCode(b[0]),
		HType: b[1],
		HLen:  b[2],
		Hops:  b[3],
		Xid:   binary.BigEndian.Uint32(b[4:8]),
		Secs:  binary.BigEndian.Uint16(b[8:10]),
		Flags: binary.BigEndian.Uint16(b[10:12]),
	}

	var ok bool
	m.ClientAddr, ok = netip.AddrFromSlice(b[12:16])
	if !ok {
		return nil, fmt.Errorf("%w: ciaddr", ErrMalformed)
	}
	m.YourAddr, _ = netip.AddrFromSlice(b[16:20])
	m.ServerAddr, _ = netip.AddrFromSlice(b[20:24])
	m.RelayAddr, _ = netip.AddrFromSlice(b[24:28])

	chaddr := b[28 : 28+chaddrLen]
	hlen := int(m.HLen)
	if hlen > chaddrLen {
		hlen = chaddrLen
	}
	m.ClientHWAddr = append([]byte(nil), chaddr[:hlen]...)

	off := 28 + chaddrLen
	m.ServerName = trimTrailingNUL(b[off : off+snameLen])
	off += snameLen
	m.File = trimTrailingNUL(b[off : off+fileLen])
	off += fileLen

	cookie := binary.BigEndian.Uint32(b[off : off+4])
	if cookie != MagicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie %#x", ErrMalformed, cookie)
	}
	off += 4

	m.Options, err = decodeOptions(b[off:])
	if err != nil {
		return nil, err
	}

	return m, nil
}

// decodeOptions parses the TLV option list starting at b. Running out of
// bytes at any point — mid code, mid length, or mid value — is treated as
// an implicit End terminator rather than an error, per the tolerance for
// truncated option lists.
func decodeOptions(b []byte) (opts Options, err error) {
	for len(b) > 0 {
		code := OptionCode(b[0])
		if code == OptPad {
			b = b[1:]

			continue
		}
		if code == OptEnd {
			break
		}

		if len(b) < 2 {
			break
		}

		n := int(b[1])
		if len(b) < 2+n {
			break
		}

		value := append([]byte(nil), b[2:2+n]...)
		opts = append(opts, Option{Code: code, Value: value})
		b = b[2+n:]
	}

	return opts, nil
}

// trimTrailingNUL trims trailing NUL bytes, and any bytes after the first
// NUL, matching the BOOTP sname/file convention of NUL-terminated strings in
// a fixed-size field.
func trimTrailingNUL(b []byte) (s []byte) {
	for i, c := range b {
		if c == 0 {
			return append([]byte(nil), b[:i]...)
		}
	}

	return append([]byte(nil), b...)
}

// Encode serializes m to its wire representation. The result is padded
// with option 0 after the terminating option 255 so that it is at least
// minSize bytes long. minSize is clamped to [MinPacketSize] if lower.
func (m *Message) Encode(minSize int) (b []byte, err error) {
	if minSize < MinPacketSize {
		minSize = MinPacketSize
	}

	b = make([]byte, fixedFieldsLen, minSize)
	b[0] = byte(m.Op)
	b[1] = m.HType
	b[2] = m.HLen
	b[3] = m.Hops
	binary.BigEndian.PutUint32(b[4:8], m.Xid)
	binary.BigEndian.PutUint16(b[8:10], m.Secs)
	binary.BigEndian.PutUint16(b[10:12], m.Flags)

	putAddr(b[12:16], m.ClientAddr)
	putAddr(b[16:20], m.YourAddr)
	putAddr(b[20:24], m.ServerAddr)
	putAddr(b[24:28], m.RelayAddr)

	hlen := int(m.HLen)
	if hlen > chaddrLen {
		hlen = chaddrLen
	}
	copy(b[28:28+hlen], m.ClientHWAddr)

	off := 28 + chaddrLen
	copy(b[off:off+snameLen], m.ServerName)
	off += snameLen
	copy(b[off:off+fileLen], m.File)
	off += fileLen

	binary.BigEndian.PutUint32(b[off:off+4], MagicCookie)
	off += 4

	for _, o := range m.Options {
		if len(o.Value) > 255 {
			return nil, fmt.Errorf("encoding option %d: value too long: %d bytes", o.Code, len(o.Value))
		}

		b = append(b, byte(o.Code), byte(len(o.Value)))
		b = append(b, o.Value...)
	}
	b = append(b, byte(OptEnd))

	if len(b) < minSize {
		b = append(b, make([]byte, minSize-len(b))...)
	}

	return b, nil
}

// putAddr writes the 4-byte IPv4 form of addr into dst, leaving dst zeroed
// if addr is invalid (the unspecified address).
func putAddr(dst []byte, addr netip.Addr) {
	if !addr.IsValid() {
		return
	}

	a4 := addr.As4()
	copy(dst, a4[:])
}
