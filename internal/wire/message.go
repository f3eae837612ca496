package wire

import "net/netip"

// Message is a decoded RFC 2131 DHCP message.
type Message struct {
	// ClientHWAddr is the "chaddr" field, truncated to HLen significant
	// bytes.
	ClientHWAddr []byte

	// ServerName is the "sname" field, with trailing NUL bytes trimmed.
	ServerName []byte

	// File is the "file" field, with trailing NUL bytes trimmed.
	File []byte

	// Options carries every decoded option TLV, in wire order.
	Options Options

	// ClientAddr is the "ciaddr" field.
	ClientAddr netip.Addr

	// YourAddr is the "yiaddr" field.
	YourAddr netip.Addr

	// ServerAddr is the "siaddr" field.
	ServerAddr netip.Addr

	// RelayAddr is the "giaddr" field.
	RelayAddr netip.Addr

	// Xid is the client-chosen transaction ID.
	Xid uint32

	// Secs is the "secs" field.
	Secs uint16

	// Flags is the raw "flags" field; only the broadcast bit is
	// meaningful, see [Message.Broadcast].
	Flags uint16

	// Op is the message operation code, [BootRequest] or [BootReply].
	Op OpCode

	// HType is the hardware address type, 1 for Ethernet.
	HType byte

	// HLen is the number of significant bytes of [Message.ClientHWAddr].
	HLen byte

	// Hops is the "hops" field.
	Hops byte
}

// Broadcast reports whether the broadcast bit of the flags field is set.
func (m *Message) Broadcast() (b bool) {
	return m.Flags&broadcastFlagMask != 0
}

// SetBroadcast sets or clears the broadcast bit of the flags field.
func (m *Message) SetBroadcast(b bool) {
	if b {
		m.Flags |= broadcastFlagMask
	} else {
		m.Flags &^= broadcastFlagMask
	}
}

// Type returns the value of option 53, the DHCP message type, if present.
func (m *Message) Type() (typ MessageType, ok bool) {
	return m.Options.MessageType()
}

// Clone returns a deep copy of m.
func (m *Message) Clone() (clone *Message) {
	if m == nil {
		return nil
	}

	c := *m
	c.ClientHWAddr = append([]byte(nil), m.ClientHWAddr...)
	c.ServerName = append([]byte(nil), m.ServerName...)
	c.File = append([]byte(nil), m.File...)
	c.Options = m.Options.Clone()

	return &c
}
