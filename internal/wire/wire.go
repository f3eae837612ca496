// Package wire implements the RFC 2131 BOOTP/DHCP message framing and the
// RFC 2132 option encoding used to move DHCPv4 messages to and from the
// wire.
package wire

import "github.com/AdguardTeam/golibs/errors"

// OpCode is the value of the "op" field of a DHCP message.
type OpCode byte

// Known values of OpCode.
const (
	BootRequest OpCode = 1
	BootReply   OpCode = 2
)

// MessageType is the value carried by option 53, identifying the kind of
// DHCP message.
type MessageType byte

// Known values of MessageType.
const (
	MsgDiscover MessageType = 1
	MsgOffer    MessageType = 2
	MsgRequest  MessageType = 3
	MsgDecline  MessageType = 4
	MsgAck      MessageType = 5
	MsgNak      MessageType = 6
	MsgRelease  MessageType = 7
	MsgInform   MessageType = 8
)

// String implements the fmt.Stringer interface for MessageType.
func (t MessageType) String() (s string) {
	switch t {
	case MsgDiscover:
		return "DISCOVER"
	case MsgOffer:
		return "OFFER"
	case MsgRequest:
		return "REQUEST"
	case MsgDecline:
		return "DECLINE"
	case MsgAck:
		return "ACK"
	case MsgNak:
		return "NAK"
	case MsgRelease:
		return "RELEASE"
	case MsgInform:
		return "INFORM"
	default:
		return "UNKNOWN"
	}
}

// ErrMalformed is returned by [Decode] whenever a message can't be parsed
// per RFC 2131/2132.
const ErrMalformed errors.Error = "malformed dhcp message"

// MagicCookie is the four-byte value that must follow the BOOTP fixed
// fields and precede the option TLVs.
const MagicCookie uint32 = 0x63825363

// Fixed-length field sizes per RFC 2131 section 2.
const (
	chaddrLen = 16
	snameLen  = 64
	fileLen   = 128

	// fixedFieldsLen is the length of everything up to and including the
	// magic cookie.
	fixedFieldsLen = 1 + 1 + 1 + 1 + 4 + 2 + 2 + 4 + 4 + 4 + 4 + chaddrLen + snameLen + fileLen + 4
)

// MinPacketSize is the protocol-mandated floor for [Message.Encode]'s
// minSize argument, matching the historical BOOTP minimum.
const MinPacketSize = 312

// broadcastFlagMask is the only interpreted bit of the DHCP flags field.
const broadcastFlagMask uint16 = 0x8000
