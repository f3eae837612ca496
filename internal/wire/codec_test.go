package wire_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhcpv4d/internal/wire"
)

func testMessage() (m *wire.Message) {
	return &wire.Message{
		Op:           wire.BootRequest,
		HType:        1,
		HLen:         6,
		Xid:          0x11223344,
		ClientHWAddr: []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01},
		ClientAddr:   netip.MustParseAddr("0.0.0.0"),
		YourAddr:     netip.MustParseAddr("0.0.0.0"),
		ServerAddr:   netip.MustParseAddr("0.0.0.0"),
		RelayAddr:    netip.MustParseAddr("0.0.0.0"),
		Options: wire.Options{
			{Code: wire.OptMessageType, Value: []byte{byte(wire.MsgDiscover)}},
			{Code: wire.OptParamReqList, Value: []byte{1, 3, 6}},
		},
	}
}

func TestEncodeDecode_roundTrip(t *testing.T) {
	t.Parallel()

	m := testMessage()

	b, err := m.Encode(wire.MinPacketSize)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(b), wire.MinPacketSize)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, m.Op, got.Op)
	assert.Equal(t, m.Xid, got.Xid)
	assert.Equal(t, m.ClientHWAddr, got.ClientHWAddr)

	typ, ok := got.Type()
	require.True(t, ok)
	assert.Equal(t, wire.MsgDiscover, typ)

	params := got.Options.RequestedParameters()
	assert.Equal(t, []wire.OptionCode{1, 3, 6}, params)
}

func TestDecode_malformedCookie(t *testing.T) {
	t.Parallel()

	m := testMessage()
	b, err := m.Encode(wire.MinPacketSize)
	require.NoError(t, err)

	// Corrupt the magic cookie.
	b[236] ^= 0xff

	_, err = wire.Decode(b)
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecode_shortPacket(t *testing.T) {
	t.Parallel()

	_, err := wire.Decode(make([]byte, 10))
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecode_truncatedOptionsTolerated(t *testing.T) {
	t.Parallel()

	m := testMessage()
	b, err := m.Encode(wire.MinPacketSize)
	require.NoError(t, err)

	// Truncate right after the option code+length of the second option,
	// before its value is fully present.
	truncated := b[:245]

	got, err := wire.Decode(truncated)
	require.NoError(t, err)

	_, ok := got.Options.Get(wire.OptMessageType)
	assert.True(t, ok)
}

func TestDecode_optionLengthOverrunTolerated(t *testing.T) {
	t.Parallel()

	m := testMessage()
	b, err := m.Encode(wire.MinPacketSize)
	require.NoError(t, err)

	// Find the option list start (after fixed fields + cookie) and inject
	// an option claiming a length that overruns the buffer. This must be
	// tolerated as an implicit terminator, not rejected.
	optStart := 240
	b = b[:optStart]
	b = append(b, byte(wire.OptHostName), 0xff, 'h')

	got, err := wire.Decode(b)
	require.NoError(t, err)

	_, ok := got.Options.Get(wire.OptHostName)
	assert.False(t, ok)
}

func TestRelayAgentInfo(t *testing.T) {
	t.Parallel()

	raw := []byte{
		wire.AgentCircuitID, 3, 'e', 't', '0',
		wire.AgentRemoteID, 2, 'r', '1',
		9, 1, 'x', // unknown sub-option, skipped
	}

	circuit, remote := wire.RelayAgentInfo(raw)
	assert.Equal(t, []byte("et0"), circuit)
	assert.Equal(t, []byte("r1"), remote)
}

func TestOptions_unknownCodeRoundTrips(t *testing.T) {
	t.Parallel()

	m := testMessage()
	m.Options = append(m.Options, wire.Option{Code: 224, Value: []byte{1, 2, 3}})

	b, err := m.Encode(wire.MinPacketSize)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	o, ok := got.Options.Get(224)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, o.Value)
}
