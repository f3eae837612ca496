package persist_test

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/persist"
	"dhcpv4d/internal/wire"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.json")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	leases := []*lease.Lease{{
		HWAddr:    []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		ClientID:  []byte{0x01, 0xaa},
		Hostname:  "client-a",
		Address:   netip.MustParseAddr("192.0.2.10"),
		Options:   wire.Options{{Code: wire.OptHostName, Value: []byte("client-a")}},
		Start:     now,
		End:       now.Add(time.Hour),
		LeaseTime: time.Hour,
		Status:    lease.Bound,
		Static:    false,
	}, {
		HWAddr:  []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x66},
		Address: netip.MustParseAddr("192.0.2.11"),
		Status:  lease.Bound,
		Static:  true,
	}}

	err := persist.Save(path, leases)
	require.NoError(t, err)

	got, err := persist.Load(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, leases[0].HWAddr, got[0].HWAddr)
	assert.Equal(t, leases[0].ClientID, got[0].ClientID)
	assert.Equal(t, leases[0].Hostname, got[0].Hostname)
	assert.Equal(t, leases[0].Address, got[0].Address)
	assert.Equal(t, leases[0].Options, got[0].Options)
	assert.True(t, leases[0].Start.Equal(got[0].Start))
	assert.True(t, leases[0].End.Equal(got[0].End))
	assert.Equal(t, leases[0].LeaseTime, got[0].LeaseTime)
	assert.Equal(t, leases[0].Status, got[0].Status)

	assert.True(t, got[1].Static)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")

	got, err := persist.Load(path)
	require.NoError(t, err)
	assert.Nil(t, got)
}
