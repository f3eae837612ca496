package config_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dhcpv4d/internal/config"
	"dhcpv4d/internal/wire"
)

func validConfig() (c *config.Config) {
	return &config.Config{
		Endpoint:         netip.MustParseAddrPort("0.0.0.0:67"),
		PoolRange:        "192.0.2.10-192.0.2.200",
		DefaultLeaseTime: time.Hour,
		Options: []config.OptionConfig{{
			Code:  wire.OptRouter,
			Value: []byte{192, 0, 2, 1},
		}},
		InitialLeases: []config.LeaseConfig{{
			HWAddr:  "aa:bb:cc:dd:ee:ff",
			Address: netip.MustParseAddr("192.0.2.20"),
		}},
	}
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		conf    func() *config.Config
		wantErr bool
	}{{
		name:    "nil",
		conf:    func() *config.Config { return nil },
		wantErr: true,
	}, {
		name:    "valid",
		conf:    validConfig,
		wantErr: false,
	}, {
		name: "empty_pool_range",
		conf: func() *config.Config {
			c := validConfig()
			c.PoolRange = ""

			return c
		},
		wantErr: true,
	}, {
		name: "invalid_endpoint",
		conf: func() *config.Config {
			c := validConfig()
			c.Endpoint = netip.AddrPort{}

			return c
		},
		wantErr: true,
	}, {
		name: "negative_lease_time",
		conf: func() *config.Config {
			c := validConfig()
			c.DefaultLeaseTime = -time.Second

			return c
		},
		wantErr: true,
	}, {
		name: "packet_size_below_floor",
		conf: func() *config.Config {
			c := validConfig()
			c.MinPacketSize = 100

			return c
		},
		wantErr: true,
	}, {
		name: "empty_option_value",
		conf: func() *config.Config {
			c := validConfig()
			c.Options = []config.OptionConfig{{Code: wire.OptRouter}}

			return c
		},
		wantErr: true,
	}, {
		name: "empty_initial_lease_hwaddr",
		conf: func() *config.Config {
			c := validConfig()
			c.InitialLeases = []config.LeaseConfig{{Address: netip.MustParseAddr("192.0.2.20")}}

			return c
		},
		wantErr: true,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.conf().Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_EffectiveMinPacketSize(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 576, c.EffectiveMinPacketSize())

	c.MinPacketSize = 400
	assert.Equal(t, 400, c.EffectiveMinPacketSize())
}

func TestConfig_EffectiveBroadcastAddr(t *testing.T) {
	c := validConfig()
	assert.Equal(t, netip.MustParseAddr("255.255.255.255"), c.EffectiveBroadcastAddr())

	c.BroadcastAddr = netip.MustParseAddr("198.51.100.255")
	assert.Equal(t, netip.MustParseAddr("198.51.100.255"), c.EffectiveBroadcastAddr())
}

func TestConfig_EngineOptions(t *testing.T) {
	c := validConfig()
	c.Options = []config.OptionConfig{
		{Code: wire.OptRouter, Value: []byte{192, 0, 2, 1}, Force: true},
		{Code: wire.OptHostName, Value: []byte("host")},
	}

	opts := c.EngineOptions()
	assert.Len(t, opts, 2)
	assert.Equal(t, wire.OptRouter, opts[0].Option.Code)
}
