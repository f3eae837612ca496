// Package config is the static configuration accepted at construction by
// cmd/dhcpv4d, validated once up front so the engine and lease table never
// have to re-check constructor arguments.
package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/validate"

	"dhcpv4d/internal/engine"
	"dhcpv4d/internal/wire"
)

// minPacketSizeFloor is the lowest minimum_packet_size RFC 2131 permits.
const minPacketSizeFloor = 312

// defaultMinPacketSize is used when minimum_packet_size is left at zero.
const defaultMinPacketSize = 576

// Config is the configuration of the DHCP service, consumed once at
// construction.
type Config struct {
	// Endpoint is the bind address and port for the DHCP socket.
	Endpoint netip.AddrPort `yaml:"endpoint"`

	// PoolRange is the textual address range, either "a-b" or CIDR, that
	// [internal/pool.New] parses.
	PoolRange string `yaml:"pool_range"`

	// ServerID is the server_identifier (option 54) this instance
	// advertises. If it is the zero value, the bound endpoint's address is
	// used instead.
	ServerID netip.Addr `yaml:"server_id"`

	// BroadcastAddr is the address used for broadcast replies. If it is the
	// zero value, [netutil.IPv4bcast] is used instead.
	BroadcastAddr netip.Addr `yaml:"broadcast_addr"`

	// DefaultLeaseTime is the lease duration handed to fresh leases. Zero
	// means no auto-expiry.
	DefaultLeaseTime time.Duration `yaml:"default_lease_time"`

	// MinPacketSize is the floor passed to [wire.Message.Encode]. Zero
	// means [defaultMinPacketSize].
	MinPacketSize int `yaml:"minimum_packet_size"`

	// Options are merged into OFFER/ACK/INFORM-ACK replies.
	Options []OptionConfig `yaml:"options"`

	// InitialLeases is an optional bulk-load set, applied against the pool
	// before the server starts serving.
	InitialLeases []LeaseConfig `yaml:"initial_leases"`

	// StateFile is the path [internal/persist] uses to load leases at
	// startup and save them at shutdown. Empty disables persistence.
	StateFile string `yaml:"state_file"`
}

// type check
var _ validate.Interface = (*Config)(nil)

// OptionConfig is one operator-supplied option, as read from YAML.
type OptionConfig struct {
	// Code is the DHCP option number.
	Code wire.OptionCode `yaml:"option"`

	// Value is the raw option payload.
	Value []byte `yaml:"value"`

	// Force includes the option in every reply, ignoring the client's
	// Parameter Request List, per [engine.Force].
	Force bool `yaml:"force"`
}

// LeaseConfig is one statically reserved lease, as read from YAML.
type LeaseConfig struct {
	// HWAddr is the client's hardware address in standard colon-separated
	// hex form, e.g. "aa:bb:cc:dd:ee:ff".
	HWAddr string `yaml:"hwaddr"`

	// Hostname is the reserved lease's hostname.
	Hostname string `yaml:"hostname"`

	// Address is the reserved IPv4 address. It must fall within PoolRange.
	Address netip.Addr `yaml:"address"`
}

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("Endpoint", c.Endpoint.String()),
		validate.NotEmpty("PoolRange", c.PoolRange),
		validate.NotNegative("DefaultLeaseTime", c.DefaultLeaseTime),
		validate.NotNegative("MinPacketSize", c.MinPacketSize),
	}

	if !c.Endpoint.IsValid() {
		errs = append(errs, fmt.Errorf("Endpoint: %w", errors.ErrNoValue))
	}

	if c.MinPacketSize != 0 && c.MinPacketSize < minPacketSizeFloor {
		errs = append(errs, fmt.Errorf(
			"MinPacketSize: %d is below the floor of %d",
			c.MinPacketSize, minPacketSizeFloor,
		))
	}

	for i, oc := range c.Options {
		errs = validate.Append(errs, fmt.Sprintf("Options[%d]", i), &oc)
	}

	for i, lc := range c.InitialLeases {
		errs = validate.Append(errs, fmt.Sprintf("InitialLeases[%d]", i), &lc)
	}

	return errors.Join(errs...)
}

// type check
var _ validate.Interface = (*OptionConfig)(nil)

// Validate implements the [validate.Interface] interface for *OptionConfig.
func (oc *OptionConfig) Validate() (err error) {
	if oc == nil {
		return errors.ErrNoValue
	}

	if len(oc.Value) == 0 {
		return fmt.Errorf("Value: %w", errors.ErrEmptyValue)
	}

	return nil
}

// type check
var _ validate.Interface = (*LeaseConfig)(nil)

// Validate implements the [validate.Interface] interface for *LeaseConfig.
func (lc *LeaseConfig) Validate() (err error) {
	if lc == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("HWAddr", lc.HWAddr),
	}

	if !lc.Address.IsValid() {
		errs = append(errs, fmt.Errorf("Address: %w", errors.ErrNoValue))
	}

	return errors.Join(errs...)
}

// EffectiveMinPacketSize returns MinPacketSize, or [defaultMinPacketSize] if
// it is unset.
func (c *Config) EffectiveMinPacketSize() (n int) {
	if c.MinPacketSize == 0 {
		return defaultMinPacketSize
	}

	return c.MinPacketSize
}

// EffectiveBroadcastAddr returns BroadcastAddr, or the limited broadcast
// address if it is unset.
func (c *Config) EffectiveBroadcastAddr() (addr netip.Addr) {
	if c.BroadcastAddr.IsValid() {
		return c.BroadcastAddr
	}

	addr, _ = netip.AddrFromSlice(netutil.IPv4bcast().To4())

	return addr
}

// EngineOptions converts Options to the form [engine.Config] expects.
func (c *Config) EngineOptions() (opts []engine.ConfiguredOption) {
	opts = make([]engine.ConfiguredOption, len(c.Options))
	for i, oc := range c.Options {
		mode := engine.Optional
		if oc.Force {
			mode = engine.Force
		}

		opts[i] = engine.ConfiguredOption{
			Option: wire.Option{Code: oc.Code, Value: oc.Value},
			Mode:   mode,
		}
	}

	return opts
}
