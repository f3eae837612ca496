package wire

import "slices"

// OptionCode identifies a DHCP option per RFC 2132.
type OptionCode byte

// Option codes this package gives first-class recognition, per RFC 2132.
// Codes not listed here are still carried verbatim as raw TLVs.
const (
	OptPad               OptionCode = 0
	OptSubnetMask        OptionCode = 1
	OptRouter            OptionCode = 3
	OptHostName          OptionCode = 12
	OptBroadcastAddr     OptionCode = 28
	OptRequestedIP       OptionCode = 50
	OptLeaseTime         OptionCode = 51
	OptOverload          OptionCode = 52
	OptMessageType       OptionCode = 53
	OptServerID          OptionCode = 54
	OptParamReqList      OptionCode = 55
	OptMessage           OptionCode = 56
	OptMaxMsgSize        OptionCode = 57
	OptRenewalTime       OptionCode = 58
	OptRebindingTime     OptionCode = 59
	OptClientID          OptionCode = 61
	OptRelayAgentInfo    OptionCode = 82
	OptEnd               OptionCode = 255
)

// Option is a single decoded option TLV. Unknown codes are preserved with
// their raw Value so they round-trip unchanged.
type Option struct {
	Code  OptionCode
	Value []byte
}

// Clone returns a deep copy of o.
func (o Option) Clone() (clone Option) {
	return Option{Code: o.Code, Value: slices.Clone(o.Value)}
}

// Options is an ordered list of decoded option TLVs, in the order they
// appeared on the wire (or were appended while building a reply).
type Options []Option

// Get returns the first option with the given code, if any.
func (opts Options) Get(code OptionCode) (opt Option, ok bool) {
	for _, o := range opts {
		if o.Code == code {
			return o, true
		}
	}

	return Option{}, false
}

// Clone returns a deep copy of opts.
func (opts Options) Clone() (clone Options) {
	if opts == nil {
		return nil
	}

	clone = make(Options, len(opts))
	for i, o := range opts {
		clone[i] = o.Clone()
	}

	return clone
}

// Set replaces the first option with the same code as o, or appends o if no
// such option exists.
func (opts Options) Set(o Option) (res Options) {
	for i, existing := range opts {
		if existing.Code == o.Code {
			opts[i] = o

			return opts
		}
	}

	return append(opts, o)
}

// Remove removes every option with the given code.
func (opts Options) Remove(code OptionCode) (res Options) {
	return slices.DeleteFunc(opts, func(o Option) (ok bool) {
		return o.Code == code
	})
}

// MessageType returns the value of option 53, if present.
func (opts Options) MessageType() (typ MessageType, ok bool) {
	o, ok := opts.Get(OptMessageType)
	if !ok || len(o.Value) == 0 {
		return 0, false
	}

	return MessageType(o.Value[0]), true
}

// RequestedIP returns the value of option 50 (RequestedIPAddress), if
// present and well-formed.
func (opts Options) RequestedIP() (ip [4]byte, ok bool) {
	o, ok := opts.Get(OptRequestedIP)
	if !ok || len(o.Value) != 4 {
		return ip, false
	}

	copy(ip[:], o.Value)

	return ip, true
}

// ServerID returns the value of option 54 (ServerIdentifier), if present
// and well-formed.
func (opts Options) ServerID() (ip [4]byte, ok bool) {
	o, ok := opts.Get(OptServerID)
	if !ok || len(o.Value) != 4 {
		return ip, false
	}

	copy(ip[:], o.Value)

	return ip, true
}

// HostName returns the value of option 12, if present.
func (opts Options) HostName() (name string, ok bool) {
	o, ok := opts.Get(OptHostName)
	if !ok || len(o.Value) == 0 {
		return "", false
	}

	return string(o.Value), true
}

// ClientID returns the value of option 61, if present.
func (opts Options) ClientID() (id []byte, ok bool) {
	o, ok := opts.Get(OptClientID)
	if !ok || len(o.Value) == 0 {
		return nil, false
	}

	return o.Value, true
}

// RequestedParameters returns the list of option codes carried by option 55
// (ParameterRequestList), if present.
func (opts Options) RequestedParameters() (codes []OptionCode) {
	o, ok := opts.Get(OptParamReqList)
	if !ok || len(o.Value) == 0 {
		return nil
	}

	codes = make([]OptionCode, len(o.Value))
	for i, b := range o.Value {
		codes[i] = OptionCode(b)
	}

	return codes
}

// AgentCircuitID and AgentRemoteID are the sub-option codes of option 82,
// RelayAgentInformation, that this package exposes directly.
const (
	AgentCircuitID byte = 1
	AgentRemoteID  byte = 2
)

// RelayAgentInfo parses the sub-TLVs of a RelayAgentInformation (option 82)
// value. Unknown sub-options are skipped; the raw option bytes (available
// via [Options.Get]) are preserved unmodified for echo regardless of
// whether this function recognizes every sub-option.
func RelayAgentInfo(raw []byte) (circuitID, remoteID []byte) {
	for len(raw) >= 2 {
		code := raw[0]
		n := int(raw[1])
		if len(raw) < 2+n {
			break
		}

		val := raw[2 : 2+n]
		switch code {
		case AgentCircuitID:
			circuitID = val
		case AgentRemoteID:
			remoteID = val
		}

		raw = raw[2+n:]
	}

	return circuitID, remoteID
}
