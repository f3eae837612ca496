// Package persist is the optional external lease persister: the core
// engine only defines a load/export interface, and this package is one
// implementation of it. It is a collaborator, not a core component: it
// consumes [lease.Table]'s exported Snapshot/Load surface and is never
// imported by internal/lease or internal/engine.
package persist

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/renameio/v2/maybe"

	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/wire"
)

// dataVersion is the version of the on-disk snapshot structure. It is
// bumped whenever a field is added or reinterpreted.
const dataVersion = 1

// filePerm is the permission bits of the snapshot file.
const filePerm fs.FileMode = 0o640

// document is the on-disk snapshot structure.
type document struct {
	Leases  []*record `json:"leases"`
	Version int       `json:"version"`
}

// record is the on-disk encoding of one [lease.Lease], round-tripping every
// field a [lease.Lease] carries.
type record struct {
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	HWAddr    string        `json:"hwaddr"`
	ClientID  []byte        `json:"client_id,omitempty"`
	Hostname  string        `json:"hostname,omitempty"`
	Address   netip.Addr    `json:"address"`
	Options   []optRecord   `json:"options,omitempty"`
	LeaseTime time.Duration `json:"lease_time"`
	Status    lease.Status  `json:"status"`
	Static    bool          `json:"static"`
}

// optRecord is the on-disk encoding of a [wire.Option].
type optRecord struct {
	Value []byte          `json:"value"`
	Code  wire.OptionCode `json:"code"`
}

// toRecord converts l to its on-disk form.
func toRecord(l *lease.Lease) (r *record) {
	opts := make([]optRecord, len(l.Options))
	for i, o := range l.Options {
		opts[i] = optRecord{Code: o.Code, Value: o.Value}
	}

	return &record{
		HWAddr:    net.HardwareAddr(l.HWAddr).String(),
		ClientID:  l.ClientID,
		Hostname:  l.Hostname,
		Address:   l.Address,
		Options:   opts,
		Start:     l.Start,
		End:       l.End,
		LeaseTime: l.LeaseTime,
		Status:    l.Status,
		Static:    l.Static,
	}
}

// toLease converts r back to a [lease.Lease].
func (r *record) toLease() (l *lease.Lease, err error) {
	mac, err := net.ParseMAC(r.HWAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing hwaddr %q: %w", r.HWAddr, err)
	}
	hw := []byte(mac)

	opts := make(wire.Options, len(r.Options))
	for i, o := range r.Options {
		opts[i] = wire.Option{Code: o.Code, Value: o.Value}
	}

	var clientID []byte
	if len(r.ClientID) > 0 {
		clientID = r.ClientID
	}

	return &lease.Lease{
		HWAddr:    hw,
		ClientID:  clientID,
		Hostname:  r.Hostname,
		Address:   r.Address,
		Options:   opts,
		Start:     r.Start,
		End:       r.End,
		LeaseTime: r.LeaseTime,
		Status:    r.Status,
		Static:    r.Static,
	}, nil
}

// Save writes every lease in leases to path as JSON, atomically, using
// [maybe.WriteFile] so a crash mid-write never leaves a corrupt file.
func Save(path string, leases []*lease.Lease) (err error) {
	defer func() { err = errors.Annotate(err, "saving lease snapshot: %w") }()

	doc := document{
		Leases:  make([]*record, 0, len(leases)),
		Version: dataVersion,
	}
	for _, l := range leases {
		doc.Leases = append(doc.Leases, toRecord(l))
	}

	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding: %w", err)
	}

	err = maybe.WriteFile(path, buf, filePerm)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// Load reads a snapshot written by [Save] from path. A missing file is not
// an error: it returns an empty, nil-error result, tolerating a first run
// with no snapshot on disk yet.
func Load(path string) (leases []*lease.Lease, err error) {
	defer func() { err = errors.Annotate(err, "loading lease snapshot: %w") }()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() {
		err = errors.WithDeferred(err, f.Close())
	}()

	var doc document
	err = json.NewDecoder(f).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	leases = make([]*lease.Lease, 0, len(doc.Leases))
	for i, r := range doc.Leases {
		l, cerr := r.toLease()
		if cerr != nil {
			return nil, fmt.Errorf("record %d: %w", i, cerr)
		}

		leases = append(leases, l)
	}

	return leases, nil
}
