package dataplane

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Dataplane type constants used in switches { switch <name> { type <type>; } }.
const (
	TypeEBPF      = "ebpf"
	TypeP4Runtime = "p4runtime"
	TypeMemory    = "memory"
)

// Logical names of the data-plane objects the controller drives. Backends
// translate these into their own naming (P4 control-qualified names, pinned
// map names, ...).
const (
	TableMonitored = "monitored"
	TablePorts     = "ports"

	ActionCalcIdx     = "calc_idx"
	ActionSetIncoming = "set_incoming"
	ActionSetOutgoing = "set_outgoing"

	MeterDark       = "dark_meter"
	MeterDarkGlobal = "dark_global_meter"
)

// Options carries backend-specific settings from the switches config block.
type Options struct {
	Name       string
	Address    string // P4Runtime gRPC address
	DeviceID   uint64
	ElectionID uint64
	P4Info     string // path to a text-format P4Info; empty = fetch from device
	Control    string // P4 control block qualifying table names, e.g. "MyIngress"
	RPCRate    int    // max RPCs per second, 0 = unlimited
	PinPath    string // bpffs directory holding the pinned maps
}

// backendRegistry holds constructors for dataplane backends that live in
// sub-packages. Sub-packages register themselves via RegisterBackend in init().
var backendRegistry = map[string]func(ctx context.Context, opts Options) (DataPlane, error){}

// RegisterBackend registers a dataplane constructor for the given type.
func RegisterBackend(dpType string, ctor func(ctx context.Context, opts Options) (DataPlane, error)) {
	backendRegistry[dpType] = ctor
}

// NewDataPlane creates a DataPlane backend based on the given type string.
// An empty string defaults to eBPF.
func NewDataPlane(ctx context.Context, dpType string, opts Options) (DataPlane, error) {
	switch dpType {
	case "", TypeEBPF:
		m := New(opts.Name, opts.PinPath)
		if err := m.Load(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeMemory:
		return NewMemory(opts.Name), nil
	default:
		if ctor, ok := backendRegistry[dpType]; ok {
			return ctor(ctx, opts)
		}
		return nil, fmt.Errorf("unknown dataplane type %q (valid: %s)", dpType, validTypes())
	}
}

func validTypes() string {
	types := []string{TypeEBPF, TypeMemory}
	for t := range backendRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}

// DataPlane is the switch control port: the capability set the telescope
// controller needs from a programmable switch.
//
// Implementations return ErrAlreadyExists (wrapped) when a write conflicts
// with identical pre-existing state and ErrTransient for failures worth
// retrying. Everything else is treated as persistent.
type DataPlane interface {
	Name() string

	// Init marks every address index active, clears all seen flags and
	// zeroes the dark counters.
	Init(ctx context.Context, addresses, darkBlocks uint32) error

	// Per-address "seen traffic" flag.
	ReadFlag(ctx context.Context, index uint32) (bool, error)
	ClearFlag(ctx context.Context, index uint32) error

	// Per-address fast-path liveness bit.
	WriteActiveState(ctx context.Context, index uint32, active bool) error

	// Per-/24 dark traffic counters.
	ReadDarkCounter(ctx context.Context, darkIndex uint32) (CounterValue, error)
	ResetDarkCounter(ctx context.Context, darkIndex uint32) error

	SetMeterRate(ctx context.Context, meter string, index uint32, rate MeterRate) error
	AddTableEntry(ctx context.Context, entry TableEntry) error

	Close() error
}
