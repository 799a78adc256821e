package dataplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// initBatch is the number of array slots written per batch syscall in Init.
const initBatch = 4096

func (m *Manager) lookupMap(name string) (*ebpf.Map, error) {
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	mp, ok := m.maps[name]
	if !ok {
		return nil, fmt.Errorf("%s map not found", name)
	}
	return mp, nil
}

// classify maps syscall errors onto the dataplane error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EBUSY), errors.Is(err, unix.EINTR):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return err
	}
}

// Init marks every address active, clears the seen flags and zeroes the
// dark counters.
func (m *Manager) Init(ctx context.Context, addresses, darkBlocks uint32) error {
	if err := m.fillArray(ctx, mapGlobalTable, addresses, 1); err != nil {
		return err
	}
	if err := m.fillArray(ctx, mapFlagTable, addresses, 0); err != nil {
		return err
	}
	for i := uint32(0); i < darkBlocks; i++ {
		if err := m.ResetDarkCounter(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// fillArray writes val into slots [0, n) of a u32 -> u8 array map, using
// batch updates where the kernel supports them.
func (m *Manager) fillArray(ctx context.Context, name string, n uint32, val uint8) error {
	mp, err := m.lookupMap(name)
	if err != nil {
		return err
	}
	for start := uint32(0); start < n; start += initBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+initBatch, n)
		keys := make([]uint32, 0, end-start)
		vals := make([]uint8, 0, end-start)
		for i := start; i < end; i++ {
			keys = append(keys, i)
			vals = append(vals, val)
		}
		if _, err := mp.BatchUpdate(keys, vals, nil); err != nil {
			if !errors.Is(err, ebpf.ErrNotSupported) {
				return fmt.Errorf("fill %s: %w", name, classify(err))
			}
			for i := range keys {
				if err := mp.Update(keys[i], vals[i], ebpf.UpdateAny); err != nil {
					return fmt.Errorf("fill %s[%d]: %w", name, keys[i], classify(err))
				}
			}
		}
	}
	return nil
}

// ReadFlag returns the seen-traffic flag of an address index.
func (m *Manager) ReadFlag(_ context.Context, index uint32) (bool, error) {
	mp, err := m.lookupMap(mapFlagTable)
	if err != nil {
		return false, err
	}
	var v uint8
	if err := mp.Lookup(index, &v); err != nil {
		return false, classify(err)
	}
	return v != 0, nil
}

// ClearFlag resets the seen-traffic flag of an address index.
func (m *Manager) ClearFlag(_ context.Context, index uint32) error {
	mp, err := m.lookupMap(mapFlagTable)
	if err != nil {
		return err
	}
	return classify(mp.Update(index, uint8(0), ebpf.UpdateAny))
}

// WriteActiveState sets the fast-path liveness bit of an address index.
func (m *Manager) WriteActiveState(_ context.Context, index uint32, active bool) error {
	mp, err := m.lookupMap(mapGlobalTable)
	if err != nil {
		return err
	}
	var v uint8
	if active {
		v = 1
	}
	return classify(mp.Update(index, v, ebpf.UpdateAny))
}

// ReadDarkCounter sums the per-CPU dark counter of a /24 block.
func (m *Manager) ReadDarkCounter(_ context.Context, darkIndex uint32) (CounterValue, error) {
	mp, err := m.lookupMap(mapDarkCounters)
	if err != nil {
		return CounterValue{}, err
	}
	var perCPU []CounterValue
	if err := mp.Lookup(darkIndex, &perCPU); err != nil {
		return CounterValue{}, classify(err)
	}
	var total CounterValue
	for _, v := range perCPU {
		total.Packets += v.Packets
		total.Bytes += v.Bytes
	}
	return total, nil
}

// ResetDarkCounter zeroes the dark counter of a /24 block on every CPU.
func (m *Manager) ResetDarkCounter(_ context.Context, darkIndex uint32) error {
	mp, err := m.lookupMap(mapDarkCounters)
	if err != nil {
		return err
	}
	ncpu, err := ebpf.PossibleCPU()
	if err != nil {
		return fmt.Errorf("possible CPUs: %w", err)
	}
	zeros := make([]CounterValue, ncpu)
	return classify(mp.Update(darkIndex, zeros, ebpf.UpdateAny))
}

// SetMeterRate writes a meter configuration.
func (m *Manager) SetMeterRate(_ context.Context, meter string, index uint32, rate MeterRate) error {
	var name string
	switch meter {
	case MeterDark:
		name = mapDarkMeters
	case MeterDarkGlobal:
		name = mapDarkGlobalMeter
	default:
		return fmt.Errorf("unknown meter %q", meter)
	}
	mp, err := m.lookupMap(name)
	if err != nil {
		return err
	}
	cfg := meterConfig{
		CIR: rate.CommittedRate,
		PIR: rate.PeakRate,
		CBS: rate.CommittedBurst,
		PBS: rate.PeakBurst,
	}
	return classify(mp.Update(index, cfg, ebpf.UpdateAny))
}

// AddTableEntry inserts a monitored or ports entry. An identical existing
// entry yields ErrAlreadyExists; a different one is a conflict.
func (m *Manager) AddTableEntry(_ context.Context, entry TableEntry) error {
	switch entry.Table {
	case TableMonitored:
		return m.addMonitored(entry)
	case TablePorts:
		return m.addPort(entry)
	default:
		return fmt.Errorf("unknown table %q", entry.Table)
	}
}

func (m *Manager) addMonitored(entry TableEntry) error {
	if entry.Action != ActionCalcIdx || len(entry.Params) != 3 {
		return fmt.Errorf("monitored: unsupported action %s%v", entry.Action, entry.Params)
	}
	if !entry.Key.IsLPM() || !entry.Key.Prefix.Addr().Is4() {
		return fmt.Errorf("monitored: key %s is not an IPv4 prefix", entry.Key)
	}
	mp, err := m.lookupMap(mapMonitored)
	if err != nil {
		return err
	}
	key := lpmKeyV4{
		PrefixLen: uint32(entry.Key.Prefix.Bits()),
		Addr:      entry.Key.Prefix.Masked().Addr().As4(),
	}
	val := monitoredValue{
		BaseIdx:     uint32(entry.Params[0]),
		Mask:        uint32(entry.Params[1]),
		DarkBaseIdx: uint32(entry.Params[2]),
	}
	err = mp.Update(key, val, ebpf.UpdateNoExist)
	if errors.Is(err, ebpf.ErrKeyExist) {
		var cur monitoredValue
		if lerr := mp.Lookup(key, &cur); lerr == nil && cur == val {
			return fmt.Errorf("monitored %s: %w", entry.Key, ErrAlreadyExists)
		}
		return fmt.Errorf("monitored %s: conflicting entry already programmed", entry.Key)
	}
	return classify(err)
}

func (m *Manager) addPort(entry TableEntry) error {
	var role uint8
	switch entry.Action {
	case ActionSetIncoming:
		role = portRoleIncoming
	case ActionSetOutgoing:
		role = portRoleOutgoing
	default:
		return fmt.Errorf("ports: unsupported action %q", entry.Action)
	}
	mp, err := m.lookupMap(mapPorts)
	if err != nil {
		return err
	}
	key := uint32(entry.Key.Exact)
	err = mp.Update(key, role, ebpf.UpdateNoExist)
	if errors.Is(err, ebpf.ErrKeyExist) {
		var cur uint8
		if lerr := mp.Lookup(key, &cur); lerr == nil && cur == role {
			return fmt.Errorf("port %d: %w", key, ErrAlreadyExists)
		}
		return fmt.Errorf("port %d: conflicting role already programmed", key)
	}
	return classify(err)
}
