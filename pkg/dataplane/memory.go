package dataplane

import (
	"context"
	"fmt"
	"sync"
)

var _ DataPlane = (*Memory)(nil)

// Memory is an in-process switch holding its registers in maps. It backs
// the "memory" dataplane type (dry runs without hardware) and the tests.
type Memory struct {
	name string

	mu       sync.Mutex
	flags    map[uint32]bool
	active   map[uint32]bool
	counters map[uint32]CounterValue
	meters   map[string]map[uint32]MeterRate
	tables   map[string]map[string]TableEntry

	// WriteActiveState calls per written state.
	activeWrites map[bool]int
}

// NewMemory creates an empty in-memory switch.
func NewMemory(name string) *Memory {
	return &Memory{
		name:         name,
		flags:        make(map[uint32]bool),
		active:       make(map[uint32]bool),
		counters:     make(map[uint32]CounterValue),
		meters:       make(map[string]map[uint32]MeterRate),
		tables:       make(map[string]map[string]TableEntry),
		activeWrites: make(map[bool]int),
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Init(_ context.Context, addresses, darkBlocks uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = make(map[uint32]bool)
	m.active = make(map[uint32]bool, addresses)
	for i := uint32(0); i < addresses; i++ {
		m.active[i] = true
	}
	m.counters = make(map[uint32]CounterValue, darkBlocks)
	return nil
}

func (m *Memory) ReadFlag(_ context.Context, index uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[index], nil
}

func (m *Memory) ClearFlag(_ context.Context, index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, index)
	return nil
}

func (m *Memory) WriteActiveState(_ context.Context, index uint32, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[index] = active
	m.activeWrites[active]++
	return nil
}

func (m *Memory) ReadDarkCounter(_ context.Context, darkIndex uint32) (CounterValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[darkIndex], nil
}

func (m *Memory) ResetDarkCounter(_ context.Context, darkIndex uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, darkIndex)
	return nil
}

func (m *Memory) SetMeterRate(_ context.Context, meter string, index uint32, rate MeterRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meters[meter] == nil {
		m.meters[meter] = make(map[uint32]MeterRate)
	}
	m.meters[meter][index] = rate
	return nil
}

func (m *Memory) AddTableEntry(_ context.Context, entry TableEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.tables[entry.Table]
	if tbl == nil {
		tbl = make(map[string]TableEntry)
		m.tables[entry.Table] = tbl
	}
	key := entry.Key.String()
	if cur, ok := tbl[key]; ok {
		if cur.String() == entry.String() {
			return fmt.Errorf("%s[%s]: %w", entry.Table, key, ErrAlreadyExists)
		}
		return fmt.Errorf("%s[%s]: conflicting entry already programmed", entry.Table, key)
	}
	tbl[key] = entry
	return nil
}

func (m *Memory) Close() error { return nil }

// SetFlag marks an address index as seen, as the data plane would on
// traffic.
func (m *Memory) SetFlag(index uint32) {
	m.mu.Lock()
	m.flags[index] = true
	m.mu.Unlock()
}

// AddDarkTraffic accumulates dark traffic on a /24 counter.
func (m *Memory) AddDarkTraffic(darkIndex uint32, packets, bytes uint64) {
	m.mu.Lock()
	c := m.counters[darkIndex]
	c.Packets += packets
	c.Bytes += bytes
	m.counters[darkIndex] = c
	m.mu.Unlock()
}

// Active returns the fast-path liveness bit of an address index.
func (m *Memory) Active(index uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[index]
}

// Meter returns the rate last written to a meter slot.
func (m *Memory) Meter(meter string, index uint32) (MeterRate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.meters[meter][index]
	return r, ok
}

// Entries returns the entries programmed into a table.
func (m *Memory) Entries(table string) []TableEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TableEntry
	for _, e := range m.tables[table] {
		out = append(out, e)
	}
	return out
}

// ActiveWrites returns how many WriteActiveState calls carried the given
// state.
func (m *Memory) ActiveWrites(active bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeWrites[active]
}
