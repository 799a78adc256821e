// Package dataplane defines the switch control port used by the telescope
// controller and its backends: pinned eBPF maps, P4Runtime switches and an
// in-memory switch for dry runs and tests.
package dataplane

import (
	"fmt"
	"net/netip"
)

// CounterValue holds a packet/byte counter pair.
type CounterValue struct {
	Packets uint64
	Bytes   uint64
}

// MeterRate configures a two-rate meter in packets per second.
type MeterRate struct {
	CommittedRate  uint64 // CIR
	PeakRate       uint64 // PIR
	CommittedBurst uint64 // CBS
	PeakBurst      uint64 // PBS
}

// MatchKey is the key of a table entry. A valid Prefix selects an LPM
// match; otherwise Exact is matched.
type MatchKey struct {
	Prefix netip.Prefix
	Exact  uint64
}

// IsLPM reports whether the key is a longest-prefix match.
func (k MatchKey) IsLPM() bool {
	return k.Prefix.IsValid()
}

func (k MatchKey) String() string {
	if k.IsLPM() {
		return k.Prefix.String()
	}
	return fmt.Sprintf("%d", k.Exact)
}

// TableEntry is a match-action table entry.
type TableEntry struct {
	Table  string
	Key    MatchKey
	Action string
	Params []uint64
}

func (e TableEntry) String() string {
	return fmt.Sprintf("%s[%s] -> %s%v", e.Table, e.Key, e.Action, e.Params)
}

// MonitoredParams returns the calc_idx parameters for a monitored block:
// base index, host mask and dark base index.
func MonitoredParams(prefix netip.Prefix, baseIdx, darkBaseIdx uint32) []uint64 {
	mask := uint64(1)<<(32-prefix.Bits()) - 1
	return []uint64{uint64(baseIdx), mask, uint64(darkBaseIdx)}
}

// monitoredValue mirrors the C struct monitored_value of the eBPF
// software switch.
type monitoredValue struct {
	BaseIdx     uint32
	Mask        uint32
	DarkBaseIdx uint32
}

// lpmKeyV4 mirrors the C struct lpm_key_v4 used by the monitored LPM trie.
type lpmKeyV4 struct {
	PrefixLen uint32
	Addr      [4]byte
}

// meterConfig mirrors the C struct meter_config.
type meterConfig struct {
	CIR uint64
	PIR uint64
	CBS uint64
	PBS uint64
}

// Port roles stored in the ports map.
const (
	portRoleIncoming uint8 = 1
	portRoleOutgoing uint8 = 2
)
