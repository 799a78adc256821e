// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime           string `json:"uptime"`
	Dataplane        string `json:"dataplane"`
	Addresses        uint32 `json:"addresses"`
	DarkBlocks       uint32 `json:"dark_blocks"`
	Fresh            uint64 `json:"fresh"`
	Decaying         uint64 `json:"decaying"`
	Inactive         uint64 `json:"inactive"`
	PendingWrites    int    `json:"pending_writes"`
	Ticks            uint64 `json:"ticks"`
	IncompleteTicks  uint64 `json:"incomplete_ticks"`
	LastTick         string `json:"last_tick,omitempty"`
	LastTickDuration string `json:"last_tick_duration"`
	Interval         string `json:"interval"`
	Alpha            uint32 `json:"alpha"`
}

// InactiveResponse answers an inactive prefix query.
type InactiveResponse struct {
	Prefix    string   `json:"prefix,omitempty"`
	Count     uint64   `json:"count"`
	Prefixes  []string `json:"prefixes"`
	Addresses []string `json:"addresses,omitempty"`
}

// AddressInfo describes one monitored address.
type AddressInfo struct {
	Address    string `json:"address"`
	Index      uint32 `json:"index"`
	Counter    uint32 `json:"counter"`
	State      string `json:"state"`
	Block      string `json:"block"`
	DarkPrefix string `json:"dark_prefix"`
	DarkIndex  uint32 `json:"dark_index"`
}

// BlockInfo describes one monitored block.
type BlockInfo struct {
	Prefix        string `json:"prefix"`
	BaseIndex     uint32 `json:"base_index"`
	Count         uint32 `json:"count"`
	DarkBaseIndex uint32 `json:"dark_base_index"`
	DarkCount     uint32 `json:"dark_count"`
}

// RateEntry is the current meter rate of one /24.
type RateEntry struct {
	Prefix         string `json:"prefix"`
	DarkIndex      uint32 `json:"dark_index"`
	Inactive       uint64 `json:"inactive"`
	CommittedRate  uint64 `json:"committed_rate"`
	PeakRate       uint64 `json:"peak_rate"`
	CommittedBurst uint64 `json:"committed_burst"`
	PeakBurst      uint64 `json:"peak_burst"`
}

// RatesResponse holds the budget and per-/24 rates.
type RatesResponse struct {
	MaxPacketRate uint64      `json:"max_packet_rate"`
	AvgPacketRate uint64      `json:"avg_packet_rate"`
	MaxByteRate   uint64      `json:"max_byte_rate"`
	AvgByteRate   uint64      `json:"avg_byte_rate"`
	Burst         uint64      `json:"burst"`
	Blocks        []RateEntry `json:"blocks"`
}

// EventEntry is a telescope event.
type EventEntry struct {
	Seq     uint64 `json:"seq"`
	Time    string `json:"time"`
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
	Index   uint32 `json:"index"`
	Prefix  string `json:"prefix,omitempty"`
	Packets uint64 `json:"packets,omitempty"`
}
