package config

import (
	"net/netip"
	"time"
)

// Defaults of the telescope deployment the controller was written for.
const (
	DefaultInterval          = 3 * time.Minute
	DefaultAlpha             = 1
	DefaultGlobalTableSize   = 4194304
	DefaultDarkMeterSize     = 16384
	DefaultOverflowThreshold = 1024

	DefaultMaxPacketRate = 1174405
	DefaultAvgPacketRate = 343933
	DefaultMaxByteRate   = 338102845
	DefaultAvgByteRate   = 17758683
	DefaultBurst         = 100

	DefaultControl         = "MyIngress"
	DefaultEventBufferSize = 1000

	DefaultFlapReportInterval = time.Hour
	DefaultFlapReportTop      = 10
)

// Config is the top-level typed configuration, compiled from the AST.
type Config struct {
	Telescope TelescopeConfig
	Rates     RatesConfig
	Ports     PortsConfig
	Pipeline  PipelineConfig
	Switches  []*SwitchConfig
	System    SystemConfig
	Warnings  []string // non-fatal validation warnings
}

// TelescopeConfig holds the tracking parameters and the monitored space.
type TelescopeConfig struct {
	Interval          time.Duration
	Alpha             uint32
	GlobalTableSize   uint32 // address index space
	DarkMeterSize     uint32 // dark index space
	OverflowThreshold uint64 // dark counter packets before reset
	MonitoredFile     string
	Monitored         []netip.Prefix // inline entries, appended after the file
}

// RatesConfig is the dark traffic budget. Only packet rates are metered.
type RatesConfig struct {
	MaxPacketRate uint64
	AvgPacketRate uint64
	MaxByteRate   uint64
	AvgByteRate   uint64
	Burst         uint64
}

// PortsConfig assigns port roles. Entries are port numbers or, for the
// eBPF backend, interface names.
type PortsConfig struct {
	Incoming []string
	Outgoing []string
}

// PipelineConfig names the P4 control block holding the telescope tables.
type PipelineConfig struct {
	Control string
}

// SwitchConfig is one data-plane replica.
type SwitchConfig struct {
	Name       string
	Type       string // "ebpf", "p4runtime" or "memory"
	Address    string
	DeviceID   uint64
	ElectionID uint64
	P4Info     string
	PinPath    string
	RPCRate    int
}

// SystemConfig covers the daemon's own surfaces.
type SystemConfig struct {
	APIAddr         string
	APIKeys         []string `json:"-"` // accepted bearer/X-API-Key tokens; empty = no auth
	GRPCAddr        string
	EventBufferSize int
	Syslog          []*SyslogConfig
	EventLog        *EventLogConfig   // nil = no local event log
	FlapReport      *FlapReportConfig // nil = no flap reports
}

// EventLogConfig is a local, size-rotated event log file.
type EventLogConfig struct {
	File     string
	MaxSize  int64 // bytes
	Files    int
	Severity string
}

// FlapReportConfig enables the periodic report of the /24s whose addresses
// changed state most often.
type FlapReportConfig struct {
	Interval time.Duration
	Top      int
}

// SyslogConfig is a remote syslog destination for transition events.
type SyslogConfig struct {
	Host     string
	Port     int
	Severity string // minimum severity, empty = all
	Facility string
}
