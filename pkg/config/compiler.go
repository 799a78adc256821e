package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// CompileConfig converts a parsed ConfigTree AST into a typed Config struct.
// Unset values take the defaults.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := &Config{
		Telescope: TelescopeConfig{
			Interval:          DefaultInterval,
			Alpha:             DefaultAlpha,
			GlobalTableSize:   DefaultGlobalTableSize,
			DarkMeterSize:     DefaultDarkMeterSize,
			OverflowThreshold: DefaultOverflowThreshold,
		},
		Rates: RatesConfig{
			MaxPacketRate: DefaultMaxPacketRate,
			AvgPacketRate: DefaultAvgPacketRate,
			MaxByteRate:   DefaultMaxByteRate,
			AvgByteRate:   DefaultAvgByteRate,
			Burst:         DefaultBurst,
		},
		Ports: PortsConfig{
			Incoming: []string{"2"},
			Outgoing: []string{"1"},
		},
		Pipeline: PipelineConfig{Control: DefaultControl},
		System:   SystemConfig{EventBufferSize: DefaultEventBufferSize},
	}

	for _, node := range tree.Children {
		switch node.Name() {
		case "telescope":
			if err := compileTelescope(node, &cfg.Telescope); err != nil {
				return nil, fmt.Errorf("telescope: %w", err)
			}
		case "rates":
			if err := compileRates(node, &cfg.Rates); err != nil {
				return nil, fmt.Errorf("rates: %w", err)
			}
		case "ports":
			compilePorts(node, &cfg.Ports)
		case "pipeline":
			if c := node.FindChild("control"); c != nil && c.Arg(0) != "" {
				cfg.Pipeline.Control = c.Arg(0)
			}
		case "switches":
			if err := compileSwitches(node, cfg); err != nil {
				return nil, fmt.Errorf("switches: %w", err)
			}
		case "system":
			if err := compileSystem(node, &cfg.System); err != nil {
				return nil, fmt.Errorf("system: %w", err)
			}
		default:
			return nil, fmt.Errorf("line %d: unknown statement %q", node.Line, node.Name())
		}
	}

	if len(cfg.Switches) == 0 {
		return nil, fmt.Errorf("switches: at least one switch is required")
	}
	if cfg.Telescope.MonitoredFile == "" && len(cfg.Telescope.Monitored) == 0 {
		return nil, fmt.Errorf("telescope: no monitored-file or monitored entries")
	}

	cfg.Warnings = ValidateConfig(cfg)
	return cfg, nil
}

// ValidateConfig returns non-fatal warnings about a compiled config.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	r := cfg.Rates
	if r.AvgPacketRate > r.MaxPacketRate {
		warnings = append(warnings, fmt.Sprintf(
			"rates: avg-packet-rate %d exceeds max-packet-rate %d", r.AvgPacketRate, r.MaxPacketRate))
	}
	if r.AvgByteRate > r.MaxByteRate {
		warnings = append(warnings, fmt.Sprintf(
			"rates: avg-byte-rate %d exceeds max-byte-rate %d", r.AvgByteRate, r.MaxByteRate))
	}
	if cfg.Telescope.Interval < 10*time.Second {
		warnings = append(warnings, fmt.Sprintf(
			"telescope: interval %s is shorter than a full register sweep usually takes", cfg.Telescope.Interval))
	}
	if len(cfg.Ports.Incoming) == 0 {
		warnings = append(warnings, "ports: no incoming ports, no traffic will be tagged")
	}
	for _, sw := range cfg.Switches {
		if sw.Type == "p4runtime" && sw.P4Info == "" {
			warnings = append(warnings, fmt.Sprintf(
				"switch %s: no p4info, the pipeline will be fetched from the device", sw.Name))
		}
	}
	return warnings
}

// nodeVal returns the value of a leaf property.
func nodeVal(n *Node) (string, error) {
	if len(n.Keys) != 2 {
		return "", fmt.Errorf("line %d: %s expects exactly one value", n.Line, n.Name())
	}
	return n.Keys[1], nil
}

func nodeUint(n *Node, bits int) (uint64, error) {
	s, err := nodeVal(n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: invalid number %q", n.Line, n.Name(), s)
	}
	return v, nil
}

// parseInterval accepts a Go duration ("90s", "3m") or a bare number of
// minutes.
func parseInterval(s string) (time.Duration, error) {
	if m, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(m) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func compileTelescope(node *Node, t *TelescopeConfig) error {
	for _, child := range node.Children {
		var err error
		var v uint64
		switch child.Name() {
		case "interval":
			var s string
			if s, err = nodeVal(child); err != nil {
				return err
			}
			d, perr := parseInterval(s)
			if perr != nil || d <= 0 {
				return fmt.Errorf("line %d: invalid interval %q", child.Line, s)
			}
			t.Interval = d
		case "alpha":
			if v, err = nodeUint(child, 32); err != nil {
				return err
			}
			if v < 1 {
				return fmt.Errorf("line %d: alpha must be at least 1", child.Line)
			}
			t.Alpha = uint32(v)
		case "global-table-size":
			if v, err = nodeUint(child, 32); err != nil {
				return err
			}
			if v == 0 {
				return fmt.Errorf("line %d: global-table-size must be positive", child.Line)
			}
			t.GlobalTableSize = uint32(v)
		case "dark-meter-size":
			if v, err = nodeUint(child, 32); err != nil {
				return err
			}
			if v == 0 {
				return fmt.Errorf("line %d: dark-meter-size must be positive", child.Line)
			}
			t.DarkMeterSize = uint32(v)
		case "overflow-threshold":
			if t.OverflowThreshold, err = nodeUint(child, 64); err != nil {
				return err
			}
		case "monitored-file":
			if t.MonitoredFile, err = nodeVal(child); err != nil {
				return err
			}
		case "monitored":
			// Leaf list: monitored [ a b ]; or block: monitored { a; b; }
			vals := child.Args()
			for _, c := range child.Children {
				vals = append(vals, c.Keys...)
			}
			for _, s := range vals {
				p, perr := netip.ParsePrefix(s)
				if perr != nil {
					return fmt.Errorf("line %d: monitored: %w", child.Line, perr)
				}
				t.Monitored = append(t.Monitored, p)
			}
		default:
			return fmt.Errorf("line %d: unknown option %q", child.Line, child.Name())
		}
	}
	return nil
}

func compileRates(node *Node, r *RatesConfig) error {
	fields := map[string]*uint64{
		"max-packet-rate": &r.MaxPacketRate,
		"avg-packet-rate": &r.AvgPacketRate,
		"max-byte-rate":   &r.MaxByteRate,
		"avg-byte-rate":   &r.AvgByteRate,
		"burst":           &r.Burst,
	}
	for _, child := range node.Children {
		dst, ok := fields[child.Name()]
		if !ok {
			return fmt.Errorf("line %d: unknown option %q", child.Line, child.Name())
		}
		v, err := nodeUint(child, 64)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func compilePorts(node *Node, p *PortsConfig) {
	for _, child := range node.Children {
		switch child.Name() {
		case "incoming":
			p.Incoming = append([]string(nil), child.Args()...)
		case "outgoing":
			p.Outgoing = append([]string(nil), child.Args()...)
		}
	}
}

func compileSwitches(node *Node, cfg *Config) error {
	seen := make(map[string]bool)
	for _, swNode := range node.FindChildren("switch") {
		if len(swNode.Keys) < 2 {
			return fmt.Errorf("line %d: switch without a name", swNode.Line)
		}
		sw := &SwitchConfig{Name: swNode.Keys[1], Type: "ebpf"}
		if seen[sw.Name] {
			return fmt.Errorf("line %d: duplicate switch %q", swNode.Line, sw.Name)
		}
		seen[sw.Name] = true

		for _, prop := range swNode.Children {
			var err error
			var v uint64
			switch prop.Name() {
			case "type":
				sw.Type, err = nodeVal(prop)
			case "address":
				sw.Address, err = nodeVal(prop)
			case "device-id":
				sw.DeviceID, err = nodeUint(prop, 64)
			case "election-id":
				sw.ElectionID, err = nodeUint(prop, 64)
			case "p4info":
				sw.P4Info, err = nodeVal(prop)
			case "pin-path":
				sw.PinPath, err = nodeVal(prop)
			case "rpc-rate":
				v, err = nodeUint(prop, 31)
				sw.RPCRate = int(v)
			default:
				err = fmt.Errorf("line %d: unknown option %q", prop.Line, prop.Name())
			}
			if err != nil {
				return fmt.Errorf("switch %s: %w", sw.Name, err)
			}
		}
		if sw.Type == "p4runtime" && sw.Address == "" {
			return fmt.Errorf("switch %s: p4runtime requires an address", sw.Name)
		}
		cfg.Switches = append(cfg.Switches, sw)
	}
	return nil
}

func compileSystem(node *Node, sys *SystemConfig) error {
	for _, child := range node.Children {
		var err error
		switch child.Name() {
		case "api-addr":
			sys.APIAddr, err = nodeVal(child)
		case "api-key":
			var key string
			if key, err = nodeVal(child); err == nil {
				sys.APIKeys = append(sys.APIKeys, key)
			}
		case "grpc-addr":
			sys.GRPCAddr, err = nodeVal(child)
		case "event-buffer-size":
			var v uint64
			v, err = nodeUint(child, 31)
			if err == nil && v == 0 {
				err = fmt.Errorf("line %d: event-buffer-size must be positive", child.Line)
			}
			sys.EventBufferSize = int(v)
		case "syslog":
			sl := &SyslogConfig{Port: 514}
			for _, prop := range child.Children {
				switch prop.Name() {
				case "host":
					sl.Host, err = nodeVal(prop)
				case "port":
					var v uint64
					v, err = nodeUint(prop, 16)
					sl.Port = int(v)
				case "severity":
					sl.Severity, err = nodeVal(prop)
				case "facility":
					sl.Facility, err = nodeVal(prop)
				}
				if err != nil {
					return fmt.Errorf("syslog: %w", err)
				}
			}
			if sl.Host == "" {
				return fmt.Errorf("line %d: syslog requires a host", child.Line)
			}
			sys.Syslog = append(sys.Syslog, sl)
		case "event-log":
			sys.EventLog, err = compileEventLog(child)
		case "flap-report":
			sys.FlapReport, err = compileFlapReport(child)
		default:
			err = fmt.Errorf("line %d: unknown option %q", child.Line, child.Name())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func compileEventLog(node *Node) (*EventLogConfig, error) {
	el := &EventLogConfig{}
	for _, prop := range node.Children {
		var err error
		var v uint64
		switch prop.Name() {
		case "file":
			el.File, err = nodeVal(prop)
		case "max-size":
			v, err = nodeUint(prop, 63)
			el.MaxSize = int64(v)
		case "files":
			v, err = nodeUint(prop, 16)
			el.Files = int(v)
		case "severity":
			el.Severity, err = nodeVal(prop)
		default:
			err = fmt.Errorf("line %d: unknown option %q", prop.Line, prop.Name())
		}
		if err != nil {
			return nil, fmt.Errorf("event-log: %w", err)
		}
	}
	return el, nil
}

func compileFlapReport(node *Node) (*FlapReportConfig, error) {
	fr := &FlapReportConfig{Interval: DefaultFlapReportInterval, Top: DefaultFlapReportTop}
	for _, prop := range node.Children {
		var err error
		switch prop.Name() {
		case "interval":
			var s string
			if s, err = nodeVal(prop); err == nil {
				fr.Interval, err = parseInterval(s)
			}
			if err == nil && fr.Interval <= 0 {
				err = fmt.Errorf("line %d: interval must be positive", prop.Line)
			}
		case "top":
			var v uint64
			v, err = nodeUint(prop, 16)
			if err == nil && v == 0 {
				err = fmt.Errorf("line %d: top must be positive", prop.Line)
			}
			fr.Top = int(v)
		default:
			err = fmt.Errorf("line %d: unknown option %q", prop.Line, prop.Name())
		}
		if err != nil {
			return nil, fmt.Errorf("flap-report: %w", err)
		}
	}
	return fr, nil
}
