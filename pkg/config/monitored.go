package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
)

// ParseMonitored reads a monitored list: one IPv4 CIDR per line. Blank
// lines and lines starting with # are skipped. The first malformed line
// fails the whole list.
func ParseMonitored(r io.Reader) ([]netip.Prefix, error) {
	var out []netip.Prefix
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("line %d: %s is not IPv4", line, p)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadMonitored reads the monitored list file at path.
func ReadMonitored(path string) ([]netip.Prefix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pfxs, err := ParseMonitored(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pfxs, nil
}

// MonitoredPrefixes returns the file entries followed by the inline ones.
func (c *Config) MonitoredPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	if c.Telescope.MonitoredFile != "" {
		pfxs, err := ReadMonitored(c.Telescope.MonitoredFile)
		if err != nil {
			return nil, fmt.Errorf("monitored-file: %w", err)
		}
		out = append(out, pfxs...)
	}
	return append(out, c.Telescope.Monitored...), nil
}

// Load parses and compiles configuration text.
func Load(text string) (*Config, error) {
	tree, errs := NewParser(text).Parse()
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse: %w", errors.Join(errs...))
	}
	return CompileConfig(tree)
}

// LoadFile reads and compiles the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
