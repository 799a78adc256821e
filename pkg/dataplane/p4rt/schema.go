package p4rt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

// P4 object names of the telescope pipeline, unqualified. They are looked
// up under the configured control block first ("MyIngress.flag_table") and
// then as given.
const (
	registerFlag   = "flag_table"
	registerGlobal = "global_table"
	counterDark    = "dark_counter"
)

// schema resolves pipeline object names to the numeric IDs P4Runtime
// messages carry.
type schema struct {
	control   string
	tables    map[string]*p4configv1.Table
	actions   map[string]*p4configv1.Action
	registers map[string]uint32
	meters    map[string]uint32
	counters  map[string]uint32
}

// LoadP4Info reads a P4Info file. Files ending in .bin or .pb are binary
// protobuf, anything else is text format.
func LoadP4Info(path string) (*p4configv1.P4Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read p4info: %w", err)
	}
	info := &p4configv1.P4Info{}
	switch filepath.Ext(path) {
	case ".bin", ".pb":
		err = proto.Unmarshal(data, info)
	default:
		err = prototext.Unmarshal(data, info)
	}
	if err != nil {
		return nil, fmt.Errorf("parse p4info %s: %w", path, err)
	}
	return info, nil
}

func newSchema(info *p4configv1.P4Info, control string) *schema {
	s := &schema{
		control:   control,
		tables:    make(map[string]*p4configv1.Table),
		actions:   make(map[string]*p4configv1.Action),
		registers: make(map[string]uint32),
		meters:    make(map[string]uint32),
		counters:  make(map[string]uint32),
	}
	for _, t := range info.GetTables() {
		for _, n := range names(t.GetPreamble()) {
			s.tables[n] = t
		}
	}
	for _, a := range info.GetActions() {
		for _, n := range names(a.GetPreamble()) {
			s.actions[n] = a
		}
	}
	for _, r := range info.GetRegisters() {
		for _, n := range names(r.GetPreamble()) {
			s.registers[n] = r.GetPreamble().GetId()
		}
	}
	for _, m := range info.GetMeters() {
		for _, n := range names(m.GetPreamble()) {
			s.meters[n] = m.GetPreamble().GetId()
		}
	}
	for _, c := range info.GetCounters() {
		for _, n := range names(c.GetPreamble()) {
			s.counters[n] = c.GetPreamble().GetId()
		}
	}
	return s
}

func names(p *p4configv1.Preamble) []string {
	if p.GetAlias() != "" && p.GetAlias() != p.GetName() {
		return []string{p.GetName(), p.GetAlias()}
	}
	return []string{p.GetName()}
}

// candidates lists the names tried for a logical object, most specific
// first.
func (s *schema) candidates(name string) []string {
	if s.control == "" {
		return []string{name}
	}
	return []string{s.control + "." + name, name}
}

func lookup[V any](s *schema, m map[string]V, kind, name string) (V, error) {
	for _, n := range s.candidates(name) {
		if v, ok := m[n]; ok {
			return v, nil
		}
	}
	var zero V
	return zero, fmt.Errorf("%s %q not found in p4info", kind, name)
}

func (s *schema) table(name string) (*p4configv1.Table, error) {
	return lookup(s, s.tables, "table", name)
}

// action resolves action names. Actions are usually declared in the same
// control block as the tables, but NoAction-style globals are not.
func (s *schema) action(name string) (*p4configv1.Action, error) {
	return lookup(s, s.actions, "action", name)
}

func (s *schema) register(name string) (uint32, error) {
	return lookup(s, s.registers, "register", name)
}

func (s *schema) meter(name string) (uint32, error) {
	return lookup(s, s.meters, "meter", name)
}

func (s *schema) counter(name string) (uint32, error) {
	return lookup(s, s.counters, "counter", name)
}

// validate checks that every object the controller drives is present.
func (s *schema) validate() error {
	for _, r := range []string{registerFlag, registerGlobal} {
		if _, err := s.register(r); err != nil {
			return err
		}
	}
	if _, err := s.counter(counterDark); err != nil {
		return err
	}
	for _, m := range []string{dataplane.MeterDark, dataplane.MeterDarkGlobal} {
		if _, err := s.meter(m); err != nil {
			return err
		}
	}
	for _, t := range []string{dataplane.TableMonitored, dataplane.TablePorts} {
		if _, err := s.table(t); err != nil {
			return err
		}
	}
	return nil
}
