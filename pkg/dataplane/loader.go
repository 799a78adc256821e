package dataplane

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// DefaultPinPath is where the software switch pins its maps.
const DefaultPinPath = "/sys/fs/bpf/telescope"

// Pinned map names of the eBPF software switch.
const (
	mapFlagTable       = "flag_table"
	mapGlobalTable     = "global_table"
	mapDarkCounters    = "dark_counters"
	mapDarkMeters      = "dark_meters"
	mapDarkGlobalMeter = "dark_global_meter"
	mapMonitored       = "monitored"
	mapPorts           = "ports"
)

var pinnedMaps = []string{
	mapFlagTable,
	mapGlobalTable,
	mapDarkCounters,
	mapDarkMeters,
	mapDarkGlobalMeter,
	mapMonitored,
	mapPorts,
}

// Compile-time assertion that Manager implements DataPlane.
var _ DataPlane = (*Manager)(nil)

// Manager drives an eBPF software switch through the maps its XDP program
// pins under a bpffs directory. The program itself is loaded and attached
// by the switch, not by the controller.
type Manager struct {
	name    string
	pinPath string
	loaded  bool
	maps    map[string]*ebpf.Map
}

// New creates a new eBPF dataplane Manager for the maps pinned at pinPath.
func New(name, pinPath string) *Manager {
	if pinPath == "" {
		pinPath = DefaultPinPath
	}
	return &Manager{
		name:    name,
		pinPath: pinPath,
		maps:    make(map[string]*ebpf.Map),
	}
}

// Load opens all pinned maps. It fails if the pin path is not on a bpffs
// mount or any map is missing.
func (m *Manager) Load() error {
	slog.Info("opening pinned eBPF maps", "switch", m.name, "path", m.pinPath)

	var st unix.Statfs_t
	if err := unix.Statfs(m.pinPath, &st); err != nil {
		return fmt.Errorf("stat pin path %s: %w", m.pinPath, err)
	}
	if uint32(st.Type) != uint32(unix.BPF_FS_MAGIC) {
		return fmt.Errorf("pin path %s is not on a bpffs mount", m.pinPath)
	}

	for _, name := range pinnedMaps {
		mp, err := ebpf.LoadPinnedMap(filepath.Join(m.pinPath, name), nil)
		if err != nil {
			m.Close()
			return fmt.Errorf("open pinned map %s: %w", name, err)
		}
		m.maps[name] = mp
	}

	m.loaded = true
	slog.Info("eBPF maps opened", "switch", m.name, "maps", len(m.maps))
	return nil
}

// IsLoaded returns true if the pinned maps are open.
func (m *Manager) IsLoaded() bool {
	return m.loaded
}

// Name returns the switch name.
func (m *Manager) Name() string {
	return m.name
}

// Map returns a named eBPF map, or nil if not found.
func (m *Manager) Map(name string) *ebpf.Map {
	return m.maps[name]
}

// Close releases all map file descriptors. Pins are left in place.
func (m *Manager) Close() error {
	for name, mp := range m.maps {
		if err := mp.Close(); err != nil {
			slog.Error("failed to close map", "switch", m.name, "map", name, "err", err)
		}
		delete(m.maps, name)
	}
	m.loaded = false
	return nil
}
