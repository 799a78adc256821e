package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/InetIntel/dynamic-telescope/pkg/config"
	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewController(t *testing.T) {
	dir := t.TempDir()
	list := writeFile(t, dir, "monitored.txt", "# lab\n10.0.0.0/24\n\n10.0.1.0/30\n")
	cfg, err := config.Load(`
telescope {
    interval 1;
    monitored-file ` + list + `;
    monitored [ 192.0.2.0/28 ];
}
switches {
    switch a { type memory; }
    switch b { type memory; }
}`)
	if err != nil {
		t.Fatal(err)
	}

	ctrl, err := newController(context.Background(), cfg, logging.NewEventBuffer(10))
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	st := ctrl.Stats()
	if st.Addresses != 256+4+16 || st.DarkBlocks != 3 {
		t.Errorf("stats = %+v", st)
	}
	if st.Interval != time.Minute {
		t.Errorf("interval = %v", st.Interval)
	}
	g, ok := ctrl.DataPlane().(*dataplane.Group)
	if !ok {
		t.Fatalf("dataplane is %T, want *dataplane.Group", ctrl.DataPlane())
	}
	if len(g.Replicas()) != 2 {
		t.Fatalf("replicas = %d", len(g.Replicas()))
	}
	for _, r := range g.Replicas() {
		mem := r.(*dataplane.Memory)
		if n := len(mem.Entries(dataplane.TableMonitored)); n != 3 {
			t.Errorf("%s: %d monitored entries, want 3", mem.Name(), n)
		}
		if n := len(mem.Entries(dataplane.TablePorts)); n != 2 {
			t.Errorf("%s: %d port entries, want 2", mem.Name(), n)
		}
	}
}

func TestNewControllerErrors(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.txt", "10.0.0.0/24\nnot-a-prefix\n")

	tests := []struct {
		name string
		conf string
		want string
	}{
		{
			name: "malformed monitored file",
			conf: `telescope { monitored-file ` + bad + `; } switches { switch a { type memory; } }`,
			want: "line 2",
		},
		{
			name: "missing monitored file",
			conf: `telescope { monitored-file ` + filepath.Join(dir, "nope") + `; } switches { switch a { type memory; } }`,
			want: "nope",
		},
		{
			name: "dark blocks exhausted",
			conf: `telescope { dark-meter-size 1; monitored [ 10.0.0.0/24 10.0.1.0/24 ]; } switches { switch a { type memory; } }`,
			want: "index monitored space",
		},
		{
			name: "unknown backend",
			conf: `telescope { monitored [ 10.0.0.0/24 ]; } switches { switch a { type tofino; } }`,
			want: "switch a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(tt.conf)
			if err != nil {
				t.Fatal(err)
			}
			_, err = newController(context.Background(), cfg, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestRunBadConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "telescope.conf", "telescope {\n")
	d := New(Options{ConfigFile: path})
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected error for unterminated block")
	}
}

func TestRunShutdown(t *testing.T) {
	path := writeFile(t, t.TempDir(), "telescope.conf", `
telescope { monitored [ 10.0.0.0/24 ]; }
switches { switch a { type memory; } }
system {
    api-addr 127.0.0.1:0;
    grpc-addr 127.0.0.1:0;
}`)
	d := New(Options{ConfigFile: path, Version: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSyslogClients(t *testing.T) {
	cfg := &config.Config{System: config.SystemConfig{Syslog: []*config.SyslogConfig{
		{Host: "127.0.0.1", Port: 5514, Severity: "warning", Facility: "local3"},
	}}}
	clients := syslogClients(cfg)
	if len(clients) != 1 {
		t.Fatalf("clients = %d", len(clients))
	}
	defer clients[0].Close()
	if clients[0].MinSeverity != logging.SyslogWarning || clients[0].Facility != logging.FacilityLocal0+3 {
		t.Errorf("client = %+v", clients[0])
	}
}

func TestRunWritesEventLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.log")
	path := writeFile(t, dir, "telescope.conf", `
telescope { monitored [ 10.0.0.0/30 ]; }
switches { switch a { type memory; } }
system {
    event-log { file `+logPath+`; }
    flap-report { interval 1h; }
}`)
	d := New(Options{ConfigFile: path})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The first tick runs at startup; no flags are set, so all four
	// addresses go inactive.
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(logPath)
		if strings.Count(string(data), "ADDRESS_INACTIVE") == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event log = %q", data)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
}
