package controller

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	"github.com/InetIntel/dynamic-telescope/pkg/index"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
	"github.com/InetIntel/dynamic-telescope/pkg/ratealloc"
)

var testBudget = ratealloc.Budget{
	MaxPacketRate: 1174405,
	AvgPacketRate: 343933,
	MaxByteRate:   338102845,
	AvgByteRate:   17758683,
	Burst:         100,
}

func numericPorts(p string) (uint64, error) {
	switch p {
	case "1":
		return 1, nil
	case "2":
		return 2, nil
	case "3":
		return 3, nil
	}
	return 0, errors.New("no such port " + p)
}

func newTestController(t *testing.T, events *logging.EventBuffer, pfxs ...string) (*Controller, *dataplane.Memory) {
	t.Helper()
	var in []netip.Prefix
	for _, p := range pfxs {
		in = append(in, netip.MustParsePrefix(p))
	}
	space, err := index.Build(in, index.DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	mem := dataplane.NewMemory("s1")
	c, err := New(space, mem, Options{
		Interval:          time.Minute,
		Alpha:             1,
		TableSize:         index.DefaultLimits.Addresses,
		OverflowThreshold: 1024,
		Budget:            testBudget,
		Incoming:          []string{"2", "3"},
		Outgoing:          []string{"1"},
		Events:            events,
		ResolvePort:       numericPorts,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, mem
}

func TestSetup(t *testing.T) {
	c, mem := newTestController(t, nil, "10.0.0.0/24", "10.0.1.0/30")
	ctx := context.Background()
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}

	if n := len(mem.Entries(dataplane.TableMonitored)); n != 2 {
		t.Errorf("monitored entries = %d, want 2", n)
	}
	ports := mem.Entries(dataplane.TablePorts)
	if len(ports) != 3 {
		t.Fatalf("port entries = %d, want 3", len(ports))
	}
	roles := make(map[uint64]string)
	for _, e := range ports {
		roles[e.Key.Exact] = e.Action
	}
	if roles[1] != dataplane.ActionSetOutgoing || roles[2] != dataplane.ActionSetIncoming || roles[3] != dataplane.ActionSetIncoming {
		t.Errorf("port roles = %v", roles)
	}
	for i := uint32(0); i < c.Space().Len(); i++ {
		if !mem.Active(i) {
			t.Fatalf("index %d not active after setup", i)
		}
	}
	if r, ok := mem.Meter(dataplane.MeterDark, 1); !ok || r.CommittedRate != 21 || r.PeakRate != 72 {
		t.Errorf("dark meter 1 = %+v, %v", r, ok)
	}

	// A restarted controller finds its entries already in place.
	if err := c.Setup(ctx); err != nil {
		t.Fatalf("second setup: %v", err)
	}
}

func TestSetupPortFailure(t *testing.T) {
	c, _ := newTestController(t, nil, "10.0.0.0/24")
	c.opts.Incoming = []string{"eth9"}
	if err := c.Setup(context.Background()); err == nil {
		t.Fatal("expected error for unresolvable port")
	}
}

func TestSetupConflictingEntry(t *testing.T) {
	c, mem := newTestController(t, nil, "10.0.0.0/24")
	ctx := context.Background()
	// Port 2 already programmed with the other role.
	if err := mem.AddTableEntry(ctx, dataplane.TableEntry{
		Table:  dataplane.TablePorts,
		Key:    dataplane.MatchKey{Exact: 2},
		Action: dataplane.ActionSetOutgoing,
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Setup(ctx); err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestRunOnce(t *testing.T) {
	events := logging.NewEventBuffer(1000)
	c, mem := newTestController(t, events, "10.0.0.0/24")
	ctx := context.Background()
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	for i := uint32(0); i < 10; i++ {
		mem.SetFlag(i)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	st := c.Stats()
	if st.InactiveAddresses != 246 || st.InactiveBlocks != 1 {
		t.Errorf("inactive = %d addresses in %d blocks", st.InactiveAddresses, st.InactiveBlocks)
	}
	if st.Tracker.Ticks != 1 || st.LastTickAt.IsZero() {
		t.Errorf("stats = %+v", st)
	}
	// The only dark /24 gets the whole budget.
	r, _ := mem.Meter(dataplane.MeterDark, 0)
	if r.CommittedRate != 343933 || r.PeakRate != 1174405 {
		t.Errorf("dark meter = %+v", r)
	}
	if got := c.InactiveBlocks()[netip.MustParsePrefix("10.0.0.0/24")]; got != 246 {
		t.Errorf("InactiveBlocks = %d", got)
	}

	evs := events.LatestFiltered(1000, logging.EventFilter{Type: logging.EventAddressInactive})
	if len(evs) != 246 {
		t.Errorf("inactive events = %d, want 246", len(evs))
	}

	// Traffic returns on an inactive address.
	mem.SetFlag(200)
	if err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	act := events.LatestFiltered(10, logging.EventFilter{Type: logging.EventAddressActive})
	if len(act) != 1 || act[0].Addr != netip.MustParseAddr("10.0.0.200") {
		t.Errorf("active events = %v", act)
	}
	if !mem.Active(200) {
		t.Error("10.0.0.200 not reactivated in data plane")
	}
}

func TestDarkCounterSweep(t *testing.T) {
	events := logging.NewEventBuffer(1000)
	c, mem := newTestController(t, events, "10.0.0.0/24", "10.0.1.0/24")
	ctx := context.Background()
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	mem.AddDarkTraffic(0, 2000, 120000)
	mem.AddDarkTraffic(1, 1024, 60000) // at threshold, kept

	if err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadDarkCounter(ctx, 0); v.Packets != 0 {
		t.Errorf("counter 0 = %d, want reset", v.Packets)
	}
	if v, _ := mem.ReadDarkCounter(ctx, 1); v.Packets != 1024 {
		t.Errorf("counter 1 = %d, want 1024", v.Packets)
	}
	resets := events.LatestFiltered(10, logging.EventFilter{Type: logging.EventDarkReset})
	if len(resets) != 1 || resets[0].Count != 2000 || resets[0].Prefix != netip.MustParsePrefix("10.0.0.0/24") {
		t.Errorf("reset events = %v", resets)
	}
	if st := c.Stats(); st.DarkResets != 1 || st.DarkResetErrors != 0 {
		t.Errorf("stats resets = %d errors = %d", st.DarkResets, st.DarkResetErrors)
	}

	// Never above threshold on two consecutive sweeps.
	mem.AddDarkTraffic(1, 1, 60)
	if err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadDarkCounter(ctx, 1); v.Packets != 0 {
		t.Errorf("counter 1 = %d after crossing threshold", v.Packets)
	}
}

// failingReset rejects every dark counter reset.
type failingReset struct {
	*dataplane.Memory
}

func (f failingReset) ResetDarkCounter(context.Context, uint32) error {
	return errors.New("register write rejected")
}

func TestDarkCounterResetFailure(t *testing.T) {
	space, err := index.Build([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}, index.DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	mem := dataplane.NewMemory("s1")
	c, err := New(space, failingReset{mem}, Options{Interval: time.Minute, Alpha: 1, TableSize: 256, OverflowThreshold: 10})
	if err != nil {
		t.Fatal(err)
	}
	mem.AddDarkTraffic(0, 11, 0)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := c.Stats(); st.DarkResetErrors != 1 || st.DarkResets != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunOnceCancelled(t *testing.T) {
	c, mem := newTestController(t, nil, "10.0.0.0/24")
	if err := c.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce = %v, want context.Canceled", err)
	}
	if st := c.Stats(); st.IncompleteTicks != 1 || !st.LastTickAt.IsZero() {
		t.Errorf("stats = %+v", st)
	}
	// No rebalance after a partial pass.
	if r, _ := mem.Meter(dataplane.MeterDark, 0); r.CommittedRate != 21 {
		t.Errorf("dark meter rebalanced after cancelled tick: %+v", r)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _ := newTestController(t, nil, "10.0.0.0/30")
	c.opts.Interval = 5 * time.Millisecond
	if err := c.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for c.Stats().Tracker.Ticks < 3 {
		select {
		case <-deadline:
			t.Fatal("loop did not tick")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	space, _ := index.Build([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/30")}, index.DefaultLimits)
	mem := dataplane.NewMemory("s1")
	if _, err := New(space, mem, Options{Alpha: 1}); err == nil {
		t.Error("expected error for zero interval")
	}
	if _, err := New(space, mem, Options{Interval: time.Second}); err == nil {
		t.Error("expected error for zero alpha")
	}
}
