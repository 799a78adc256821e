package dataplane

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// flaky wraps a Memory switch and fails selected calls.
type flaky struct {
	*Memory
	mu        sync.Mutex
	readErr   error
	writeErrs []error // consumed one per WriteActiveState call
	writes    int
}

func (f *flaky) ReadFlag(ctx context.Context, index uint32) (bool, error) {
	if f.readErr != nil {
		return false, f.readErr
	}
	return f.Memory.ReadFlag(ctx, index)
}

func (f *flaky) WriteActiveState(ctx context.Context, index uint32, active bool) error {
	f.mu.Lock()
	f.writes++
	var err error
	if len(f.writeErrs) > 0 {
		err, f.writeErrs = f.writeErrs[0], f.writeErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Memory.WriteActiveState(ctx, index, active)
}

var fastRetry = RetryPolicy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestNewGroupEmpty(t *testing.T) {
	if _, err := NewGroup(fastRetry); err == nil {
		t.Fatal("expected error for empty group")
	}
}

func TestGroupReadFlagOR(t *testing.T) {
	a, b := NewMemory("a"), NewMemory("b")
	g, err := NewGroup(fastRetry, a, b)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	seen, err := g.ReadFlag(ctx, 5)
	if err != nil || seen {
		t.Fatalf("no traffic: seen=%v err=%v", seen, err)
	}
	b.SetFlag(5)
	seen, err = g.ReadFlag(ctx, 5)
	if err != nil || !seen {
		t.Fatalf("traffic on b: seen=%v err=%v", seen, err)
	}
	if g.Name() != "a,b" {
		t.Errorf("Name() = %q", g.Name())
	}
}

func TestGroupReadFlagPartialFailure(t *testing.T) {
	down := &flaky{Memory: NewMemory("down"), readErr: errors.New("connection refused")}
	up := NewMemory("up")
	g, _ := NewGroup(fastRetry, down, up)
	ctx := context.Background()

	// Unreadable replica and no traffic elsewhere: unknown.
	if _, err := g.ReadFlag(ctx, 1); err == nil {
		t.Fatal("expected error when a replica is unreadable and none saw traffic")
	}

	// Traffic on a readable replica wins over the failure.
	up.SetFlag(1)
	seen, err := g.ReadFlag(ctx, 1)
	if err != nil || !seen {
		t.Fatalf("seen=%v err=%v, want true <nil>", seen, err)
	}
}

func TestGroupWriteFanOut(t *testing.T) {
	a, b := NewMemory("a"), NewMemory("b")
	g, _ := NewGroup(fastRetry, a, b)
	ctx := context.Background()
	if err := g.Init(ctx, 4, 1); err != nil {
		t.Fatal(err)
	}
	if err := g.WriteActiveState(ctx, 2, false); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*Memory{a, b} {
		if m.Active(2) {
			t.Errorf("%s: index 2 still active", m.Name())
		}
		if !m.Active(1) {
			t.Errorf("%s: index 1 not active after init", m.Name())
		}
	}
}

func TestGroupRetriesTransient(t *testing.T) {
	f := &flaky{
		Memory:    NewMemory("f"),
		writeErrs: []error{fmt.Errorf("%w: timeout", ErrTransient), fmt.Errorf("%w: timeout", ErrTransient)},
	}
	g, _ := NewGroup(fastRetry, f, NewMemory("ok"))
	if err := g.WriteActiveState(context.Background(), 0, false); err != nil {
		t.Fatalf("err = %v, want success after retries", err)
	}
	if f.writes != 3 {
		t.Errorf("attempts = %d, want 3", f.writes)
	}
	if f.Active(0) {
		t.Error("write not applied after retry")
	}
}

func TestGroupRetryExhausted(t *testing.T) {
	transient := fmt.Errorf("%w: timeout", ErrTransient)
	f := &flaky{Memory: NewMemory("f"), writeErrs: []error{transient, transient, transient, transient}}
	ok := NewMemory("ok")
	g, _ := NewGroup(fastRetry, f, ok)
	err := g.WriteActiveState(context.Background(), 0, false)
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if f.writes != fastRetry.Attempts {
		t.Errorf("attempts = %d, want %d", f.writes, fastRetry.Attempts)
	}
	// The healthy replica was still written.
	if ok.ActiveWrites(false) != 1 {
		t.Errorf("healthy replica writes = %d, want 1", ok.ActiveWrites(false))
	}
}

func TestGroupPersistentErrorNotRetried(t *testing.T) {
	f := &flaky{Memory: NewMemory("f"), writeErrs: []error{errors.New("permission denied")}}
	g, _ := NewGroup(fastRetry, f)
	if err := g.WriteActiveState(context.Background(), 0, true); err == nil {
		t.Fatal("expected error")
	}
	if f.writes != 1 {
		t.Errorf("attempts = %d, want 1", f.writes)
	}
}

func TestGroupAlreadyExists(t *testing.T) {
	prefix := netip.MustParsePrefix("10.0.0.0/24")
	entry := TableEntry{
		Table:  TableMonitored,
		Key:    MatchKey{Prefix: prefix},
		Action: ActionCalcIdx,
		Params: MonitoredParams(prefix, 0, 0),
	}
	a, b := NewMemory("a"), NewMemory("b")
	ctx := context.Background()

	// Programmed on a only: b succeeds, so the group succeeds.
	if err := a.AddTableEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}
	g, _ := NewGroup(fastRetry, a, b)
	if err := g.AddTableEntry(ctx, entry); err != nil {
		t.Fatalf("partial existing: err = %v, want nil", err)
	}

	// Now on both: every replica reports it.
	err := g.AddTableEntry(ctx, entry)
	if !IsAlreadyExists(err) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if IgnoreExisting(err) != nil {
		t.Error("IgnoreExisting did not drop ErrAlreadyExists")
	}

	// A conflicting entry is not ignorable.
	conflict := entry
	conflict.Params = MonitoredParams(prefix, 256, 1)
	err = g.AddTableEntry(ctx, conflict)
	if err == nil || IsAlreadyExists(err) {
		t.Fatalf("conflict: err = %v, want persistent error", err)
	}
}

func TestGroupDarkCounterSum(t *testing.T) {
	a, b := NewMemory("a"), NewMemory("b")
	g, _ := NewGroup(fastRetry, a, b)
	ctx := context.Background()
	a.AddDarkTraffic(3, 10, 1000)
	b.AddDarkTraffic(3, 5, 500)

	v, err := g.ReadDarkCounter(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if v.Packets != 15 || v.Bytes != 1500 {
		t.Errorf("sum = %+v, want 15/1500", v)
	}
	if err := g.ResetDarkCounter(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if v, _ := g.ReadDarkCounter(ctx, 3); v.Packets != 0 {
		t.Errorf("after reset = %+v", v)
	}
}

func TestGroupContextCancelledDuringBackoff(t *testing.T) {
	transient := fmt.Errorf("%w: timeout", ErrTransient)
	f := &flaky{Memory: NewMemory("f"), writeErrs: []error{transient, transient, transient}}
	g, _ := NewGroup(RetryPolicy{Attempts: 3, Backoff: time.Hour}, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.WriteActiveState(ctx, 0, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
