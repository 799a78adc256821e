// Package tracker runs the per-address liveness model. Every tick it reads
// the seen-traffic flag of each monitored address, decays or refreshes the
// address's counter and mirrors inactive/active transitions into the
// data plane's fast-path table.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InetIntel/dynamic-telescope/pkg/aggregate"
	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	"github.com/InetIntel/dynamic-telescope/pkg/index"
)

// State is the classification of a counter value.
type State int

const (
	Inactive State = iota // counter 0
	Decaying              // 1..alpha, still active in the data plane
	Fresh                 // alpha+1, traffic seen last tick
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Decaying:
		return "decaying"
	case Fresh:
		return "fresh"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transition is reported for each address whose data-plane state changes.
type Transition struct {
	Index  uint32
	Addr   netip.Addr
	Active bool
}

// Options configures optional tracker behaviour.
type Options struct {
	// OnTransition is called after each state change, outside the lock.
	OnTransition func(Transition)
}

// Tally is the per-/24 count of inactive addresses after a complete tick.
type Tally struct {
	Blocks   map[netip.Prefix]uint64
	Inactive uint64
}

// Summary is a point-in-time view of the tracker for metrics and the API.
type Summary struct {
	Fresh    uint64
	Decaying uint64
	Inactive uint64
	Pending  int

	Ticks       uint64
	ToActive    uint64
	ToInactive  uint64
	ReadErrors  uint64
	WriteErrors uint64
	LastTick    time.Duration
}

// Tracker owns the liveness counters of one address space.
type Tracker struct {
	space *index.Space
	dp    dataplane.DataPlane
	alpha uint32
	opts  Options

	mu       sync.RWMutex
	counters []uint32
	pending  map[uint32]bool // index -> active state not yet written

	ticks       atomic.Uint64
	toActive    atomic.Uint64
	toInactive  atomic.Uint64
	readErrors  atomic.Uint64
	writeErrors atomic.Uint64
	lastTick    atomic.Int64
}

// New creates a tracker with every counter at alpha: addresses start
// active, as the data plane is initialised.
func New(space *index.Space, dp dataplane.DataPlane, alpha uint32, opts Options) (*Tracker, error) {
	if alpha < 1 {
		return nil, fmt.Errorf("alpha must be at least 1, got %d", alpha)
	}
	counters := make([]uint32, space.Len())
	for i := range counters {
		counters[i] = alpha
	}
	return &Tracker{
		space:    space,
		dp:       dp,
		alpha:    alpha,
		opts:     opts,
		counters: counters,
		pending:  make(map[uint32]bool),
	}, nil
}

// Alpha returns the number of quiet ticks an address survives.
func (t *Tracker) Alpha() uint32 { return t.alpha }

// Tick runs one polling pass over the whole address space. The tally is
// returned only for a complete pass; if ctx is cancelled mid-pass Tick
// returns ctx.Err() and the counters keep whatever was already updated.
func (t *Tracker) Tick(ctx context.Context) (Tally, error) {
	start := time.Now()
	t.retryPending(ctx)

	tally := Tally{Blocks: make(map[netip.Prefix]uint64)}
	var readErrs uint64
	n := t.space.Len()
	for i := uint32(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Tally{}, err
		}

		seen, err := t.dp.ReadFlag(ctx, i)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Tally{}, ctxErr
			}
			readErrs++
			slog.Debug("flag read failed", "index", i, "err", err)
			t.mu.RLock()
			c := t.counters[i]
			t.mu.RUnlock()
			if c == 0 {
				t.count(&tally, i)
			}
			continue
		}

		if seen {
			if err := t.dp.ClearFlag(ctx, i); err != nil {
				slog.Debug("flag clear failed", "index", i, "err", err)
			}
		}

		t.mu.Lock()
		old := t.counters[i]
		next := step(old, seen, t.alpha)
		t.counters[i] = next
		t.mu.Unlock()

		switch {
		case old == 0 && next > 0:
			t.transition(ctx, i, true)
		case old > 0 && next == 0:
			t.transition(ctx, i, false)
		}
		if next == 0 {
			t.count(&tally, i)
		}
	}

	t.readErrors.Add(readErrs)
	t.ticks.Add(1)
	elapsed := time.Since(start)
	t.lastTick.Store(int64(elapsed))
	slog.Info("tick complete", "addresses", n, "inactive", tally.Inactive,
		"dark_blocks", len(tally.Blocks), "read_errors", readErrs,
		"pending", t.pendingLen(), "elapsed", elapsed)
	return tally, nil
}

// step applies the counter transition rule: seen traffic resets to
// alpha+1, otherwise the counter decays by one until it reaches 0.
func step(c uint32, seen bool, alpha uint32) uint32 {
	if seen {
		return alpha + 1
	}
	if c > 0 {
		return c - 1
	}
	return 0
}

func (t *Tracker) count(tally *Tally, i uint32) {
	tally.Blocks[index.DarkKey(t.space.Addr(i))]++
	tally.Inactive++
}

// transition writes the new fast-path state and reports it. A failed
// write is queued and retried at the start of the next tick.
func (t *Tracker) transition(ctx context.Context, i uint32, active bool) {
	addr := t.space.Addr(i)
	if active {
		t.toActive.Add(1)
		slog.Warn("address became active", "addr", addr, "index", i)
	} else {
		t.toInactive.Add(1)
		slog.Warn("address became inactive", "addr", addr, "index", i)
	}

	if err := t.dp.WriteActiveState(ctx, i, active); err != nil {
		t.writeErrors.Add(1)
		slog.Debug("active state write failed, will retry", "index", i, "active", active, "err", err)
		t.mu.Lock()
		t.pending[i] = active
		t.mu.Unlock()
	} else {
		t.mu.Lock()
		delete(t.pending, i)
		t.mu.Unlock()
	}

	if t.opts.OnTransition != nil {
		t.opts.OnTransition(Transition{Index: i, Addr: addr, Active: active})
	}
}

// retryPending re-issues fast-path writes that failed on an earlier tick.
func (t *Tracker) retryPending(ctx context.Context) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	work := make(map[uint32]bool, len(t.pending))
	for i, active := range t.pending {
		work[i] = active
	}
	t.mu.Unlock()

	var ok int
	for i, active := range work {
		if ctx.Err() != nil {
			return
		}
		if err := t.dp.WriteActiveState(ctx, i, active); err != nil {
			t.writeErrors.Add(1)
			continue
		}
		ok++
		t.mu.Lock()
		// A newer transition during this tick may have replaced the entry.
		if cur, still := t.pending[i]; still && cur == active {
			delete(t.pending, i)
		}
		t.mu.Unlock()
	}
	slog.Info("retried pending active state writes", "pending", len(work), "written", ok)
}

func (t *Tracker) pendingLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Counter returns the counter of address index i.
func (t *Tracker) Counter(i uint32) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counters[i]
}

// StateOf classifies a counter value.
func (t *Tracker) StateOf(c uint32) State {
	switch {
	case c == 0:
		return Inactive
	case c > t.alpha:
		return Fresh
	default:
		return Decaying
	}
}

// QueryInactive returns the inactive addresses, optionally restricted to
// prefix, in index order.
func (t *Tracker) QueryInactive(prefix *netip.Prefix) []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []netip.Addr
	if prefix == nil {
		for i, c := range t.counters {
			if c == 0 {
				out = append(out, t.space.Addr(uint32(i)))
			}
		}
		return out
	}
	for i, a := range t.space.Covered(*prefix) {
		if t.counters[i] == 0 {
			out = append(out, a)
		}
	}
	return out
}

// InactivePrefixes returns the minimal CIDR cover of the inactive
// addresses, optionally restricted to prefix.
func (t *Tracker) InactivePrefixes(prefix *netip.Prefix) []netip.Prefix {
	return aggregate.Addrs(t.QueryInactive(prefix))
}

// Snapshot counts addresses per state and returns the cumulative stats.
func (t *Tracker) Snapshot() Summary {
	var s Summary
	t.mu.RLock()
	for _, c := range t.counters {
		switch t.StateOf(c) {
		case Inactive:
			s.Inactive++
		case Decaying:
			s.Decaying++
		case Fresh:
			s.Fresh++
		}
	}
	s.Pending = len(t.pending)
	t.mu.RUnlock()

	s.Ticks = t.ticks.Load()
	s.ToActive = t.toActive.Load()
	s.ToInactive = t.toInactive.Load()
	s.ReadErrors = t.readErrors.Load()
	s.WriteErrors = t.writeErrors.Load()
	s.LastTick = time.Duration(t.lastTick.Load())
	return s
}

// IsCancelled reports whether err ended a tick early.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
