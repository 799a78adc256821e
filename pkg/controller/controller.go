// Package controller runs the telescope control loop: one-time programming
// of the data plane, then a tick every interval that refreshes liveness,
// rebalances the dark meters and keeps the dark counters from saturating.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	"github.com/InetIntel/dynamic-telescope/pkg/index"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
	"github.com/InetIntel/dynamic-telescope/pkg/ratealloc"
	"github.com/InetIntel/dynamic-telescope/pkg/tracker"
)

// Options configures a Controller.
type Options struct {
	Interval          time.Duration
	Alpha             uint32
	TableSize         uint32 // configured address index space
	OverflowThreshold uint64
	Budget            ratealloc.Budget

	Incoming []string
	Outgoing []string

	// Events receives transitions and dark counter resets. May be nil.
	Events *logging.EventBuffer

	// ResolvePort maps a port role value to its table key. Defaults to
	// dataplane.ResolvePort.
	ResolvePort func(string) (uint64, error)
}

// Stats is a snapshot of the controller for metrics and the API.
type Stats struct {
	Tracker tracker.Summary

	Addresses  uint32
	DarkBlocks uint32

	// Inactive /24s and addresses after the last complete tick.
	InactiveBlocks    int
	InactiveAddresses uint64

	IncompleteTicks   uint64
	LastTickAt        time.Time
	DarkResets        uint64
	DarkResetErrors   uint64
	DarkReadErrors    uint64
	MeterUpdateErrors uint64
	OverflowThreshold uint64
	Interval          time.Duration
}

// Controller ties the address space, tracker and rate allocator to one
// data plane.
type Controller struct {
	space   *index.Space
	dp      dataplane.DataPlane
	tracker *tracker.Tracker
	alloc   *ratealloc.Allocator
	opts    Options

	mu         sync.RWMutex
	lastTally  tracker.Tally
	lastTickAt time.Time

	incomplete  atomic.Uint64
	resets      atomic.Uint64
	resetErrors atomic.Uint64
	darkErrors  atomic.Uint64
}

// New creates a controller. Nothing is written to the data plane until
// Setup.
func New(space *index.Space, dp dataplane.DataPlane, opts Options) (*Controller, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if opts.ResolvePort == nil {
		opts.ResolvePort = dataplane.ResolvePort
	}
	c := &Controller{
		space: space,
		dp:    dp,
		opts:  opts,
		alloc: ratealloc.New(space, dp, opts.Budget, opts.TableSize),
	}
	t, err := tracker.New(space, dp, opts.Alpha, tracker.Options{OnTransition: c.onTransition})
	if err != nil {
		return nil, err
	}
	c.tracker = t
	return c, nil
}

// Tracker returns the liveness tracker for queries.
func (c *Controller) Tracker() *tracker.Tracker { return c.tracker }

// Allocator returns the rate allocator.
func (c *Controller) Allocator() *ratealloc.Allocator { return c.alloc }

// Space returns the monitored address space.
func (c *Controller) Space() *index.Space { return c.space }

// DataPlane returns the data plane the controller drives.
func (c *Controller) DataPlane() dataplane.DataPlane { return c.dp }

func (c *Controller) onTransition(tr tracker.Transition) {
	if c.opts.Events == nil {
		return
	}
	typ := logging.EventAddressInactive
	if tr.Active {
		typ = logging.EventAddressActive
	}
	c.opts.Events.Add(logging.EventRecord{Type: typ, Addr: tr.Addr, Index: tr.Index})
}

// Setup programs the data plane: initial register state, monitored table,
// port roles and meters. Entries left by an earlier run are accepted;
// every other failure is returned.
func (c *Controller) Setup(ctx context.Context) error {
	if err := c.dp.Init(ctx, c.space.Len(), c.space.DarkLen()); err != nil {
		return fmt.Errorf("init %s: %w", c.dp.Name(), err)
	}
	if err := c.space.Populate(ctx, c.dp); err != nil {
		return err
	}
	if err := c.programPorts(ctx); err != nil {
		return err
	}
	if err := c.alloc.Initialize(ctx); err != nil {
		return fmt.Errorf("meters: %w", err)
	}
	slog.Info("data plane programmed", "dataplane", c.dp.Name(),
		"addresses", c.space.Len(), "dark_blocks", c.space.DarkLen())
	return nil
}

func (c *Controller) programPorts(ctx context.Context) error {
	roles := []struct {
		action string
		ports  []string
	}{
		{dataplane.ActionSetIncoming, c.opts.Incoming},
		{dataplane.ActionSetOutgoing, c.opts.Outgoing},
	}
	for _, role := range roles {
		for _, p := range role.ports {
			key, err := c.opts.ResolvePort(p)
			if err != nil {
				return err
			}
			err = c.dp.AddTableEntry(ctx, dataplane.TableEntry{
				Table:  dataplane.TablePorts,
				Key:    dataplane.MatchKey{Exact: key},
				Action: role.action,
			})
			if err := dataplane.IgnoreExisting(err); err != nil {
				return fmt.Errorf("port %s (%s): %w", p, role.action, err)
			}
			slog.Debug("port role set", "port", p, "key", key, "action", role.action)
		}
	}
	return nil
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	slog.Info("control loop started", "interval", c.opts.Interval,
		"addresses", c.space.Len(), "alpha", c.opts.Alpha)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(ctx); err != nil && !tracker.IsCancelled(err) {
			slog.Warn("tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("control loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one tick: liveness pass, rebalance and the dark
// counter sweep. Nothing is rebalanced after an interrupted pass.
func (c *Controller) RunOnce(ctx context.Context) error {
	tally, err := c.tracker.Tick(ctx)
	if err != nil {
		c.incomplete.Add(1)
		return err
	}
	c.mu.Lock()
	c.lastTally = tally
	c.lastTickAt = time.Now()
	c.mu.Unlock()

	if err := c.alloc.Rebalance(ctx, tally); err != nil {
		return err
	}
	return c.sweepDarkCounters(ctx)
}

// InactiveBlocks returns the per-/24 inactive counts of the last complete
// tick.
func (c *Controller) InactiveBlocks() map[netip.Prefix]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[netip.Prefix]uint64, len(c.lastTally.Blocks))
	for k, v := range c.lastTally.Blocks {
		out[k] = v
	}
	return out
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		InactiveBlocks:    len(c.lastTally.Blocks),
		InactiveAddresses: c.lastTally.Inactive,
		LastTickAt:        c.lastTickAt,
	}
	c.mu.RUnlock()

	s.Tracker = c.tracker.Snapshot()
	s.Addresses = c.space.Len()
	s.DarkBlocks = c.space.DarkLen()
	s.IncompleteTicks = c.incomplete.Load()
	s.DarkResets = c.resets.Load()
	s.DarkResetErrors = c.resetErrors.Load()
	s.DarkReadErrors = c.darkErrors.Load()
	s.MeterUpdateErrors = c.alloc.Failures()
	s.OverflowThreshold = c.opts.OverflowThreshold
	s.Interval = c.opts.Interval
	return s
}

// Close releases the data plane.
func (c *Controller) Close() error {
	return c.dp.Close()
}
