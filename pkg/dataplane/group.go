package dataplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetryPolicy bounds the retries of transient failures on one replica.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetry retries a transient failure three times, starting at 50ms.
var DefaultRetry = RetryPolicy{Attempts: 4, Backoff: 50 * time.Millisecond, MaxBackoff: time.Second}

var _ DataPlane = (*Group)(nil)

// Group presents several switch replicas observing the same address space
// as one DataPlane. Seen flags are OR-ed across replicas; writes go to
// every replica. There is no cross-replica transaction: a write that fails
// on one replica leaves the replicas inconsistent until the next
// successful write of that slot.
type Group struct {
	replicas []DataPlane
	retry    RetryPolicy
}

// NewGroup creates a replica group. At least one replica is required.
func NewGroup(retry RetryPolicy, replicas ...DataPlane) (*Group, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("replica group needs at least one switch")
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Group{replicas: replicas, retry: retry}, nil
}

// Replicas returns the member switches.
func (g *Group) Replicas() []DataPlane {
	return g.replicas
}

// Name returns the comma-separated replica names.
func (g *Group) Name() string {
	names := make([]string, len(g.replicas))
	for i, dp := range g.replicas {
		names[i] = dp.Name()
	}
	return strings.Join(names, ",")
}

// do runs op against one replica, retrying transient failures with
// exponential backoff.
func (g *Group) do(ctx context.Context, dp DataPlane, op func(DataPlane) error) error {
	backoff := g.retry.Backoff
	for attempt := 1; ; attempt++ {
		err := op(dp)
		if err == nil || !IsTransient(err) || attempt >= g.retry.Attempts {
			return err
		}
		slog.Debug("retrying transient dataplane failure",
			"switch", dp.Name(), "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if g.retry.MaxBackoff > 0 {
			backoff = min(backoff*2, g.retry.MaxBackoff)
		}
	}
}

// fanOut applies op to every replica concurrently and waits for all of
// them; one replica failing does not cancel the others.
func (g *Group) fanOut(ctx context.Context, op func(DataPlane) error) error {
	if len(g.replicas) == 1 {
		return g.do(ctx, g.replicas[0], op)
	}
	errs := make([]error, len(g.replicas))
	var eg errgroup.Group
	for i, dp := range g.replicas {
		eg.Go(func() error {
			errs[i] = g.do(ctx, dp, op)
			return nil
		})
	}
	_ = eg.Wait()
	return g.joinErrors(errs)
}

// joinErrors merges per-replica errors. Replicas that only reported
// ErrAlreadyExists count as successful unless no replica did anything else.
func (g *Group) joinErrors(errs []error) error {
	var failed, existing []error
	for i, err := range errs {
		switch {
		case err == nil:
		case IsAlreadyExists(err):
			existing = append(existing, fmt.Errorf("%s: %w", g.replicas[i].Name(), err))
		default:
			failed = append(failed, fmt.Errorf("%s: %w", g.replicas[i].Name(), err))
		}
	}
	if len(failed) > 0 {
		return errors.Join(failed...)
	}
	if len(existing) == len(errs) {
		return errors.Join(existing...)
	}
	return nil
}

func (g *Group) Init(ctx context.Context, addresses, darkBlocks uint32) error {
	return g.fanOut(ctx, func(dp DataPlane) error {
		return dp.Init(ctx, addresses, darkBlocks)
	})
}

// ReadFlag returns true as soon as any replica saw traffic. If no replica
// saw traffic and at least one could not be read, the error is returned:
// the unreadable replica may have seen it.
func (g *Group) ReadFlag(ctx context.Context, index uint32) (bool, error) {
	var errs []error
	for _, dp := range g.replicas {
		var seen bool
		err := g.do(ctx, dp, func(dp DataPlane) error {
			var err error
			seen, err = dp.ReadFlag(ctx, index)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dp.Name(), err))
			continue
		}
		if seen {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

func (g *Group) ClearFlag(ctx context.Context, index uint32) error {
	return g.fanOut(ctx, func(dp DataPlane) error {
		return dp.ClearFlag(ctx, index)
	})
}

func (g *Group) WriteActiveState(ctx context.Context, index uint32, active bool) error {
	return g.fanOut(ctx, func(dp DataPlane) error {
		return dp.WriteActiveState(ctx, index, active)
	})
}

// ReadDarkCounter sums the counter over all replicas. Any unreadable
// replica fails the read.
func (g *Group) ReadDarkCounter(ctx context.Context, darkIndex uint32) (CounterValue, error) {
	var total CounterValue
	for _, dp := range g.replicas {
		var v CounterValue
		err := g.do(ctx, dp, func(dp DataPlane) error {
			var err error
			v, err = dp.ReadDarkCounter(ctx, darkIndex)
			return err
		})
		if err != nil {
			return CounterValue{}, fmt.Errorf("%s: %w", dp.Name(), err)
		}
		total.Packets += v.Packets
		total.Bytes += v.Bytes
	}
	return total, nil
}

func (g *Group) ResetDarkCounter(ctx context.Context, darkIndex uint32) error {
	return g.fanOut(ctx, func(dp DataPlane) error {
		return dp.ResetDarkCounter(ctx, darkIndex)
	})
}

func (g *Group) SetMeterRate(ctx context.Context, meter string, index uint32, rate MeterRate) error {
	return g.fanOut(ctx, func(dp DataPlane) error {
		return dp.SetMeterRate(ctx, meter, index, rate)
	})
}

func (g *Group) AddTableEntry(ctx context.Context, entry TableEntry) error {
	return g.fanOut(ctx, func(dp DataPlane) error {
		return dp.AddTableEntry(ctx, entry)
	})
}

// Close closes every replica and returns the joined errors.
func (g *Group) Close() error {
	var errs []error
	for _, dp := range g.replicas {
		if err := dp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dp.Name(), err))
		}
	}
	return errors.Join(errs...)
}
