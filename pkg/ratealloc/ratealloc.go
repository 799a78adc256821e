// Package ratealloc distributes the dark-traffic packet budget over the
// per-/24 dark meters in proportion to how much of each /24 is inactive.
package ratealloc

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	"github.com/InetIntel/dynamic-telescope/pkg/index"
	"github.com/InetIntel/dynamic-telescope/pkg/tracker"
)

// Budget is the total dark traffic the telescope admits. Only packet rates
// are metered; byte rates are carried for reporting.
type Budget struct {
	MaxPacketRate uint64
	AvgPacketRate uint64
	MaxByteRate   uint64
	AvgByteRate   uint64
	Burst         uint64
}

// Allocator owns the dark meters of one address space.
type Allocator struct {
	space     *index.Space
	dp        dataplane.DataPlane
	budget    Budget
	tableSize uint32

	mu    sync.RWMutex
	rates []dataplane.MeterRate // by dark index

	failures atomic.Uint64
}

// New creates an allocator. tableSize is the configured address index
// space, used for the initial per-/24 share.
func New(space *index.Space, dp dataplane.DataPlane, budget Budget, tableSize uint32) *Allocator {
	return &Allocator{
		space:     space,
		dp:        dp,
		budget:    budget,
		tableSize: tableSize,
		rates:     make([]dataplane.MeterRate, space.DarkLen()),
	}
}

// round3 rounds to three decimals.
func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

// initialShare is the rate of a /24 when the budget is spread evenly over
// the whole address index space.
func initialShare(rate uint64, tableSize uint32) uint64 {
	return uint64(math.Ceil(round3(float64(rate)/float64(tableSize)) * 256))
}

// share is ceil(rate * count / inactive).
func share(rate, count, inactive uint64) uint64 {
	return (rate*count + inactive - 1) / inactive
}

// Initialize programs the global meter with the whole budget and every
// dark meter with its even share. Any failure is fatal.
func (a *Allocator) Initialize(ctx context.Context) error {
	if a.tableSize == 0 {
		return fmt.Errorf("global table size must be positive")
	}
	global := dataplane.MeterRate{
		CommittedRate:  a.budget.AvgPacketRate,
		PeakRate:       a.budget.MaxPacketRate,
		CommittedBurst: a.budget.Burst,
		PeakBurst:      a.budget.Burst,
	}
	if err := a.dp.SetMeterRate(ctx, dataplane.MeterDarkGlobal, 0, global); err != nil {
		return fmt.Errorf("set %s: %w", dataplane.MeterDarkGlobal, err)
	}

	per := dataplane.MeterRate{
		CommittedRate:  initialShare(a.budget.AvgPacketRate, a.tableSize),
		PeakRate:       initialShare(a.budget.MaxPacketRate, a.tableSize),
		CommittedBurst: a.budget.Burst,
		PeakBurst:      a.budget.Burst,
	}
	for i := uint32(0); i < a.space.DarkLen(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.dp.SetMeterRate(ctx, dataplane.MeterDark, i, per); err != nil {
			return fmt.Errorf("set %s[%d]: %w", dataplane.MeterDark, i, err)
		}
		a.setRate(i, per)
	}
	slog.Info("dark meters initialized", "meters", a.space.DarkLen(),
		"committed", per.CommittedRate, "peak", per.PeakRate,
		"global_committed", global.CommittedRate, "global_peak", global.PeakRate)
	return nil
}

// Rebalance gives each /24 in the tally its proportional share of the
// budget. /24s without inactive addresses keep their last rate. A failed
// meter write is logged and counted; the remaining /24s are still written.
func (a *Allocator) Rebalance(ctx context.Context, tally tracker.Tally) error {
	if tally.Inactive == 0 {
		return nil
	}
	var updated, failed int
	for key, count := range tally.Blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		i, ok := a.space.DarkIndex(key)
		if !ok {
			slog.Warn("tallied /24 has no dark index", "prefix", key)
			continue
		}
		rate := dataplane.MeterRate{
			CommittedRate:  share(a.budget.AvgPacketRate, count, tally.Inactive),
			PeakRate:       share(a.budget.MaxPacketRate, count, tally.Inactive),
			CommittedBurst: a.budget.Burst,
			PeakBurst:      a.budget.Burst,
		}
		if err := a.dp.SetMeterRate(ctx, dataplane.MeterDark, i, rate); err != nil {
			failed++
			a.failures.Add(1)
			slog.Warn("dark meter update failed", "prefix", key, "dark_index", i, "err", err)
			continue
		}
		a.setRate(i, rate)
		updated++
	}
	slog.Info("dark meters rebalanced", "updated", updated, "failed", failed,
		"inactive", tally.Inactive)
	return nil
}

func (a *Allocator) setRate(i uint32, r dataplane.MeterRate) {
	a.mu.Lock()
	a.rates[i] = r
	a.mu.Unlock()
}

// Rate returns the last rate written to dark meter i.
func (a *Allocator) Rate(i uint32) dataplane.MeterRate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rates[i]
}

// Rates returns the last rate written per /24.
func (a *Allocator) Rates() map[netip.Prefix]dataplane.MeterRate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[netip.Prefix]dataplane.MeterRate, len(a.rates))
	for i, r := range a.rates {
		out[a.space.DarkPrefix(uint32(i))] = r
	}
	return out
}

// Budget returns the configured budget.
func (a *Allocator) Budget() Budget { return a.budget }

// Failures returns the number of failed meter writes during rebalancing.
func (a *Allocator) Failures() uint64 { return a.failures.Load() }
