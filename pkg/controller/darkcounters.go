package controller

import (
	"context"
	"log/slog"

	"github.com/InetIntel/dynamic-telescope/pkg/logging"
)

// sweepDarkCounters resets every dark counter above the overflow
// threshold so the per-/24 logging state never saturates.
func (c *Controller) sweepDarkCounters(ctx context.Context) error {
	var over, reset, failed int
	for i := uint32(0); i < c.space.DarkLen(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := c.dp.ReadDarkCounter(ctx, i)
		if err != nil {
			c.darkErrors.Add(1)
			slog.Debug("dark counter read failed", "dark_index", i, "err", err)
			continue
		}
		if v.Packets <= c.opts.OverflowThreshold {
			continue
		}
		over++
		prefix := c.space.DarkPrefix(i)
		if err := c.dp.ResetDarkCounter(ctx, i); err != nil {
			failed++
			c.resetErrors.Add(1)
			slog.Warn("dark counter reset failed", "prefix", prefix, "dark_index", i, "err", err)
			continue
		}
		reset++
		c.resets.Add(1)
		if c.opts.Events != nil {
			c.opts.Events.Add(logging.EventRecord{
				Type:   logging.EventDarkReset,
				Index:  i,
				Prefix: prefix,
				Count:  v.Packets,
			})
		}
	}
	if over > 0 {
		slog.Info("dark counters swept", "over_threshold", over, "reset", reset,
			"failed", failed, "threshold", c.opts.OverflowThreshold)
	}
	return nil
}
