package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// FlapAggregator counts address state changes per /24 and periodically
// reports the /24s whose addresses changed state most often.
type FlapAggregator struct {
	mu     sync.Mutex
	blocks map[netip.Prefix]*flapEntry

	flushInterval time.Duration
	topN          int
	logFn         func(severity int, msg string) // where to send reports
}

type flapEntry struct {
	ToInactive uint64
	ToActive   uint64
}

// FlapEntry is a single top-N entry returned by Flush.
type FlapEntry struct {
	Prefix     netip.Prefix
	ToInactive uint64
	ToActive   uint64
}

// Total is the number of state changes in the block.
func (e FlapEntry) Total() uint64 { return e.ToInactive + e.ToActive }

// NewFlapAggregator creates a new aggregator. flushInterval defaults to one
// hour and topN to 10.
func NewFlapAggregator(flushInterval time.Duration, topN int) *FlapAggregator {
	if flushInterval <= 0 {
		flushInterval = time.Hour
	}
	if topN <= 0 {
		topN = 10
	}
	return &FlapAggregator{
		blocks:        make(map[netip.Prefix]*flapEntry),
		flushInterval: flushInterval,
		topN:          topN,
	}
}

// SetLogFunc sets the function used to emit report lines.
func (fa *FlapAggregator) SetLogFunc(fn func(severity int, msg string)) {
	fa.mu.Lock()
	fa.logFn = fn
	fa.mu.Unlock()
}

// Add records an event. Only address state changes are counted.
func (fa *FlapAggregator) Add(rec EventRecord) {
	if rec.Type != EventAddressInactive && rec.Type != EventAddressActive {
		return
	}
	if !rec.Addr.Is4() {
		return
	}
	key, _ := rec.Addr.Prefix(24)

	fa.mu.Lock()
	defer fa.mu.Unlock()

	e, ok := fa.blocks[key]
	if !ok {
		e = &flapEntry{}
		fa.blocks[key] = e
	}
	if rec.Type == EventAddressInactive {
		e.ToInactive++
	} else {
		e.ToActive++
	}
}

// Flush returns the top-N /24s by state changes, then resets counters.
func (fa *FlapAggregator) Flush() []FlapEntry {
	fa.mu.Lock()
	blocks := fa.blocks
	fa.blocks = make(map[netip.Prefix]*flapEntry)
	fa.mu.Unlock()

	return topEntries(blocks, fa.topN)
}

// Run counts events received on sub and reports every flush interval.
// Blocks until ctx is cancelled, then closes sub.
func (fa *FlapAggregator) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()

	ticker := time.NewTicker(fa.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			fa.Add(rec)
		case <-ticker.C:
			fa.flushAndLog()
		}
	}
}

func (fa *FlapAggregator) flushAndLog() {
	top := fa.Flush()
	if len(top) == 0 {
		return
	}

	fa.mu.Lock()
	logFn := fa.logFn
	fa.mu.Unlock()

	for _, e := range top {
		msg := fmt.Sprintf("TELESCOPE_FLAP_REPORT prefix=%s to_inactive=%d to_active=%d",
			e.Prefix, e.ToInactive, e.ToActive)
		if logFn != nil {
			logFn(SyslogInfo, msg)
		}
		slog.Info(msg)
	}
}

func topEntries(m map[netip.Prefix]*flapEntry, n int) []FlapEntry {
	if len(m) == 0 {
		return nil
	}
	entries := make([]FlapEntry, 0, len(m))
	for p, e := range m {
		entries = append(entries, FlapEntry{Prefix: p, ToInactive: e.ToInactive, ToActive: e.ToActive})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Total() != entries[j].Total() {
			return entries[i].Total() > entries[j].Total()
		}
		return entries[i].Prefix.Addr().Less(entries[j].Prefix.Addr())
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
