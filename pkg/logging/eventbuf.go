// Package logging keeps recent telescope events in memory and forwards
// them and slog records to remote syslog.
package logging

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventAddressInactive = "ADDRESS_INACTIVE"
	EventAddressActive   = "ADDRESS_ACTIVE"
	EventDarkReset       = "DARK_COUNTER_RESET"
)

// EventRecord is a formatted event stored in the event buffer.
type EventRecord struct {
	Seq    uint64
	Time   time.Time
	Type   string
	Addr   netip.Addr   // ADDRESS_*: the address that changed state
	Index  uint32       // address index or dark index
	Prefix netip.Prefix // DARK_COUNTER_RESET: the /24
	Count  uint64       // DARK_COUNTER_RESET: packets seen before reset
}

// String renders the record as a single log line.
func (r EventRecord) String() string {
	switch r.Type {
	case EventDarkReset:
		return fmt.Sprintf("%s prefix=%s dark_index=%d packets=%d", r.Type, r.Prefix, r.Index, r.Count)
	default:
		return fmt.Sprintf("%s addr=%s index=%d", r.Type, r.Addr, r.Index)
	}
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is left open so a concurrent Add never
// sends on a closed channel.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event, overwriting the oldest if full, and stamps it with
// the next sequence number. Slow subscribers miss events rather than block
// the caller.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default:
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// Total returns the number of events ever added.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Type   string       // case-insensitive substring match on Type
	Prefix netip.Prefix // match events whose address or /24 lies in Prefix
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Type == "" && !f.Prefix.IsValid()
}

// Match reports whether rec passes the filter.
func (f EventFilter) Match(rec EventRecord) bool {
	if f.Type != "" && !strings.Contains(strings.ToLower(rec.Type), strings.ToLower(f.Type)) {
		return false
	}
	if f.Prefix.IsValid() {
		switch {
		case rec.Addr.IsValid():
			return f.Prefix.Contains(rec.Addr)
		case rec.Prefix.IsValid():
			return f.Prefix.Overlaps(rec.Prefix)
		default:
			return false
		}
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Match(eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	return eb.LatestFiltered(n, EventFilter{})
}
