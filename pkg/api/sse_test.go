package api

import (
	"context"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/InetIntel/dynamic-telescope/pkg/logging"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cn := w.Header().Get("Connection"); cn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", cn)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "test_event", `{"key":"value"}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: test_event\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, "data: {\"key\":\"value\"}\n") {
		t.Errorf("missing data line in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}
}

func TestWriteSSEEventNoEventType(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")

	body := w.Body.String()
	if strings.Contains(body, "event:") {
		t.Errorf("should not have event line when empty, got %q", body)
	}
	if !strings.Contains(body, "data: hello\n") {
		t.Errorf("missing data line")
	}
}

// streamEvents runs the stream handler for path, adds recs and returns
// what was written.
func streamEvents(t *testing.T, path string, recs ...logging.EventRecord) string {
	t.Helper()
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	// Wait for subscription to be set up
	time.Sleep(50 * time.Millisecond)
	for _, rec := range recs {
		buf.Add(rec)
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return w.Body.String()
}

func TestEventStreamHandler(t *testing.T) {
	body := streamEvents(t, "/api/v1/events/stream", logging.EventRecord{
		Type:  logging.EventAddressInactive,
		Addr:  netip.MustParseAddr("10.0.1.5"),
		Index: 261,
	})
	if !strings.Contains(body, "event: ADDRESS_INACTIVE") {
		t.Errorf("expected ADDRESS_INACTIVE event in response, got %q", body)
	}
	if !strings.Contains(body, `"address":"10.0.1.5"`) {
		t.Errorf("expected address in event data, got %q", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("expected buffer sequence as id, got %q", body)
	}
}

func TestEventStreamFilter(t *testing.T) {
	body := streamEvents(t, "/api/v1/events/stream?type=dark&prefix=10.0.0.0/16",
		logging.EventRecord{Type: logging.EventAddressActive, Addr: netip.MustParseAddr("10.0.0.1")},
		logging.EventRecord{
			Type:   logging.EventDarkReset,
			Prefix: netip.MustParsePrefix("10.1.0.0/24"),
			Count:  5000,
		},
		logging.EventRecord{
			Type:   logging.EventDarkReset,
			Prefix: netip.MustParsePrefix("10.0.7.0/24"),
			Count:  2048,
		},
	)
	if strings.Contains(body, "ADDRESS_ACTIVE") {
		t.Errorf("ADDRESS_ACTIVE should be filtered out, got %q", body)
	}
	if strings.Contains(body, "10.1.0.0/24") {
		t.Errorf("reset outside prefix should be filtered out, got %q", body)
	}
	if !strings.Contains(body, `"prefix":"10.0.7.0/24"`) || !strings.Contains(body, `"packets":2048`) {
		t.Errorf("expected matching reset, got %q", body)
	}
}

func TestEventStreamBadFilter(t *testing.T) {
	s := &Server{eventBuf: logging.NewEventBuffer(10)}
	w := httptest.NewRecorder()
	s.eventStreamHandler(w, httptest.NewRequest("GET", "/api/v1/events/stream?prefix=nope", nil))
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
