package logging

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
)

// Syslog facilities.
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn        net.Conn
	hostname    string
	Facility    int
	MinSeverity int // 0 = no filter, else SyslogError(3)/SyslogWarning(4)/SyslogInfo(6)
}

// NewSyslogClient creates a new UDP syslog client connected to host:port.
func NewSyslogClient(host string, port int) (*SyslogClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "telescope"
	}
	return &SyslogClient{conn: conn, hostname: hostname, Facility: FacilityLocal0}, nil
}

// Send sends a syslog message with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.Facility*8 + severity
	ts := time.Now().Format(time.Stamp) // "Jan _2 15:04:05"
	line := fmt.Sprintf("<%d>%s %s telescoped: %s", priority, ts, s.hostname, msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend returns true if the event severity passes this client's filter.
// Lower severity number = higher priority (error=3 < warning=4 < info=6).
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name to its numeric value.
// Returns 0 (no filter) for unrecognized names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	default:
		return 0
	}
}

// ParseFacility converts "daemon" or "local0".."local7" to a facility
// number, defaulting to local0.
func ParseFacility(name string) int {
	if name == "daemon" {
		return FacilityDaemon
	}
	if len(name) == 6 && name[:5] == "local" && name[5] >= '0' && name[5] <= '7' {
		return FacilityLocal0 + int(name[5]-'0')
	}
	return FacilityLocal0
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

// eventSeverity: state changes to inactive and counter resets are the
// notable ones.
func eventSeverity(rec EventRecord) int {
	switch rec.Type {
	case EventAddressInactive, EventDarkReset:
		return SyslogWarning
	default:
		return SyslogInfo
	}
}

// EventSink receives formatted events. SyslogClient and EventLogWriter
// implement it.
type EventSink interface {
	Send(severity int, msg string) error
	ShouldSend(severity int) bool
}

var _ EventSink = (*SyslogClient)(nil)

// ForwardEvents sends every event received on sub to the sinks until ctx
// is cancelled, then closes sub.
func ForwardEvents(ctx context.Context, sub *Subscription, sinks []EventSink) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			sev := eventSeverity(rec)
			for _, s := range sinks {
				if s.ShouldSend(sev) {
					s.Send(sev, rec.String())
				}
			}
		}
	}
}
