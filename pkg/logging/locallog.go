package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultEventLogPath is used when no event log file is configured.
const DefaultEventLogPath = "/var/log/telescope/events.log"

// EventLogWriter appends events to a local file and rotates it once it
// grows past MaxSize, keeping MaxFiles old copies (path.1 is the newest).
type EventLogWriter struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64

	MinSeverity int // 0 = no filter
}

var _ EventSink = (*EventLogWriter)(nil)

// EventLogConfig configures an EventLogWriter.
type EventLogConfig struct {
	Path     string
	MaxSize  int64 // bytes, default 10MB
	MaxFiles int   // default 5
}

// NewEventLogWriter opens (or creates) the event log file.
func NewEventLogWriter(cfg EventLogConfig) (*EventLogWriter, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultEventLogPath
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	lw := &EventLogWriter{
		file:     f,
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
	}
	if info, err := f.Stat(); err == nil {
		lw.written = info.Size()
	}
	return lw, nil
}

// Send appends one timestamped line.
func (lw *EventLogWriter) Send(severity int, msg string) error {
	ts := time.Now().Format("2006-01-02T15:04:05.000")
	line := fmt.Sprintf("%s [%s] %s\n", ts, severityTag(severity), msg)

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.file == nil {
		return fmt.Errorf("event log closed")
	}

	n, err := lw.file.WriteString(line)
	if err != nil {
		return err
	}
	lw.written += int64(n)

	if lw.written >= lw.maxSize {
		lw.rotate()
	}
	return nil
}

// ShouldSend reports whether severity passes the writer's filter.
func (lw *EventLogWriter) ShouldSend(severity int) bool {
	return lw.MinSeverity == 0 || severity <= lw.MinSeverity
}

// Close closes the log file.
func (lw *EventLogWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.file != nil {
		err := lw.file.Close()
		lw.file = nil
		return err
	}
	return nil
}

func (lw *EventLogWriter) rotate() {
	lw.file.Close()
	lw.file = nil

	os.Remove(fmt.Sprintf("%s.%d", lw.path, lw.maxFiles))
	for i := lw.maxFiles - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", lw.path, i), fmt.Sprintf("%s.%d", lw.path, i+1))
	}
	os.Rename(lw.path, lw.path+".1")

	f, err := os.OpenFile(lw.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("failed to reopen event log after rotation", "err", err)
		return
	}
	lw.file = f
	lw.written = 0
}

func severityTag(severity int) string {
	switch severity {
	case SyslogError:
		return "ERROR"
	case SyslogWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}
