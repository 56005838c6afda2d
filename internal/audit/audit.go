// Package audit implements the pool mutation audit trail supplementing
// spec.md section 4.6's access_log concept: an in-memory ring buffer
// of Allocate/Release/IntegrityViolation events, paired with a
// pluggable EventWriter sink (stdout or file — this module has no
// transport surface for an HTTP collector to target).
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/cryptmalloc/internal/config"
)

// EventType names the kind of pool mutation an AuditEvent records.
type EventType string

const (
	// EventTypeAllocate records a pool AllocateBlock call.
	EventTypeAllocate EventType = "allocate"
	// EventTypeRelease records a pool ReleaseBlock call.
	EventTypeRelease EventType = "release"
	// EventTypeIntegrityViolation records a failed VerifyIntegrity check.
	EventTypeIntegrityViolation EventType = "integrity_violation"
)

// Event is a single audit log entry for a pool mutation.
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Handle    uint32        `json:"handle"`
	Size      uint32        `json:"size,omitempty"`
	Alignment uint32        `json:"alignment,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Logger records pool mutation events to an in-memory ring buffer and
// a pluggable sink.
type Logger interface {
	// LogAllocate records an AllocateBlock call.
	LogAllocate(handle uint32, size, alignment uint32, success bool, err error, duration time.Duration)
	// LogRelease records a ReleaseBlock call.
	LogRelease(handle uint32, success bool, err error, duration time.Duration)
	// LogIntegrityViolation records a failed VerifyIntegrity check.
	LogIntegrityViolation(handle uint32, err error)
	// Events returns a copy of the events currently held in the ring buffer.
	Events() []Event
	// Close closes the logger's underlying sink.
	Close() error
}

// EventWriter is implemented by audit event destinations.
type EventWriter interface {
	WriteEvent(event Event) error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a logger with maxEvents of ring-buffer retention,
// writing each event to writer (nil selects a stdout writer).
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	if writer == nil {
		writer = &StdoutSink{}
	}
	return &auditLogger{events: make([]Event, 0, maxEvents), maxEvents: maxEvents, writer: writer}
}

// NewLoggerFromConfig builds a logger from a config.AuditConfig,
// selecting and wrapping the sink the config names.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	switch cfg.Sink.Type {
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type %q", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval != "" {
		interval, err := parseDurationOrDefault(cfg.Sink.FlushInterval, 5*time.Second)
		if err != nil {
			return nil, err
		}
		backoff, err := parseDurationOrDefault(cfg.Sink.RetryBackoff, 100*time.Millisecond)
		if err != nil {
			return nil, err
		}
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, interval, cfg.Sink.RetryCount, backoff)
	}

	return NewLogger(cfg.MaxEvents, writer), nil
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("audit: invalid duration %q: %w", s, err)
	}
	return d, nil
}

func (l *auditLogger) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(ev)
	}

	l.events = append(l.events, ev)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogAllocate(handle uint32, size, alignment uint32, success bool, err error, duration time.Duration) {
	ev := Event{
		Timestamp: time.Now(),
		EventType: EventTypeAllocate,
		Handle:    handle,
		Size:      size,
		Alignment: alignment,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.record(ev)
}

func (l *auditLogger) LogRelease(handle uint32, success bool, err error, duration time.Duration) {
	ev := Event{
		Timestamp: time.Now(),
		EventType: EventTypeRelease,
		Handle:    handle,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.record(ev)
}

func (l *auditLogger) LogIntegrityViolation(handle uint32, err error) {
	ev := Event{
		Timestamp: time.Now(),
		EventType: EventTypeIntegrityViolation,
		Handle:    handle,
		Success:   false,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.record(ev)
}

func (l *auditLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// marshalEvent is a small helper shared by the in-process sinks below.
func marshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
