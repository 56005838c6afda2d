package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kenneth/cryptmalloc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWriter is a thread-safe mock writer.
type mockWriter struct {
	mu     sync.Mutex
	events []Event
}

func (w *mockWriter) WriteEvent(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func TestBatchSink(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)

	for i := 0; i < 3; i++ {
		sink.WriteEvent(Event{Handle: uint32(i), EventType: EventTypeAllocate})
	}

	time.Sleep(10 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 0)
	mock.mu.Unlock()

	time.Sleep(150 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 3)
	mock.mu.Unlock()

	for i := 0; i < 5; i++ {
		sink.WriteEvent(Event{Handle: uint32(i), EventType: EventTypeRelease})
	}

	time.Sleep(50 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 8)
	mock.mu.Unlock()

	sink.Close()
}

func TestBatchSinkRetriesOnFailure(t *testing.T) {
	var attempts int
	failing := writerFunc(func(event Event) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})

	sink := NewBatchSink(failing, 1, 10*time.Millisecond, 3, time.Millisecond)
	sink.WriteEvent(Event{Handle: 1})
	time.Sleep(50 * time.Millisecond)
	sink.Close()

	assert.GreaterOrEqual(t, attempts, 3)
}

type writerFunc func(Event) error

func (f writerFunc) WriteEvent(event Event) error { return f(event) }

func TestFileSink(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "audit-log-*.json")
	require.NoError(t, err)
	path := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(path)

	sink := NewFileSink(path)
	err = sink.WriteEvent(Event{Handle: 7, EventType: EventTypeAllocate, Size: 64})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Event
	require.NoError(t, json.Unmarshal(content, &loaded))
	assert.EqualValues(t, 7, loaded.Handle)
	assert.EqualValues(t, 64, loaded.Size)
}

func TestNewLoggerFromConfigFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "audit-log-*.json")
	require.NoError(t, err)
	path := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(path)

	cfg := config.AuditConfig{
		Enabled:   true,
		MaxEvents: 100,
		Sink:      config.SinkConfig{Type: "file", FilePath: path},
	}
	logger, err := NewLoggerFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.LogAllocate(3, 32, 16, true, nil, time.Millisecond)
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "allocate")
}

func TestNewLoggerFromConfigBatched(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "audit-log-*.json")
	require.NoError(t, err)
	path := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(path)

	cfg := config.AuditConfig{
		Enabled:   true,
		MaxEvents: 100,
		Sink: config.SinkConfig{
			Type:          "file",
			FilePath:      path,
			BatchSize:     1,
			FlushInterval: "10ms",
		},
	}
	logger, err := NewLoggerFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.LogRelease(5, true, nil, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "release")
}

func TestNewLoggerFromConfigUnknownSink(t *testing.T) {
	cfg := config.AuditConfig{Sink: config.SinkConfig{Type: "http"}}
	_, err := NewLoggerFromConfig(cfg)
	require.Error(t, err)
}
