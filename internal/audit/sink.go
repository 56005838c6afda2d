package audit

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// BatchSink wraps an EventWriter and buffers events, flushing on
// either a size threshold or a periodic tick, with bounded retry.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []Event
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	wg            sync.WaitGroup
	retryCount    int
	retryBackoff  time.Duration
}

// NewBatchSink creates a batched sink wrapping writer.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]Event, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// WriteEvent adds an event to the batch, flushing asynchronously once
// the buffer fills.
func (s *BatchSink) WriteEvent(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= s.bufferSize {
		events := s.drainBufferLocked()
		go s.writeWithRetry(events)
	}

	return nil
}

// Close stops the flush loop, flushing anything left in the buffer.
func (s *BatchSink) Close() error {
	close(s.closeChan)
	s.wg.Wait()
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			events := s.drainBufferLocked()
			s.mu.Unlock()
			if len(events) > 0 {
				s.writeWithRetry(events)
			}
		case <-s.closeChan:
			s.mu.Lock()
			events := s.drainBufferLocked()
			s.mu.Unlock()
			if len(events) > 0 {
				s.writeWithRetry(events)
			}
			return
		}
	}
}

func (s *BatchSink) drainBufferLocked() []Event {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]Event, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) writeWithRetry(events []Event) {
	if len(events) == 0 {
		return
	}

	var err error
	for i := 0; i <= s.retryCount; i++ {
		err = nil
		for _, ev := range events {
			if e := s.wrapped.WriteEvent(ev); e != nil {
				err = e
			}
		}
		if err == nil {
			return
		}
		if i < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(i)))
		}
	}
	fmt.Fprintf(os.Stderr, "audit: failed to flush events after %d retries: %v\n", s.retryCount, err)
}

// FileSink appends each event as a JSON line to a local file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a sink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent appends event to the sink's file.
func (s *FileSink) WriteEvent(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := marshalEvent(event)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	_, err = f.WriteString("\n")
	return err
}

// StdoutSink writes each event as a JSON line to stdout.
type StdoutSink struct{}

// WriteEvent prints event to stdout.
func (s *StdoutSink) WriteEvent(event Event) error {
	data, err := marshalEvent(event)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
