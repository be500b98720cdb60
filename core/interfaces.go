package core

import (
	"context"
	"sync"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Memory interface for shared key/value state (dedup entries, token records).
// Implementations must be safe for concurrent use.
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// EventSink receives completion/failure events. At-most-once semantics:
// the executor calls Send once per terminal state and never retries it.
type EventSink interface {
	Send(ctx context.Context, eventName string, payload interface{}) error
}

// Clock abstracts time for components with time-dependent behavior so tests
// can inject a fake.
type Clock interface {
	Now() time.Time
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpEventSink discards all events.
type NoOpEventSink struct{}

func (n *NoOpEventSink) Send(ctx context.Context, eventName string, payload interface{}) error {
	return nil
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// MemoryEventSink records events for inspection in tests.
type MemoryEventSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one event captured by MemoryEventSink.
type RecordedEvent struct {
	Name    string
	Payload interface{}
}

func (m *MemoryEventSink) Send(ctx context.Context, eventName string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, RecordedEvent{Name: eventName, Payload: payload})
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemoryEventSink) Events() []RecordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedEvent, len(m.events))
	copy(out, m.events)
	return out
}
