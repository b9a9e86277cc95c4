// Package bus publishes evaluation task lifecycle events.
package bus

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is a ULID, so ids sort by creation time.
	ID string `json:"id"`

	// Type is the event type, equal to the topic it was published on.
	Type string `json:"type"`

	// Source is the service that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// Task lifecycle topics.
const (
	TopicTaskEnqueued = "eval.task.enqueued"
	TopicTaskStarted  = "eval.task.started"
	TopicTaskFinished = "eval.task.finished"
	TopicTaskReset    = "eval.task.reset"
	TopicTaskDeleted  = "eval.task.deleted"
)

// Source is the default event source.
const Source = "rice-eval"

// TaskEvent is the payload of every task lifecycle event.
type TaskEvent struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id,omitempty"`
	Format string `json:"format,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new ULID string.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// NewEvent creates an event for topic with a fresh id and timestamp.
func NewEvent(topic string, payload any) Event {
	return Event{
		ID:        NewID(),
		Type:      topic,
		Source:    Source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}
