package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a run lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// RunID is the associated run ID.
	RunID string `json:"run_id,omitempty"`

	// Play is the play name, if applicable.
	Play string `json:"play,omitempty"`

	// Host is the target host name, if applicable.
	Host string `json:"host,omitempty"`

	// Task is the task name, if applicable.
	Task string `json:"task,omitempty"`

	// Changed reports whether the task changed host state.
	Changed bool `json:"changed,omitempty"`

	// Failed reports whether the task failed.
	Failed bool `json:"failed,omitempty"`

	// Skipped reports whether the task was skipped.
	Skipped bool `json:"skipped,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message,omitempty"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`
}

// Event type constants.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypePlayStarted     = "play.started"
	EventTypePlayCompleted   = "play.completed"
	EventTypePlayHalted      = "play.halted"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskSkipped     = "task.skipped"
	EventTypeHostUnreachable = "host.unreachable"
	EventTypeHandlerNotified = "handler.notified"
	EventTypeHandlerFlushed  = "handler.flushed"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventPublisher fans run events out to subscribers. Publishing is
// asynchronous: events pass through a buffered channel drained by a single
// goroutine, so publishers never block on a slow sink.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		closed: make(chan struct{}),
	}

	if cfg.Enabled {
		ep.wg.Add(1)
		go ep.drain()
	}

	return ep
}

// Subscribe registers a subscriber for all future events.
func (ep *EventPublisher) Subscribe(sub EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, sub)
}

// Publish enqueues an event. Events published after Close, or while the
// buffer is full, are dropped: the stream is observability, not bookkeeping.
func (ep *EventPublisher) Publish(event Event) {
	if !ep.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case <-ep.closed:
	case ep.buffer <- event:
	default:
	}
}

// Close stops the publisher and waits for buffered events to flush, bounded
// by the configured drain timeout.
func (ep *EventPublisher) Close() {
	if !ep.config.Enabled {
		return
	}

	ep.closeOnce.Do(func() {
		close(ep.closed)
		close(ep.buffer)
	})

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	timeout := ep.config.DrainTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// drain delivers buffered events to subscribers until the buffer closes.
func (ep *EventPublisher) drain() {
	defer ep.wg.Done()

	for event := range ep.buffer {
		ep.mu.RLock()
		subs := ep.subscribers
		ep.mu.RUnlock()

		for _, sub := range subs {
			sub(event)
		}
	}
}

// NewJSONLinesSink returns a subscriber that writes each event as one JSON
// line to w. Suitable for piping the run stream to external log collection.
func NewJSONLinesSink(w io.Writer) EventSubscriber {
	var mu sync.Mutex
	enc := json.NewEncoder(w)

	return func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(event)
	}
}
