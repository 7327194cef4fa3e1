package batch

import (
	"sync"
	"time"
)

// EventType enumerates the progress events an orchestrator run emits.
type EventType string

const (
	EventEngineStarted   EventType = "engine_started"
	EventEngineCommitted EventType = "engine_committed"
	EventEngineSkipped   EventType = "engine_skipped"
	EventEngineFailed    EventType = "engine_failed"
	EventDateCompleted   EventType = "date_completed"
	EventRunCompleted    EventType = "run_completed"
)

// Event is one progress notification. Engine fields are empty for
// date- and run-level events.
type Event struct {
	Type        EventType
	RunID       string
	PortfolioID string
	Date        time.Time
	Engine      string
	Detail      string
	At          time.Time
}

// Broadcaster fans progress events out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses events, not the run.
type Broadcaster struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBroadcaster creates an event broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a new subscriber with a buffered channel.
func (b *Broadcaster) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than stall the orchestrator
		}
	}
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
