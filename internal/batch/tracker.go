package batch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tracker guarantees at most one active orchestrator per process. An
// active run whose age exceeds the timeout is treated as not active and
// self-clears, so a stuck run can never wedge the scheduler.
type Tracker struct {
	mu        sync.Mutex
	active    bool
	startedAt time.Time
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewTracker creates a run tracker with the given self-expiry timeout
func NewTracker(timeout time.Duration, log zerolog.Logger) *Tracker {
	return &Tracker{
		timeout: timeout,
		log:     log.With().Str("component", "run_tracker").Logger(),
		now:     time.Now,
	}
}

// TryAcquire claims the tracker. On success it returns a release closure
// that the caller must defer on every exit path. When another run is
// active and fresh it returns ErrAlreadyRunning.
func (t *Tracker) TryAcquire() (release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.active {
		age := now.Sub(t.startedAt)
		if age <= t.timeout {
			return nil, ErrAlreadyRunning
		}
		// Self-expiry: the previous holder overran its timeout
		t.log.Warn().
			Dur("age", age).
			Dur("timeout", t.timeout).
			Msg("Expiring stale active run")
		t.active = false
	}

	t.active = true
	t.startedAt = now

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.active = false
	}, nil
}

// Active reports whether a fresh run currently holds the tracker.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && t.now().Sub(t.startedAt) <= t.timeout
}
