package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/common"
)

// EventType names the notifications the engine publishes.
type EventType string

const (
	EventAdded             EventType = "added"
	EventProgress          EventType = "progress"
	EventStateChange       EventType = "state_change"
	EventSegmentRebalanced EventType = "segment_rebalanced"
	EventError             EventType = "error"
	EventComplete          EventType = "complete"
)

// Event is one engine notification. Fields beyond Type and DownloadID are
// populated per type.
type Event struct {
	Type       EventType
	DownloadID uuid.UUID
	Status     common.Status
	Progress   *common.Progress
	Donor      int // segment_rebalanced: segment that gave up range
	Created    int // segment_rebalanced: segment that received it
	Err        error
	Timestamp  time.Time
}

// maxProgressPerSecond caps progress event frequency per download. State
// changes, errors, and completions always go through.
const maxProgressPerSecond = 30

// eventBus fans events out to a single bounded subscriber channel. Progress
// events are rate-limited per download and dropped rather than blocking a
// slow consumer; everything else blocks briefly via a buffered channel.
type eventBus struct {
	ch chan Event

	mu           sync.Mutex
	lastProgress map[uuid.UUID]time.Time
}

func newEventBus(buffer int) *eventBus {
	return &eventBus{
		ch:           make(chan Event, buffer),
		lastProgress: make(map[uuid.UUID]time.Time),
	}
}

func (b *eventBus) events() <-chan Event {
	return b.ch
}

func (b *eventBus) publish(ev Event) {
	ev.Timestamp = time.Now()

	if ev.Type == EventProgress {
		b.mu.Lock()
		last := b.lastProgress[ev.DownloadID]
		if time.Since(last) < time.Second/maxProgressPerSecond {
			b.mu.Unlock()
			return
		}
		b.lastProgress[ev.DownloadID] = time.Now()
		b.mu.Unlock()

		// Never block on a lagging consumer for progress.
		select {
		case b.ch <- ev:
		default:
		}
		return
	}

	b.ch <- ev
}

func (b *eventBus) forget(id uuid.UUID) {
	b.mu.Lock()
	delete(b.lastProgress, id)
	b.mu.Unlock()
}
