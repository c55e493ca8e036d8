package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple the dispatch
// pipeline from observers such as the status endpoint.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Well-known event types emitted by the pipeline.
const (
	TypeReminderSent   = "reminder.sent"
	TypeReminderFailed = "reminder.failed"
	TypeSnowAlert      = "snow.alert"
	TypeDispatchRun    = "dispatch.run"
	TypeRulesRefresh   = "rules.refresh"
)

// DeliveryOutcome describes one attempted reminder delivery.
type DeliveryOutcome struct {
	Email string `json:"email"`
	Zone  string `json:"zone"`
	Event string `json:"event"`
	Date  string `json:"date"`
	Error string `json:"error,omitempty"`
}

// RunOutcome summarizes one dispatch run.
type RunOutcome struct {
	Trigger   string `json:"trigger"` // "schedule" or "catchup"
	Date      string `json:"date"`
	Sent      int    `json:"sent"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	ZoneFails int    `json:"zone_fails"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &bus{subs: map[uint64]chan Event{}}
}

type bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.offer(ch, e)
	}
}

// offer attempts one non-blocking send. A full buffer drops the event; a
// channel closed by a concurrent unsubscribe panics, which offer absorbs.
func (b *bus) offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.next.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
