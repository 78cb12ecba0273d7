// Package events is an in-process pub/sub of run results and reports, fed by
// the scheduler and the operator API and consumed by the websocket feed.
package events

import (
	"sync"
	"time"

	"autotrader/internal/domain"
)

// Event types.
const (
	TypeRunResult = "run_result"
	TypeReport    = "report"
	TypeStrategy  = "strategy"
)

// Event is the wire format pushed to subscribers.
type Event struct {
	Type     string                  `json:"type"`
	Time     time.Time               `json:"time"`
	Result   *domain.RunResult       `json:"result,omitempty"`
	Report   *domain.AggregateReport `json:"report,omitempty"`
	Strategy *domain.Strategy        `json:"strategy,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	now    func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe returns a subscription id and a channel of events buffered to
// bufSize.
func (b *Bus) Subscribe(bufSize int) (int, <-chan Event) {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// PublishResult broadcasts one RunResult.
func (b *Bus) PublishResult(r domain.RunResult) {
	b.Publish(Event{Type: TypeRunResult, Result: &r})
}

// PublishReport broadcasts an AggregateReport.
func (b *Bus) PublishReport(r domain.AggregateReport) {
	b.Publish(Event{Type: TypeReport, Report: &r})
}

// PublishStrategy broadcasts a strategy change.
func (b *Bus) PublishStrategy(s domain.Strategy) {
	b.Publish(Event{Type: TypeStrategy, Strategy: &s})
}

// Publish stamps e and sends it to every subscriber without blocking. A nil
// Bus drops the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer.
		}
	}
}
