package recovery

import (
	"context"
	"sync"

	"github.com/memoright/memoright-ops/model"
)

// Subscriber receives executor events. HandleEvent is called synchronously
// and in emission order; implementations must not block for long and must
// not call back into the executor.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev model.PlanEvent)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, ev model.PlanEvent)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, ev model.PlanEvent) { f(ctx, ev) }

// EventBus fans events out to subscribers in registration order.
type EventBus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewEventBus creates a bus with the given initial subscribers.
func NewEventBus(subs ...Subscriber) *EventBus {
	b := &EventBus{}
	for _, s := range subs {
		b.Subscribe(s)
	}
	return b
}

// Subscribe adds a subscriber. Nil subscribers are ignored.
func (b *EventBus) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish delivers each event to every subscriber, in order.
func (b *EventBus) Publish(ctx context.Context, events ...model.PlanEvent) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, ev := range events {
		for _, s := range subs {
			s.HandleEvent(ctx, ev)
		}
	}
}

// EventLog is a Subscriber that keeps the most recent events per plan.
type EventLog struct {
	mu     sync.RWMutex
	limit  int
	events map[string][]model.PlanEvent
}

// NewEventLog creates an event log holding at most limit events per plan.
// A non-positive limit keeps 100.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = 100
	}
	return &EventLog{limit: limit, events: make(map[string][]model.PlanEvent)}
}

// HandleEvent appends ev to its plan's history, dropping the oldest entry
// once the limit is reached.
func (l *EventLog) HandleEvent(_ context.Context, ev model.PlanEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hist := append(l.events[ev.PlanID], ev)
	if over := len(hist) - l.limit; over > 0 {
		hist = append([]model.PlanEvent(nil), hist[over:]...)
	}
	l.events[ev.PlanID] = hist
}

// Events returns a copy of the recorded history for planID, oldest first.
func (l *EventLog) Events(planID string) []model.PlanEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.PlanEvent(nil), l.events[planID]...)
}

// Forget drops the history for planID.
func (l *EventLog) Forget(planID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, planID)
}
