// Package events carries control-plane state transitions to in-process
// subscribers. Every transition and error publishes one event whose
// CorrelationID is the analysis or policy (or round) the event belongs to.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a control-plane transition.
type EventType string

const (
	// Monitor events
	MonitorTickCompleted EventType = "monitor.tick.completed"
	MonitorStale         EventType = "monitor.stale"

	// Analyzer events
	AnalysisCompleted EventType = "analysis.completed"

	// Planner / governance events
	PolicyCreated    EventType = "policy.created"
	PolicyPending    EventType = "policy.pending"
	PolicyApproved   EventType = "policy.approved"
	PolicyRejected   EventType = "policy.rejected"
	PolicySuperseded EventType = "policy.superseded"

	// Executor events
	ExecutionStarted    EventType = "execution.started"
	ExecutionCompleted  EventType = "execution.completed"
	ExecutionRolledBack EventType = "execution.rolled_back"
	ExecutionPartial    EventType = "execution.partial"
	ExecutionFailed     EventType = "execution.failed"

	// Knowledge events
	OutcomeRecorded  EventType = "knowledge.outcome.recorded"
	InsightGenerated EventType = "knowledge.insight.generated"

	// Orchestrator events
	OrchestratorHeartbeat EventType = "orchestrator.heartbeat"
	OrchestratorDegraded  EventType = "orchestrator.degraded"
	OrchestratorRecovered EventType = "orchestrator.recovered"
	OrchestratorError     EventType = "orchestrator.error"

	// Alerting events
	AlertReceived EventType = "alert.received"
	AlertDropped  EventType = "alert.dropped"

	// Configuration events
	ConfigReloaded EventType = "config.reloaded"

	// Federated-learning events
	RoundOpened       EventType = "fl.round.opened"
	RoundPublished    EventType = "fl.round.published"
	RoundAborted      EventType = "fl.round.aborted"
	UpdateRejected    EventType = "fl.update.rejected"
	BudgetExhausted   EventType = "fl.budget.exhausted"
	ModelPublished    EventType = "fl.model.published"
	ClientsReassigned EventType = "fl.clients.reassigned"
)

// Event is one published transition.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// Handler consumes one event.
type Handler func(event Event)

// Subscription is one registered consumer.
type Subscription struct {
	ID      string
	Filter  func(Event) bool
	Handler Handler
	Channel chan Event
	cancel  context.CancelFunc
	closed  sync.Once
}

// Metrics are the bus delivery counters.
type Metrics struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Bus fans events out to subscribers and keeps a bounded replay ring.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	buffer      []Event
	bufferSize  int

	published int64
	delivered int64
	dropped   int64
}

// NewBus creates a bus with a replay ring of bufferSize events.
func NewBus(bufferSize int) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscription),
		buffer:      make([]Event, 0, bufferSize),
		bufferSize:  bufferSize,
	}
}

// Publish delivers the event to every matching subscriber without blocking.
// A full subscriber channel drops the event for that subscriber only.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if len(b.buffer) >= b.bufferSize && b.bufferSize > 0 {
		b.buffer = b.buffer[1:]
	}
	if b.bufferSize > 0 {
		b.buffer = append(b.buffer, event)
	}
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	atomic.AddInt64(&b.published, 1)

	for _, sub := range subs {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		select {
		case sub.Channel <- event:
			atomic.AddInt64(&b.delivered, 1)
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
	}
}

// Subscribe registers a handler for events passing the filter. A nil filter
// receives everything.
func (b *Bus) Subscribe(filter func(Event) bool, handler Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())

	sub := &Subscription{
		ID:      "sub-" + uuid.New().String(),
		Filter:  filter,
		Handler: handler,
		Channel: make(chan Event, 128),
		cancel:  cancel,
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	go b.run(ctx, sub)
	return sub
}

// SubscribeToType registers a handler for a single event type.
func (b *Bus) SubscribeToType(eventType EventType, handler Handler) *Subscription {
	return b.Subscribe(func(e Event) bool { return e.Type == eventType }, handler)
}

// SubscribeToTypes registers a handler for a set of event types.
func (b *Bus) SubscribeToTypes(types []EventType, handler Handler) *Subscription {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.Subscribe(func(e Event) bool { return set[e.Type] }, handler)
}

// Unsubscribe removes the subscription and stops its handler goroutine.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subscribers, sub.ID)
	b.mu.Unlock()

	sub.cancel()
	sub.closed.Do(func() { close(sub.Channel) })
}

func (b *Bus) run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			sub.Handler(event)
		}
	}
}

// Recent returns up to count events from the replay ring, oldest first.
func (b *Bus) Recent(count int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if count > len(b.buffer) {
		count = len(b.buffer)
	}
	start := len(b.buffer) - count
	out := make([]Event, count)
	copy(out, b.buffer[start:])
	return out
}

// Stats returns the delivery counters.
func (b *Bus) Stats() Metrics {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()
	return Metrics{
		Published:   atomic.LoadInt64(&b.published),
		Delivered:   atomic.LoadInt64(&b.delivered),
		Dropped:     atomic.LoadInt64(&b.dropped),
		Subscribers: n,
	}
}

// Close drops all subscriptions and the replay ring.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		sub.cancel()
		sub.closed.Do(func() { close(sub.Channel) })
		delete(b.subscribers, id)
	}
	b.buffer = nil
}
