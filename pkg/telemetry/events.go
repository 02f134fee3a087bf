package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/plugind/pkg/engine"
)

var _ engine.AuditSink = (*EventPublisher)(nil)

// ErrPublisherClosed is returned for events published after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// EventSubscriber handles one audit event.
type EventSubscriber func(event engine.AuditEvent)

// EventFilter reports whether a subscriber wants event.
type EventFilter func(event engine.AuditEvent) bool

// EventPublisher fans audit events out to subscribers in publication
// order. In async mode a single goroutine delivers from a bounded queue and
// a full queue drops the event.
type EventPublisher struct {
	enabled bool
	queue   chan engine.AuditEvent
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
	closed bool
}

type subscription struct {
	fn      EventSubscriber
	filters []EventFilter
}

func (s subscription) wants(event engine.AuditEvent) bool {
	for _, f := range s.filters {
		if f != nil && !f(event) {
			return false
		}
	}
	return true
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{enabled: cfg.Enabled, subs: make(map[int]subscription)}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	ep.queue = make(chan engine.AuditEvent, cfg.BufferSize)
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Record implements engine.AuditSink.
func (ep *EventPublisher) Record(_ context.Context, event *engine.AuditEvent) error {
	if event == nil {
		return nil
	}
	return ep.Publish(*event)
}

// Publish stamps event with an ID, time and level where missing and hands
// it to the subscribers.
func (ep *EventPublisher) Publish(event engine.AuditEvent) error {
	if !ep.enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = engine.AuditLevelInfo
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	if ep.queue == nil {
		ep.deliverLocked(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		ep.dropped.Add(1)
		return fmt.Errorf("event queue full, dropped %s event for %s", event.Type, event.TargetID)
	}
}

// Subscribe registers fn for the events every filter accepts and returns a
// function that removes it.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filters ...EventFilter) (unsubscribe func()) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	id := ep.nextID
	ep.nextID++
	ep.subs[id] = subscription{fn: fn, filters: filters}
	return func() {
		ep.mu.Lock()
		delete(ep.subs, id)
		ep.mu.Unlock()
	}
}

// Dropped returns the number of events lost to a full queue.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for event := range ep.queue {
		ep.mu.RLock()
		ep.deliverLocked(event)
		ep.mu.RUnlock()
	}
}

// deliverLocked calls subscribers in registration order.
func (ep *EventPublisher) deliverLocked(event engine.AuditEvent) {
	for id := 0; id < ep.nextID; id++ {
		if sub, ok := ep.subs[id]; ok && sub.wants(event) {
			sub.fn(event)
		}
	}
}

// Shutdown rejects further events and waits until queued ones have been
// delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	if ep.queue != nil {
		close(ep.queue)
	}
	ep.mu.Unlock()

	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit events not drained: %w", ctx.Err())
	}
}

var auditLevelRank = map[string]int{
	engine.AuditLevelInfo:    0,
	engine.AuditLevelWarning: 1,
	engine.AuditLevelError:   2,
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := auditLevelRank[minLevel]
	return func(event engine.AuditEvent) bool {
		return auditLevelRank[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...engine.AuditEventType) EventFilter {
	set := make(map[engine.AuditEventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event engine.AuditEvent) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByTarget accepts events about one target, usually a plugin.
func FilterByTarget(targetID string) EventFilter {
	return func(event engine.AuditEvent) bool {
		return event.TargetID == targetID
	}
}
