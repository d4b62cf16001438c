package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// ErrBufferFull is returned by Publish when the async queue is saturated.
var ErrBufferFull = errors.New("event buffer full")

// EventSubscriber handles a delivered event. Subscribers run on the
// delivery goroutine and must not block.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventBus fans engine events out to sinks (such as the store) and
// in-process subscribers. It satisfies engine.EventPublisher.
type EventBus struct {
	config EventsConfig
	logger zerolog.Logger

	buffer chan engine.Event

	mu          sync.RWMutex
	sinks       []engine.EventPublisher
	subscribers map[int]subscriberEntry
	nextSub     int
	filters     []EventFilter
	closed      bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventPublisher = (*EventBus)(nil)

// NewEventBus creates an event bus. Sinks receive every event that passes
// the global filters, in publish order.
func NewEventBus(cfg EventsConfig, logger zerolog.Logger, sinks ...engine.EventPublisher) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &EventBus{
		config:      cfg,
		logger:      logger.With().Str("component", "events").Logger(),
		sinks:       sinks,
		subscribers: make(map[int]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Enabled && cfg.EnableAsync {
		b.buffer = make(chan engine.Event, cfg.BufferSize)
		b.wg.Add(1)
		go b.processEvents()
	}
	return b
}

// Publish stamps the event and delivers it, inline or through the queue.
func (b *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if !b.config.Enabled || event == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is shut down")
	}

	if b.buffer == nil {
		b.deliver(ctx, *event)
		return nil
	}

	select {
	case b.buffer <- *event:
		return nil
	default:
		return ErrBufferFull
	}
}

// AddSink registers another publisher that receives every event.
func (b *EventBus) AddSink(sink engine.EventPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe registers a subscriber and returns a function that removes it.
func (b *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// AddFilter adds a global event filter.
func (b *EventBus) AddFilter(filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filter)
}

// TransitionHook returns a registry hook that publishes a
// resource_transition event for every committed status change.
func (b *EventBus) TransitionHook() engine.TransitionHook {
	return func(res *engine.Resource, from engine.ResourceStatus, trigger engine.Trigger) {
		err := b.Publish(context.Background(), &engine.Event{
			Type:       engine.EventTypeResourceTransition,
			ResourceID: res.ID,
			From:       from,
			To:         res.Status,
			Message:    fmt.Sprintf("%s: %s -> %s", res.Name, from, res.Status),
			Details:    map[string]interface{}{"trigger": string(trigger)},
		})
		if err != nil {
			b.logger.Debug().Err(err).Int64("resource_id", int64(res.ID)).Msg("Dropped transition event")
		}
	}
}

// processEvents drains the queue in batches until shutdown.
func (b *EventBus) processEvents() {
	defer b.wg.Done()

	interval := b.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]engine.Event, 0, b.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			b.deliver(context.Background(), event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-b.buffer:
			batch = append(batch, event)
			if len(batch) >= b.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-b.ctx.Done():
			for {
				select {
				case event := <-b.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver hands one event to every sink and matching subscriber.
func (b *EventBus) deliver(ctx context.Context, event engine.Event) {
	b.mu.RLock()
	for _, filter := range b.filters {
		if !filter(event) {
			b.mu.RUnlock()
			return
		}
	}
	sinks := append([]engine.EventPublisher(nil), b.sinks...)
	subs := make([]subscriberEntry, 0, len(b.subscribers))
	for _, entry := range b.subscribers {
		subs = append(subs, entry)
	}
	b.mu.RUnlock()

	for _, sink := range sinks {
		ev := event
		if err := sink.Publish(ctx, &ev); err != nil {
			b.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Event sink failed")
		}
	}

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and drains the queue.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

var levelRank = map[string]int{
	"info":    0,
	"warning": 1,
	"error":   2,
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event engine.Event) bool {
		return levelRank[event.Level] >= floor
	}
}

// FilterByType allows only the listed event types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByRunID allows events for one run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByResourceID allows events for one resource.
func FilterByResourceID(id engine.ResourceID) EventFilter {
	return func(event engine.Event) bool {
		return event.ResourceID == id
	}
}
