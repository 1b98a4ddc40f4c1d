// Package events provides the in-process event broadcaster.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 100

// Handler reacts to every published event. It runs on its own goroutine.
type Handler func(ctx context.Context, evt Event) error

// Subscription is one consumer's delivery queue.
type Subscription struct {
	id string
	ch chan Event
}

// ID returns the subscription ID.
func (s *Subscription) ID() string { return s.id }

// C returns the receive side. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Config represents broadcaster configuration.
type Config struct {
	BufferSize int    // per-subscriber queue capacity
	Origin     string // node id stamped on locally published events
}

// Broadcaster fans events out to subscribers and handlers.
// Delivery is best-effort: a full subscriber queue drops the event for that subscriber only.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	handlers map[string]Handler
	seq      uint64
	closed   bool

	bufferSize int
	origin     string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		subs:       make(map[string]*Subscription),
		handlers:   make(map[string]Handler),
		bufferSize: cfg.BufferSize,
		origin:     cfg.Origin,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Origin returns the node id stamped on local events.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Subscribe registers a new delivery queue.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan Event, b.bufferSize),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call more than once, or with a subscription that was never registered.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// RegisterHandler adds a handler and returns its ID.
func (b *Broadcaster) RegisterHandler(h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.handlers[id] = h
	return id
}

// UnregisterHandler removes a handler. Unknown IDs are ignored.
func (b *Broadcaster) UnregisterHandler(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish delivers evt to every subscriber and schedules every handler.
// It never blocks and never fails.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	evt.Seq = b.seq
	if evt.Origin == "" {
		evt.Origin = b.origin
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			zlog.Debug().Msgf("events: dropped event for slow subscriber type=%s sub=%s seq=%d", evt.Type, sub.id, evt.Seq)
		}
	}

	for id, h := range b.handlers {
		go b.runHandler(id, h, evt)
	}
}

// runHandler invokes a handler and contains its failures.
func (b *Broadcaster) runHandler(id string, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf("handler panic: %s", fmt.Sprint(r))
			zlog.Error().Err(err).Msgf("events: handler failed type=%s handler=%s", evt.Type, id)
		}
	}()
	if err := h(b.ctx, evt); err != nil {
		zlog.Error().Err(err).Msgf("events: handler failed type=%s handler=%s", evt.Type, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unsubscribes everyone and drops later publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.handlers = make(map[string]Handler)
	b.cancel()
}
