package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/domain/events"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// defaultBuffer is the per-subscriber queue depth before publishers
// start blocking on that subscriber.
const defaultBuffer = 256

// Bus is the in-process event bus used by a single orchestration
// session. Each subscriber gets its own delivery goroutine fed from a
// buffered channel, so events from one publisher reach one subscriber
// in publish order. Handler errors and panics are logged and contained.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	closed      bool
	subscribers map[string][]*subscription
	wg          sync.WaitGroup
}

type subscription struct {
	handler ports.EventHandler
	ch      chan events.Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewBus creates an in-process event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string][]*subscription),
	}
}

// Publish fans the event out to every subscriber of the topic.
func (b *Bus) Publish(ctx context.Context, topic string, event events.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ports.ErrBusClosed
	}
	subs := make([]*subscription, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for a topic. The subscription is torn
// down when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ports.ErrBusClosed
	}
	sub := &subscription{
		handler: handler,
		ch:      make(chan events.Event, defaultBuffer),
		done:    make(chan struct{}),
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(ctx, topic, sub)

	go func() {
		select {
		case <-ctx.Done():
			b.remove(topic, sub)
		case <-sub.done:
			// Close or Unsubscribe already tore the subscription down;
			// without this arm a background-context subscriber would
			// pin this goroutine forever.
		}
	}()

	return nil
}

// deliver drains a subscriber's queue one event at a time, preserving
// publish order for this subscriber.
func (b *Bus) deliver(ctx context.Context, topic string, sub *subscription) {
	defer b.wg.Done()

	for {
		// Drain anything already queued before honoring shutdown.
		select {
		case event := <-sub.ch:
			b.invoke(ctx, topic, sub.handler, event)
			continue
		default:
		}

		select {
		case <-sub.done:
			return
		case event := <-sub.ch:
			b.invoke(ctx, topic, sub.handler, event)
		}
	}
}

// invoke calls a handler, containing errors and panics.
func (b *Bus) invoke(ctx context.Context, topic string, handler ports.EventHandler, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", topic),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.logger.Warn("event handler error",
			zap.String("topic", topic),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

// Unsubscribe removes all subscriptions from a topic.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	subs := b.subscribers[topic]
	delete(b.subscribers, topic)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// Close tears the bus down and waits for delivery goroutines to drain.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subscribers {
		all = append(all, subs...)
	}
	b.subscribers = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	b.wg.Wait()
	return nil
}

// remove drops a single subscription from a topic.
func (b *Bus) remove(topic string, sub *subscription) {
	b.mu.Lock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.stop()
}
