package memory

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/domain/events"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

func TestBus_PerSubscriberOrdering(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	const n = 100
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	err := bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		seen = append(seen, e.NodeID)
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		e := events.NewTaskEvent(events.TypeTaskStarted, "g1", nodeID(i), nil)
		require.NoError(t, bus.Publish(ctx, "topic", e))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive all events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, nodeID(i), seen[i], "events must arrive in publish order")
	}
}

func TestBus_FanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
			wg.Done()
			return nil
		}))
	}

	require.NoError(t, bus.Publish(ctx, "topic", events.NewTaskEvent(events.TypeTaskStarted, "g1", "n1", nil)))

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the event")
	}
}

func TestBus_PanicAndErrorContained(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	received := make(chan string, 4)
	require.NoError(t, bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		panic("handler bug")
	}))
	require.NoError(t, bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		return errors.New("handler error")
	}))
	require.NoError(t, bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		received <- e.NodeID
		return nil
	}))

	// Both events reach the healthy subscriber despite the siblings
	// panicking and erroring.
	require.NoError(t, bus.Publish(ctx, "topic", events.NewTaskEvent(events.TypeTaskStarted, "g1", "n1", nil)))
	require.NoError(t, bus.Publish(ctx, "topic", events.NewTaskEvent(events.TypeTaskStarted, "g1", "n2", nil)))

	for _, want := range []string{"n1", "n2"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("healthy subscriber never received %s", want)
		}
	}
}

func TestBus_TopicIsolation(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	other := make(chan events.Event, 1)
	require.NoError(t, bus.Subscribe(ctx, "task.events", func(ctx context.Context, e events.Event) error {
		other <- e
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, "graph.events", events.NewGraphEvent(events.TypeGraphSubmitted, "g1", nil)))

	select {
	case e := <-other:
		t.Fatalf("subscriber received event from foreign topic: %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_ClosedBusRejectsPublish(t *testing.T) {
	bus := NewBus(zap.NewNop())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "topic", events.Event{})
	assert.ErrorIs(t, err, ports.ErrBusClosed)

	err = bus.Subscribe(context.Background(), "topic", func(ctx context.Context, e events.Event) error { return nil })
	assert.ErrorIs(t, err, ports.ErrBusClosed)

	// Closing twice is a no-op.
	assert.NoError(t, bus.Close())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	got := make(chan events.Event, 1)
	require.NoError(t, bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		got <- e
		return nil
	}))
	require.NoError(t, bus.Unsubscribe(ctx, "topic"))

	require.NoError(t, bus.Publish(ctx, "topic", events.NewTaskEvent(events.TypeTaskStarted, "g1", "n1", nil)))

	select {
	case <-got:
		t.Fatal("unsubscribed handler still received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_CloseReleasesBackgroundSubscribers(t *testing.T) {
	before := runtime.NumGoroutine()

	bus := NewBus(zap.NewNop())
	for i := 0; i < 8; i++ {
		require.NoError(t, bus.Subscribe(context.Background(), "topic",
			func(ctx context.Context, e events.Event) error { return nil }))
	}
	require.NoError(t, bus.Close())

	// Delivery and teardown-watcher goroutines must both exit even
	// though the subscriber contexts never cancel.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 2*time.Second, 10*time.Millisecond)
}

func nodeID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
