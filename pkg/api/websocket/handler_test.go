package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/adapters/events/memory"
	"github.com/taskmesh/taskmesh/pkg/domain/events"
)

func newStreamServer(t *testing.T) (*memory.Bus, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := memory.NewBus(zap.NewNop())
	t.Cleanup(func() { bus.Close() })

	router := gin.New()
	router.GET("/api/v1/graphs/:id/ws", NewHandler(bus, zap.NewNop()).HandleGraphStream)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return bus, server
}

func dialStream(t *testing.T, server *httptest.Server, graphID string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/graphs/" + graphID + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandleGraphStream_DeliversTaskEvents(t *testing.T) {
	bus, server := newStreamServer(t)
	conn := dialStream(t, server, "g1")

	// The subscription races the dial, so retry the publish until the
	// stream delivers.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	done := make(chan events.Event, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event events.Event
		if json.Unmarshal(data, &event) == nil {
			done <- event
		}
	}()

	var received events.Event
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), events.TopicTask,
			events.NewTaskEvent(events.TypeTaskCompleted, "g1", "n1", nil))
		select {
		case received = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, events.TypeTaskCompleted, received.Type)
	assert.Equal(t, "g1", received.GraphID)
	assert.Equal(t, "n1", received.NodeID)
}

func TestHandleGraphStream_FiltersOtherGraphs(t *testing.T) {
	bus, server := newStreamServer(t)
	conn := dialStream(t, server, "g1")

	type read struct {
		event events.Event
		err   error
	}
	reads := make(chan read, 4)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				reads <- read{err: err}
				return
			}
			var event events.Event
			_ = json.Unmarshal(data, &event)
			reads <- read{event: event}
		}
	}()

	// Publish a foreign-graph event, then a matching one, until the
	// stream produces output. Only the matching graph may come through.
	var got read
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), events.TopicGraph,
			events.NewGraphEvent(events.TypeGraphCompleted, "other", nil))
		_ = bus.Publish(context.Background(), events.TopicGraph,
			events.NewGraphEvent(events.TypeGraphCompleted, "g1", nil))
		select {
		case got = <-reads:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, got.err)
	assert.Equal(t, "g1", got.event.GraphID)
}
