package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events"
	"github.com/covey-ai/covey/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func setupGateway(t *testing.T) (*Hub, bus.EventBus, string) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	bridge := NewBridge(eventBus, hub, log)
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", Handler(hub, log))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return hub, eventBus, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWorkflowEventReachesClient(t *testing.T) {
	hub, eventBus, wsURL := setupGateway(t)
	conn := dial(t, wsURL)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	event := bus.NewEvent(events.WorkflowUpdate, "test", map[string]any{
		"workflowId": "wf-1",
		"status":     "execution",
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildWorkflowUpdateSubject("wf-1"), event))

	msg := readMessage(t, conn)
	assert.Equal(t, events.WorkflowUpdate, msg.Type)
	assert.Equal(t, "workflow:wf-1", msg.Topic)
	assert.Equal(t, "execution", msg.Data["status"])
}

func TestTopicSubscriptionFilters(t *testing.T) {
	hub, eventBus, wsURL := setupGateway(t)
	conn := dial(t, wsURL)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Narrow the client to one workflow's topic.
	require.NoError(t, conn.WriteJSON(clientCommand{Action: "subscribe", Topic: "workflow:wf-2"}))
	time.Sleep(100 * time.Millisecond) // let the subscribe land

	ctx := context.Background()
	other := bus.NewEvent(events.WorkflowUpdate, "test", map[string]any{"workflowId": "wf-1"})
	require.NoError(t, eventBus.Publish(ctx, events.BuildWorkflowUpdateSubject("wf-1"), other))
	wanted := bus.NewEvent(events.WorkflowUpdate, "test", map[string]any{"workflowId": "wf-2"})
	require.NoError(t, eventBus.Publish(ctx, events.BuildWorkflowUpdateSubject("wf-2"), wanted))

	msg := readMessage(t, conn)
	assert.Equal(t, "workflow:wf-2", msg.Topic)
}

func TestSchedulerEventsBroadcast(t *testing.T) {
	hub, eventBus, wsURL := setupGateway(t)
	conn := dial(t, wsURL)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	event := bus.NewEvent(events.SchedulerDegraded, "scheduler", map[string]any{"usage": 0.9})
	require.NoError(t, eventBus.Publish(context.Background(), events.SchedulerDegraded, event))

	msg := readMessage(t, conn)
	assert.Equal(t, events.SchedulerDegraded, msg.Type)
	assert.Equal(t, "scheduler", msg.Topic)
}

func TestClientDisconnectCleansUp(t *testing.T) {
	hub, _, wsURL := setupGateway(t)
	conn := dial(t, wsURL)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
