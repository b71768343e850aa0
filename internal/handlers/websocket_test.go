package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/services/events"
)

func dialHandler(t *testing.T, handler *WebSocketHandler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello WSMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, MessageHello, hello.Type)

	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestWebSocket_CoalescesChildJobEvents(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	defer bus.Close()
	handler := NewWebSocketHandler(bus, common.WebSocketConfig{FlushInterval: "20ms"}, arbor.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler.Start(ctx)

	conn := dialHandler(t, handler)

	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted} {
		require.NoError(t, bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobStatus, Payload: models.JobEvent{
			JobID:    "child-1",
			ParentID: "parent",
			Kind:     models.JobKindRecordEvent,
			Status:   status,
		}}))
	}

	var msg struct {
		Type    string            `json:"type"`
		Payload []models.JobEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageJobEvents, msg.Type)
	require.Len(t, msg.Payload, 1, "only the latest status per job is pushed")
	assert.Equal(t, models.JobStatusCompleted, msg.Payload[0].Status)
}

func TestWebSocket_AllowedEventsFilter(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	defer bus.Close()
	handler := NewWebSocketHandler(bus, common.WebSocketConfig{AllowedEvents: []string{MessageSourceDeleted}}, arbor.NewLogger())

	conn := dialHandler(t, handler)
	ctx := context.Background()

	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventSourceUpdated, Payload: &models.Source{ID: "src"}}))
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventSourceDeleted, Payload: "src"}))

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageSourceDeleted, msg.Type, "filtered types are never sent")
	assert.Equal(t, map[string]interface{}{"id": "src"}, msg.Payload)
}
