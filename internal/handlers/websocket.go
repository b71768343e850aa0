package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/services/events"
)

// Message types pushed to clients
const (
	MessageHello         = "hello"
	MessageJobEvents     = "job_events"
	MessageSourceUpdated = "source_updated"
	MessageSourceDeleted = "source_deleted"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope of every websocket message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler pushes job status and source changes to connected
// clients. Job events are coalesced per job by a JobEventAggregator.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	aggregator       *events.JobEventAggregator
	allowedEvents    map[string]bool // Whitelist of message types (empty = allow all)
	serverInstanceID string          // Clients use it to detect a server restart
}

// NewWebSocketHandler creates the handler and subscribes it to the event bus
func NewWebSocketHandler(eventService interfaces.EventService, config common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		allowedEvents:    make(map[string]bool),
		serverInstanceID: uuid.New().String(),
	}
	for _, eventType := range config.AllowedEvents {
		h.allowedEvents[eventType] = true
	}

	h.aggregator = events.NewJobEventAggregator(
		common.Duration(config.FlushInterval, time.Second),
		h.broadcastJobEvents,
		logger,
	)

	if eventService != nil {
		h.subscribe(eventService)
	}

	logger.Debug().
		Str("server_instance_id", h.serverInstanceID).
		Int("allowed_events", len(h.allowedEvents)).
		Msg("WebSocket handler initialized")
	return h
}

// Start runs the periodic flush of coalesced job events until ctx is done
func (h *WebSocketHandler) Start(ctx context.Context) {
	h.aggregator.Start(ctx)
}

func (h *WebSocketHandler) subscribe(eventService interfaces.EventService) {
	eventService.Subscribe(interfaces.EventJobStatus, func(ctx context.Context, event interfaces.Event) error {
		if jobEvent, ok := event.Payload.(models.JobEvent); ok {
			h.aggregator.Record(ctx, jobEvent)
		}
		return nil
	})
	eventService.Subscribe(interfaces.EventSourceUpdated, func(ctx context.Context, event interfaces.Event) error {
		source, ok := event.Payload.(*models.Source)
		if !ok {
			return nil
		}
		h.Broadcast(MessageSourceUpdated, map[string]interface{}{
			"id":          source.ID,
			"name":        source.Name,
			"lifecycle":   source.Lifecycle,
			"connected":   source.Connected,
			"initialized": source.Initialized,
		})
		return nil
	})
	eventService.Subscribe(interfaces.EventSourceDeleted, func(ctx context.Context, event interfaces.Event) error {
		h.Broadcast(MessageSourceDeleted, map[string]interface{}{"id": event.Payload})
		return nil
	})
}

// HandleWebSocket upgrades the connection and keeps it registered until
// the client goes away
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = mutex
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", total).Msg("WebSocket client connected")
	h.send(conn, mutex, WSMessage{Type: MessageHello, Payload: map[string]string{
		"server_instance_id": h.serverInstanceID,
		"version":            common.GetVersion(),
	}})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	// Read until the client disconnects; client messages are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// Broadcast sends one message to every connected client
func (h *WebSocketHandler) Broadcast(messageType string, payload interface{}) {
	if len(h.allowedEvents) > 0 && !h.allowedEvents[messageType] {
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	msg := WSMessage{Type: messageType, Payload: payload}
	for i, conn := range conns {
		h.send(conn, mutexes[i], msg)
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) broadcastJobEvents(ctx context.Context, batch []models.JobEvent) {
	h.Broadcast(MessageJobEvents, batch)
}

func (h *WebSocketHandler) send(conn *websocket.Conn, mutex *sync.Mutex, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send websocket message")
	}
}
