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
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const writeTimeout = 5 * time.Second

// WSMessage is the envelope of every frame sent to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// wsClient is one connection. workflowID filters the stream when set.
type wsClient struct {
	mu         sync.Mutex
	workflowID string
}

// WebSocketHandler pushes workflow events to connected clients
type WebSocketHandler struct {
	logger           arbor.ILogger
	eventService     interfaces.EventService
	clients          map[*websocket.Conn]*wsClient
	mu               sync.RWMutex
	throttleInterval time.Duration
	throttleMu       sync.Mutex
	throttlers       map[string]*rate.Limiter // per workflow, progress events only
	serverInstanceID string                   // clients use it to detect a server restart
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		eventService:     eventService,
		clients:          make(map[*websocket.Conn]*wsClient),
		throttlers:       make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	// Nil config or empty interval = no throttling
	if config != nil && config.ThrottleInterval != "" {
		if d, err := time.ParseDuration(config.ThrottleInterval); err == nil && d > 0 {
			h.throttleInterval = d
			logger.Debug().Dur("interval", d).Msg("Progress event throttling enabled")
		} else {
			logger.Warn().
				Str("interval", config.ThrottleInterval).
				Msg("Failed to parse websocket throttle interval - throttler disabled")
		}
	}

	if eventService != nil {
		h.SubscribeToWorkflowEvents()
	}
	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until the client leaves.
// ?workflow_id= narrows the stream to one workflow.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{workflowID: r.URL.Query().Get("workflow_id")}

	h.mu.Lock()
	h.clients[conn] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.send(conn, client, WSMessage{
		Type:    "hello",
		Payload: map[string]string{"server_instance_id": h.serverInstanceID},
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// SubscribeToWorkflowEvents forwards workflow events to clients. Progress events are
// throttled per workflow; lifecycle events always go through.
func (h *WebSocketHandler) SubscribeToWorkflowEvents() {
	lifecycle := []interfaces.EventType{
		interfaces.EventWorkflowStarted,
		interfaces.EventWorkflowCompleted,
		interfaces.EventWorkflowFailed,
		interfaces.EventWorkflowReset,
	}
	for _, eventType := range lifecycle {
		if err := h.eventService.Subscribe(eventType, h.forward); err != nil {
			h.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to subscribe websocket handler")
		}
	}

	err := h.eventService.Subscribe(interfaces.EventWorkflowProgress, func(ctx context.Context, event interfaces.Event) error {
		snapshot, ok := event.Payload.(*models.WorkflowProgress)
		if !ok {
			h.logger.Warn().Msg("Invalid workflow progress event payload type")
			return nil
		}
		if !h.allow(snapshot.WorkflowID) {
			return nil
		}
		return h.forward(ctx, event)
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to subscribe websocket handler to progress")
	}
}

func (h *WebSocketHandler) forward(ctx context.Context, event interfaces.Event) error {
	workflowID := ""
	if snapshot, ok := event.Payload.(*models.WorkflowProgress); ok {
		workflowID = snapshot.WorkflowID
	}
	h.Broadcast(workflowID, WSMessage{Type: string(event.Type), Payload: event.Payload})
	return nil
}

// allow applies the per-workflow throttle
func (h *WebSocketHandler) allow(workflowID string) bool {
	if h.throttleInterval <= 0 {
		return true
	}

	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	limiter, ok := h.throttlers[workflowID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.throttleInterval), 1)
		h.throttlers[workflowID] = limiter
	}
	return limiter.Allow()
}

// Broadcast sends msg to every client watching workflowID (or watching everything)
func (h *WebSocketHandler) Broadcast(workflowID string, msg WSMessage) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	clients := make([]*wsClient, 0, len(h.clients))
	for conn, client := range h.clients {
		if client.workflowID != "" && workflowID != "" && client.workflowID != workflowID {
			continue
		}
		conns = append(conns, conn)
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		h.send(conn, clients[i], msg)
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) send(conn *websocket.Conn, client *wsClient, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
	}
}
