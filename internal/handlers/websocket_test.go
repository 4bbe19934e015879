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
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
	"github.com/ternarybob/reqflow/internal/services/events"
)

func dialWorkflow(t *testing.T, server *httptest.Server, workflowID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	if workflowID != "" {
		wsURL += "?workflow_id=" + workflowID
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// hello is sent after registration, so reading it means broadcasts will arrive
	var hello WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)
	return conn
}

type progressFrame struct {
	Type    string                  `json:"type"`
	Payload models.WorkflowProgress `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) progressFrame {
	t.Helper()
	var frame progressFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func publish(t *testing.T, svc *events.Service, eventType interfaces.EventType, workflowID string, current int) {
	t.Helper()
	p := models.NewWorkflowProgress(workflowID)
	p.CurrentStepIndex = current
	require.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{Type: eventType, Payload: p}))
}

func TestWebSocket_FiltersByWorkflow(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{})

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	watcher := dialWorkflow(t, server, "REQ-1")
	all := dialWorkflow(t, server, "")
	assert.Equal(t, 2, handler.ClientCount())

	publish(t, eventService, interfaces.EventWorkflowProgress, "REQ-2", 1)
	publish(t, eventService, interfaces.EventWorkflowProgress, "REQ-1", 3)

	frame := readFrame(t, watcher)
	assert.Equal(t, "workflow_progress", frame.Type)
	assert.Equal(t, "REQ-1", frame.Payload.WorkflowID)
	assert.Equal(t, 3, frame.Payload.CurrentStepIndex)

	assert.Equal(t, "REQ-2", readFrame(t, all).Payload.WorkflowID)
	assert.Equal(t, "REQ-1", readFrame(t, all).Payload.WorkflowID)
}

func TestWebSocket_ThrottlesProgressOnly(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{ThrottleInterval: "1h"})

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialWorkflow(t, server, "REQ-1")

	publish(t, eventService, interfaces.EventWorkflowProgress, "REQ-1", 1)
	publish(t, eventService, interfaces.EventWorkflowProgress, "REQ-1", 2) // dropped
	publish(t, eventService, interfaces.EventWorkflowCompleted, "REQ-1", 5)

	first := readFrame(t, conn)
	assert.Equal(t, "workflow_progress", first.Type)
	assert.Equal(t, 1, first.Payload.CurrentStepIndex)

	second := readFrame(t, conn)
	assert.Equal(t, "workflow_completed", second.Type)
	assert.Equal(t, 5, second.Payload.CurrentStepIndex)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(nil, logger, nil)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialWorkflow(t, server, "")
	require.Equal(t, 1, handler.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool { return handler.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
