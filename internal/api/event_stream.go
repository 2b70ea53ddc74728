// Package api provides the WebSocket feed of security events for operators.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/onnwee/gatekeep/internal/middleware"
	"github.com/onnwee/gatekeep/internal/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed sits behind admin JWT auth; browser origin checks do
		// not add anything for token-authenticated operator tooling.
		return true
	},
}

// feedSendBuffer is the per-subscriber send queue depth. A subscriber
// whose queue fills is dropped rather than allowed to stall delivery to
// the others.
const feedSendBuffer = 32

// EventFeed broadcasts security events to subscribed WebSocket clients.
// Wire it to the event logger with events.Notify(feed.Publish).
//
// Each subscriber gets a buffered send queue drained by a single writer
// goroutine. Events arrive from both the logger's queue worker and
// request goroutines using the synchronous log path, and the websocket
// package allows at most one concurrent writer per connection.
type EventFeed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewEventFeed creates an empty event feed.
func NewEventFeed() *EventFeed {
	return &EventFeed{
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Subscribe registers a WebSocket connection for event delivery and
// starts its writer goroutine.
func (f *EventFeed) Subscribe(conn *websocket.Conn) {
	send := make(chan []byte, feedSendBuffer)
	f.mu.Lock()
	f.clients[conn] = send
	f.mu.Unlock()
	go writeLoop(conn, send)
}

// writeLoop is the sole writer for its connection. It exits when the
// send queue is closed by Unsubscribe or when a write fails.
func writeLoop(conn *websocket.Conn, send <-chan []byte) {
	for data := range send {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("failed to send event to websocket client", "error", err)
			return
		}
	}
}

// Unsubscribe removes a WebSocket connection and stops its writer. Safe
// to call more than once for the same connection.
func (f *EventFeed) Unsubscribe(conn *websocket.Conn) {
	f.mu.Lock()
	send, ok := f.clients[conn]
	if ok {
		delete(f.clients, conn)
	}
	f.mu.Unlock()
	if ok {
		close(send)
	}
}

// Publish fans a security event out to every subscriber's send queue.
// Safe to call from any goroutine. Subscribers whose queues are full are
// disconnected.
func (f *EventFeed) Publish(event *security.SecurityEvent) {
	if f.ConnectionCount() == 0 {
		return
	}

	// Serialize once for all subscribers
	data, err := json.Marshal(toEventResponse(event))
	if err != nil {
		slog.Error("failed to marshal security event for feed", "error", err)
		return
	}

	var slow []*websocket.Conn
	f.mu.Lock()
	for conn, send := range f.clients {
		select {
		case send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	f.mu.Unlock()

	for _, conn := range slow {
		slog.Warn("websocket subscriber too slow, dropping connection")
		f.Unsubscribe(conn)
		conn.Close()
	}
}

// ConnectionCount returns the number of active subscribers.
func (f *EventFeed) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// LiveEvents handles GET /security/events/live - upgrades the connection
// and streams security events as they are persisted.
func (h *SecurityHandlers) LiveEvents(feed *EventFeed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.ErrorContext(ctx, "failed to upgrade websocket connection", "error", err)
			return
		}

		feed.Subscribe(conn)

		requestID := middleware.GetRequestID(ctx)
		slog.InfoContext(ctx, "websocket client subscribed to security events",
			"request_id", requestID,
		)

		defer func() {
			feed.Unsubscribe(conn)
			conn.Close()
			slog.InfoContext(ctx, "websocket client unsubscribed",
				"request_id", requestID,
			)
		}()

		// Clients do not send messages; read to detect disconnection.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					slog.WarnContext(ctx, "websocket connection closed unexpectedly", "error", err)
				}
				break
			}
		}
	}
}
