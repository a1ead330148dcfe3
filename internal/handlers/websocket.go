// -----------------------------------------------------------------------
// WebSocket Handler - Live feed of job-progress events
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocketHandler relays job-progress events from the message bus to
// connected clients. High-frequency statuses can be throttled and an
// allowed-status whitelist filters the feed; both are config driven.
type WebSocketHandler struct {
	logger      arbor.ILogger
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex

	allowedEvents map[string]bool
	throttlers    map[string]*rate.Limiter
	unsubscribe   func()
}

// NewWebSocketHandler creates the handler and subscribes it to the
// job-progress channel.
func NewWebSocketHandler(messageBus interfaces.MessageBus, config *common.WebSocketConfig, logger arbor.ILogger) (*WebSocketHandler, error) {
	h := &WebSocketHandler{
		logger:        logger,
		clients:       make(map[*websocket.Conn]bool),
		clientMutex:   make(map[*websocket.Conn]*sync.Mutex),
		allowedEvents: make(map[string]bool),
		throttlers:    make(map[string]*rate.Limiter),
	}

	// Empty whitelist allows every event
	if config != nil {
		for _, status := range config.AllowedEvents {
			h.allowedEvents[status] = true
		}

		for status, intervalStr := range config.ThrottleIntervals {
			duration, err := time.ParseDuration(intervalStr)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("status", status).
					Str("interval", intervalStr).
					Msg("Invalid throttle interval, throttling disabled for status")
				continue
			}
			h.throttlers[status] = rate.NewLimiter(rate.Every(duration), 1)
			logger.Debug().
				Str("status", status).
				Str("interval", intervalStr).
				Msg("Event throttler initialized")
		}
	}

	unsubscribe, err := messageBus.Subscribe(interfaces.JobProgressChannel, func(_ context.Context, msg interfaces.BusMessage) {
		h.handleEvent(msg)
	})
	if err != nil {
		return nil, err
	}
	h.unsubscribe = unsubscribe

	return h, nil
}

// HandleWebSocket handles GET /ws upgrade requests.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().
		Str("remote", r.RemoteAddr).
		Int("clients", count).
		Msg("WebSocket client connected")

	// Read loop exists only to detect disconnects; the feed is one-way
	go h.readLoop(conn)
}

func (h *WebSocketHandler) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	delete(h.clientMutex, conn)
	count := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	h.logger.Info().Int("clients", count).Msg("WebSocket client disconnected")
}

// handleEvent filters, throttles and broadcasts one progress event.
func (h *WebSocketHandler) handleEvent(msg interfaces.BusMessage) {
	event := decodeEvent(msg.Payload)
	if event == nil {
		h.logger.Debug().Str("channel", msg.Channel).Msg("Ignoring non-event bus payload")
		return
	}

	status := string(event.Status)

	if len(h.allowedEvents) > 0 && !h.allowedEvents[status] {
		return
	}

	// Terminal events always go through; only repeatable statuses throttle
	if throttler, ok := h.throttlers[status]; ok && !throttler.Allow() {
		return
	}

	h.broadcast(event)
}

// decodeEvent recovers a progress event from a bus payload. In-process
// delivery carries the typed struct; broker delivery carries decoded JSON.
func decodeEvent(payload interface{}) *models.JobProgressEvent {
	switch v := payload.(type) {
	case *models.JobProgressEvent:
		return v
	case models.JobProgressEvent:
		return &v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var event models.JobProgressEvent
		if err := json.Unmarshal(data, &event); err != nil || event.ID == "" {
			return nil
		}
		return &event
	}
}

// broadcast sends the event to every connected client. Write failures
// drop the client.
func (h *WebSocketHandler) broadcast(event *models.JobProgressEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.mu.RLock()
		connMu := h.clientMutex[conn]
		h.mu.RUnlock()
		if connMu == nil {
			continue
		}

		connMu.Lock()
		err := conn.WriteJSON(event)
		connMu.Unlock()

		if err != nil {
			h.logger.Debug().Err(err).Msg("WebSocket write failed, dropping client")
			h.removeClient(conn)
		}
	}
}

// Close unsubscribes from the bus and disconnects every client.
func (h *WebSocketHandler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.clientMutex = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}
