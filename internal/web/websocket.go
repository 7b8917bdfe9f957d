package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/dispatch/internal/bus"
)

const (
	writeWait   = 5 * time.Second
	eventBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one frame of the /api/ws stream. Type is "bus.<message type>" for
// bus traffic, or the NATS event subject without its prefix.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// subscriber holds the event type prefixes a connection asked for with
// ?types=. No prefixes means everything.
type subscriber struct {
	prefixes []string
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// Hub fans events out to stream subscribers from a single writer goroutine.
type Hub struct {
	events chan Event

	mu   sync.Mutex
	subs map[*websocket.Conn]*subscriber
}

func NewHub() *Hub {
	return &Hub{
		events: make(chan Event, eventBuffer),
		subs:   make(map[*websocket.Conn]*subscriber),
	}
}

// Run writes queued events until ctx ends, then closes every connection
// with a going-away frame.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.events:
			h.write(ev)
		}
	}
}

func (h *Hub) write(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("websocket event not encodable", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("dropping websocket subscriber", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			delete(h.subs, conn)
		}
	}
}

// Broadcast queues ev without blocking; a full queue drops it.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("websocket event queue full, dropping event", "type", ev.Type)
	}
}

// BroadcastMessage is a bus listener forwarding every published message.
func (h *Hub) BroadcastMessage(msg bus.Message) {
	h.Broadcast(Event{Type: "bus." + strings.ToLower(msg.Type.String()), Payload: msg})
}

func (h *Hub) add(conn *websocket.Conn, prefixes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[conn] = &subscriber{prefixes: prefixes}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, conn)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) closeAll() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "dispatch shutting down")
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		delete(h.subs, conn)
	}
}

// parseTypes splits ?types=bus.outcome,maintenance into lower-case prefixes.
func parseTypes(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	prefixes := parseTypes(r.URL.Query().Get("types"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.add(conn, prefixes)
	defer func() {
		s.hub.remove(conn)
		conn.Close()
	}()

	// The stream is one-way; reads only detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
