package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event is the frame pushed to websocket clients.
type Event struct {
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound frame from a websocket client. Patterns use NATS
// wildcards: "*" matches one token, a trailing ">" matches the rest.
type ClientMessage struct {
	Action   string   `json:"action"`
	Subjects []string `json:"subjects"`
}

// Client is one websocket connection.
type Client struct {
	ID       string
	Patterns []string
	Send     chan []byte
}

// NewClient creates a client with a buffered send queue.
func NewClient(patterns ...string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Patterns: patterns,
		Send:     make(chan []byte, 256),
	}
}

// Hub tracks websocket clients and the subject patterns they follow.
type Hub struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	patterns map[string]map[*Client]struct{}
	all      map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		patterns: make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
	}
}

// Register adds client with its initial patterns.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, p := range client.Patterns {
		h.addLocked(p, client)
	}
}

// Unregister removes client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, p := range client.Patterns {
		h.removeLocked(p, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds patterns to a registered client.
func (h *Hub) Subscribe(client *Client, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range patterns {
		h.addLocked(p, client)
	}
	client.Patterns = append(client.Patterns, patterns...)
}

// Unsubscribe removes patterns from a registered client.
func (h *Hub) Unsubscribe(client *Client, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		drop[p] = struct{}{}
		h.removeLocked(p, client)
	}
	remaining := client.Patterns[:0]
	for _, p := range client.Patterns {
		if _, rm := drop[p]; !rm {
			remaining = append(remaining, p)
		}
	}
	client.Patterns = remaining
}

func (h *Hub) addLocked(pattern string, client *Client) {
	if h.patterns[pattern] == nil {
		h.patterns[pattern] = make(map[*Client]struct{})
	}
	h.patterns[pattern][client] = struct{}{}
}

func (h *Hub) removeLocked(pattern string, client *Client) {
	if subs, ok := h.patterns[pattern]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.patterns, pattern)
		}
	}
}

// ProcessMessage applies a subscribe or unsubscribe frame.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Subjects)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Subjects)
	}
}

// Broadcast sends event to every client with a pattern matching its subject.
// A client whose queue is full misses the event.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("subject", event.Subject).Msg("failed to marshal websocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]struct{})
	for pattern, subs := range h.patterns {
		if !MatchSubject(pattern, event.Subject) {
			continue
		}
		for client := range subs {
			if _, dup := sent[client]; dup {
				continue
			}
			sent[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}

// Publish wraps payload in an Event and broadcasts it.
func (h *Hub) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", subject, err)
	}
	h.Broadcast(Event{Subject: subject, Timestamp: time.Now().UTC(), Data: data})
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// PatternCount returns the number of clients subscribed to pattern.
func (h *Hub) PatternCount(pattern string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.patterns[pattern])
}

// MatchSubject reports whether subject matches a NATS style pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades HTTP requests and pumps hub events to the socket.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler creates a handler bound to hub.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// RegisterRoutes registers GET /ws on g.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection. Initial patterns may be given as
// repeated ?subject= query parameters.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(c.QueryParams()["subject"]...)
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
