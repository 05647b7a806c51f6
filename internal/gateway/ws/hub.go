// Package ws bridges the event bus onto WebSocket connections. Clients
// choose what they see by subscribing to topic patterns; everything else
// is filtered server-side before it touches the wire.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/quorum/internal/events"
)

// Client is one connected WebSocket peer and its topic subscriptions.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu       sync.Mutex
	patterns map[string]struct{}
}

func (c *Client) subscribe(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns[pattern] = struct{}{}
}

func (c *Client) unsubscribe(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.patterns, pattern)
}

// wants reports whether any subscribed pattern covers the topic.
func (c *Client) wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.patterns {
		if events.TopicMatches(p, topic) {
			return true
		}
	}
	return false
}

// Hub fans bus events out to connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	bus     *events.Bus
	log     *slog.Logger
	unsub   func()
}

// NewHub starts relaying bus events to WebSocket clients.
func NewHub(bus *events.Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		log:     log,
	}
	h.unsub = bus.Subscribe(">", h.relay)
	return h
}

// relay pushes one bus event to every client whose patterns match it.
func (h *Hub) relay(e events.Event) {
	frame, err := NewEventFrame(e.Topic, e.Payload)
	if err != nil {
		h.log.Debug("event frame marshal failed", slog.String("error", err.Error()))
		return
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		h.log.Debug("frame marshal failed", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(e.Topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client: drop rather than stall the relay.
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.log.Info("ws client connected", slog.Int("clients", len(h.clients)))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.log.Info("ws client disconnected", slog.Int("clients", len(h.clients)))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
// A fresh client receives nothing until it subscribes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // gateway binds to localhost by default
	})
	if err != nil {
		h.log.Error("ws accept failed", slog.String("error", err.Error()))
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      h,
		patterns: make(map[string]struct{}),
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.hub.log.Debug("ws closed", slog.Int("status", int(status)))
			} else {
				c.hub.log.Debug("ws read failed", slog.String("error", err.Error()))
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.hub.log.Debug("ws bad frame", slog.String("error", err.Error()))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame Frame) {
	if frame.Type != FrameTypeRequest {
		c.hub.log.Debug("ws unexpected frame type", slog.String("type", string(frame.Type)))
		return
	}

	switch frame.Method {
	case MethodSubscribe, MethodUnsubscribe:
		var params SubscribeParams
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Pattern == "" {
			c.sendError(frame.ID, "pattern required")
			return
		}
		if frame.Method == MethodSubscribe {
			c.subscribe(params.Pattern)
		} else {
			c.unsubscribe(params.Pattern)
		}
		c.sendOK(frame.ID, SubscribeParams{Pattern: params.Pattern})
	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

// writePump writes queued frames to the connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	c.enqueue(f)
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	c.enqueue(f)
}

func (c *Client) enqueue(f Frame) {
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close detaches from the bus and drops every client connection.
func (h *Hub) Close() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
