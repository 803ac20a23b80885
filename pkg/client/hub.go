package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// HubEventPrefix prefixes the message type of server-pushed hub events.
const HubEventPrefix = wire.HubEventPrefix

// Hub is a SignalR-style view of a client: named method invocations and
// named server events multiplexed over one connection.
type Hub struct {
	client *Client
	name   string

	mu           sync.Mutex
	connectionID string
	unsubscribe  func()
}

type hubInvocation struct {
	Hub    string `json:"hub"`
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type connectionIDPayload struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
}

// NewHub binds a hub named name to c. The hub records the connection id
// announced by the server.
func NewHub(c *Client, name string) *Hub {
	h := &Hub{client: c, name: name}
	h.unsubscribe = c.Subscribe(wire.TypeConnectionID, h.onConnectionID)
	return h
}

// onConnectionID accepts a bare string, {"id": ...} or {"connectionId": ...}.
// An empty id never replaces a known one.
func (h *Hub) onConnectionID(payload json.RawMessage) {
	var id string
	if err := json.Unmarshal(payload, &id); err != nil {
		var p connectionIDPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			h.client.logger.Warn("hub: unreadable connection id", "hub", h.name, "error", err)
			return
		}
		id = p.ConnectionID
		if id == "" {
			id = p.ID
		}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		h.client.logger.Warn("hub: empty connection id ignored", "hub", h.name)
		return
	}
	h.mu.Lock()
	h.connectionID = id
	h.mu.Unlock()
}

// Name returns the hub name.
func (h *Hub) Name() string { return h.name }

// ConnectionID returns the last id announced by the server, if any.
func (h *Hub) ConnectionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectionID
}

// Invoke calls method on the hub and returns its result.
func (h *Hub) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return h.InvokeTimeout(ctx, 0, method, args...)
}

// InvokeTimeout is Invoke with an explicit timeout.
func (h *Hub) InvokeTimeout(ctx context.Context, timeout time.Duration, method string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	return h.client.Request(ctx, wire.TypeHubInvoke, hubInvocation{Hub: h.name, Method: method, Args: args}, timeout)
}

// On calls fn with the arguments of every event pushed on this hub.
func (h *Hub) On(event string, fn func(args json.RawMessage)) (unsubscribe func()) {
	return h.client.Subscribe(h.EventType(event), fn)
}

// EventType is the message type carrying event on this hub.
func (h *Hub) EventType(event string) string {
	return HubEventPrefix + h.name + "." + event
}

// Close stops tracking the connection id.
func (h *Hub) Close() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
