// Package testutil provides websocket test servers for exercising the client.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// HandlerFunc answers one incoming message. A nil return sends nothing.
type HandlerFunc func(msg *wire.Message) *wire.Message

// Echo answers every correlated message with its own type and payload.
func Echo(msg *wire.Message) *wire.Message {
	if msg.ID == "" {
		return nil
	}
	return &wire.Message{Type: msg.Type, ID: msg.ID, Payload: msg.Payload, Encrypted: msg.Encrypted}
}

// MockServer is an httptest websocket server that records every handshake
// and message it sees.
type MockServer struct {
	T      *testing.T
	Server *httptest.Server
	WsURL  string

	Subprotocols []string

	mu          sync.Mutex
	handler     HandlerFunc
	conn        *websocket.Conn
	headers     []http.Header
	received    []*wire.Message
	connections int
	rejectWith  int
	changed     chan struct{}
}

// NewMockServer starts a server answering with handler. A nil handler
// uses Echo.
func NewMockServer(t *testing.T, handler HandlerFunc) *MockServer {
	t.Helper()
	if handler == nil {
		handler = Echo
	}
	ms := &MockServer{T: t, handler: handler, changed: make(chan struct{})}
	ms.Server = httptest.NewServer(http.HandlerFunc(ms.serve))
	ms.WsURL = "ws" + strings.TrimPrefix(ms.Server.URL, "http")

	t.Cleanup(ms.Close)
	return ms
}

func (ms *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	ms.headers = append(ms.headers, r.Header.Clone())
	reject := ms.rejectWith
	ms.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		ms.notify()
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   ms.Subprotocols,
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		ms.T.Logf("MockServer: Accept error: %v", err)
		return
	}

	ms.mu.Lock()
	ms.conn = conn
	ms.connections++
	ms.mu.Unlock()
	ms.notify()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ms.mu.Lock()
			if ms.conn == conn {
				ms.conn = nil
			}
			ms.mu.Unlock()
			ms.notify()
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			ms.T.Logf("MockServer: discarding frame: %v", err)
			continue
		}

		ms.mu.Lock()
		ms.received = append(ms.received, msg)
		handler := ms.handler
		ms.mu.Unlock()
		ms.notify()

		if reply := handler(msg); reply != nil {
			if err := ms.write(conn, reply); err != nil {
				ms.T.Logf("MockServer: reply failed: %v", err)
			}
		}
	}
}

func (ms *MockServer) notify() {
	ms.mu.Lock()
	close(ms.changed)
	ms.changed = make(chan struct{})
	ms.mu.Unlock()
}

func (ms *MockServer) write(conn *websocket.Conn, msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// SetHandler replaces the handler for subsequent messages.
func (ms *MockServer) SetHandler(handler HandlerFunc) {
	ms.mu.Lock()
	ms.handler = handler
	ms.mu.Unlock()
}

// Reject makes every following handshake fail with status. Zero accepts again.
func (ms *MockServer) Reject(status int) {
	ms.mu.Lock()
	ms.rejectWith = status
	ms.mu.Unlock()
}

// Send pushes msg to the connected client.
func (ms *MockServer) Send(msg *wire.Message) error {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return errors.New("mock server: no connection")
	}
	return ms.write(conn, msg)
}

// SendRaw pushes an arbitrary text frame to the connected client.
func (ms *MockServer) SendRaw(data string) error {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return errors.New("mock server: no connection")
	}
	return conn.Write(context.Background(), websocket.MessageText, []byte(data))
}

// CloseConnection closes the current connection with code and reason.
func (ms *MockServer) CloseConnection(code int, reason string) {
	ms.mu.Lock()
	conn := ms.conn
	ms.conn = nil
	ms.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusCode(code), reason)
	}
}

// Connections returns how many handshakes succeeded.
func (ms *MockServer) Connections() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.connections
}

// Connected reports whether a client connection is open.
func (ms *MockServer) Connected() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.conn != nil
}

// Headers returns the request headers of every handshake, accepted or not.
func (ms *MockServer) Headers() []http.Header {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]http.Header, len(ms.headers))
	copy(out, ms.headers)
	return out
}

// Received returns every message read so far.
func (ms *MockServer) Received() []*wire.Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*wire.Message, len(ms.received))
	copy(out, ms.received)
	return out
}

// ReceivedOfType returns the received messages with the given type.
func (ms *MockServer) ReceivedOfType(msgType string) []*wire.Message {
	var out []*wire.Message
	for _, m := range ms.Received() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// WaitUntil blocks until cond holds or timeout elapses. cond is checked
// after every handshake, message and disconnect.
func (ms *MockServer) WaitUntil(timeout time.Duration, cond func(*MockServer) bool) error {
	deadline := time.After(timeout)
	for {
		ms.mu.Lock()
		changed := ms.changed
		ms.mu.Unlock()
		if cond(ms) {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return fmt.Errorf("mock server: condition not met within %v", timeout)
		}
	}
}

// Close shuts the server down.
func (ms *MockServer) Close() {
	ms.CloseConnection(int(websocket.StatusGoingAway), "server shutting down")
	ms.Server.Close()
}
