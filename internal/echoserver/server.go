// Package echoserver is a development counterpart for the client. It
// echoes correlated messages, answers hub invocations, and fans out
// published messages to subscribed connections.
package echoserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/cskr/pubsub"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-resilientws/pkg/transport"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// Control message types understood by the server.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
)

// BroadcastTopic is subscribed by every connection.
const BroadcastTopic = "*"

// ErrShuttingDown is returned by Shutdown when called twice.
var ErrShuttingDown = errors.New("echoserver: shutting down")

// Handler answers one request. Its result becomes the response payload.
type Handler func(ctx context.Context, c *Conn, payload json.RawMessage) (any, error)

// HubMethod answers one hub invocation.
type HubMethod func(ctx context.Context, c *Conn, args []json.RawMessage) (any, error)

// Server accepts websocket connections.
type Server struct {
	cfg config
	bus *pubsub.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	conns      map[string]*Conn
	handlers   map[string]Handler
	hubMethods map[string]HubMethod
	closed     bool
}

// New returns a Server ready to be mounted with ServeHTTP.
func New(opts ...Option) *Server {
	cfg := config{
		logger:       slog.Default(),
		queueLength:  defaultQueueLength,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pingInterval < 0 {
		cfg.pingInterval = 0
	}
	if cfg.acceptOptions == nil {
		cfg.acceptOptions = &websocket.AcceptOptions{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		bus:        pubsub.New(cfg.queueLength),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*Conn),
		handlers:   make(map[string]Handler),
		hubMethods: make(map[string]HubMethod),
	}
}

// Handle routes requests of msgType to h instead of echoing them.
func (s *Server) Handle(msgType string, h Handler) {
	s.mu.Lock()
	s.handlers[msgType] = h
	s.mu.Unlock()
}

// HandleHub registers method on hub.
func (s *Server) HandleHub(hub, method string, m HubMethod) {
	s.mu.Lock()
	s.hubMethods[hub+"."+method] = m
	s.mu.Unlock()
}

// Publish sends a msgType message to every connection subscribed to topic.
func (s *Server) Publish(topic, msgType string, payload any) error {
	msg, err := wire.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.Timestamp = wire.Timestamp(time.Now())
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrShuttingDown
	}
	s.bus.Pub(data, topic)
	return nil
}

// Broadcast sends a msgType message to every connection.
func (s *Server) Broadcast(msgType string, payload any) error {
	return s.Publish(BroadcastTopic, msgType, payload)
}

// EmitHubEvent broadcasts event on hub with args.
func (s *Server) EmitHubEvent(hub, event string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	return s.Broadcast(wire.HubEventPrefix+hub+"."+event, args)
}

// SendTo sends a msgType message to the connection with id.
func (s *Server) SendTo(id, msgType string, payload any) error {
	return s.Publish(directTopic(id), msgType, payload)
}

// Connections returns the ids of the open connections.
func (s *Server) Connections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every open connection with code and reason.
func (s *Server) CloseAll(code int, reason string) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.Close(code, reason)
	}
}

// Shutdown closes every connection with StatusGoingAway and waits for
// their goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.closed = true
	s.mu.Unlock()

	s.cfg.logger.Info("echoserver: shutting down", "connections", len(s.Connections()))
	s.CloseAll(transport.StatusGoingAway, "server shutting down")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.bus.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("echoserver: shutdown: %w", ctx.Err())
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.token {
		s.cfg.logger.Info("echoserver: rejected handshake without a valid token", "remote", r.RemoteAddr)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, s.cfg.acceptOptions)
	if err != nil {
		s.cfg.logger.Info("echoserver: accept failed", "error", err)
		return
	}
	ws.SetReadLimit(defaultReadLimit)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	c := &Conn{
		ID:     uuid.NewString(),
		server: s,
		ws:     ws,
		out:    make(chan []byte, s.cfg.queueLength),
		ctx:    ctx,
		cancel: cancel,
	}
	c.logger = s.cfg.logger.With("conn", c.ID)
	c.sub = s.bus.Sub(BroadcastTopic, directTopic(c.ID))

	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
	c.logger.Info("echoserver: client connected", "remote", r.RemoteAddr)

	c.serve()

	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
	c.logger.Info("echoserver: client disconnected")
}

func directTopic(id string) string { return "conn:" + id }
