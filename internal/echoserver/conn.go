package echoserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// ErrConnClosed is returned by Send once the connection is gone.
var ErrConnClosed = errors.New("echoserver: connection closed")

// Conn is one accepted client connection.
type Conn struct {
	ID string

	server *Server
	ws     *websocket.Conn
	sub    chan interface{}
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

type topicRequest struct {
	Topic string `json:"topic"`
}

type publishRequest struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type hubInvocation struct {
	Hub    string            `json:"hub"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Send queues msg for this connection.
func (c *Conn) Send(msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	}
}

// Subscribe adds topic to the connection's subscriptions.
func (c *Conn) Subscribe(topic string) { c.server.bus.AddSub(c.sub, topic) }

// Unsubscribe removes topic from the connection's subscriptions.
func (c *Conn) Unsubscribe(topic string) { c.server.bus.Unsub(c.sub, topic) }

// Close starts the closing handshake with code and reason.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusCode(code), reason)
		c.cancel()
	})
}

func (c *Conn) serve() {
	defer c.cancel()

	id, _ := json.Marshal(c.ID)
	_ = c.Send(&wire.Message{Type: wire.TypeConnectionID, Payload: id})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	c.readPump()
	c.cancel()

	c.server.bus.Unsub(c.sub)
	go func(ch chan interface{}) {
		for range ch {
		}
	}(c.sub)
	wg.Wait()
	c.Close(int(websocket.StatusNormalClosure), "")
}

func (c *Conn) readPump() {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.logger.Debug("echoserver: read loop closing", "status", int(status))
			} else {
				c.logger.Info("echoserver: read failed", "error", err, "status", int(status))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("echoserver: discarding malformed frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) writePump() {
	var ping <-chan time.Time
	if d := c.server.cfg.pingInterval; d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if !c.write(data) {
				return
			}
		case v, ok := <-c.sub:
			if !ok {
				return
			}
			data, _ := v.([]byte)
			if !c.write(data) {
				return
			}
		case <-ping:
			ctx, cancel := context.WithTimeout(c.ctx, c.server.cfg.writeTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Info("echoserver: ping failed", "error", err)
				c.Close(int(websocket.StatusPolicyViolation), "ping failure")
				return
			}
		}
	}
}

func (c *Conn) write(data []byte) bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.server.cfg.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Info("echoserver: write failed", "error", err)
		c.cancel()
		return false
	}
	return true
}

func (c *Conn) dispatch(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeHeartbeat:
		c.logger.Debug("echoserver: heartbeat")
	case TypeSubscribe:
		var p topicRequest
		err := decodeTopic(msg, &p)
		if err == nil {
			c.Subscribe(p.Topic)
		}
		c.reply(msg, p, err)
	case TypeUnsubscribe:
		var p topicRequest
		err := decodeTopic(msg, &p)
		if err == nil {
			c.Unsubscribe(p.Topic)
		}
		c.reply(msg, p, err)
	case TypePublish:
		var p publishRequest
		err := msg.DecodePayload(&p)
		if err == nil && (p.Topic == "" || p.Type == "") {
			err = errors.New("publish requires topic and type")
		}
		if err == nil {
			err = c.server.Publish(p.Topic, p.Type, p.Payload)
		}
		c.reply(msg, nil, err)
	case wire.TypeHubInvoke:
		result, err := c.invoke(msg)
		c.reply(msg, result, err)
	default:
		c.server.mu.RLock()
		h := c.server.handlers[msg.Type]
		c.server.mu.RUnlock()
		if h == nil {
			if msg.ID != "" {
				_ = c.Send(&wire.Message{Type: msg.Type, ID: msg.ID, Payload: msg.Payload, Encrypted: msg.Encrypted})
			}
			return
		}
		if msg.Encrypted {
			c.reply(msg, nil, errors.New("encrypted payloads are only echoed"))
			return
		}
		result, err := h(c.ctx, c, msg.Payload)
		c.reply(msg, result, err)
	}
}

func decodeTopic(msg *wire.Message, p *topicRequest) error {
	if err := msg.DecodePayload(p); err != nil {
		return err
	}
	if p.Topic == "" {
		return errors.New("topic is required")
	}
	return nil
}

func (c *Conn) invoke(msg *wire.Message) (any, error) {
	var inv hubInvocation
	if err := msg.DecodePayload(&inv); err != nil {
		return nil, err
	}
	c.server.mu.RLock()
	m := c.server.hubMethods[inv.Hub+"."+inv.Method]
	c.server.mu.RUnlock()
	if m == nil {
		return nil, fmt.Errorf("unknown hub method %s.%s", inv.Hub, inv.Method)
	}
	return m(c.ctx, c, inv.Args)
}

// reply answers a correlated message. Uncorrelated messages get nothing.
func (c *Conn) reply(req *wire.Message, result any, err error) {
	if req.ID == "" {
		return
	}
	resp := &wire.Message{Type: req.Type, ID: req.ID, Timestamp: wire.Timestamp(time.Now())}
	if err != nil {
		resp.Error = err.Error()
	} else if resp.Payload, err = wire.MarshalPayload(result); err != nil {
		resp.Error = err.Error()
	}
	if err := c.Send(resp); err != nil {
		c.logger.Debug("echoserver: reply dropped", "type", req.Type, "error", err)
	}
}
