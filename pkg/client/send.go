package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/lightforgemedia/go-resilientws/pkg/ratelimit"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/lightforgemedia/go-resilientws/pkg/signal"
	"github.com/lightforgemedia/go-resilientws/pkg/transport"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// Send transmits a correlated message and waits for the response with the
// same id. While disconnected the message is queued, a connection attempt
// is started, and the message is replayed through the full send pipeline
// once connected. timeout <= 0 uses the default request timeout; the
// timeout runs from the call, queued time included.
func (c *Client) Send(ctx context.Context, msgType string, payload any, timeout time.Duration) (*wire.Message, error) {
	msg, err := wire.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = wire.GenerateID()
	msg.Timestamp = wire.Timestamp(c.clock.Now())
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	if err := c.admit(msg); err != nil {
		c.reportSendFailure(msg, err)
		return nil, err
	}
	call, err := c.pending.Register(msg.ID, timeout)
	if err != nil {
		return nil, err
	}
	c.metrics.SetPending(c.pending.Len())
	start := c.clock.Now()

	if err := c.submit(msg); err != nil {
		c.reportSendFailure(msg, err)
		c.pending.Reject(msg.ID, err)
	}

	resp, err := call.Wait(ctx)
	c.metrics.ObserveRequest(c.clock.Now().Sub(start), err)
	c.metrics.SetPending(c.pending.Len())
	return resp, err
}

// Request is Send returning only the response payload. A response that
// carries an error fails with a *RemoteError.
func (c *Client) Request(ctx context.Context, msgType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	resp, err := c.Send(ctx, msgType, payload, timeout)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// RequestAs sends a request and decodes the response payload into T.
func RequestAs[T any](ctx context.Context, c *Client, msgType string, payload any, timeout time.Duration) (T, error) {
	var out T
	raw, err := c.Request(ctx, msgType, payload, timeout)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := gojson.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("client: decode %q response: %w", msgType, err)
	}
	return out, nil
}

// Notify transmits a fire-and-forget message without an id. It fails with
// ErrNotConnected while no connection is open. While queued messages are
// being replayed on a fresh connection it is appended behind them.
func (c *Client) Notify(ctx context.Context, msgType string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := wire.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.Timestamp = wire.Timestamp(c.clock.Now())

	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.admit(msg); err != nil {
		c.reportSendFailure(msg, err)
		return err
	}

	c.mu.Lock()
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.flushing {
		c.queue = append(c.queue, msg)
		queued := len(c.queue)
		c.mu.Unlock()
		c.metrics.SetQueued(queued)
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.deliver(conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.reportSendFailure(msg, err)
	}
	return err
}

// Subscribe calls fn with the payload of every incoming message of
// msgType that is not a response to a pending request.
func (c *Client) Subscribe(msgType string, fn func(payload json.RawMessage)) (unsubscribe func()) {
	c.mu.Lock()
	sub, ok := c.subs[msgType]
	if !ok {
		sub = signal.New[json.RawMessage]()
		c.subs[msgType] = sub
	}
	c.mu.Unlock()
	return sub.Subscribe(fn)
}

func (c *Client) sendHeartbeat() error {
	return c.Notify(context.Background(), wire.TypeHeartbeat, map[string]string{
		"timestamp": wire.Timestamp(c.clock.Now()),
	})
}

// admit runs the message budget and schema checks.
func (c *Client) admit(msg *wire.Message) error {
	if !c.limiter.Allow(ratelimit.Messages) {
		return fmt.Errorf("%w: %d messages per minute", ErrRateLimited, c.limiter.Limits().MessagesPerMinute)
	}
	return c.validator.Validate(msg.Type, msg.Payload)
}

// submit writes msg now when the connection is open and idle, otherwise
// queues it and starts connecting if nothing else is.
func (c *Client) submit(msg *wire.Message) error {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil && !c.flushing {
		conn := c.conn
		c.mu.Unlock()

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.deliver(conn, msg)
	}

	c.queue = append(c.queue, msg)
	queued := len(c.queue)
	start := c.state == StateDisconnected && c.inflight == nil
	c.mu.Unlock()

	c.metrics.SetQueued(queued)
	c.logger.Debug("message queued", "type", msg.Type, "id", msg.ID, "queued", queued)
	if start {
		go func() {
			if err := c.connect(context.Background(), true); err != nil {
				c.logger.Debug("connect for queued message failed", "error", err)
			}
		}()
	}
	return nil
}

// deliver encrypts, encodes and writes msg. The caller holds writeMu.
func (c *Client) deliver(conn transport.Conn, msg *wire.Message) error {
	out := *msg
	if c.opts.Encryption.Enabled {
		encrypt := c.opts.Encryption.Encrypt
		if encrypt == nil {
			return fmt.Errorf("%w: no encrypt function configured", ErrEncryption)
		}
		sealed, err := encrypt(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		out.Payload = sealed
		out.Encrypted = true
	}

	data, err := wire.Encode(&out)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("client: write %q: %w", msg.Type, err)
	}

	c.metrics.MessageSent(msg.Type)
	if c.logger.Enabled(ctx, slog.LevelDebug) {
		c.logger.Debug("message sent", "type", msg.Type, "id", msg.ID, "payload", c.validator.Redact(msg.Payload))
	}
	return nil
}

type sendFailure struct {
	msg *wire.Message
	err error
}

// flush drains the queue oldest first through the send pipeline. Sends
// issued meanwhile are appended to the queue and drained in the same
// pass, so replayed messages precede them on the wire.
func (c *Client) flush(conn transport.Conn, gen uint64) {
	for {
		c.mu.Lock()
		if gen != c.connGen {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		if len(batch) == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.metrics.SetQueued(0)
		c.logger.Debug("replaying queued messages", "count", len(batch))

		var failed []sendFailure
		var rest []*wire.Message
		c.writeMu.Lock()
		for i, msg := range batch {
			if msg.ID != "" && !c.pending.Has(msg.ID) {
				continue
			}
			if err := c.admit(msg); err != nil {
				failed = append(failed, sendFailure{msg, err})
				continue
			}
			if err := c.deliver(conn, msg); err != nil {
				if errors.Is(err, ErrEncryption) {
					failed = append(failed, sendFailure{msg, err})
					continue
				}
				rest = batch[i:]
				break
			}
		}
		c.writeMu.Unlock()

		for _, f := range failed {
			c.reportSendFailure(f.msg, f.err)
			c.pending.Reject(f.msg.ID, f.err)
		}
		if rest != nil {
			c.mu.Lock()
			c.queue = append(append([]*wire.Message(nil), rest...), c.queue...)
			var next transport.Conn
			nextGen := c.connGen
			switch {
			case gen == c.connGen:
				c.flushing = false
			case c.state == StateConnected && c.conn != nil && !c.flushing:
				// A newer connection already finished its own replay.
				c.flushing = true
				next = c.conn
			}
			queued := len(c.queue)
			c.mu.Unlock()
			if next != nil {
				go c.flush(next, nextGen)
			}
			c.metrics.SetQueued(queued)
			c.logger.Warn("replay interrupted, messages kept for the next connection", "queued", queued)
			return
		}
	}
}

func (c *Client) reportSendFailure(msg *wire.Message, err error) {
	c.metrics.SendError(failureReason(err))
	c.logger.Warn("send failed", "type", msg.Type, "id", msg.ID, "error", err)

	switch {
	case errors.Is(err, ErrRateLimited):
		c.emitSecurity(security.EventRateLimitExceeded, err.Error(), map[string]any{
			"kind": ratelimit.Messages.String(),
			"type": msg.Type,
		})
	case errors.Is(err, ErrValidation):
		details := map[string]any{"type": msg.Type}
		var verr *security.ValidationError
		if errors.As(err, &verr) {
			details["violations"] = verr.Violations
		}
		c.emitSecurity(security.EventSchemaViolation, err.Error(), details)
	case errors.Is(err, ErrEncryption):
		c.emitSecurity(security.EventEncryptionFailed, err.Error(), map[string]any{"type": msg.Type})
	}
}
