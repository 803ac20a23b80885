// Package gorilla implements the transport contract on
// github.com/gorilla/websocket.
package gorilla

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightforgemedia/go-resilientws/pkg/transport"
)

const closeWriteWait = time.Second

// Dialer dials with a gorilla websocket.Dialer.
type Dialer struct {
	Dialer    *websocket.Dialer
	ReadLimit int64
}

// Dial opens a websocket connection.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status: %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = transport.DefaultReadLimit
	}
	ws.SetReadLimit(limit)
	return &conn{ws: ws}, nil
}

type conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// Read ignores ctx once the read has started; gorilla reads are only
// interrupted by closing the connection.
func (c *conn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &transport.CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *conn) Write(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
