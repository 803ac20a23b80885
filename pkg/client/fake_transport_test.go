package client_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/client"
	"github.com/lightforgemedia/go-resilientws/pkg/clock"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/lightforgemedia/go-resilientws/pkg/transport"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeConn is an in-memory transport connection. Frames written by the
// client are decoded and optionally answered by reply.
type fakeConn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	written []*wire.Message
	reply   func(*wire.Message) *wire.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.done:
		return nil, f.closeErr
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.done:
		return errors.New("fake: write on closed connection")
	default:
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		if r := reply(msg); r != nil {
			f.push(r)
		}
	}
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.shutdown(&transport.CloseError{Code: code, Reason: reason})
	return nil
}

func (f *fakeConn) peerClose(code int, reason string) {
	f.shutdown(&transport.CloseError{Code: code, Reason: reason})
}

func (f *fakeConn) shutdown(err error) {
	f.closeOnce.Do(func() {
		f.closeErr = err
		close(f.done)
	})
}

func (f *fakeConn) push(msg *wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		panic(err)
	}
	f.in <- data
}

func (f *fakeConn) pushRaw(frame string) { f.in <- []byte(frame) }

func (f *fakeConn) setReply(fn func(*wire.Message) *wire.Message) {
	f.mu.Lock()
	f.reply = fn
	f.mu.Unlock()
}

func (f *fakeConn) sent() []*wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Message, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) sentOfType(msgType string) []*wire.Message {
	var out []*wire.Message
	for _, m := range f.sent() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func echoReply(msg *wire.Message) *wire.Message {
	if msg.ID == "" {
		return nil
	}
	return &wire.Message{Type: msg.Type, ID: msg.ID, Payload: msg.Payload, Encrypted: msg.Encrypted}
}

// fakeDialer hands out fakeConns, or whatever dial returns for the nth
// dial (1-based).
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	headers []http.Header
	conns   []*fakeConn
	dial    func(ctx context.Context, n int) (transport.Conn, error)
	reply   func(*wire.Message) *wire.Message
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.headers = append(d.headers, header.Clone())
	dial := d.dial
	d.mu.Unlock()

	if dial != nil {
		conn, err := dial(ctx, n)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			if fc, ok := conn.(*fakeConn); ok {
				d.track(fc)
			}
			return conn, nil
		}
	}
	fc := newFakeConn()
	d.track(fc)
	return fc, nil
}

func (d *fakeDialer) track(fc *fakeConn) {
	d.mu.Lock()
	if d.reply != nil {
		fc.reply = d.reply
	}
	d.conns = append(d.conns, fc)
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

// newFakeClient returns a client on a fake transport and clock with
// heartbeats, dial timeouts and jitter disabled unless opts say otherwise.
func newFakeClient(t *testing.T, d *fakeDialer, clk *clock.FakeClock, opts ...client.Option) *client.Client {
	t.Helper()
	base := []client.Option{
		client.WithDialer(d),
		client.WithClock(clk),
		client.WithHeartbeatInterval(0),
		client.WithConnectionTimeout(0),
		client.WithJitter(func() float64 { return 1 }),
	}
	c := client.New("ws://fake.test/ws", append(base, opts...)...)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// recorder collects everything a client emits.
type recorder struct {
	mu       sync.Mutex
	states   []client.State
	events   []security.Event
	errs     []error
	messages []wire.Message
}

func record(c *client.Client) *recorder {
	r := &recorder{}
	c.ConnectionState().Subscribe(func(s client.State) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	c.SecurityEvent().Subscribe(func(e security.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	c.ConnectionError().Subscribe(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	c.MessageReceived().Subscribe(func(m wire.Message) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) stateLog() []client.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]client.State(nil), r.states...)
}

func (r *recorder) eventsOf(kind security.EventKind) []security.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []security.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) received() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Message(nil), r.messages...)
}
