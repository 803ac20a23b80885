// Package correlator matches responses to outstanding requests by id.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/clock"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// DefaultTimeout applies when a request is registered without one.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is matched by every request timeout error.
	ErrTimeout = errors.New("correlator: request timed out")

	// ErrDuplicateID is returned when registering an id that is still pending.
	ErrDuplicateID = errors.New("correlator: duplicate request id")
)

// TimeoutError reports which request expired.
type TimeoutError struct {
	ID string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("message %s timed out", e.ID) }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

type result struct {
	msg *wire.Message
	err error
}

// Call is one outstanding request. It settles exactly once.
type Call struct {
	ID string

	done  chan struct{}
	once  sync.Once
	res   result
	table *Table

	mu    sync.Mutex
	timer *clock.Timer
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles. If ctx ends first the call is
// rejected with ctx's error and removed from the table.
func (c *Call) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.table.Reject(c.ID, ctx.Err())
		<-c.done
	}
	return c.res.msg, c.res.err
}

func (c *Call) settle(msg *wire.Message, err error) {
	c.once.Do(func() {
		c.res = result{msg: msg, err: err}
		close(c.done)
		c.mu.Lock()
		c.timer.Stop()
		c.mu.Unlock()
	})
}

// Table holds pending calls. It is safe for concurrent use.
type Table struct {
	clock clock.Clock

	mu    sync.Mutex
	calls map[string]*Call
}

// New returns an empty Table whose timeouts run on clk.
func New(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.Real()
	}
	return &Table{clock: clk, calls: make(map[string]*Call)}
}

// Register records a pending call that fails with a *TimeoutError unless
// settled within timeout. A timeout <= 0 uses DefaultTimeout.
func (t *Table) Register(id string, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	if _, exists := t.calls[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	call := &Call{ID: id, done: make(chan struct{}), table: t}
	t.calls[id] = call
	t.mu.Unlock()

	timer := t.clock.AfterFunc(timeout, func() {
		t.Reject(id, &TimeoutError{ID: id})
	})
	call.mu.Lock()
	call.timer = timer
	call.mu.Unlock()
	select {
	case <-call.done:
		timer.Stop()
	default:
	}
	return call, nil
}

func (t *Table) take(id string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return call
}

// Resolve settles the call matching msg.ID. A message carrying an error
// settles it with a *wire.RemoteError. It reports whether a call matched.
func (t *Table) Resolve(msg *wire.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	call := t.take(msg.ID)
	if call == nil {
		return false
	}
	if msg.Error != "" {
		call.settle(msg, &wire.RemoteError{ID: msg.ID, Type: msg.Type, Message: msg.Error})
		return true
	}
	call.settle(msg, nil)
	return true
}

// Reject settles the call with err. It reports whether a call matched.
func (t *Table) Reject(id string, err error) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	call.settle(nil, err)
	return true
}

// RejectAll settles every pending call with err and returns how many
// there were.
func (t *Table) RejectAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*Call)
	t.mu.Unlock()

	for _, call := range calls {
		call.settle(nil, err)
	}
	return len(calls)
}

// Has reports whether id is pending.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	return ok
}

// Len returns the number of pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
