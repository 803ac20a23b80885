package signal_test

import (
	"testing"

	"github.com/lightforgemedia/go-resilientws/pkg/signal"
	"github.com/stretchr/testify/assert"
)

func TestEmitInSubscriptionOrder(t *testing.T) {
	s := signal.New[int]()
	var got []string
	s.Subscribe(func(v int) { got = append(got, "a") })
	s.Subscribe(func(v int) { got = append(got, "b") })
	s.Subscribe(func(v int) { got = append(got, "c") })

	s.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestUnsubscribeRemovesOnlyThatListener(t *testing.T) {
	s := signal.New[string]()
	var a, b []string
	unsubA := s.Subscribe(func(v string) { a = append(a, v) })
	s.Subscribe(func(v string) { b = append(b, v) })

	s.Emit("one")
	unsubA()
	unsubA() // idempotent
	s.Emit("two")

	assert.Equal(t, []string{"one"}, a)
	assert.Equal(t, []string{"one", "two"}, b)
	assert.Equal(t, 1, s.Len())
}

func TestSameFunctionSubscribedTwice(t *testing.T) {
	s := signal.New[int]()
	count := 0
	fn := func(int) { count++ }
	first := s.Subscribe(fn)
	s.Subscribe(fn)

	first()
	s.Emit(0)
	assert.Equal(t, 1, count, "only the first registration is removed")
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	s := signal.New[int]()
	s.Emit(42)

	var got []int
	s.Subscribe(func(v int) { got = append(got, v) })
	assert.Empty(t, got)

	s.Emit(7)
	assert.Equal(t, []int{7}, got)
}

func TestUnsubscribeDuringEmitKeepsSnapshot(t *testing.T) {
	s := signal.New[int]()
	var unsubB func()
	calls := 0
	s.Subscribe(func(int) { calls++; unsubB() })
	unsubB = s.Subscribe(func(int) { calls++ })

	s.Emit(1)
	assert.Equal(t, 2, calls, "listeners registered at emit time all run")

	s.Emit(2)
	assert.Equal(t, 3, calls)
}

func TestPanickingListenerPropagates(t *testing.T) {
	s := signal.New[int]()
	reached := false
	s.Subscribe(func(int) { panic("boom") })
	s.Subscribe(func(int) { reached = true })

	assert.PanicsWithValue(t, "boom", func() { s.Emit(1) })
	assert.False(t, reached)
}
