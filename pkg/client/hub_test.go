package client_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/client"
	"github.com/lightforgemedia/go-resilientws/pkg/clock"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invocation struct {
	Hub    string            `json:"hub"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

func hubReply(m *wire.Message) *wire.Message {
	if m.Type != wire.TypeHubInvoke {
		return nil
	}
	var inv invocation
	if err := json.Unmarshal(m.Payload, &inv); err != nil {
		return &wire.Message{Type: m.Type, ID: m.ID, Error: err.Error()}
	}
	if inv.Method == "fail" {
		return &wire.Message{Type: m.Type, ID: m.ID, Error: "method failed"}
	}
	out, _ := json.Marshal(map[string]any{"hub": inv.Hub, "method": inv.Method, "argc": len(inv.Args)})
	return &wire.Message{Type: m.Type, ID: m.ID, Payload: out}
}

func TestHubInvoke(t *testing.T) {
	d := &fakeDialer{reply: hubReply}
	c := newFakeClient(t, d, clock.Fake(epoch))
	require.NoError(t, c.Connect(context.Background()))

	hub := client.NewHub(c, "chat")
	defer hub.Close()
	assert.Equal(t, "chat", hub.Name())

	res, err := hub.Invoke(context.Background(), "send", "general", "hi")
	require.NoError(t, err)
	assert.JSONEq(t, `{"hub":"chat","method":"send","argc":2}`, string(res))

	res, err = hub.Invoke(context.Background(), "ping")
	require.NoError(t, err)
	assert.JSONEq(t, `{"hub":"chat","method":"ping","argc":0}`, string(res))

	sent := d.last().sentOfType(wire.TypeHubInvoke)
	require.Len(t, sent, 2)
	assert.JSONEq(t, `{"hub":"chat","method":"ping","args":[]}`, string(sent[1].Payload))

	_, err = hub.InvokeTimeout(context.Background(), time.Second, "fail")
	var remote *client.RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestHubEventsAndConnectionID(t *testing.T) {
	d := &fakeDialer{}
	c := newFakeClient(t, d, clock.Fake(epoch))
	require.NoError(t, c.Connect(context.Background()))

	hub := client.NewHub(c, "chat")
	defer hub.Close()
	assert.Equal(t, "hub-event:chat.message", hub.EventType("message"))

	got := make(chan string, 1)
	unsubscribe := hub.On("message", func(args json.RawMessage) { got <- string(args) })
	defer unsubscribe()

	conn := d.last()
	conn.push(&wire.Message{Type: wire.TypeConnectionID, Payload: json.RawMessage(`"conn-42"`)})
	assert.Eventually(t, func() bool { return hub.ConnectionID() == "conn-42" }, eventually, tick)

	conn.push(&wire.Message{Type: wire.TypeConnectionID, Payload: json.RawMessage(`{"connectionId":"conn-43"}`)})
	assert.Eventually(t, func() bool { return hub.ConnectionID() == "conn-43" }, eventually, tick)

	conn.push(&wire.Message{Type: wire.TypeConnectionID, Payload: json.RawMessage(`{"id":"conn-44"}`)})
	assert.Eventually(t, func() bool { return hub.ConnectionID() == "conn-44" }, eventually, tick)

	// An empty id keeps the known one. The event push after it is
	// delivered in order, so the id is settled once the event arrives.
	conn.push(&wire.Message{Type: wire.TypeConnectionID, Payload: json.RawMessage(`{"other":"x"}`)})

	conn.push(&wire.Message{Type: hub.EventType("message"), Payload: json.RawMessage(`["ada","hello"]`)})
	select {
	case args := <-got:
		assert.JSONEq(t, `["ada","hello"]`, args)
		assert.Equal(t, "conn-44", hub.ConnectionID())
	case <-time.After(time.Second):
		t.Fatal("hub event not delivered")
	}
}
