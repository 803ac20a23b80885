package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/testutil"
	"github.com/lightforgemedia/go-resilientws/pkg/transport"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseCode(t *testing.T) {
	err := fmt.Errorf("read: %w", &transport.CloseError{Code: transport.StatusUnauthorized, Reason: "expired"})
	assert.Equal(t, transport.StatusUnauthorized, transport.CloseCode(err))
	assert.Equal(t, "expired", transport.CloseReason(err))

	assert.Equal(t, transport.StatusAbnormalClosure, transport.CloseCode(errors.New("EOF")))
	assert.Empty(t, transport.CloseReason(errors.New("EOF")))
}

func TestDialFunc(t *testing.T) {
	var gotURL string
	d := transport.DialFunc(func(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
		gotURL = url
		return nil, errors.New("refused")
	})
	_, err := d.Dial(context.Background(), "ws://example.test", nil)
	assert.EqualError(t, err, "refused")
	assert.Equal(t, "ws://example.test", gotURL)
}

func TestWebSocketDialer(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)

	d := &transport.WebSocketDialer{}
	header := http.Header{}
	header.Set("Authorization", "Bearer abc")
	conn, err := d.Dial(context.Background(), ms.WsURL, header)
	require.NoError(t, err)

	frame, err := wire.Encode(&wire.Message{Type: "echo", ID: "1", Payload: []byte(`"hi"`)})
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), frame))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "1", msg.ID)
	assert.JSONEq(t, `"hi"`, string(msg.Payload))
	assert.Equal(t, "Bearer abc", ms.Headers()[0].Get("Authorization"))

	// The server's close handshake only completes while the client reads.
	readErr := make(chan error, 1)
	go func() {
		_, err := conn.Read(context.Background())
		readErr <- err
	}()
	ms.CloseConnection(4403, "forbidden")

	select {
	case err = <-readErr:
	case <-time.After(5 * time.Second):
		t.Fatal("read did not observe the close")
	}
	require.Error(t, err)
	assert.Equal(t, transport.StatusForbidden, transport.CloseCode(err))
	assert.Equal(t, "forbidden", transport.CloseReason(err))
}

func TestWebSocketDialerRejected(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	ms.Reject(http.StatusUnauthorized)

	_, err := (&transport.WebSocketDialer{}).Dial(context.Background(), ms.WsURL, nil)
	assert.Error(t, err)
}
