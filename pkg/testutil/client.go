package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/client"
)

// ClientOptions contains options for creating a test client
type ClientOptions struct {
	RequestTimeout       time.Duration
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	Connect              bool // Connect before returning
}

// DefaultClientOptions returns the default options for creating a test client
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RequestTimeout:       2 * time.Second,
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectInterval:    50 * time.Millisecond,
		ConnectionTimeout:    time.Second,
		Connect:              true,
	}
}

// NewTestClient creates a client for urlStr using DefaultClientOptions and
// connects it.
func NewTestClient(t *testing.T, urlStr string, opts ...client.Option) *client.Client {
	t.Helper()
	return NewTestClientWithOptions(t, urlStr, DefaultClientOptions(), opts...)
}

// NewTestClientWithOptions creates a client with the specified options.
// Functional options are applied last. The client is disconnected when
// the test ends.
func NewTestClientWithOptions(t *testing.T, urlStr string, options ClientOptions, opts ...client.Option) *client.Client {
	t.Helper()

	clientOpts := client.DefaultOptions()
	clientOpts.Logger = DefaultLogger
	clientOpts.RequestTimeout = options.RequestTimeout
	clientOpts.AutoReconnect = options.AutoReconnect
	clientOpts.MaxReconnectAttempts = options.MaxReconnectAttempts
	clientOpts.ReconnectInterval = options.ReconnectInterval
	clientOpts.HeartbeatInterval = options.HeartbeatInterval
	clientOpts.ConnectionTimeout = options.ConnectionTimeout
	for _, opt := range opts {
		opt(&clientOpts)
	}

	cli := client.NewWithOptions(urlStr, clientOpts)
	t.Cleanup(func() { _ = cli.Disconnect() })

	if options.Connect {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("test client connect to %s: %v", urlStr, err)
		}
	}
	return cli
}
