// Package resilientws re-exports the client API so applications can
// import a single package.
package resilientws

import (
	"github.com/lightforgemedia/go-resilientws/pkg/aead"
	"github.com/lightforgemedia/go-resilientws/pkg/client"
	"github.com/lightforgemedia/go-resilientws/pkg/config"
	"github.com/lightforgemedia/go-resilientws/pkg/ratelimit"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// Re-export core types
type (
	Client        = client.Client
	Hub           = client.Hub
	Options       = client.Options
	Option        = client.Option
	State         = client.State
	Message       = wire.Message
	RemoteError   = wire.RemoteError
	RateLimits    = ratelimit.Limits
	SecurityEvent = security.Event
	Config        = config.Config
)

const (
	StateDisconnected = client.StateDisconnected
	StateConnecting   = client.StateConnecting
	StateConnected    = client.StateConnected
	StateReconnecting = client.StateReconnecting
)

// Re-export error types
var (
	ErrConnectionClosed   = client.ErrConnectionClosed
	ErrNotConnected       = client.ErrNotConnected
	ErrRateLimited        = client.ErrRateLimited
	ErrConnectionTimeout  = client.ErrConnectionTimeout
	ErrReconnectExhausted = client.ErrReconnectExhausted
	ErrTimeout            = client.ErrTimeout
	ErrOriginRejected     = client.ErrOriginRejected
	ErrValidation         = client.ErrValidation
)

// New creates a disconnected client for url.
func New(url string, opts ...client.Option) *client.Client {
	return client.New(url, opts...)
}

// NewWithOptions creates a disconnected client from an Options struct.
func NewWithOptions(url string, opts client.Options) *client.Client {
	return client.NewWithOptions(url, opts)
}

// DefaultOptions returns the library defaults.
func DefaultOptions() client.Options {
	return client.DefaultOptions()
}

// FromConfigFile loads, validates and applies a YAML configuration file,
// returning a client that is not yet connected.
func FromConfigFile(path string) (*client.Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	return client.NewWithOptions(cfg.URL, opts), nil
}

// NewHub binds a named hub to c.
func NewHub(c *client.Client, name string) *client.Hub {
	return client.NewHub(c, name)
}

// NewEncryption returns encrypt and decrypt hooks sealing payloads with
// XChaCha20-Poly1305 under a base64-encoded 32-byte key.
func NewEncryption(key string) (client.Option, error) {
	box, err := aead.NewFromBase64(key)
	if err != nil {
		return nil, err
	}
	return client.WithEncryption(box.Encrypt, box.Decrypt), nil
}
