// Package config loads client settings from a YAML file.
//
// The file is named by the --config flag or the RESILIENTWS_CONFIG
// environment variable. RESILIENTWS_URL and RESILIENTWS_TOKEN override
// the url and auth token from the file, so secrets need not be written
// to disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/aead"
	"github.com/lightforgemedia/go-resilientws/pkg/client"
	"github.com/lightforgemedia/go-resilientws/pkg/ratelimit"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfig = "RESILIENTWS_CONFIG"
	EnvURL    = "RESILIENTWS_URL"
	EnvToken  = "RESILIENTWS_TOKEN"
)

// Config is the on-disk client configuration. Omitted values keep the
// client defaults.
type Config struct {
	URL    string `yaml:"url"`
	Origin string `yaml:"origin"`

	// AutoReconnect defaults to true.
	AutoReconnect        *bool         `yaml:"autoReconnect"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	ReconnectInterval    time.Duration `yaml:"reconnectInterval"`

	// HeartbeatInterval defaults to 30s. Zero disables heartbeats.
	HeartbeatInterval *time.Duration `yaml:"heartbeatInterval"`
	ConnectionTimeout time.Duration  `yaml:"connectionTimeout"`
	RequestTimeout    time.Duration  `yaml:"requestTimeout"`

	Protocols []string          `yaml:"protocols"`
	Headers   map[string]string `yaml:"headers"`
	Debug     bool              `yaml:"debug"`

	Auth       AuthConfig       `yaml:"auth"`
	RateLimits ratelimit.Limits `yaml:"rateLimits"`
	Security   security.Config  `yaml:"security"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// AuthConfig configures the bearer token.
type AuthConfig struct {
	Token            string        `yaml:"token"`
	TokenType        string        `yaml:"tokenType"`
	RefreshURL       string        `yaml:"refreshUrl"`
	RefreshThreshold time.Duration `yaml:"refreshThreshold"`

	// TokenFile is watched and its contents replace the token on change.
	TokenFile string `yaml:"tokenFile"`
}

// EncryptionConfig enables the XChaCha20-Poly1305 payload hooks with a
// base64 key given inline or in a file.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	KeyFile string `yaml:"keyFile"`
}

// Load reads path, or the file named by RESILIENTWS_CONFIG when path is
// empty, and applies the environment overrides. With neither set it
// returns a config built from the environment alone. Callers apply their
// own overrides and then call Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// Parse decodes YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvURL); ok && v != "" {
		c.URL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Auth.Token = v
	}
}

type namedDuration struct {
	name string
	d    time.Duration
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if u, err := url.Parse(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("url: scheme must be ws or wss, got %q", u.Scheme))
	}

	durations := []namedDuration{
		{"reconnectInterval", c.ReconnectInterval},
		{"connectionTimeout", c.ConnectionTimeout},
		{"requestTimeout", c.RequestTimeout},
		{"auth.refreshThreshold", c.Auth.RefreshThreshold},
	}
	if c.HeartbeatInterval != nil {
		durations = append(durations, namedDuration{"heartbeatInterval", *c.HeartbeatInterval})
	}
	for _, v := range durations {
		if v.d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative, got %v", v.name, v.d))
		}
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("maxReconnectAttempts: must not be negative, got %d", c.MaxReconnectAttempts))
	}
	if c.RateLimits.MessagesPerMinute < 0 || c.RateLimits.ReconnectsPerMinute < 0 {
		errs = append(errs, errors.New("rateLimits: must not be negative"))
	}
	if c.Security.ValidateOrigin && len(c.Security.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("security.allowedOrigins: required when validateOrigin is set"))
	}
	if c.Security.EnableCSRFProtection && c.Security.CSRFToken == "" {
		errs = append(errs, errors.New("security.csrfToken: required when enableCSRFProtection is set"))
	}
	if c.Encryption.Enabled && c.Encryption.Key == "" && c.Encryption.KeyFile == "" {
		errs = append(errs, errors.New("encryption: key or keyFile is required when enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// ClientOptions maps the configuration onto client.DefaultOptions.
func (c *Config) ClientOptions() (client.Options, error) {
	o := client.DefaultOptions()
	o.Origin = c.Origin
	if c.AutoReconnect != nil {
		o.AutoReconnect = *c.AutoReconnect
	}
	if c.MaxReconnectAttempts > 0 {
		o.MaxReconnectAttempts = c.MaxReconnectAttempts
	}
	if c.ReconnectInterval > 0 {
		o.ReconnectInterval = c.ReconnectInterval
	}
	if c.HeartbeatInterval != nil {
		o.HeartbeatInterval = *c.HeartbeatInterval
	}
	if c.ConnectionTimeout > 0 {
		o.ConnectionTimeout = c.ConnectionTimeout
	}
	if c.RequestTimeout > 0 {
		o.RequestTimeout = c.RequestTimeout
	}
	o.Subprotocols = c.Protocols
	if len(c.Headers) > 0 {
		o.Headers = http.Header{}
		for k, v := range c.Headers {
			o.Headers.Set(k, v)
		}
	}
	o.Debug = c.Debug
	o.RateLimits = c.RateLimits
	o.Security = c.Security
	o.Auth = client.AuthOptions{
		Token:            c.Auth.Token,
		TokenType:        c.Auth.TokenType,
		RefreshURL:       c.Auth.RefreshURL,
		RefreshThreshold: c.Auth.RefreshThreshold,
	}

	if c.Encryption.Enabled {
		box, err := c.Encryption.box()
		if err != nil {
			return client.Options{}, err
		}
		o.Encryption = client.EncryptionOptions{Enabled: true, Encrypt: box.Encrypt, Decrypt: box.Decrypt}
	}
	return o, nil
}

func (e EncryptionConfig) box() (*aead.Box, error) {
	key := e.Key
	if key == "" {
		data, err := os.ReadFile(e.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: read key file: %w", err)
		}
		key = strings.TrimSpace(string(data))
	}
	box, err := aead.NewFromBase64(key)
	if err != nil {
		return nil, fmt.Errorf("config: encryption key: %w", err)
	}
	return box, nil
}
