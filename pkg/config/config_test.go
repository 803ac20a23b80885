package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/aead"
	"github.com/lightforgemedia/go-resilientws/pkg/client"
	"github.com/lightforgemedia/go-resilientws/pkg/config"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
url: wss://chat.example.com/ws
origin: https://app.example.com
autoReconnect: false
maxReconnectAttempts: 4
reconnectInterval: 2s
heartbeatInterval: 0s
connectionTimeout: 5s
requestTimeout: 1m
protocols: [resilientws.v1]
headers:
  X-Client: cli
debug: true
auth:
  token: file-token
  tokenType: Token
  refreshUrl: https://auth.example.com/refresh
  refreshThreshold: 2m
rateLimits:
  messagesPerMinute: 60
  reconnectsPerMinute: 3
security:
  validateOrigin: true
  allowedOrigins: [https://app.example.com]
  enableCSRFProtection: true
  csrfToken: csrf-1
  sensitiveFields: [password]
  messageSchemas:
    create-user:
      type: object
      required: [name]
      properties:
        name: {type: string, minLength: 3}
`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestParseFull(t *testing.T) {
	cfg, err := config.Parse([]byte(fullConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	o, err := cfg.ClientOptions()
	require.NoError(t, err)
	assert.False(t, o.AutoReconnect)
	assert.Equal(t, 4, o.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, o.ReconnectInterval)
	assert.Equal(t, time.Duration(0), o.HeartbeatInterval, "explicit zero disables heartbeats")
	assert.Equal(t, 5*time.Second, o.ConnectionTimeout)
	assert.Equal(t, time.Minute, o.RequestTimeout)
	assert.Equal(t, []string{"resilientws.v1"}, o.Subprotocols)
	assert.Equal(t, "cli", o.Headers.Get("X-Client"))
	assert.True(t, o.Debug)
	assert.Equal(t, "https://app.example.com", o.Origin)

	assert.Equal(t, "file-token", o.Auth.Token)
	assert.Equal(t, "Token", o.Auth.TokenType)
	assert.Equal(t, "https://auth.example.com/refresh", o.Auth.RefreshURL)
	assert.Equal(t, 2*time.Minute, o.Auth.RefreshThreshold)

	assert.Equal(t, 60, o.RateLimits.MessagesPerMinute)
	assert.Equal(t, 3, o.RateLimits.ReconnectsPerMinute)

	assert.True(t, o.Security.ValidateOrigin)
	assert.Equal(t, "csrf-1", o.Security.CSRFToken)
	schema := o.Security.MessageSchemas["create-user"]
	assert.Equal(t, security.KindObject, schema.Type)
	assert.Equal(t, 3, schema.Properties["name"].MinLength)
}

func TestOmittedValuesKeepDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte("url: ws://localhost:8080/ws\n"))
	require.NoError(t, err)
	o, err := cfg.ClientOptions()
	require.NoError(t, err)

	d := client.DefaultOptions()
	assert.Equal(t, d.AutoReconnect, o.AutoReconnect)
	assert.Equal(t, d.MaxReconnectAttempts, o.MaxReconnectAttempts)
	assert.Equal(t, d.ReconnectInterval, o.ReconnectInterval)
	assert.Equal(t, d.HeartbeatInterval, o.HeartbeatInterval)
	assert.Equal(t, d.ConnectionTimeout, o.ConnectionTimeout)
	assert.Equal(t, d.RequestTimeout, o.RequestTimeout)
	assert.False(t, o.Encryption.Enabled)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := config.Parse([]byte("url: ws://x\nreconectInterval: 1s\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate(), "url is required")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg, err := config.Parse([]byte(`
url: http://example.com
reconnectInterval: -1s
maxReconnectAttempts: -2
security:
  validateOrigin: true
encryption:
  enabled: true
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"scheme must be ws or wss",
		"reconnectInterval: must not be negative",
		"maxReconnectAttempts: must not be negative",
		"security.allowedOrigins",
		"encryption: key or keyFile",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "client.yaml", "url: ws://file.example.com/ws\nauth:\n  token: from-file\n")
	t.Setenv(config.EnvToken, "from-env")
	t.Setenv(config.EnvURL, "")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.Token)
	assert.Equal(t, "ws://file.example.com/ws", cfg.URL)

	t.Setenv(config.EnvConfig, path)
	t.Setenv(config.EnvURL, "wss://env.example.com/ws")
	cfg, err = config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "wss://env.example.com/ws", cfg.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEncryptionKeyFile(t *testing.T) {
	key, err := aead.GenerateKey()
	require.NoError(t, err)
	keyPath := writeFile(t, "key", base64.StdEncoding.EncodeToString(key)+"\n")

	cfg, err := config.Parse([]byte("url: ws://x/ws\nencryption:\n  enabled: true\n  keyFile: " + keyPath + "\n"))
	require.NoError(t, err)
	o, err := cfg.ClientOptions()
	require.NoError(t, err)
	require.True(t, o.Encryption.Enabled)

	sealed, err := o.Encryption.Encrypt([]byte(`{"a":1}`))
	require.NoError(t, err)
	plain, err := o.Encryption.Decrypt(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(plain))

	cfg.Encryption = config.EncryptionConfig{Enabled: true, Key: "not base64!"}
	_, err = cfg.ClientOptions()
	assert.Error(t, err)
}
