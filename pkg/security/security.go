// Package security holds the client's defensive checks: origin
// allow-listing, CSRF header injection, per-type payload schemas and
// redaction of sensitive fields before logging.
package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultCSRFHeader is the header carrying the CSRF token on connect.
const DefaultCSRFHeader = "X-CSRF-Token"

// ErrOriginRejected is returned when the caller's origin is not allowed.
var ErrOriginRejected = errors.New("security: origin not allowed")

// DefaultSensitiveFields are redacted when no list is configured.
var DefaultSensitiveFields = []string{
	"password", "token", "accesstoken", "refreshtoken", "secret",
	"authorization", "apikey", "api_key", "creditcard", "ssn",
}

// Config selects which checks the Validator performs.
type Config struct {
	ValidateOrigin       bool              `yaml:"validateOrigin"`
	AllowedOrigins       []string          `yaml:"allowedOrigins"`
	EnableCSRFProtection bool              `yaml:"enableCSRFProtection"`
	CSRFToken            string            `yaml:"csrfToken"`
	CSRFHeader           string            `yaml:"csrfHeader"`
	MessageSchemas       map[string]Schema `yaml:"messageSchemas"`
	SensitiveFields      []string          `yaml:"sensitiveFields"`
}

// Validator applies a Config. It is immutable after construction and safe
// for concurrent use.
type Validator struct {
	cfg       Config
	origins   map[string]struct{}
	sensitive map[string]struct{}
}

// NewValidator prepares cfg for repeated checks.
func NewValidator(cfg Config) *Validator {
	if cfg.CSRFHeader == "" {
		cfg.CSRFHeader = DefaultCSRFHeader
	}
	fields := cfg.SensitiveFields
	if fields == nil {
		fields = DefaultSensitiveFields
	}
	v := &Validator{
		cfg:       cfg,
		origins:   make(map[string]struct{}, len(cfg.AllowedOrigins)),
		sensitive: make(map[string]struct{}, len(fields)),
	}
	for _, o := range cfg.AllowedOrigins {
		v.origins[normalizeOrigin(o)] = struct{}{}
	}
	for _, f := range fields {
		v.sensitive[strings.ToLower(f)] = struct{}{}
	}
	return v
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

// CheckOrigin fails when origin validation is enabled and origin is not
// in the allow-list. It performs no I/O.
func (v *Validator) CheckOrigin(origin string) error {
	if !v.cfg.ValidateOrigin {
		return nil
	}
	if _, ok := v.origins[normalizeOrigin(origin)]; ok && origin != "" {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrOriginRejected, origin)
}

// ApplyCSRF sets the CSRF header on h when protection is enabled.
func (v *Validator) ApplyCSRF(h http.Header) {
	if !v.cfg.EnableCSRFProtection || v.cfg.CSRFToken == "" {
		return
	}
	h.Set(v.cfg.CSRFHeader, v.cfg.CSRFToken)
}

// HasSchema reports whether a schema is registered for msgType.
func (v *Validator) HasSchema(msgType string) bool {
	_, ok := v.cfg.MessageSchemas[msgType]
	return ok
}

// Validate checks payload against the schema registered for msgType.
// Types without a schema always pass.
func (v *Validator) Validate(msgType string, payload any) error {
	schema, ok := v.cfg.MessageSchemas[msgType]
	if !ok {
		return nil
	}
	value, err := normalize(payload)
	if err != nil {
		return &ValidationError{Type: msgType, Violations: []string{err.Error()}}
	}
	if violations := schema.check(value); len(violations) > 0 {
		return &ValidationError{Type: msgType, Violations: violations}
	}
	return nil
}
