package security

import "time"

// EventKind names the policy that rejected an operation.
type EventKind string

const (
	EventOriginRejected     EventKind = "origin-validation-failed"
	EventRateLimitExceeded  EventKind = "rate-limit-exceeded"
	EventSchemaViolation    EventKind = "schema-validation-failed"
	EventAuthentication     EventKind = "authentication-error"
	EventTokenRefreshFailed EventKind = "token-refresh-failed"
	EventEncryptionFailed   EventKind = "encryption-failed"
	EventDecryptionFailed   EventKind = "decryption-failed"
)

// Event is a non-fatal notification that an operation was rejected.
type Event struct {
	Kind    EventKind
	Message string
	Details map[string]any
	Time    time.Time
}
