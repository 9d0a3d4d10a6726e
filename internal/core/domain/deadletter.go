package domain

import "time"

// DeadLetter is the diagnostic payload attached to a terminally failed
// operation. It is built once when retries are abandoned and never mutated
// afterwards; the redis queue keeps it for manual inspection and replay.
type DeadLetter struct {
	ID               string            `json:"id"`
	OriginalEvent    map[string]any    `json:"original_event,omitempty"`
	EventType        string            `json:"event_type,omitempty"`
	RoutingKey       string            `json:"routing_key,omitempty"`
	AttemptCount     int               `json:"attempt_count"`
	Elapsed          time.Duration     `json:"elapsed"`
	LastErrorKind    string            `json:"last_error_kind"`
	LastErrorMessage string            `json:"last_error_message"`
	MaxAttempts      int               `json:"max_attempts"`
	TTL              time.Duration     `json:"ttl"`
	AbandonedAt      time.Time         `json:"abandoned_at"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}
