package types

import (
	"encoding/json"
	"time"
)

// Priority represents the delivery priority of a queued message
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Priorities lists all priorities in processing order (critical first).
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// String returns the string representation of Priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name, defaulting to medium for unknown input.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// MarshalJSON implements json.Marshaler
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// MessageStatus represents the delivery state of a queued message
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusSent       MessageStatus = "sent"
	StatusFailed     MessageStatus = "failed"
	StatusExpired    MessageStatus = "expired"
)

// MessageContext carries the origin of an outbound message
type MessageContext struct {
	UserID    string `json:"user_id,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Event     string `json:"event,omitempty"`
}

// QueuedMessage represents an outbound message awaiting delivery
type QueuedMessage struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	Context     MessageContext  `json:"context"`
	Status      MessageStatus   `json:"status"`
}

// Expired reports whether the message expiry has passed at the given time.
func (m *QueuedMessage) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// RetryDue reports whether the message is eligible for a delivery attempt
// at the given time.
func (m *QueuedMessage) RetryDue(now time.Time) bool {
	return m.NextRetryAt == nil || !now.Before(*m.NextRetryAt)
}
