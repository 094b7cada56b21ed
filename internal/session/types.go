package session

import (
	"time"

	"github.com/ent0n29/geminilive/internal/conversation"
)

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// Snapshot is the externally visible view of one session.
type Snapshot struct {
	Session
	State       string                 `json:"state"`
	StateReason string                 `json:"state_reason,omitempty"`
	Messages    []conversation.Message `json:"messages"`
}
