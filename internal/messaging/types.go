package messaging

import (
	"time"

	"github.com/bitsentry/poolwatch/internal/bitcoin"
	"github.com/bitsentry/poolwatch/internal/telemetry"
)

// WorkEvent is published to TopicWork for every accepted notification.
// Decoded and Proof are omitted when coinbase decoding failed; the raw
// notification is still useful downstream.
type WorkEvent struct {
	Work    *telemetry.WorkNotification `json:"work"`
	Decoded *bitcoin.Coinbase           `json:"decoded,omitempty"`
	Proof   *bitcoin.ProofTree          `json:"proof,omitempty"`
	Pool    string                      `json:"pool"`
}

// ConfirmationEvent is published to TopicConfirmations when a stored
// notification's parent block shows up in the chain.
type ConfirmationEvent struct {
	NotificationID string    `json:"notification_id"`
	JobID          string    `json:"job_id"`
	BlockHash      string    `json:"block_hash"`
	BlockHeight    int64     `json:"block_height"`
	ReceivedAt     time.Time `json:"received_at"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
}

// SessionEvent is published to TopicSessions on state transitions.
type SessionEvent struct {
	Pool    string    `json:"pool"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}
