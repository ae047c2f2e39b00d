package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitsentry/poolwatch/internal/telemetry"
)

// Notification is the persisted form of one observed work notification.
// MerkleBranches round-trips through a JSONB column. Decoded fields are
// nullable: a notification whose coinbase failed to decode is still stored.
type Notification struct {
	ID              string
	JobID           string
	PrevHash        string
	Coinb1          string
	Coinb2          string
	MerkleBranches  []string
	Version         string
	NBits           string
	NTime           string
	CleanJobs       bool
	ExtraNonce1     string
	ExtraNonce2Size int
	ReceivedAt      time.Time

	// Decoded coinbase summary, when decoding succeeded
	Height    sql.NullInt64
	TxID      sql.NullString
	ScriptTag sql.NullString

	// Confirmation annotation, set by the watcher
	ConfirmedHash sql.NullString
	ConfirmedAt   sql.NullTime
}

// FromWork converts a telemetry record into its row form.
func FromWork(w *telemetry.WorkNotification) *Notification {
	return &Notification{
		ID:              w.ID,
		JobID:           w.JobID,
		PrevHash:        w.PrevHash,
		Coinb1:          w.Coinb1,
		Coinb2:          w.Coinb2,
		MerkleBranches:  w.MerkleBranches,
		Version:         w.Version,
		NBits:           w.NBits,
		NTime:           w.NTime,
		CleanJobs:       w.CleanJobs,
		ExtraNonce1:     w.ExtraNonce1,
		ExtraNonce2Size: w.ExtraNonce2Size,
		ReceivedAt:      w.ReceivedAt,
	}
}

// WithDecoded annotates the row with the decoded coinbase summary.
func (n *Notification) WithDecoded(height int64, hasHeight bool, txid, scriptTag string) *Notification {
	if hasHeight {
		n.Height = sql.NullInt64{Int64: height, Valid: true}
	}
	n.TxID = sql.NullString{String: txid, Valid: true}
	n.ScriptTag = sql.NullString{String: scriptTag, Valid: true}
	return n
}

func (n *Notification) branchesJSON() ([]byte, error) {
	b, err := json.Marshal(n.MerkleBranches)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merkle branches: %w", err)
	}
	return b, nil
}

func (n *Notification) scanBranches(raw []byte) error {
	if err := json.Unmarshal(raw, &n.MerkleBranches); err != nil {
		return fmt.Errorf("failed to unmarshal merkle branches: %w", err)
	}
	return nil
}
