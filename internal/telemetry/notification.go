// Package telemetry turns accepted Stratum work notifications into the
// immutable records handed to the persistence and presentation collaborators.
package telemetry

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bitsentry/poolwatch/internal/stratum"
	"github.com/bitsentry/poolwatch/pkg/errors"
)

// WorkNotification is one "new work" event, immutable after creation.
// MerkleBranches are ordered: the leftmost branch is closest to the
// coinbase leaf. ExtraNonce1/ExtraNonce2Size are the session's nonce
// partition snapshotted at receipt time.
type WorkNotification struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	PrevHash        string    `json:"prev_hash"`
	Coinb1          string    `json:"coinb1"`
	Coinb2          string    `json:"coinb2"`
	MerkleBranches  []string  `json:"merkle_branches"`
	Version         string    `json:"version"`
	NBits           string    `json:"nbits"`
	NTime           string    `json:"ntime"`
	CleanJobs       bool      `json:"clean_jobs"`
	ExtraNonce1     string    `json:"extranonce1"`
	ExtraNonce2Size int       `json:"extranonce2_size"`
	ReceivedAt      time.Time `json:"received_at"`
}

// NewWorkNotification builds the immutable record for one mining.notify.
// The derived ID composes the receive second with the job id, so the same
// job id within the same second collapses to one persisted record. That is
// a deliberate dedup approximation; sub-second notification bursts for one
// job are not distinguished.
func NewWorkNotification(params *stratum.NotifyParams, nonce stratum.NonceParams, receivedAt time.Time) (*WorkNotification, error) {
	if err := validate(params, nonce); err != nil {
		return nil, err
	}

	branches := make([]string, len(params.MerkleBranch))
	copy(branches, params.MerkleBranch)

	return &WorkNotification{
		ID:              fmt.Sprintf("%d-%s", receivedAt.Unix(), params.JobID),
		JobID:           params.JobID,
		PrevHash:        params.PrevHash,
		Coinb1:          params.Coinb1,
		Coinb2:          params.Coinb2,
		MerkleBranches:  branches,
		Version:         params.Version,
		NBits:           params.NBits,
		NTime:           params.NTime,
		CleanJobs:       params.CleanJobs,
		ExtraNonce1:     nonce.ExtraNonce1,
		ExtraNonce2Size: nonce.ExtraNonce2Size,
		ReceivedAt:      receivedAt,
	}, nil
}

func validate(params *stratum.NotifyParams, nonce stratum.NonceParams) error {
	if params.JobID == "" {
		return errors.New(errors.ErrorTypeProtocol, "decode_notify", "empty job id")
	}
	if err := requireHex("prevhash", params.PrevHash, 64); err != nil {
		return err
	}
	if err := requireHex("coinb1", params.Coinb1, -1); err != nil {
		return err
	}
	if err := requireHex("coinb2", params.Coinb2, -1); err != nil {
		return err
	}
	for i, branch := range params.MerkleBranch {
		if err := requireHex(fmt.Sprintf("merkle_branch[%d]", i), branch, 64); err != nil {
			return err
		}
	}
	if err := requireHex("version", params.Version, 8); err != nil {
		return err
	}
	if err := requireHex("nbits", params.NBits, 8); err != nil {
		return err
	}
	if err := requireHex("ntime", params.NTime, 8); err != nil {
		return err
	}
	if nonce.ExtraNonce2Size <= 0 {
		return errors.New(errors.ErrorTypeProtocol, "decode_notify",
			"notification received without a subscribed nonce partition")
	}
	return nil
}

// requireHex validates a hex field; wantLen < 0 accepts any even length.
func requireHex(field, value string, wantLen int) error {
	if wantLen >= 0 && len(value) != wantLen {
		return errors.New(errors.ErrorTypeProtocol, "decode_notify",
			fmt.Sprintf("%s must be %d hex characters, got %d", field, wantLen, len(value)))
	}
	if _, err := hex.DecodeString(value); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "decode_notify",
			fmt.Sprintf("%s is not valid hex", field))
	}
	return nil
}
