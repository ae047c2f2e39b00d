// Package bitcoin decodes coinbase transactions carried in pool work
// notifications and reconstructs the merkle path that commits them to a
// block header.
package bitcoin

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OutputKind classifies a coinbase output by its locking script shape.
type OutputKind string

const (
	// OutputKindAddress is an output paying a recognizable address script
	// (P2PKH, P2SH, P2WPKH, P2WSH or P2TR).
	OutputKindAddress OutputKind = "address"
	// OutputKindEmbeddedData is an OP_RETURN output carrying arbitrary data.
	OutputKindEmbeddedData OutputKind = "embedded_data"
	// OutputKindUnrecognized is any script shape outside the two above.
	OutputKindUnrecognized OutputKind = "unrecognized"
)

// Known embedded-data sub-protocols, in sniffing order.
const (
	ProtocolMergedMining      = "MergedMining"
	ProtocolWitnessCommitment = "WitnessCommitment"
	ProtocolRSK               = "RSK"
	ProtocolHathor            = "Hathor"
	ProtocolUnknown           = "Unknown"
)

// Output is one decoded coinbase output. Address is set only for
// OutputKindAddress; Payload and Protocol only for OutputKindEmbeddedData.
type Output struct {
	Kind      OutputKind `json:"kind"`
	Value     int64      `json:"value"`
	Address   string     `json:"address,omitempty"`
	Protocol  string     `json:"protocol,omitempty"`
	Payload   []byte     `json:"payload,omitempty"`
	ScriptHex string     `json:"script_hex"`
}

// AuxProof is a merged-mining commitment found in the coinbase input
// script. MerkleSize and MerkleNonce are only meaningful when HasMeta is
// true; older pools emit the block hash without the trailing metadata.
type AuxProof struct {
	Hash        chainhash.Hash `json:"hash"`
	MerkleSize  uint32         `json:"merkle_size"`
	MerkleNonce uint32         `json:"merkle_nonce"`
	HasMeta     bool           `json:"has_meta"`
}

// Coinbase is the structured view of a fully assembled coinbase
// transaction. It is immutable once produced.
type Coinbase struct {
	TxID          chainhash.Hash `json:"txid"`
	Version       int32          `json:"version"`
	LockTime      uint32         `json:"lock_time"`
	InputSequence uint32         `json:"input_sequence"`
	HasHeight     bool           `json:"has_height"`
	Height        int64          `json:"height"`
	Aux           *AuxProof      `json:"aux,omitempty"`
	ScriptTag     string         `json:"script_tag"`
	Outputs       []Output       `json:"outputs"`
	WitnessNonce  []byte         `json:"witness_nonce,omitempty"`
}

// TotalValue returns the sum of all output values in satoshis.
func (c *Coinbase) TotalValue() int64 {
	var total int64
	for _, out := range c.Outputs {
		total += out.Value
	}
	return total
}

// DecodeStage identifies which phase of coinbase decoding failed.
type DecodeStage string

const (
	StageTransaction DecodeStage = "transaction"
	StageHeight      DecodeStage = "height"
	StageAuxiliary   DecodeStage = "auxiliary"
	StageOutput      DecodeStage = "output"
)

// DecodeError reports a coinbase decoding failure together with the stage
// that produced it, so callers can tell a garbled transaction apart from a
// well-formed one with an odd script.
type DecodeError struct {
	Stage DecodeStage
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("coinbase decode failed at %s stage: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(stage DecodeStage, format string, args ...any) *DecodeError {
	return &DecodeError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// StageOf extracts the decode stage from an error chain.
func StageOf(err error) (DecodeStage, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Stage, true
	}
	return "", false
}
