// Package main implements workdecode, an offline inspector for captured
// work notifications. It reads one notification as JSON on stdin, decodes
// the coinbase, rebuilds the merkle path, and prints the result.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bitsentry/poolwatch/internal/bitcoin"
	"github.com/bitsentry/poolwatch/internal/telemetry"
)

func main() {
	network := flag.String("network", "mainnet", "chain network: mainnet, testnet3, signet, regtest")
	extraNonce2 := flag.String("extranonce2", "", "concrete extranonce2 hex (defaults to zeros)")
	asJSON := flag.Bool("json", false, "emit the report as JSON")
	flag.Parse()

	params, err := chainParams(*network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workdecode: %v\n", err)
		os.Exit(1)
	}

	var work telemetry.WorkNotification
	if err := json.NewDecoder(os.Stdin).Decode(&work); err != nil {
		fmt.Fprintf(os.Stderr, "workdecode: failed to read notification: %v\n", err)
		os.Exit(1)
	}

	report, err := decodeWork(&work, params, *extraNonce2)
	if err != nil {
		if stage, ok := bitcoin.StageOf(err); ok {
			fmt.Fprintf(os.Stderr, "workdecode: decode failed at %s stage: %v\n", stage, err)
		} else {
			fmt.Fprintf(os.Stderr, "workdecode: %v\n", err)
		}
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "workdecode: failed to encode report: %v\n", err)
			os.Exit(1)
		}
		return
	}

	renderText(os.Stdout, report)
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// Report bundles everything workdecode derives from one notification.
type Report struct {
	JobID   string             `json:"job_id"`
	Decoded *bitcoin.Coinbase  `json:"decoded"`
	Proof   *bitcoin.ProofTree `json:"proof"`
}

func decodeWork(work *telemetry.WorkNotification, params *chaincfg.Params, extraNonce2 string) (*Report, error) {
	raw, err := bitcoin.AssembleCoinbase(work, extraNonce2)
	if err != nil {
		return nil, err
	}

	decoded, err := bitcoin.DecodeRawCoinbase(raw, params)
	if err != nil {
		return nil, err
	}

	proof, err := bitcoin.ProofFromNotification(work, decoded)
	if err != nil {
		return nil, err
	}

	return &Report{JobID: work.JobID, Decoded: decoded, Proof: proof}, nil
}

func renderText(w io.Writer, r *Report) {
	fmt.Fprintf(w, "job:        %s\n", r.JobID)
	fmt.Fprintf(w, "txid:       %s\n", r.Decoded.TxID.String())
	if r.Decoded.HasHeight {
		fmt.Fprintf(w, "height:     %d\n", r.Decoded.Height)
	} else {
		fmt.Fprintln(w, "height:     (none)")
	}
	if r.Decoded.ScriptTag != "" {
		fmt.Fprintf(w, "tag:        %q\n", r.Decoded.ScriptTag)
	}
	if aux := r.Decoded.Aux; aux != nil {
		fmt.Fprintf(w, "aux:        %s", aux.Hash.String())
		if aux.HasMeta {
			fmt.Fprintf(w, " (size=%d nonce=%d)", aux.MerkleSize, aux.MerkleNonce)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "outputs:    %d (total %d sat)\n", len(r.Decoded.Outputs), r.Decoded.TotalValue())
	for i, out := range r.Decoded.Outputs {
		switch out.Kind {
		case bitcoin.OutputKindAddress:
			fmt.Fprintf(w, "  [%d] %12d sat  %s\n", i, out.Value, out.Address)
		case bitcoin.OutputKindEmbeddedData:
			fmt.Fprintf(w, "  [%d] %12d sat  OP_RETURN %s (%d bytes)\n", i, out.Value, out.Protocol, len(out.Payload))
		default:
			fmt.Fprintf(w, "  [%d] %12d sat  unrecognized script %s\n", i, out.Value, out.ScriptHex)
		}
	}

	fmt.Fprintf(w, "merkle root: %s\n", r.Proof.Root.String())
	for i, step := range r.Proof.Steps {
		fmt.Fprintf(w, "  level %d: %s + %s -> %s\n", i, step.Left.String(), step.Right.String(), step.Parent.String())
	}
}
