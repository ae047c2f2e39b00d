package main

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bitsentry/poolwatch/internal/telemetry"
)

func sampleWork() *telemetry.WorkNotification {
	return &telemetry.WorkNotification{
		JobID: "job1",
		Coinb1: "01000000" + "01" + strings.Repeat("00", 32) + "ffffffff" +
			"17" + "03400d03",
		Coinb2: "2f706f6f6c77617463682f" + "ffffffff" +
			"01" + "40be402500000000" +
			"19" + "76a914" + strings.Repeat("00", 20) + "88ac" +
			"00000000",
		MerkleBranches:  []string{strings.Repeat("aa", 32)},
		ExtraNonce1:     "00000000",
		ExtraNonce2Size: 4,
	}
}

func TestDecodeWork(t *testing.T) {
	report, err := decodeWork(sampleWork(), &chaincfg.MainNetParams, "")
	if err != nil {
		t.Fatalf("decodeWork() error = %v", err)
	}

	if report.JobID != "job1" {
		t.Errorf("JobID = %q", report.JobID)
	}
	if !report.Decoded.HasHeight || report.Decoded.Height != 200000 {
		t.Errorf("height = %d", report.Decoded.Height)
	}
	if len(report.Proof.Steps) != 1 {
		t.Errorf("proof steps = %d, want 1", len(report.Proof.Steps))
	}
	if report.Proof.Leaf != report.Decoded.TxID {
		t.Error("proof leaf is not the coinbase txid")
	}
}

func TestDecodeWorkBadExtraNonce2(t *testing.T) {
	if _, err := decodeWork(sampleWork(), &chaincfg.MainNetParams, "00"); err == nil {
		t.Error("undersized extranonce2 accepted")
	}
}

func TestChainParams(t *testing.T) {
	if p, err := chainParams("regtest"); err != nil || p != &chaincfg.RegressionNetParams {
		t.Errorf("chainParams(regtest) = %v, %v", p, err)
	}
	if _, err := chainParams("dogecoin"); err == nil {
		t.Error("unknown network accepted")
	}
}

func TestRenderText(t *testing.T) {
	report, err := decodeWork(sampleWork(), &chaincfg.MainNetParams, "")
	if err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	renderText(&out, report)

	text := out.String()
	for _, want := range []string{"job1", "200000", "/poolwatch/", "merkle root", "1111111111111111111114oLvT2"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
