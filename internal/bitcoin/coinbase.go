package bitcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jellydator/ttlcache/v3"

	"github.com/bitsentry/poolwatch/internal/telemetry"
)

// DefaultExtraNonce1 stands in when a notification predates the subscribe
// reply snapshot. Four zero bytes keep the assembled transaction well formed.
const DefaultExtraNonce1 = "00000000"

// Merged-mining commitments in the input script start with this magic.
var auxMagic = []byte{0xfa, 0xbe, 0x6d, 0x6d}

// Segwit commitment outputs start with OP_RETURN, a 36-byte push and this
// header (BIP141).
var witnessCommitmentHeader = []byte{0xaa, 0x21, 0xa9, 0xed}

const (
	opReturn    = 0x6a
	opPushData1 = 0x4c
	opPushData2 = 0x4d
	opPushData4 = 0x4e

	// Input script tags longer than this are truncated for display.
	maxScriptTag = 96
)

// DefaultExtraNonce2 returns the zero-filled miner nonce for the given
// partition size. Any concrete extranonce2 of the right size yields the
// same structural decode; only the txid differs.
func DefaultExtraNonce2(size int) string {
	return strings.Repeat("00", size)
}

// AssembleCoinbase concatenates coinb1, extranonce1, extranonce2 and coinb2
// into raw transaction bytes. An empty extraNonce2 selects the zero-filled
// default for the notification's declared partition size; a concrete value
// must match that size exactly.
func AssembleCoinbase(n *telemetry.WorkNotification, extraNonce2 string) ([]byte, error) {
	en1 := n.ExtraNonce1
	if en1 == "" {
		en1 = DefaultExtraNonce1
	}
	if extraNonce2 == "" {
		extraNonce2 = DefaultExtraNonce2(n.ExtraNonce2Size)
	}
	if len(extraNonce2) != n.ExtraNonce2Size*2 {
		return nil, decodeErrorf(StageTransaction,
			"extranonce2 is %d hex characters, partition size requires %d",
			len(extraNonce2), n.ExtraNonce2Size*2)
	}

	raw := make([]byte, 0, (len(n.Coinb1)+len(en1)+len(extraNonce2)+len(n.Coinb2))/2)
	for _, part := range []struct {
		name  string
		value string
	}{
		{"coinb1", n.Coinb1},
		{"extranonce1", en1},
		{"extranonce2", extraNonce2},
		{"coinb2", n.Coinb2},
	} {
		b, err := hex.DecodeString(part.value)
		if err != nil {
			return nil, decodeErrorf(StageTransaction, "%s is not valid hex: %v", part.name, err)
		}
		raw = append(raw, b...)
	}
	return raw, nil
}

// DecodeRawCoinbase parses assembled coinbase bytes into the structured
// view. Decoding proceeds in stages; the returned error identifies the
// first stage that failed.
func DecodeRawCoinbase(raw []byte, params *chaincfg.Params) (*Coinbase, error) {
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, decodeErrorf(StageTransaction, "transaction does not deserialize: %v", err)
	}
	if len(tx.TxIn) != 1 {
		return nil, decodeErrorf(StageTransaction, "coinbase must have exactly one input, got %d", len(tx.TxIn))
	}

	script := tx.TxIn[0].SignatureScript

	height, hasHeight, consumed, err := parseHeight(script)
	if err != nil {
		return nil, err
	}

	aux, remaining, err := parseAuxProof(script[consumed:])
	if err != nil {
		return nil, err
	}

	cb := &Coinbase{
		TxID:          tx.TxHash(),
		Version:       tx.Version,
		LockTime:      tx.LockTime,
		InputSequence: tx.TxIn[0].Sequence,
		HasHeight:     hasHeight,
		Height:        height,
		Aux:           aux,
		ScriptTag:     scriptTag(remaining),
		Outputs:       make([]Output, 0, len(tx.TxOut)),
	}

	for i, out := range tx.TxOut {
		decoded, err := classifyOutput(out, params)
		if err != nil {
			return nil, decodeErrorf(StageOutput, "output %d: %v", i, err)
		}
		cb.Outputs = append(cb.Outputs, decoded)
	}

	cb.WitnessNonce = witnessNonce(&tx)

	return cb, nil
}

// parseHeight extracts the BIP34 height push from the front of the input
// script. A leading byte outside 1..8 means the transaction predates BIP34
// or uses a nonstandard script; that is not an error, just no height.
func parseHeight(script []byte) (height int64, ok bool, consumed int, err error) {
	if len(script) == 0 {
		return 0, false, 0, nil
	}
	pushLen := int(script[0])
	if pushLen < 1 || pushLen > 8 {
		return 0, false, 0, nil
	}
	if len(script) < 1+pushLen {
		return 0, false, 0, decodeErrorf(StageHeight,
			"script truncated inside %d-byte height push, %d bytes remain", pushLen, len(script)-1)
	}
	var h uint64
	for i := 0; i < pushLen; i++ {
		h |= uint64(script[1+i]) << (8 * i)
	}
	return int64(h), true, 1 + pushLen, nil
}

// parseAuxProof scans the script for the merged-mining magic and decodes
// the commitment that follows it. The returned slice is the script with
// the commitment removed, for tag extraction.
func parseAuxProof(script []byte) (*AuxProof, []byte, error) {
	idx := bytes.Index(script, auxMagic)
	if idx < 0 {
		return nil, script, nil
	}

	after := script[idx+len(auxMagic):]
	if len(after) < chainhash.HashSize {
		return nil, nil, decodeErrorf(StageAuxiliary,
			"merged-mining magic followed by %d bytes, need %d for the block hash",
			len(after), chainhash.HashSize)
	}

	aux := &AuxProof{}
	copy(aux.Hash[:], after[:chainhash.HashSize])
	rest := after[chainhash.HashSize:]

	// Optional trailing metadata: 4-byte merkle size + 4-byte nonce.
	if len(rest) >= 8 {
		aux.MerkleSize = binary.LittleEndian.Uint32(rest[:4])
		aux.MerkleNonce = binary.LittleEndian.Uint32(rest[4:8])
		aux.HasMeta = true
		rest = rest[8:]
	}

	remaining := make([]byte, 0, idx+len(rest))
	remaining = append(remaining, script[:idx]...)
	remaining = append(remaining, rest...)
	return aux, remaining, nil
}

// scriptTag renders the printable-ASCII portion of the remaining input
// script, the conventional place pools sign their work.
func scriptTag(script []byte) string {
	var b strings.Builder
	for _, c := range script {
		if c < 0x20 || c > 0x7e {
			continue
		}
		if b.Len() == maxScriptTag {
			b.WriteString("...")
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

func classifyOutput(out *wire.TxOut, params *chaincfg.Params) (Output, error) {
	script := out.PkScript
	decoded := Output{
		Kind:      OutputKindUnrecognized,
		Value:     out.Value,
		ScriptHex: hex.EncodeToString(script),
	}

	if len(script) > 0 && script[0] == opReturn {
		payload, err := parsePushData(script[1:])
		if err != nil {
			return Output{}, err
		}
		decoded.Kind = OutputKindEmbeddedData
		decoded.Payload = payload
		decoded.Protocol = sniffProtocol(payload)
		return decoded, nil
	}

	if addr, ok := matchAddress(script, params); ok {
		decoded.Kind = OutputKindAddress
		decoded.Address = addr
	}
	return decoded, nil
}

// parsePushData decodes the first push opcode after OP_RETURN. A bare
// OP_RETURN has no payload; a non-push opcode leaves the payload empty
// without failing the output.
func parsePushData(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}

	op := b[0]
	var length, headerLen int
	switch {
	case op >= 1 && op <= 75:
		length, headerLen = int(op), 1
	case op == opPushData1:
		if len(b) < 2 {
			return nil, decodeErrorf(StageOutput, "OP_PUSHDATA1 missing its length byte")
		}
		length, headerLen = int(b[1]), 2
	case op == opPushData2:
		if len(b) < 3 {
			return nil, decodeErrorf(StageOutput, "OP_PUSHDATA2 missing its length bytes")
		}
		length, headerLen = int(binary.LittleEndian.Uint16(b[1:3])), 3
	case op == opPushData4:
		if len(b) < 5 {
			return nil, decodeErrorf(StageOutput, "OP_PUSHDATA4 missing its length bytes")
		}
		length, headerLen = int(binary.LittleEndian.Uint32(b[1:5])), 5
	default:
		return nil, nil
	}

	if len(b) < headerLen+length {
		return nil, decodeErrorf(StageOutput,
			"push declares %d bytes but only %d remain", length, len(b)-headerLen)
	}

	payload := make([]byte, length)
	copy(payload, b[headerLen:headerLen+length])
	return payload, nil
}

// protocolMatchers run in order; the first match names the payload.
var protocolMatchers = []struct {
	name  string
	match func([]byte) bool
}{
	{ProtocolMergedMining, func(p []byte) bool { return bytes.HasPrefix(p, auxMagic) }},
	{ProtocolWitnessCommitment, func(p []byte) bool { return bytes.HasPrefix(p, witnessCommitmentHeader) }},
	{ProtocolRSK, func(p []byte) bool { return bytes.HasPrefix(p, []byte("RSKBLOCK:")) }},
	{ProtocolHathor, func(p []byte) bool { return bytes.HasPrefix(p, []byte("HathorMM")) }},
}

func sniffProtocol(payload []byte) string {
	for _, m := range protocolMatchers {
		if m.match(payload) {
			return m.name
		}
	}
	return ProtocolUnknown
}

// matchAddress recognizes the standard single-key and script-hash shapes.
// Anything else stays unrecognized rather than guessing.
func matchAddress(script []byte, params *chaincfg.Params) (string, bool) {
	switch {
	// P2PKH: OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
	case len(script) == 25 && script[0] == 0x76 && script[1] == 0xa9 &&
		script[2] == 0x14 && script[23] == 0x88 && script[24] == 0xac:
		addr, err := btcutil.NewAddressPubKeyHash(script[3:23], params)
		if err != nil {
			return "", false
		}
		return addr.EncodeAddress(), true

	// P2SH: OP_HASH160 <20> OP_EQUAL
	case len(script) == 23 && script[0] == 0xa9 && script[1] == 0x14 && script[22] == 0x87:
		addr, err := btcutil.NewAddressScriptHashFromHash(script[2:22], params)
		if err != nil {
			return "", false
		}
		return addr.EncodeAddress(), true

	// P2WPKH: OP_0 <20>
	case len(script) == 22 && script[0] == 0x00 && script[1] == 0x14:
		addr, err := btcutil.NewAddressWitnessPubKeyHash(script[2:22], params)
		if err != nil {
			return "", false
		}
		return addr.EncodeAddress(), true

	// P2WSH: OP_0 <32>
	case len(script) == 34 && script[0] == 0x00 && script[1] == 0x20:
		addr, err := btcutil.NewAddressWitnessScriptHash(script[2:34], params)
		if err != nil {
			return "", false
		}
		return addr.EncodeAddress(), true

	// P2TR: OP_1 <32>
	case len(script) == 34 && script[0] == 0x51 && script[1] == 0x20:
		addr, err := btcutil.NewAddressTaproot(script[2:34], params)
		if err != nil {
			return "", false
		}
		return addr.EncodeAddress(), true
	}
	return "", false
}

// witnessNonce returns the segwit commitment nonce when the coinbase
// carries exactly one witness element and a commitment output.
func witnessNonce(tx *wire.MsgTx) []byte {
	if len(tx.TxIn[0].Witness) != 1 {
		return nil
	}
	prefix := append([]byte{opReturn, 0x24}, witnessCommitmentHeader...)
	for _, out := range tx.TxOut {
		if bytes.HasPrefix(out.PkScript, prefix) {
			nonce := make([]byte, len(tx.TxIn[0].Witness[0]))
			copy(nonce, tx.TxIn[0].Witness[0])
			return nonce
		}
	}
	return nil
}

// Decoder memoizes successful decodes keyed by the exact assembled bytes.
// Cached values are shared across callers and never mutated.
type Decoder struct {
	params *chaincfg.Params
	cache  *ttlcache.Cache[string, *Coinbase]
}

// NewDecoder builds a decoder for the given network. cacheSize bounds the
// memo; entries never expire, old ones fall out by capacity.
func NewDecoder(params *chaincfg.Params, cacheSize int) *Decoder {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	cache := ttlcache.New[string, *Coinbase](
		ttlcache.WithCapacity[string, *Coinbase](uint64(cacheSize)),
		ttlcache.WithTTL[string, *Coinbase](ttlcache.NoTTL),
	)
	return &Decoder{params: params, cache: cache}
}

// Decode assembles and decodes the notification's coinbase, memoizing
// successes. Failures are never cached; a later retry with the same input
// re-runs the full decode.
func (d *Decoder) Decode(n *telemetry.WorkNotification, extraNonce2 string) (*Coinbase, error) {
	raw, err := AssembleCoinbase(n, extraNonce2)
	if err != nil {
		return nil, err
	}

	key := string(raw)
	if item := d.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	cb, err := DecodeRawCoinbase(raw, d.params)
	if err != nil {
		return nil, err
	}
	d.cache.Set(key, cb, ttlcache.DefaultTTL)
	return cb, nil
}
