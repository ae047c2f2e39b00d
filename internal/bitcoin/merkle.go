package bitcoin

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bitsentry/poolwatch/internal/telemetry"
)

// ProofStep records one level of the merkle path: the running hash on the
// left, the pool-supplied branch on the right, and their parent.
type ProofStep struct {
	Left   chainhash.Hash `json:"left"`
	Right  chainhash.Hash `json:"right"`
	Parent chainhash.Hash `json:"parent"`
}

// ProofTree is the full path from the coinbase leaf to the merkle root a
// header built from this work would commit to. With no branches the root
// is the leaf itself and Steps is empty.
type ProofTree struct {
	Leaf  chainhash.Hash `json:"leaf"`
	Root  chainhash.Hash `json:"root"`
	Steps []ProofStep    `json:"steps"`
}

// BuildProof folds the ordered branches onto the leaf. At every level the
// running value is hashed on the left and the branch on the right; Stratum
// branch lists are pre-ordered for exactly this fold.
func BuildProof(leaf chainhash.Hash, branches []chainhash.Hash) *ProofTree {
	current := leaf
	steps := make([]ProofStep, 0, len(branches))

	for _, branch := range branches {
		concat := make([]byte, 0, 2*chainhash.HashSize)
		concat = append(concat, current[:]...)
		concat = append(concat, branch[:]...)
		parent := chainhash.DoubleHashH(concat)

		steps = append(steps, ProofStep{Left: current, Right: branch, Parent: parent})
		current = parent
	}

	return &ProofTree{Leaf: leaf, Root: current, Steps: steps}
}

// ParseBranches decodes the hex branch list from a notification. Branch
// bytes are used exactly as transmitted, no byte-order adjustment.
func ParseBranches(branches []string) ([]chainhash.Hash, error) {
	parsed := make([]chainhash.Hash, len(branches))
	for i, branch := range branches {
		b, err := hex.DecodeString(branch)
		if err != nil {
			return nil, decodeErrorf(StageTransaction, "merkle branch %d is not valid hex: %v", i, err)
		}
		if len(b) != chainhash.HashSize {
			return nil, decodeErrorf(StageTransaction,
				"merkle branch %d is %d bytes, want %d", i, len(b), chainhash.HashSize)
		}
		copy(parsed[i][:], b)
	}
	return parsed, nil
}

// ProofFromNotification builds the merkle path for a decoded coinbase.
func ProofFromNotification(n *telemetry.WorkNotification, cb *Coinbase) (*ProofTree, error) {
	branches, err := ParseBranches(n.MerkleBranches)
	if err != nil {
		return nil, err
	}
	return BuildProof(cb.TxID, branches), nil
}

// PrevHashFromStratum converts the notification's previous-block hash from
// Stratum's word-swapped encoding to a canonical hash. Each of the eight
// 4-byte words is byte-reversed in place.
func PrevHashFromStratum(prevHash string) (*chainhash.Hash, error) {
	b, err := hex.DecodeString(prevHash)
	if err != nil {
		return nil, decodeErrorf(StageTransaction, "prevhash is not valid hex: %v", err)
	}
	if len(b) != chainhash.HashSize {
		return nil, decodeErrorf(StageTransaction,
			"prevhash is %d bytes, want %d", len(b), chainhash.HashSize)
	}

	var internal [chainhash.HashSize]byte
	for word := 0; word < chainhash.HashSize/4; word++ {
		for i := 0; i < 4; i++ {
			internal[word*4+i] = b[word*4+3-i]
		}
	}
	return chainhash.NewHash(internal[:])
}
