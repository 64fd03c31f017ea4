package ledger

import "encoding/hex"

// ProofStep is one level of a merkle inclusion proof.
type ProofStep struct {
	Hash string `json:"hash"`
	// Left is true when Hash is the left sibling.
	Left bool `json:"left"`
}

// InclusionProof proves that a transaction is part of a block.
type InclusionProof struct {
	Transaction Transaction `json:"transaction"`
	BlockIndex  uint64      `json:"blockIndex"`
	BlockHash   string      `json:"blockHash"`
	Steps       []ProofStep `json:"steps"`
}

// MerkleRoot returns the merkle root over the transaction ids. When a
// level has an odd number of nodes the last one is paired with
// itself.
func MerkleRoot(txns []Transaction) string {
	if len(txns) == 0 {
		return HashHex(nil)
	}

	level := leaves(txns)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0])
}

// MerkleProof returns the inclusion proof steps of the i-th
// transaction.
func MerkleProof(txns []Transaction, i int) []ProofStep {
	if i < 0 || i >= len(txns) {
		return nil
	}

	var steps []ProofStep
	level := leaves(txns)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		if i%2 == 0 {
			steps = append(steps, ProofStep{Hash: hex.EncodeToString(level[i+1])})
		} else {
			steps = append(steps, ProofStep{Hash: hex.EncodeToString(level[i-1]), Left: true})
		}

		level = nextLevel(level)
		i /= 2
	}
	return steps
}

// VerifyMerkleProof checks that the transaction id hashes up to root
// through steps.
func VerifyMerkleProof(txID string, steps []ProofStep, root string) bool {
	cur, err := hex.DecodeString(txID)
	if err != nil {
		return false
	}

	for _, s := range steps {
		sib, err := hex.DecodeString(s.Hash)
		if err != nil {
			return false
		}

		if s.Left {
			cur = SHA3(sib, cur)
		} else {
			cur = SHA3(cur, sib)
		}
	}
	return hex.EncodeToString(cur) == root
}

func leaves(txns []Transaction) [][]byte {
	level := make([][]byte, len(txns))
	for i := range txns {
		b, err := hex.DecodeString(txns[i].ID)
		if err != nil {
			b = []byte(txns[i].ID)
		}
		level[i] = b
	}
	return level
}

func nextLevel(level [][]byte) [][]byte {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}

	next := make([][]byte, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, SHA3(level[i], level[i+1]))
	}
	return next
}
