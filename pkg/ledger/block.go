package ledger

import (
	"fmt"
	"math"
)

// ConsensusType tags how a block was sealed.
type ConsensusType string

// consensus types
const (
	ProofOfWork ConsensusType = "PoW"
	ProofOfVibe ConsensusType = "PoV"
)

// Block is a block of the chain. Hash is derived from the header
// fields and is always recomputed by validators.
type Block struct {
	Index         uint64        `json:"index"`
	Timestamp     int64         `json:"timestamp"`
	Transactions  []Transaction `json:"transactions"`
	PreviousHash  string        `json:"previousHash"`
	Hash          string        `json:"hash"`
	MerkleRoot    string        `json:"merkleRoot"`
	Nonce         uint64        `json:"nonce"`
	Difficulty    int           `json:"difficulty"`
	ConsensusType ConsensusType `json:"consensusType"`

	// proof of work
	Miner string `json:"miner,omitempty"`

	// proof of vibe
	Validator     string  `json:"validator,omitempty"`
	ValidatorName string  `json:"validatorName,omitempty"`
	VibeScore     float64 `json:"vibeScore,omitempty"`
	Epoch         uint64  `json:"epoch,omitempty"`
	// Signature is the validator's signature of Hash.
	Signature string `json:"signature,omitempty"`
}

// Header is the block without its transaction bodies. It carries
// every field the block hash covers, so headers can be verified
// without the body.
type Header struct {
	Index         uint64        `json:"index"`
	Timestamp     int64         `json:"timestamp"`
	PreviousHash  string        `json:"previousHash"`
	Hash          string        `json:"hash"`
	MerkleRoot    string        `json:"merkleRoot"`
	Nonce         uint64        `json:"nonce"`
	Difficulty    int           `json:"difficulty"`
	ConsensusType ConsensusType `json:"consensusType"`
	Miner         string        `json:"miner,omitempty"`
	Validator     string        `json:"validator,omitempty"`
	ValidatorName string        `json:"validatorName,omitempty"`
	VibeScore     float64       `json:"vibeScore,omitempty"`
	Epoch         uint64        `json:"epoch,omitempty"`
	Signature     string        `json:"signature,omitempty"`
	TxCount       int           `json:"txCount"`
}

type headerContent struct {
	Index         uint64
	Timestamp     uint64
	PreviousHash  string
	MerkleRoot    string
	Nonce         uint64
	Difficulty    uint64
	ConsensusType string
	Miner         string
	Validator     string
	ValidatorName string
	VibeScore     uint64
	Epoch         uint64
}

// Header returns the header of the block.
func (b *Block) Header() Header {
	return Header{
		Index:         b.Index,
		Timestamp:     b.Timestamp,
		PreviousHash:  b.PreviousHash,
		Hash:          b.Hash,
		MerkleRoot:    b.MerkleRoot,
		Nonce:         b.Nonce,
		Difficulty:    b.Difficulty,
		ConsensusType: b.ConsensusType,
		Miner:         b.Miner,
		Validator:     b.Validator,
		ValidatorName: b.ValidatorName,
		VibeScore:     b.VibeScore,
		Epoch:         b.Epoch,
		Signature:     b.Signature,
		TxCount:       len(b.Transactions),
	}
}

// ComputeHash recomputes the block hash.
func (b *Block) ComputeHash() string {
	h := b.Header()
	return h.ComputeHash()
}

// Encode encodes the hashed header fields. Hash and Signature are
// not part of the encoding.
func (h *Header) Encode() []byte {
	return rlpEncode(headerContent{
		Index:         h.Index,
		Timestamp:     uint64(h.Timestamp),
		PreviousHash:  h.PreviousHash,
		MerkleRoot:    h.MerkleRoot,
		Nonce:         h.Nonce,
		Difficulty:    uint64(h.Difficulty),
		ConsensusType: string(h.ConsensusType),
		Miner:         h.Miner,
		Validator:     h.Validator,
		ValidatorName: h.ValidatorName,
		VibeScore:     math.Float64bits(h.VibeScore),
		Epoch:         h.Epoch,
	})
}

// ComputeHash recomputes the header hash.
func (h *Header) ComputeHash() string {
	return HashHex(h.Encode())
}

// Producer returns the address credited for producing the block.
func (b *Block) Producer() string {
	if b.ConsensusType == ProofOfVibe {
		return b.Validator
	}
	return b.Miner
}

// Fees returns the sum of fees of the non system transactions.
func (b *Block) Fees() uint64 {
	var fees uint64
	for i := range b.Transactions {
		if !b.Transactions[i].IsSystem() {
			fees += b.Transactions[i].Fee
		}
	}
	return fees
}

// TxIndex returns the position of the transaction in the block or -1.
func (b *Block) TxIndex(id string) int {
	for i := range b.Transactions {
		if b.Transactions[i].ID == id {
			return i
		}
	}
	return -1
}

// Proof returns the inclusion proof of the transaction.
func (b *Block) Proof(id string) (*InclusionProof, bool) {
	i := b.TxIndex(id)
	if i < 0 {
		return nil, false
	}

	return &InclusionProof{
		Transaction: b.Transactions[i],
		BlockIndex:  b.Index,
		BlockHash:   b.Hash,
		Steps:       MerkleProof(b.Transactions, i),
	}, true
}

// Touches returns the ids of the transactions sending to or from
// addr.
func (b *Block) Touches(addr string) []string {
	var ids []string
	for i := range b.Transactions {
		if b.Transactions[i].From == addr || b.Transactions[i].To == addr {
			ids = append(ids, b.Transactions[i].ID)
		}
	}
	return ids
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d %.16s (%s, %d txns)", b.Index, b.Hash, b.ConsensusType, len(b.Transactions))
}

// VerifyProof checks the proof against a header the caller already
// trusts.
func (p *InclusionProof) VerifyProof(h Header) bool {
	if p.BlockIndex != h.Index || p.BlockHash != h.Hash {
		return false
	}

	if h.ComputeHash() != h.Hash {
		return false
	}

	if p.Transaction.ComputeID() != p.Transaction.ID {
		return false
	}

	return VerifyMerkleProof(p.Transaction.ID, p.Steps, h.MerkleRoot)
}
