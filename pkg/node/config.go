package node

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/consensus"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/p2p"
)

// Mode selects how blocks are produced and which blocks are
// accepted.
type Mode string

// modes
const (
	ProofOfWork Mode = "pow"
	ProofOfVibe Mode = "pov"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ProofOfWork, ProofOfVibe:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown consensus mode %q", s)
	}
}

// Config is the configuration of a node.
type Config struct {
	// DataDir is the badger directory. The chain is kept in memory
	// when empty.
	DataDir string
	Mode    Mode
	// Key is the producer key, nil when the node does not produce
	// blocks.
	Key *ledger.Key
	// ProduceInterval is how often production is attempted.
	ProduceInterval time.Duration
	// Checkpoints pins block hashes in addition to genesis.
	Checkpoints map[uint64]string
	// OpFee is the fee paid by the consensus operations the node
	// submits.
	OpFee uint64

	Ledger    ledger.Config
	Consensus consensus.Config
	P2P       p2p.Config
}

// DefaultConfig returns the default configuration with a random
// node id.
func DefaultConfig() Config {
	pcfg := p2p.DefaultConfig()
	pcfg.NodeID = uuid.New().String()
	return Config{
		Mode:            ProofOfVibe,
		ProduceInterval: time.Second,
		OpFee:           ledger.Coin / 100,
		Ledger:          ledger.DefaultConfig(),
		Consensus:       consensus.DefaultConfig(),
		P2P:             pcfg,
	}
}
