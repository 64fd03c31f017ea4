package consensus

import (
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

// Config is the Proof of Vibe configuration.
type Config struct {
	MinValidatorStake uint64
	MinDelegation     uint64
	LockPeriod        time.Duration

	MissedBlockSlash       float64
	DoubleSignSlash        float64
	InactivitySlashPerHour float64
	MaxInactivitySlash     float64

	MaxVoteTargets int
	VotePowerCap   uint64
	VoteCooldown   time.Duration

	MinNameLength int
	MaxNameLength int

	StakeWeight        float64
	VoteWeight         float64
	ContributionWeight float64

	MaxValidators int
	BlockTime     time.Duration
	// EarlyBlockThreshold is the fraction of BlockTime that must
	// pass between two blocks.
	EarlyBlockThreshold float64
	EpochDuration       time.Duration
	// VoterShare is the fraction of the block reward paid to the
	// voters of the producer.
	VoterShare float64
	// BootstrapMiner is the only miner of the proof of work blocks
	// produced while there is no active validator. Anyone may mine
	// them when empty.
	BootstrapMiner string
}

// DefaultConfig returns the main network configuration.
func DefaultConfig() Config {
	return Config{
		MinValidatorStake:      100 * ledger.Coin,
		MinDelegation:          10 * ledger.Coin,
		LockPeriod:             24 * time.Hour,
		MissedBlockSlash:       0.01,
		DoubleSignSlash:        0.1,
		InactivitySlashPerHour: 0.005,
		MaxInactivitySlash:     0.5,
		MaxVoteTargets:         5,
		VotePowerCap:           10000 * ledger.Coin,
		VoteCooldown:           time.Hour,
		MinNameLength:          3,
		MaxNameLength:          32,
		StakeWeight:            0.4,
		VoteWeight:             0.3,
		ContributionWeight:     0.3,
		MaxValidators:          21,
		BlockTime:              10 * time.Second,
		EarlyBlockThreshold:    0.9,
		EpochDuration:          time.Hour,
		VoterShare:             0.1,
		BootstrapMiner:         ledger.GenesisAddress(),
	}
}
