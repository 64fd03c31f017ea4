package ledger

import "time"

// Config is the ledger configuration.
type Config struct {
	InitialReward   uint64
	MinReward       uint64
	HalvingInterval uint64

	InitialDifficulty  int
	MinDifficulty      int
	MaxDifficulty      int
	AdjustmentInterval uint64
	TargetBlockTime    time.Duration

	MaxBlockTransactions   int
	MaxPendingTransactions int
	// FutureWindow is how far ahead of local time a block timestamp
	// may be.
	FutureWindow time.Duration
}

// DefaultConfig returns the main network configuration.
func DefaultConfig() Config {
	return Config{
		InitialReward:          50 * Coin,
		MinReward:              1 * Coin,
		HalvingInterval:        100000,
		InitialDifficulty:      2,
		MinDifficulty:          1,
		MaxDifficulty:          8,
		AdjustmentInterval:     10,
		TargetBlockTime:        10 * time.Second,
		MaxBlockTransactions:   100,
		MaxPendingTransactions: 5000,
		FutureWindow:           2 * time.Minute,
	}
}

// RewardAt returns the block reward allowed for the block at index.
func RewardAt(index uint64, cfg Config) uint64 {
	r := cfg.InitialReward
	if cfg.HalvingInterval > 0 {
		halvings := index / cfg.HalvingInterval
		if halvings >= 64 {
			r = 0
		} else {
			r >>= halvings
		}
	}

	if r < cfg.MinReward {
		r = cfg.MinReward
	}
	return r
}

// ExpectedDifficulty re-derives the proof of work difficulty of the
// block following chain. Every AdjustmentInterval blocks the
// difficulty goes up by one when the last interval took less than
// half the target time and down by one when it took more than double.
// The window that starts at genesis is skipped since the genesis
// timestamp is fixed in the past.
func ExpectedDifficulty(chain []*Block, cfg Config) int {
	d := cfg.InitialDifficulty
	n := cfg.AdjustmentInterval
	if n == 0 {
		return d
	}

	expected := int64(n) * cfg.TargetBlockTime.Milliseconds()
	for k := n + 1; k < uint64(len(chain)); k += n {
		elapsed := chain[k].Timestamp - chain[k-n].Timestamp
		switch {
		case elapsed < expected/2:
			d++
		case elapsed > expected*2:
			d--
		}

		if d > cfg.MaxDifficulty {
			d = cfg.MaxDifficulty
		}
		if d < cfg.MinDifficulty {
			d = cfg.MinDifficulty
		}
	}
	return d
}
