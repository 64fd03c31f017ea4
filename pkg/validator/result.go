package validator

import (
	"errors"
	"fmt"
)

// ErrTooEarly is wrapped by Authorizer implementations rejecting a
// block produced ahead of its schedule.
var ErrTooEarly = errors.New("block produced ahead of schedule")

// IsTooEarly reports whether err wraps ErrTooEarly.
func IsTooEarly(err error) bool {
	return errors.Is(err, ErrTooEarly)
}

// Kind classifies a validation failure.
type Kind int

// failure kinds
const (
	// Structural failures are bad indices, links or hashes.
	Structural Kind = iota + 1
	// Authority failures are bad signatures, producers or timing.
	Authority
	// Economic failures are overspends and double spends.
	Economic
)

func (k Kind) String() string {
	switch k {
	case Structural:
		return "structural"
	case Authority:
		return "authority"
	case Economic:
		return "economic"
	default:
		return "none"
	}
}

// Code identifies the rule that failed.
type Code string

// failure codes
const (
	EmptyChain        Code = "empty_chain"
	BadGenesis        Code = "bad_genesis"
	BadIndex          Code = "bad_index"
	BadPreviousHash   Code = "bad_previous_hash"
	BadHash           Code = "bad_hash"
	BadMerkleRoot     Code = "bad_merkle_root"
	BadConsensusType  Code = "bad_consensus_type"
	InsufficientWork  Code = "insufficient_work"
	BadDifficulty     Code = "bad_difficulty"
	BadTimestamp      Code = "bad_timestamp"
	FutureTimestamp   Code = "future_timestamp"
	Checkpoint        Code = "checkpoint_mismatch"
	NotLonger         Code = "not_longer"
	MissingReward     Code = "missing_reward"
	BadReward         Code = "bad_reward"
	BadTxID           Code = "bad_tx_id"
	MissingAddress    Code = "missing_address"
	BadAmount         Code = "bad_amount"
	BadSignature      Code = "bad_signature"
	WrongProducer     Code = "wrong_producer"
	TooEarly          Code = "too_early"
	DoubleSpend       Code = "double_spend"
	InsufficientFunds Code = "insufficient_funds"
)

// Result is the outcome of a validation. A failed result names the
// offending block and, when the failure is about a transaction, its
// position in the block. TxIndex is -1 otherwise.
type Result struct {
	Valid      bool
	Kind       Kind
	Code       Code
	Message    string
	BlockIndex uint64
	TxIndex    int
}

var ok = Result{Valid: true, TxIndex: -1}

func fail(kind Kind, code Code, block uint64, txn int, format string, args ...interface{}) Result {
	return Result{
		Kind:       kind,
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		BlockIndex: block,
		TxIndex:    txn,
	}
}

func (r Result) String() string {
	if r.Valid {
		return "valid"
	}

	if r.TxIndex >= 0 {
		return fmt.Sprintf("%s error at block %d txn %d: %s", r.Kind, r.BlockIndex, r.TxIndex, r.Message)
	}
	return fmt.Sprintf("%s error at block %d: %s", r.Kind, r.BlockIndex, r.Message)
}

// Err returns nil for a valid result and an *Error otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Result: r}
}

// Error is a failed Result used as an error.
type Error struct {
	Result
}

func (e *Error) Error() string {
	return e.Result.String()
}
