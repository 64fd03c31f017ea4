package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	log "github.com/inconshreveable/log15"
)

// OpKind names a consensus operation.
type OpKind string

// consensus operations
const (
	OpStake        OpKind = "stake"
	OpUnstake      OpKind = "unstake"
	OpDelegate     OpKind = "delegate"
	OpVote         OpKind = "vote"
	OpUnvote       OpKind = "unvote"
	OpRegister     OpKind = "register"
	OpContribution OpKind = "contribution"
	OpEvidence     OpKind = "evidence"
)

// Op is a consensus operation. Ops travel in the Data of a
// transaction sent to ledger.ConsensusAddress by the address they
// act for, so that every node replays the same staking, voting and
// registry state from the chain.
type Op struct {
	Kind       OpKind   `json:"op"`
	Amount     uint64   `json:"amount,omitempty"`
	Validator  bool     `json:"validator,omitempty"`
	To         string   `json:"to,omitempty"`
	Power      uint64   `json:"power,omitempty"`
	Validators []string `json:"validators,omitempty"`
	Name       string   `json:"name,omitempty"`
	Points     float64  `json:"points,omitempty"`
	// Evidence holds two conflicting headers signed by the same
	// validator.
	Evidence []ledger.Header `json:"evidence,omitempty"`
}

// ErrNotOp is returned by ParseOp for transactions that are not
// consensus operations.
var ErrNotOp = errors.New("not a consensus operation")

// NewOpTransaction creates the transaction carrying op, signed by k.
func NewOpTransaction(k *ledger.Key, op Op, fee uint64, now time.Time) (*ledger.Transaction, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}

	t := ledger.NewTransaction(k.Address(), ledger.ConsensusAddress, 0, fee, now.UnixMilli(), string(data))
	if err := t.Sign(k); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseOp decodes the operation carried by t.
func ParseOp(t *ledger.Transaction) (Op, error) {
	if !t.IsConsensusOp() {
		return Op{}, ErrNotOp
	}

	var op Op
	if err := json.Unmarshal([]byte(t.Data), &op); err != nil {
		return Op{}, fmt.Errorf("decode consensus operation: %w", err)
	}
	return op, nil
}

// ApplyOp applies op on behalf of from at the given time.
func (e *Engine) ApplyOp(from string, op Op, at time.Time) error {
	var err error
	switch op.Kind {
	case OpStake:
		_, err = e.Stake(from, op.Amount, op.Validator, at)
	case OpUnstake:
		_, err = e.Unstake(from, op.Amount, at)
	case OpDelegate:
		_, err = e.Delegate(from, op.To, op.Amount, at)
	case OpVote:
		_, err = e.Vote(from, op.Power, op.Validators, at)
	case OpUnvote:
		err = e.Unvote(from)
	case OpRegister:
		_, err = e.RegisterValidator(from, op.Name, at)
	case OpContribution:
		if from != ledger.GenesisAddress() {
			return adminErr("add contribution", "only the genesis address awards contribution")
		}
		err = e.AddContributionScore(op.To, op.Points)
	case OpEvidence:
		err = e.applyEvidence(op.Evidence)
	default:
		err = adminErr(string(op.Kind), "unknown operation")
	}
	return err
}

// applyTransaction applies the op carried by a confirmed transaction.
// Invalid ops are confirmed like any transaction paying its fee, they
// only have no effect.
func (e *Engine) applyTransaction(t *ledger.Transaction, at time.Time) {
	op, err := ParseOp(t)
	if err == nil {
		err = e.ApplyOp(t.From, op, at)
	}

	if err != nil {
		log.Debug("consensus operation had no effect", "id", short(t.ID), "from", short(t.From), "err", err)
	}
}

// IsDoubleSign reports whether a and b are two different validly
// signed Proof of Vibe headers of the same validator at the same
// index.
func IsDoubleSign(a, b ledger.Header) bool {
	if a.ConsensusType != ledger.ProofOfVibe || b.ConsensusType != ledger.ProofOfVibe {
		return false
	}

	if a.Index != b.Index || a.Validator != b.Validator || a.Hash == b.Hash {
		return false
	}

	for _, h := range []ledger.Header{a, b} {
		if h.ComputeHash() != h.Hash || !ledger.VerifySignature(h.Validator, h.Hash, h.Signature) {
			return false
		}
	}
	return true
}

// applyEvidence slashes a validator proven to have signed two blocks
// at the same index. Each offense is slashed once.
func (e *Engine) applyEvidence(hs []ledger.Header) error {
	const op = "evidence"
	if len(hs) != 2 || !IsDoubleSign(hs[0], hs[1]) {
		return adminErr(op, "headers do not prove a double sign")
	}

	key := fmt.Sprintf("%s/%d", hs[0].Validator, hs[0].Index)
	if e.evidence[key] {
		return adminErr(op, "double sign of %s at %d already slashed", short(hs[0].Validator), hs[0].Index)
	}

	if _, err := e.Slash(hs[0].Validator, DoubleSign, 0); err != nil {
		return err
	}
	e.evidence[key] = true
	return nil
}
