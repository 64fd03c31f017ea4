// Package validator independently re-derives and checks blocks,
// transactions and whole chains. Every check is a pure function of
// its inputs; hashes found on the wire are never trusted.
package validator

import (
	"math/bits"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	log "github.com/inconshreveable/log15"
)

// Authorizer decides whether a block was produced by the party
// entitled to produce it.
type Authorizer interface {
	ValidateProducer(b, prev *ledger.Block) error
}

// Balances provides the balances a chain replay has reached.
type Balances interface {
	Balance(addr string) uint64
}

// Schedule is consensus state replayed along a chain. Advance is
// called with the timestamp of each block before ValidateProducer,
// ApplyBlock once the block is accepted. Reserved is the part of a
// balance the schedule locks.
type Schedule interface {
	Authorizer
	Advance(t time.Time) []string
	ApplyBlock(b *ledger.Block, reward uint64)
	Reserved(addr string) uint64
}

// State is the confirmed state a new tip block is checked against.
type State interface {
	TransactionBlock(id string) (uint64, bool)
	Balance(addr string) uint64
	Difficulty() int
}

// Rules are the parameters of validation.
type Rules struct {
	Ledger      ledger.Config
	Checkpoints *Checkpoints
	// NewSchedule creates the schedule at genesis, reading balances
	// from the replay. Producers are not checked when nil.
	NewSchedule func(balances Balances) Schedule
}

// ValidateGenesis checks the genesis block.
func ValidateGenesis(b *ledger.Block) Result {
	if b.Index != 0 {
		return fail(Structural, BadGenesis, b.Index, -1, "genesis index must be 0")
	}

	if b.PreviousHash != "0" {
		return fail(Structural, BadGenesis, 0, -1, "genesis previous hash must be \"0\"")
	}

	h := b.ComputeHash()
	if h != b.Hash {
		return fail(Structural, BadHash, 0, -1, "genesis hash %.16s does not match content %.16s", b.Hash, h)
	}

	if h != ledger.GenesisHash() {
		return fail(Structural, BadGenesis, 0, -1, "unknown genesis %.16s", h)
	}

	if ledger.MerkleRoot(b.Transactions) != b.MerkleRoot {
		return fail(Structural, BadMerkleRoot, 0, -1, "genesis merkle root mismatch")
	}
	return ok
}

// ValidateBlock checks the structure of b as the successor of prev:
// index, link, recomputed merkle root and hash, the seal and the
// timestamp.
func ValidateBlock(b, prev *ledger.Block, rules Rules, now time.Time) Result {
	if b.Index != prev.Index+1 {
		return fail(Structural, BadIndex, b.Index, -1, "expected index %d", prev.Index+1)
	}

	if b.PreviousHash != prev.Hash {
		return fail(Structural, BadPreviousHash, b.Index, -1, "previous hash %.16s does not match %.16s", b.PreviousHash, prev.Hash)
	}

	if ledger.MerkleRoot(b.Transactions) != b.MerkleRoot {
		return fail(Structural, BadMerkleRoot, b.Index, -1, "merkle root does not match transactions")
	}

	h := b.ComputeHash()
	if h != b.Hash {
		return fail(Structural, BadHash, b.Index, -1, "hash %.16s does not match content %.16s", b.Hash, h)
	}

	switch b.ConsensusType {
	case ledger.ProofOfWork:
		if !ledger.MeetsDifficulty(h, b.Difficulty) {
			return fail(Structural, InsufficientWork, b.Index, -1, "hash %.16s does not have %d leading zeros", h, b.Difficulty)
		}
	case ledger.ProofOfVibe:
		if b.Validator == "" || b.Signature == "" {
			return fail(Authority, BadSignature, b.Index, -1, "missing validator signature")
		}

		if !ledger.VerifySignature(b.Validator, h, b.Signature) {
			return fail(Authority, BadSignature, b.Index, -1, "invalid validator signature")
		}
	default:
		return fail(Structural, BadConsensusType, b.Index, -1, "unknown consensus type %q", b.ConsensusType)
	}

	if b.Timestamp <= prev.Timestamp {
		return fail(Structural, BadTimestamp, b.Index, -1, "timestamp %d not after previous %d", b.Timestamp, prev.Timestamp)
	}

	limit := now.Add(rules.Ledger.FutureWindow).UnixNano() / int64(time.Millisecond)
	if b.Timestamp > limit {
		return fail(Structural, FutureTimestamp, b.Index, -1, "timestamp %d too far in the future", b.Timestamp)
	}
	return ok
}

// ValidateTransactions checks the transactions of b in isolation.
// The first transaction must be the only reward transaction, paying
// at most twice the block reward of the era. Every other transaction
// must be signed by its sender and move a positive amount whose sum
// with the fee fits in a uint64. Consensus operations move nothing.
func ValidateTransactions(b *ledger.Block, rules Rules) Result {
	if len(b.Transactions) == 0 || b.Transactions[0].From != ledger.RewardSender {
		return fail(Authority, MissingReward, b.Index, 0, "first transaction must be the block reward")
	}

	for i := range b.Transactions {
		t := &b.Transactions[i]
		if t.ComputeID() != t.ID {
			return fail(Structural, BadTxID, b.Index, i, "transaction id %.16s does not match content", t.ID)
		}

		if t.To == "" || t.From == "" {
			return fail(Structural, MissingAddress, b.Index, i, "transaction address missing")
		}

		if i == 0 {
			limit := 2 * ledger.RewardAt(b.Index, rules.Ledger)
			if t.Amount > limit {
				return fail(Economic, BadReward, b.Index, 0, "reward %d exceeds %d", t.Amount, limit)
			}

			if t.To != b.Producer() {
				return fail(Authority, BadReward, b.Index, 0, "reward is not paid to the block producer")
			}
			continue
		}

		if t.IsSystem() {
			return fail(Authority, BadReward, b.Index, i, "unexpected system transaction from %s", t.From)
		}

		if t.IsConsensusOp() {
			if t.Amount != 0 {
				return fail(Economic, BadAmount, b.Index, i, "consensus operation moves %d", t.Amount)
			}
		} else if t.Amount == 0 {
			return fail(Economic, BadAmount, b.Index, i, "amount must be positive")
		}

		if t.CostOverflows() {
			return fail(Economic, BadAmount, b.Index, i, "amount %d plus fee %d overflows", t.Amount, t.Fee)
		}

		if !t.VerifySignature() {
			return fail(Authority, BadSignature, b.Index, i, "invalid signature")
		}
	}
	return ok
}

// spendTracker replays balance changes for double spend and
// overspend detection. Senders can only spend what is not reserved.
type spendTracker struct {
	base     func(addr string) uint64
	reserved func(addr string) uint64
	balances map[string]uint64
	seen     map[string]bool
}

func noReservations(string) uint64 { return 0 }

func newSpendTracker(base func(addr string) uint64) *spendTracker {
	return &spendTracker{
		base:     base,
		reserved: noReservations,
		balances: make(map[string]uint64),
		seen:     make(map[string]bool),
	}
}

// Balance returns the balance of addr reached by the replay.
func (s *spendTracker) Balance(addr string) uint64 {
	if b, ok := s.balances[addr]; ok {
		return b
	}
	return s.base(addr)
}

func (s *spendTracker) apply(b *ledger.Block) Result {
	for i := range b.Transactions {
		t := &b.Transactions[i]
		if !t.IsSystem() {
			if s.seen[t.ID] {
				return fail(Economic, DoubleSpend, b.Index, i, "transaction %.16s spent twice", t.ID)
			}
			s.seen[t.ID] = true

			if t.CostOverflows() {
				return fail(Economic, BadAmount, b.Index, i, "amount %d plus fee %d overflows", t.Amount, t.Fee)
			}

			avail, reserved := s.Balance(t.From), s.reserved(t.From)
			if reserved > avail || avail-reserved < t.Cost() {
				return fail(Economic, InsufficientFunds, b.Index, i, "sender balance %d with %d reserved below %d", avail, reserved, t.Cost())
			}
			s.balances[t.From] = avail - t.Cost()
		}

		sum, carry := bits.Add64(s.Balance(t.To), t.Amount, 0)
		if carry != 0 {
			return fail(Economic, BadAmount, b.Index, i, "recipient balance overflows")
		}
		s.balances[t.To] = sum
	}
	return ok
}

func checkProducer(sched Schedule, b, prev *ledger.Block) Result {
	sched.Advance(time.UnixMilli(b.Timestamp))
	if err := sched.ValidateProducer(b, prev); err != nil {
		code := WrongProducer
		if IsTooEarly(err) {
			code = TooEarly
		}
		return fail(Authority, code, b.Index, -1, "%v", err)
	}
	return ok
}

// ValidateNext fully checks b as the new tip on top of prev, with
// state being the confirmed state up to prev and sched the schedule
// replayed up to prev. sched is advanced to b, so callers pass a copy
// they can discard. Producers are not checked when sched is nil.
func ValidateNext(b, prev *ledger.Block, state State, sched Schedule, rules Rules, now time.Time) Result {
	if r := ValidateBlock(b, prev, rules, now); !r.Valid {
		return r
	}

	if b.ConsensusType == ledger.ProofOfWork && b.Difficulty != state.Difficulty() {
		return fail(Structural, BadDifficulty, b.Index, -1, "difficulty %d, expected %d", b.Difficulty, state.Difficulty())
	}

	if r := rules.Checkpoints.Check(b); !r.Valid {
		return r
	}

	if r := ValidateTransactions(b, rules); !r.Valid {
		return r
	}

	for i := range b.Transactions {
		t := &b.Transactions[i]
		if _, ok := state.TransactionBlock(t.ID); ok && !t.IsSystem() {
			return fail(Economic, DoubleSpend, b.Index, i, "transaction %.16s already confirmed", t.ID)
		}
	}

	spends := newSpendTracker(state.Balance)
	if sched != nil {
		if r := checkProducer(sched, b, prev); !r.Valid {
			return r
		}
		spends.reserved = sched.Reserved
	}
	return spends.apply(b)
}

// ValidateChain validates a whole chain from genesis, replaying
// balances so that no transaction spends value its sender does not
// have, and replaying the schedule of rules so that every block is
// checked against the producer entitled to it at its height.
func ValidateChain(blocks []*ledger.Block, rules Rules, now time.Time) Result {
	if len(blocks) == 0 {
		return fail(Structural, EmptyChain, 0, -1, "empty chain")
	}

	if r := ValidateGenesis(blocks[0]); !r.Valid {
		return r
	}

	if r := rules.Checkpoints.CheckChain(blocks); !r.Valid {
		return r
	}

	zero := func(string) uint64 { return 0 }
	spends := newSpendTracker(zero)
	var sched Schedule
	if rules.NewSchedule != nil {
		sched = rules.NewSchedule(spends)
		spends.reserved = sched.Reserved
	}

	spends.apply(blocks[0])
	for i := 1; i < len(blocks); i++ {
		b := blocks[i]
		if r := ValidateBlock(b, blocks[i-1], rules, now); !r.Valid {
			return r
		}

		if b.ConsensusType == ledger.ProofOfWork {
			d := ledger.ExpectedDifficulty(blocks[:i], rules.Ledger)
			if b.Difficulty != d {
				return fail(Structural, BadDifficulty, b.Index, -1, "difficulty %d, expected %d", b.Difficulty, d)
			}
		}

		if r := ValidateTransactions(b, rules); !r.Valid {
			return r
		}

		if sched != nil {
			if r := checkProducer(sched, b, blocks[i-1]); !r.Valid {
				return r
			}
		}

		if r := spends.apply(b); !r.Valid {
			return r
		}

		if sched != nil {
			sched.ApplyBlock(b, ledger.RewardAt(b.Index, rules.Ledger))
		}
	}
	return ok
}

// ChooseChain decides whether candidate replaces current. The
// candidate is adopted only when it honors every checkpoint, is
// strictly longer and is fully valid. The returned result is valid
// when the candidate should be adopted.
func ChooseChain(current, candidate []*ledger.Block, rules Rules, now time.Time) Result {
	if r := rules.Checkpoints.CheckChain(candidate); !r.Valid {
		log.Warn("rejected candidate chain", "reason", r)
		return r
	}

	if len(candidate) <= len(current) {
		r := fail(Structural, NotLonger, uint64(len(candidate)), -1, "candidate length %d not longer than %d", len(candidate), len(current))
		log.Debug("rejected candidate chain", "reason", r)
		return r
	}

	r := ValidateChain(candidate, rules, now)
	if !r.Valid {
		log.Warn("rejected candidate chain", "reason", r)
		return r
	}
	return ok
}
