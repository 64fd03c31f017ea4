package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/inconshreveable/log15"
)

// transaction admission errors
var (
	ErrMissingAddress      = errors.New("transaction sender or recipient missing")
	ErrSystemTransaction   = errors.New("system transactions can not be submitted")
	ErrInvalidAmount       = errors.New("transaction amount must be positive")
	ErrAmountOverflow      = errors.New("transaction amount plus fee overflows")
	ErrInvalidOperation    = errors.New("consensus operations must not move value")
	ErrInvalidID           = errors.New("transaction id does not match its content")
	ErrInvalidSignature    = errors.New("invalid transaction signature")
	ErrKnownTransaction    = errors.New("transaction already known")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPoolFull            = errors.New("pending transaction pool is full")
)

// block append errors
var (
	ErrKnownBlock   = errors.New("block already in chain")
	ErrStaleBlock   = errors.New("block does not extend the current tip")
	ErrFutureBlock  = errors.New("block index is ahead of the chain")
	ErrBadBlockHash = errors.New("block hash does not match its content")
	ErrBadGenesis   = errors.New("chain does not start with the genesis block")
)

// Sealer seals a prepared block, setting its Hash (and its nonce or
// signature). Sealing may take long and must not be done while
// holding the lock protecting the ledger.
type Sealer interface {
	Seal(ctx context.Context, b *Block) error
}

// ProofOfWorkSealer searches for a nonce giving the block hash
// Difficulty leading zero nibbles.
type ProofOfWorkSealer struct{}

// Seal implements Sealer.
func (ProofOfWorkSealer) Seal(ctx context.Context, b *Block) error {
	h := b.Header()
	for nonce := uint64(0); ; nonce++ {
		if nonce%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		h.Nonce = nonce
		hash := h.ComputeHash()
		if MeetsDifficulty(hash, h.Difficulty) {
			b.Nonce = nonce
			b.Hash = hash
			return nil
		}
	}
}

// Reservations tells which part of a balance is locked and can not
// be spent, such as stakes.
type Reservations interface {
	Reserved(addr string) uint64
}

type noReservations struct{}

func (noReservations) Reserved(string) uint64 { return 0 }

// Ledger is the chain of blocks together with the pending
// transaction pool. Ledger is not safe for concurrent use, the owner
// serializes access.
type Ledger struct {
	cfg        Config
	chain      []*Block
	byHash     map[string]uint64
	confirmed  map[string]uint64
	balances   map[string]uint64
	pool       *txnPool
	reserved   Reservations
	difficulty int
	reward     uint64
}

// New creates a ledger holding only the genesis block.
func New(cfg Config) *Ledger {
	l := &Ledger{
		cfg:      cfg,
		pool:     newTxnPool(cfg.MaxPendingTransactions),
		reserved: noReservations{},
	}
	l.reset([]*Block{Genesis()})
	return l
}

func (l *Ledger) reset(blocks []*Block) {
	l.chain = nil
	l.byHash = make(map[string]uint64)
	l.confirmed = make(map[string]uint64)
	l.balances = make(map[string]uint64)
	for _, b := range blocks {
		l.append(b)
	}
	l.difficulty = ExpectedDifficulty(l.chain, l.cfg)
	l.reward = RewardAt(uint64(len(l.chain)), l.cfg)
}

func (l *Ledger) append(b *Block) {
	l.chain = append(l.chain, b)
	l.byHash[b.Hash] = b.Index
	for i := range b.Transactions {
		t := &b.Transactions[i]
		l.confirmed[t.ID] = b.Index
		applyTxn(l.balances, t)
	}
}

func applyTxn(balances map[string]uint64, t *Transaction) {
	if !t.IsSystem() {
		cost := t.Cost()
		if balances[t.From] < cost {
			balances[t.From] = 0
		} else {
			balances[t.From] -= cost
		}
	}
	balances[t.To] += t.Amount
}

// SetReservations sets what locks balances. Pending transactions
// are checked against the new reservations on the next PrunePending.
func (l *Ledger) SetReservations(r Reservations) {
	if r == nil {
		r = noReservations{}
	}
	l.reserved = r
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Height returns the index of the tip block.
func (l *Ledger) Height() uint64 {
	return uint64(len(l.chain) - 1)
}

// Tip returns the last block of the chain.
func (l *Ledger) Tip() *Block {
	return l.chain[len(l.chain)-1]
}

// Block returns the block at index i.
func (l *Ledger) Block(i uint64) (*Block, bool) {
	if i >= uint64(len(l.chain)) {
		return nil, false
	}
	return l.chain[i], true
}

// BlockByHash returns the block with the given hash.
func (l *Ledger) BlockByHash(hash string) (*Block, bool) {
	i, ok := l.byHash[hash]
	if !ok {
		return nil, false
	}
	return l.chain[i], true
}

// Blocks returns the chain. The returned blocks must not be
// modified.
func (l *Ledger) Blocks() []*Block {
	r := make([]*Block, len(l.chain))
	copy(r, l.chain)
	return r
}

// BlocksRange returns at most limit blocks starting at index from.
func (l *Ledger) BlocksRange(from uint64, limit int) []*Block {
	if from >= uint64(len(l.chain)) || limit <= 0 {
		return nil
	}

	end := from + uint64(limit)
	if end > uint64(len(l.chain)) {
		end = uint64(len(l.chain))
	}

	r := make([]*Block, end-from)
	copy(r, l.chain[from:end])
	return r
}

// Difficulty returns the proof of work difficulty of the next block.
func (l *Ledger) Difficulty() int {
	return l.difficulty
}

// Reward returns the block reward of the next block.
func (l *Ledger) Reward() uint64 {
	return l.reward
}

// Pending returns the pending transactions, oldest first.
func (l *Ledger) Pending() []Transaction {
	return l.pool.Head(l.pool.Len())
}

// PendingCount returns the size of the pending pool.
func (l *Ledger) PendingCount() int {
	return l.pool.Len()
}

// HasTransaction reports whether the transaction is pending or
// confirmed.
func (l *Ledger) HasTransaction(id string) bool {
	if l.pool.Has(id) {
		return true
	}
	_, ok := l.confirmed[id]
	return ok
}

// TransactionBlock returns the index of the block confirming the
// transaction.
func (l *Ledger) TransactionBlock(id string) (uint64, bool) {
	i, ok := l.confirmed[id]
	return i, ok
}

// Balance returns the confirmed balance of addr.
func (l *Ledger) Balance(addr string) uint64 {
	return l.balances[addr]
}

// Balances returns the confirmed balance of every address that ever
// received value.
func (l *Ledger) Balances() map[string]uint64 {
	r := make(map[string]uint64, len(l.balances))
	for k, v := range l.balances {
		r[k] = v
	}
	return r
}

// PendingSpend returns the sum of amount plus fee of the pending
// transactions sent by addr.
func (l *Ledger) PendingSpend(addr string) uint64 {
	return l.pool.Spend(addr)
}

// Spendable returns the confirmed balance of addr minus its reserved
// balance and its pending spends.
func (l *Ledger) Spendable(addr string) uint64 {
	b := l.Balance(addr)
	for _, sub := range []uint64{l.reserved.Reserved(addr), l.PendingSpend(addr)} {
		if sub >= b {
			return 0
		}
		b -= sub
	}
	return b
}

// AddTransaction validates t and adds it to the pending pool.
func (l *Ledger) AddTransaction(t *Transaction) error {
	if t.From == "" || t.To == "" {
		return ErrMissingAddress
	}

	if t.IsSystem() {
		return ErrSystemTransaction
	}

	if t.IsConsensusOp() {
		if t.Amount != 0 {
			return ErrInvalidOperation
		}
	} else if t.Amount == 0 {
		return ErrInvalidAmount
	}

	if t.CostOverflows() {
		return ErrAmountOverflow
	}

	if t.ComputeID() != t.ID {
		return ErrInvalidID
	}

	if l.HasTransaction(t.ID) {
		return ErrKnownTransaction
	}

	if !t.VerifySignature() {
		return ErrInvalidSignature
	}

	if l.Spendable(t.From) < t.Cost() {
		return ErrInsufficientBalance
	}

	if l.pool.Full() {
		return ErrPoolFull
	}

	c := *t
	l.pool.Add(&c)
	return nil
}

// PrepareBlock assembles the next block for producer: a reward
// transaction paying the block reward plus fees, followed by the
// oldest pending transactions. The block is not sealed.
func (l *Ledger) PrepareBlock(producer string, now time.Time) *Block {
	tip := l.Tip()
	ts := now.UnixNano() / int64(time.Millisecond)
	if ts <= tip.Timestamp {
		ts = tip.Timestamp + 1
	}

	index := tip.Index + 1
	txns := l.pool.Head(l.cfg.MaxBlockTransactions)
	var fees uint64
	for _, t := range txns {
		fees += t.Fee
	}

	reward := NewTransaction(RewardSender, producer, l.reward+fees, 0, ts, fmt.Sprintf("block %d reward", index))
	b := &Block{
		Index:         index,
		Timestamp:     ts,
		Transactions:  append([]Transaction{*reward}, txns...),
		PreviousHash:  tip.Hash,
		Difficulty:    l.difficulty,
		ConsensusType: ProofOfWork,
		Miner:         producer,
	}
	b.MerkleRoot = MerkleRoot(b.Transactions)
	return b
}

// CommitBlock appends a sealed block that extends the current tip,
// removes its transactions from the pending pool and updates the
// difficulty and reward. The caller is responsible for validating
// the block.
func (l *Ledger) CommitBlock(b *Block) error {
	tip := l.Tip()
	switch {
	case b.Index <= tip.Index:
		if l.chain[b.Index].Hash == b.Hash {
			return ErrKnownBlock
		}
		return ErrStaleBlock
	case b.Index > tip.Index+1:
		return ErrFutureBlock
	case b.PreviousHash != tip.Hash:
		return ErrStaleBlock
	case b.ComputeHash() != b.Hash:
		return ErrBadBlockHash
	}

	c := b.Clone()
	l.append(c)
	for i := range c.Transactions {
		l.pool.Remove(c.Transactions[i].ID)
	}
	l.PrunePending()

	d := ExpectedDifficulty(l.chain, l.cfg)
	if d != l.difficulty {
		log.Info("difficulty adjusted", "height", c.Index, "from", l.difficulty, "to", d)
		l.difficulty = d
	}

	r := RewardAt(c.Index+1, l.cfg)
	if r != l.reward {
		log.Info("block reward halved", "height", c.Index, "reward", r)
		l.reward = r
	}
	return nil
}

// ProduceBlock prepares, seals and commits the next block.
func (l *Ledger) ProduceBlock(ctx context.Context, producer string, s Sealer, now time.Time) (*Block, error) {
	b := l.PrepareBlock(producer, now)
	if err := s.Seal(ctx, b); err != nil {
		return nil, err
	}

	if err := l.CommitBlock(b); err != nil {
		return nil, err
	}
	return b, nil
}

// PrunePending drops pending transactions that got confirmed or that
// the sender can no longer afford.
func (l *Ledger) PrunePending() {
	for _, t := range l.pool.Clear() {
		if _, ok := l.confirmed[t.ID]; ok {
			continue
		}

		if l.Spendable(t.From) < t.Cost() {
			log.Debug("dropping unaffordable pending transaction", "id", t.ID)
			continue
		}
		l.pool.Add(&t)
	}
}

// ReplaceChain replaces the chain with blocks, which must already be
// validated. Transactions of the discarded blocks that are still
// valid go back to the pending pool.
func (l *Ledger) ReplaceChain(blocks []*Block) error {
	if len(blocks) == 0 || blocks[0].Hash != GenesisHash() {
		return ErrBadGenesis
	}

	old := l.chain
	pending := l.pool.Clear()
	cloned := make([]*Block, len(blocks))
	for i, b := range blocks {
		cloned[i] = b.Clone()
	}
	l.reset(cloned)

	for _, b := range old[1:] {
		pending = append(pending, b.Transactions...)
	}

	for _, t := range pending {
		if t.IsSystem() {
			continue
		}
		// errors only mean the transaction is no longer valid
		_ = l.AddTransaction(&t)
	}
	return nil
}

// Restore replaces the chain and the pending pool with persisted
// state. Pending transactions that are no longer valid are dropped.
func (l *Ledger) Restore(blocks []*Block, pending []Transaction) error {
	if len(blocks) == 0 || blocks[0].Hash != GenesisHash() {
		return ErrBadGenesis
	}

	l.pool.Clear()
	l.reset(blocks)
	for _, t := range pending {
		if err := l.AddTransaction(&t); err != nil {
			log.Debug("dropping restored pending transaction", "id", t.ID, "err", err)
		}
	}
	return nil
}

// IsValid recomputes every block hash and link of the chain.
func (l *Ledger) IsValid() bool {
	if l.chain[0].Hash != GenesisHash() || l.chain[0].ComputeHash() != GenesisHash() {
		return false
	}

	for i := 1; i < len(l.chain); i++ {
		b, prev := l.chain[i], l.chain[i-1]
		if b.Index != prev.Index+1 || b.PreviousHash != prev.Hash || b.ComputeHash() != b.Hash {
			return false
		}
	}
	return true
}

// CirculatingSupply returns the value issued by system transactions.
// Fees are paid back to producers through the reward transaction,
// so they are subtracted to count every base unit once.
func (l *Ledger) CirculatingSupply() uint64 {
	var issued, fees uint64
	for _, b := range l.chain {
		for i := range b.Transactions {
			t := &b.Transactions[i]
			if t.IsSystem() {
				issued += t.Amount
			} else {
				fees += t.Fee
			}
		}
	}
	return issued - fees
}
