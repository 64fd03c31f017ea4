// Package node wires the ledger, the consensus engine, storage and
// the p2p server into a running node. The ledger and the engine are
// only touched while holding the node mutex. The engine is always
// the replay of the local chain: every appended block is applied to
// a copy which then replaces it.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/consensus"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/metrics"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/p2p"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/storage"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/validator"
)

// production errors
var (
	ErrNoKey        = errors.New("node has no producer key")
	ErrNotScheduled = errors.New("not scheduled to produce now")
)

// Status is a summary of the node state.
type Status struct {
	NodeID            string
	Mode              Mode
	Height            uint64
	TipHash           string
	Difficulty        int
	Reward            uint64
	Pending           int
	Peers             int
	CirculatingSupply uint64
	Epoch             uint64
	ActiveValidators  []string
}

// Node is a full node.
type Node struct {
	cfg     Config
	store   *storage.Store
	srv     *p2p.Server
	metrics *metrics.Metrics
	sealer  ledger.Sealer
	log     log.Logger

	mu          sync.Mutex
	ledger      *ledger.Ledger
	engine      *consensus.Engine
	checkpoints *validator.Checkpoints
}

// stakes reserves the staked balances of the current engine in the
// ledger.
type stakes struct {
	n *Node
}

func (s stakes) Reserved(addr string) uint64 {
	return s.n.engine.Reserved(addr)
}

// New creates a node, restoring the chain saved in cfg.DataDir. m
// may be nil.
func New(cfg Config, m *metrics.Metrics) (*Node, error) {
	if m == nil {
		m = metrics.New(nil)
	}

	var db storage.Backend
	if cfg.DataDir == "" {
		db = storage.NewMemoryBackend()
	} else {
		var err error
		db, err = storage.NewBadgerBackend(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	checkpoints := validator.NewCheckpoints()
	for i, h := range cfg.Checkpoints {
		if err := checkpoints.Add(i, h); err != nil {
			db.Close()
			return nil, err
		}
	}

	l := ledger.New(cfg.Ledger)
	n := &Node{
		cfg:         cfg,
		store:       storage.New(db),
		metrics:     m,
		log:         log.New("module", "node"),
		ledger:      l,
		engine:      consensus.NewEngine(cfg.Consensus, l),
		checkpoints: checkpoints,
	}

	l.SetReservations(stakes{n})
	if cfg.Key != nil && cfg.Mode == ProofOfVibe {
		n.sealer = consensus.Sealer{Key: cfg.Key}
	}

	if err := n.restore(); err != nil {
		n.store.Close()
		return nil, err
	}

	srv, err := p2p.NewServer(cfg.P2P, n, n.store, m)
	if err != nil {
		n.store.Close()
		return nil, err
	}
	n.srv = srv
	return n, nil
}

func (n *Node) restore() error {
	chain, err := n.store.LoadBlockchain()
	if errors.Is(err, storage.ErrNotFound) {
		n.log.Info("starting from genesis", "hash", ledger.GenesisHash())
		return nil
	}

	if err != nil {
		return fmt.Errorf("load chain: %w", err)
	}

	rules, replayed := n.replayRules()
	if r := validator.ValidateChain(chain.Blocks, rules, time.Now()); !r.Valid {
		n.log.Error("saved chain is invalid, starting from genesis", "reason", r)
		return nil
	}

	e := replayed()
	e.SetBalances(n.ledger)
	n.engine = e
	if err := n.ledger.Restore(chain.Blocks, chain.Pending); err != nil {
		return err
	}
	n.log.Info("restored chain", "height", n.ledger.Height(), "pending", n.ledger.PendingCount())
	n.updateGauges()
	return nil
}

// Server returns the p2p server of the node.
func (n *Node) Server() *p2p.Server {
	return n.srv
}

// Address returns the producer address, empty when the node has no
// key.
func (n *Node) Address() string {
	if n.cfg.Key == nil {
		return ""
	}
	return n.cfg.Key.Address()
}

// powSchedule replays consensus operations like the engine but only
// accepts proof of work blocks.
type powSchedule struct {
	*consensus.Engine
}

func (powSchedule) ValidateProducer(b, prev *ledger.Block) error {
	if b.ConsensusType != ledger.ProofOfWork {
		return fmt.Errorf("expected a %s block, got %s", ledger.ProofOfWork, b.ConsensusType)
	}
	return nil
}

func (n *Node) schedule(e *consensus.Engine) validator.Schedule {
	if n.cfg.Mode == ProofOfVibe {
		return e
	}
	return powSchedule{e}
}

func (n *Node) rules() validator.Rules {
	return validator.Rules{Ledger: n.cfg.Ledger, Checkpoints: n.checkpoints}
}

// replayRules returns rules replaying the schedule of a chain from
// genesis, and a function returning the engine of the last replay.
func (n *Node) replayRules() (validator.Rules, func() *consensus.Engine) {
	var replayed *consensus.Engine
	r := n.rules()
	r.NewSchedule = func(b validator.Balances) validator.Schedule {
		replayed = consensus.NewEngine(n.cfg.Consensus, b)
		return n.schedule(replayed)
	}
	return r, func() *consensus.Engine { return replayed }
}

// Run starts the p2p server and the production loops. It returns
// when ctx is done or a component fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.srv.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.srv.Run(ctx) })

	if n.cfg.Key != nil {
		g.Go(func() error {
			n.produceLoop(ctx)
			return nil
		})
	}

	err := g.Wait()
	if cerr := n.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close stops the server and closes the storage.
func (n *Node) Close() error {
	n.srv.Stop()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.persist()
	return n.store.Close()
}

func (n *Node) produceLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.ProduceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := n.Produce(ctx)
		switch {
		case err == nil, errors.Is(err, ErrNotScheduled), errors.Is(err, context.Canceled):
		case errors.Is(err, ledger.ErrStaleBlock):
			n.log.Info("discarded stale block, the tip moved while sealing")
		default:
			n.log.Error("block production failed", "err", err)
		}
	}
}

// Produce produces, seals, appends and broadcasts a block. In proof
// of vibe mode it fails with ErrNotScheduled unless the node's key
// holds the current slot, or there is no active validator yet and
// the key is the bootstrap miner. Sealing happens without holding
// the mutex, a block that went stale meanwhile is discarded.
func (n *Node) Produce(ctx context.Context) (*ledger.Block, error) {
	if n.cfg.Key == nil {
		return nil, ErrNoKey
	}
	addr := n.cfg.Key.Address()

	n.mu.Lock()
	b := n.ledger.PrepareBlock(addr, time.Now())
	at := time.UnixMilli(b.Timestamp)
	next := n.engine.Clone(n.ledger)
	next.Advance(at)
	if n.cfg.Mode == ProofOfVibe {
		if err := n.stamp(b, next, at); err != nil {
			n.mu.Unlock()
			return nil, err
		}
	}
	n.mu.Unlock()

	var sealer ledger.Sealer = ledger.ProofOfWorkSealer{}
	if b.ConsensusType == ledger.ProofOfVibe {
		sealer = n.sealer
	}
	if err := sealer.Seal(ctx, b); err != nil {
		return nil, err
	}

	n.mu.Lock()
	err := n.ledger.CommitBlock(b)
	if err == nil {
		n.appended(b, next)
	}
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}

	n.log.Info("produced block", "index", b.Index, "hash", b.Hash, "consensus", b.ConsensusType, "txns", len(b.Transactions))
	n.srv.BroadcastBlock(b, nil)
	return b, nil
}

// stamp turns b into the Proof of Vibe block of the slot at at, or
// leaves it a proof of work block while bootstrapping.
// must be called with mutex held
func (n *Node) stamp(b *ledger.Block, e *consensus.Engine, at time.Time) error {
	addr := n.cfg.Key.Address()
	if e.Bootstrapping() {
		if miner := n.cfg.Consensus.BootstrapMiner; miner != "" && miner != addr {
			return ErrNotScheduled
		}
		return nil
	}

	if !e.CanProduce(addr, n.ledger.Tip(), at) {
		return ErrNotScheduled
	}
	return e.StampBlock(b, n.ledger.Reward())
}

// appended does the bookkeeping of a block appended to the ledger.
// next is the engine replayed up to the previous block and advanced
// to b, it becomes the engine of the node.
// must be called with mutex held
func (n *Node) appended(b *ledger.Block, next *consensus.Engine) {
	next.ApplyBlock(b, ledger.RewardAt(b.Index, n.cfg.Ledger))
	n.engine = next
	n.ledger.PrunePending()

	n.persist()
	if err := n.store.IndexBlock(b); err != nil {
		n.log.Warn("could not index block", "index", b.Index, "err", err)
	}
	n.metrics.BlocksAppended.Inc()
	n.updateGauges()
}

// must be called with mutex held
func (n *Node) persist() {
	err := n.store.SaveBlockchain(n.ledger.Blocks(), n.ledger.Difficulty(), n.ledger.Reward(), n.ledger.Pending())
	if err != nil {
		n.log.Error("could not save chain", "err", err)
	}
}

// must be called with mutex held
func (n *Node) updateGauges() {
	n.metrics.ChainHeight.Set(float64(n.ledger.Height()))
	n.metrics.PendingTxns.Set(float64(n.ledger.PendingCount()))
}

// Height implements p2p.Backend.
func (n *Node) Height() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Height()
}

// TipHash implements p2p.Backend.
func (n *Node) TipHash() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Tip().Hash
}

// Block returns the block at index i.
func (n *Node) Block(i uint64) (*ledger.Block, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Block(i)
}

// BlocksRange implements p2p.Backend.
func (n *Node) BlocksRange(from uint64, limit int) []*ledger.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.BlocksRange(from, limit)
}

// Blocks implements p2p.Backend.
func (n *Node) Blocks() []*ledger.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Blocks()
}

// Headers implements p2p.Backend.
func (n *Node) Headers(from uint64, limit int) []ledger.Header {
	blocks := n.BlocksRange(from, limit)
	hs := make([]ledger.Header, len(blocks))
	for i, b := range blocks {
		hs[i] = b.Header()
	}
	return hs
}

// TxProof implements p2p.Backend.
func (n *Node) TxProof(id string) (*ledger.InclusionProof, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i, ok := n.ledger.TransactionBlock(id)
	if !ok {
		return nil, false
	}

	b, ok := n.ledger.Block(i)
	if !ok {
		return nil, false
	}
	return b.Proof(id)
}

// AcceptBlock implements p2p.Backend.
func (n *Node) AcceptBlock(b *ledger.Block) error {
	evidence, err := n.acceptBlock(b)
	if evidence != nil {
		n.srv.BroadcastTransaction(evidence, nil)
	}
	return err
}

func (n *Node) acceptBlock(b *ledger.Block) (*ledger.Transaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tip := n.ledger.Tip()
	switch {
	case b.Index <= tip.Index:
		existing, _ := n.ledger.Block(b.Index)
		if existing.Hash == b.Hash {
			return nil, ledger.ErrKnownBlock
		}
		if consensus.IsDoubleSign(b.Header(), existing.Header()) {
			return n.reportDoubleSign(b.Header(), existing.Header()), ledger.ErrStaleBlock
		}
		return nil, ledger.ErrStaleBlock
	case b.Index > tip.Index+1:
		return nil, ledger.ErrFutureBlock
	case b.PreviousHash != tip.Hash:
		return nil, ledger.ErrStaleBlock
	}

	next := n.engine.Clone(n.ledger)
	if r := validator.ValidateNext(b, tip, n.ledger, n.schedule(next), n.rules(), time.Now()); !r.Valid {
		n.metrics.BlocksRejected.WithLabelValues(string(r.Code)).Inc()
		return nil, r.Err()
	}

	if err := n.ledger.CommitBlock(b); err != nil {
		return nil, err
	}
	n.appended(b, next)
	n.log.Info("appended peer block", "index", b.Index, "hash", b.Hash)
	return nil, nil
}

// reportDoubleSign submits the evidence of a double sign to the
// pending pool when the node has a key to pay for it, and returns
// the transaction to broadcast.
// must be called with mutex held
func (n *Node) reportDoubleSign(a, b ledger.Header) *ledger.Transaction {
	n.log.Warn("double sign detected", "validator", a.Validator, "index", a.Index)
	if n.cfg.Key == nil {
		return nil
	}

	op := consensus.Op{Kind: consensus.OpEvidence, Evidence: []ledger.Header{a, b}}
	t, err := consensus.NewOpTransaction(n.cfg.Key, op, n.cfg.OpFee, time.Now())
	if err == nil {
		err = n.ledger.AddTransaction(t)
	}

	if err != nil {
		n.log.Warn("could not submit double sign evidence", "err", err)
		return nil
	}
	n.persist()
	return t
}

// AcceptChain implements p2p.Backend: the candidate replaces the
// local chain when fork choice prefers it. The engine is replaced by
// the replay of the candidate.
func (n *Node) AcceptChain(blocks []*ledger.Block) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	current := n.ledger.Blocks()
	rules, replayed := n.replayRules()
	if r := validator.ChooseChain(current, blocks, rules, time.Now()); !r.Valid {
		if r.Code != validator.NotLonger {
			n.metrics.BlocksRejected.WithLabelValues(string(r.Code)).Inc()
		}
		return r.Err()
	}

	fork := 0
	for fork < len(current) && fork < len(blocks) && current[fork].Hash == blocks[fork].Hash {
		fork++
	}

	e := replayed()
	e.SetBalances(n.ledger)
	n.engine = e
	if err := n.ledger.ReplaceChain(blocks); err != nil {
		return err
	}

	for _, b := range blocks[fork:] {
		if err := n.store.IndexBlock(b); err != nil {
			n.log.Warn("could not index block", "index", b.Index, "err", err)
		}
	}
	n.persist()
	n.metrics.BlocksAppended.Add(float64(len(blocks) - fork))
	n.updateGauges()
	n.log.Info("replaced chain", "fork", fork, "height", n.ledger.Height())
	return nil
}

// AcceptTransaction implements p2p.Backend. Consensus operations are
// tried on a copy of the engine first, so that operations without
// effect are not relayed.
func (n *Node) AcceptTransaction(t *ledger.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.checkOp(t)
	if err == nil {
		err = n.ledger.AddTransaction(t)
	}

	if err != nil {
		n.metrics.TxnsRejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}

	n.metrics.TxnsAccepted.Inc()
	n.persist()
	n.updateGauges()
	return nil
}

// checkOp applies the operation carried by t to a copy of the engine
// on which the pending operations were applied.
// must be called with mutex held
func (n *Node) checkOp(t *ledger.Transaction) error {
	if !t.IsConsensusOp() {
		return nil
	}

	op, err := consensus.ParseOp(t)
	if err != nil {
		return err
	}

	now := time.Now()
	e := n.engine.Clone(n.ledger)
	for _, p := range n.ledger.Pending() {
		if pop, err := consensus.ParseOp(&p); err == nil {
			// failing pending operations have no effect either
			_ = e.ApplyOp(p.From, pop, now)
		}
	}
	return e.ApplyOp(t.From, op, now)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrMissingAddress):
		return "missing_address"
	case errors.Is(err, ledger.ErrSystemTransaction):
		return "system"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrAmountOverflow):
		return "amount"
	case errors.Is(err, ledger.ErrInvalidOperation), errors.As(err, new(*consensus.AdminError)):
		return "operation"
	case errors.Is(err, ledger.ErrInvalidID):
		return "id"
	case errors.Is(err, ledger.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ledger.ErrKnownTransaction):
		return "known"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "balance"
	case errors.Is(err, ledger.ErrPoolFull):
		return "pool_full"
	default:
		return "other"
	}
}

// SubmitTransaction adds a transaction to the pending pool and
// broadcasts it.
func (n *Node) SubmitTransaction(t *ledger.Transaction) error {
	if err := n.AcceptTransaction(t); err != nil {
		return err
	}
	n.srv.BroadcastTransaction(t, nil)
	return nil
}

// Balance returns the confirmed balance of addr.
func (n *Node) Balance(addr string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Balance(addr)
}

// PendingSpend returns what addr spends in pending transactions.
func (n *Node) PendingSpend(addr string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.PendingSpend(addr)
}

// Pending returns the pending transactions.
func (n *Node) Pending() []ledger.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Pending()
}

// Transaction returns an indexed confirmed transaction.
func (n *Node) Transaction(id string) (storage.TxRecord, error) {
	return n.store.GetTransaction(id)
}

// History returns the ids of the confirmed transactions touching
// addr.
func (n *Node) History(addr string) ([]string, error) {
	return n.store.AddressHistory(addr)
}

// Status returns a summary of the node state.
func (n *Node) Status() Status {
	peers := n.srv.PeerCount()

	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		NodeID:            n.cfg.P2P.NodeID,
		Mode:              n.cfg.Mode,
		Height:            n.ledger.Height(),
		TipHash:           n.ledger.Tip().Hash,
		Difficulty:        n.ledger.Difficulty(),
		Reward:            n.ledger.Reward(),
		Pending:           n.ledger.PendingCount(),
		Peers:             peers,
		CirculatingSupply: n.ledger.CirculatingSupply(),
		Epoch:             n.engine.Epoch(),
		ActiveValidators:  n.engine.ActiveSet(),
	}
}
