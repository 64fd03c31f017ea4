package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/validator"
)

// chainBackend is a minimal full node over a ledger.
type chainBackend struct {
	mu    sync.Mutex
	l     *ledger.Ledger
	rules validator.Rules
	miner string
}

func testLedgerConfig() ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.InitialDifficulty = 1
	cfg.MinDifficulty = 1
	cfg.MaxDifficulty = 1
	return cfg
}

func newChainBackend(t *testing.T, blocks int) *chainBackend {
	k, err := ledger.GenerateKey()
	require.NoError(t, err)

	cfg := testLedgerConfig()
	b := &chainBackend{
		l:     ledger.New(cfg),
		rules: validator.Rules{Ledger: cfg, Checkpoints: validator.NewCheckpoints()},
		miner: k.Address(),
	}
	for i := 0; i < blocks; i++ {
		b.produce(t)
	}
	return b
}

func (b *chainBackend) produce(t *testing.T) *ledger.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, err := b.l.ProduceBlock(context.Background(), b.miner, ledger.ProofOfWorkSealer{}, time.Now())
	require.NoError(t, err)
	return blk
}

func (b *chainBackend) Height() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.l.Height()
}

func (b *chainBackend) TipHash() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.l.Tip().Hash
}

func (b *chainBackend) BlocksRange(from uint64, limit int) []*ledger.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.l.BlocksRange(from, limit)
}

func (b *chainBackend) Blocks() []*ledger.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.l.Blocks()
}

func (b *chainBackend) Headers(from uint64, limit int) []ledger.Header {
	var hs []ledger.Header
	for _, blk := range b.BlocksRange(from, limit) {
		hs = append(hs, blk.Header())
	}
	return hs
}

func (b *chainBackend) TxProof(id string) (*ledger.InclusionProof, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.l.TransactionBlock(id)
	if !ok {
		return nil, false
	}
	blk, _ := b.l.Block(i)
	return blk.Proof(id)
}

func (b *chainBackend) AcceptBlock(blk *ledger.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tip := b.l.Tip()
	switch {
	case blk.Index <= tip.Index:
		if have, _ := b.l.Block(blk.Index); have.Hash == blk.Hash {
			return ledger.ErrKnownBlock
		}
		return ledger.ErrStaleBlock
	case blk.Index > tip.Index+1:
		return ledger.ErrFutureBlock
	case blk.PreviousHash != tip.Hash:
		return ledger.ErrStaleBlock
	}

	if r := validator.ValidateNext(blk, tip, b.l, nil, b.rules, time.Now()); !r.Valid {
		return r.Err()
	}
	return b.l.CommitBlock(blk)
}

func (b *chainBackend) AcceptChain(blocks []*ledger.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r := validator.ChooseChain(b.l.Blocks(), blocks, b.rules, time.Now()); !r.Valid {
		return r.Err()
	}
	return b.l.ReplaceChain(blocks)
}

func (b *chainBackend) AcceptTransaction(t *ledger.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.l.AddTransaction(t)
}

func (b *chainBackend) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.l.PendingCount()
}

func testConfig(id string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SyncBatchSize = 10
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.SyncTimeout = 5 * time.Second
	cfg.MinPeers = 0
	return cfg
}

func startServer(t *testing.T, cfg Config, b Backend) *Server {
	s, err := NewServer(cfg, b, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func connect(t *testing.T, from, to *Server) *Peer {
	p, err := from.Connect(context.Background(), to.ListenAddr())
	require.NoError(t, err)
	return p
}

func eventually(t *testing.T, cond func() bool, msg string) {
	require.Eventually(t, cond, 5*time.Second, 20*time.Millisecond, msg)
}
