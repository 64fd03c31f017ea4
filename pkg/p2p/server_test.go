package p2p

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/storage"
)

func TestHandshakeAndSync(t *testing.T) {
	ab := newChainBackend(t, 25)
	bb := newChainBackend(t, 0)
	a := startServer(t, testConfig("node-a"), ab)
	b := startServer(t, testConfig("node-b"), bb)

	p := connect(t, b, a)
	assert.Equal(t, "node-a", p.ID())
	assert.Equal(t, uint64(25), p.Info().Height)

	eventually(t, func() bool { return bb.Height() == 25 }, "node b did not sync")
	assert.Equal(t, ab.TipHash(), bb.TipHash())
	eventually(t, func() bool { return a.PeerCount() == 1 }, "node a did not register node b")
}

func TestBlockGossip(t *testing.T) {
	ab, bb, cb := newChainBackend(t, 0), newChainBackend(t, 0), newChainBackend(t, 0)
	a := startServer(t, testConfig("node-a"), ab)
	b := startServer(t, testConfig("node-b"), bb)
	c := startServer(t, testConfig("node-c"), cb)
	connect(t, b, a)
	connect(t, c, b)

	blk := ab.produce(t)
	a.BroadcastBlock(blk, nil)

	eventually(t, func() bool { return cb.Height() == 1 }, "block did not reach node c")
	assert.Equal(t, blk.Hash, bb.TipHash())
	assert.Equal(t, blk.Hash, cb.TipHash())
	assert.Equal(t, uint64(1), ab.Height())
}

func TestTransactionGossip(t *testing.T) {
	ab, bb := newChainBackend(t, 0), newChainBackend(t, 0)
	a := startServer(t, testConfig("node-a"), ab)
	b := startServer(t, testConfig("node-b"), bb)
	connect(t, b, a)

	k := ledger.DevGenesisKey()
	txn := ledger.NewTransaction(k.Address(), "recipient", 5*ledger.Coin, ledger.Coin/100, time.Now().UnixNano()/1e6, "")
	require.NoError(t, txn.Sign(k))
	require.NoError(t, ab.AcceptTransaction(txn))
	a.BroadcastTransaction(txn, nil)

	eventually(t, func() bool { return bb.pending() == 1 }, "transaction did not reach node b")
	assert.Equal(t, 1, ab.pending())
}

func TestForkFallsBackToFullChain(t *testing.T) {
	ab := newChainBackend(t, 5)
	bb := newChainBackend(t, 3)
	a := startServer(t, testConfig("node-a"), ab)
	b := startServer(t, testConfig("node-b"), bb)
	require.NotEqual(t, ab.Blocks()[1].Hash, bb.Blocks()[1].Hash)

	connect(t, b, a)
	eventually(t, func() bool { return bb.TipHash() == ab.TipHash() }, "node b did not switch to the longer chain")
	assert.Equal(t, uint64(5), bb.Height())
}

func TestHandshakeRejections(t *testing.T) {
	a := startServer(t, testConfig("node-a"), newChainBackend(t, 0))

	other := testConfig("node-b")
	other.Network = "vibecoin-testnet"
	b := startServer(t, other, newChainBackend(t, 0))
	_, err := b.Connect(context.Background(), a.ListenAddr())
	assert.Equal(t, ErrHandshake, err)

	old := testConfig("node-c")
	old.ProtocolVersion = "2.0.0"
	c := startServer(t, old, newChainBackend(t, 0))
	_, err = c.Connect(context.Background(), a.ListenAddr())
	assert.Equal(t, ErrHandshake, err)

	_, err = a.Connect(context.Background(), a.ListenAddr())
	assert.Equal(t, errSelfConnection, err)

	same := startServer(t, testConfig("node-a"), newChainBackend(t, 0))
	_, err = same.Connect(context.Background(), a.ListenAddr())
	assert.Equal(t, ErrHandshake, err)

	assert.Equal(t, 0, a.PeerCount())
}

func TestAlreadyConnected(t *testing.T) {
	a := startServer(t, testConfig("node-a"), newChainBackend(t, 0))
	b := startServer(t, testConfig("node-b"), newChainBackend(t, 0))
	connect(t, b, a)

	_, err := b.Connect(context.Background(), a.ListenAddr())
	assert.Equal(t, ErrAlreadyConnected, err)
	assert.Equal(t, 1, b.PeerCount())
}

func TestMalformedMessagesBan(t *testing.T) {
	a := startServer(t, testConfig("node-a"), newChainBackend(t, 0))
	url := "ws://" + a.ListenAddr() + "/"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 7 violations of -15 cross the -100 threshold
	for i := 0; i < 7; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	eventually(t, func() bool { return a.Security().IsBanned("127.0.0.1") }, "address was not banned")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 429, resp.StatusCode)

	a.Unban("127.0.0.1")
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn2.Close()
}

func TestMessageBeforeHandshakeCloses(t *testing.T) {
	a := startServer(t, testConfig("node-a"), newChainBackend(t, 0))
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.ListenAddr()+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{Type: Ping, Data: []byte(`{"sentAt":1}`), NodeID: "x"}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	eventually(t, func() bool { return a.Security().Reputation("127.0.0.1") == -15 }, "violation not penalized")
}

func TestOversizeMessageCloses(t *testing.T) {
	cfg := testConfig("node-a")
	cfg.Security.MaxMessageSize = 1024
	a := startServer(t, cfg, newChainBackend(t, 0))
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.ListenAddr()+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 4096))))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	eventually(t, func() bool { return a.Security().Reputation("127.0.0.1") == -15 }, "oversize message not penalized")
}

func TestDiscovery(t *testing.T) {
	a := startServer(t, testConfig("node-a"), newChainBackend(t, 0))
	c := startServer(t, testConfig("node-c"), newChainBackend(t, 0))
	bcfg := testConfig("node-b")
	bcfg.MinPeers = 3
	b := startServer(t, bcfg, newChainBackend(t, 0))

	connect(t, c, a)
	connect(t, b, a)

	b.discover(context.Background())
	eventually(t, func() bool { return b.book.Has(c.ListenAddr()) }, "node b did not learn node c")

	b.discover(context.Background())
	eventually(t, func() bool {
		_, ok := b.Peer("node-c")
		return ok
	}, "node b did not dial node c")
}

func TestHeartbeatPersistsPeers(t *testing.T) {
	store := storage.New(storage.NewMemoryBackend())
	acfg := testConfig("node-a")
	a, err := NewServer(acfg, newChainBackend(t, 0), store, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()
	b := startServer(t, testConfig("node-b"), newChainBackend(t, 0))

	connect(t, a, b)
	p, ok := a.Peer("node-b")
	require.True(t, ok)

	a.heartbeat()
	eventually(t, func() bool { return p.Snapshot().Score.Latency > 0 || !p.Snapshot().Score.LastSeen.IsZero() }, "no pong")

	records, err := store.LoadPeers()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, b.ListenAddr(), records[0].Address)
}

func TestInvalidBlocksAreNotCached(t *testing.T) {
	ab, bb := newChainBackend(t, 0), newChainBackend(t, 0)
	a := startServer(t, testConfig("node-a"), ab)
	b := startServer(t, testConfig("node-b"), bb)
	p := connect(t, a, b)

	var fromA *Peer
	eventually(t, func() bool {
		var ok bool
		fromA, ok = b.Peer("node-a")
		return ok && fromA.isReady()
	}, "node b did not register node a")

	blk := ab.produce(t)

	overpaid := blk.Clone()
	overpaid.Transactions[0].Amount += ledger.Coin
	overpaid.Transactions[0].ID = overpaid.Transactions[0].ComputeID()
	overpaid.MerkleRoot = ledger.MerkleRoot(overpaid.Transactions)
	require.NoError(t, ledger.ProofOfWorkSealer{}.Seal(context.Background(), overpaid))

	// same header hash as blk with another body
	swapped := blk.Clone()
	swapped.Transactions[0].Amount += ledger.Coin

	require.NoError(t, p.Send(NewBlock, NewBlockData{Block: overpaid, Height: 1}))
	require.NoError(t, p.Send(NewBlock, NewBlockData{Block: swapped, Height: 1}))
	eventually(t, func() bool { return fromA.Snapshot().Score.InvalidBlocks == 2 }, "invalid blocks were not penalized")
	assert.Equal(t, uint64(0), bb.Height())
	assert.False(t, b.seenBlocks.Contains(overpaid.Hash))
	assert.False(t, b.seenBlocks.Contains(blk.Hash))

	require.NoError(t, p.Send(NewBlock, NewBlockData{Block: blk, Height: 1}))
	eventually(t, func() bool { return bb.Height() == 1 }, "genuine block was not accepted")
	assert.Equal(t, blk.Hash, bb.TipHash())
}
