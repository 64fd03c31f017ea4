package validator_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testConfig() ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.InitialDifficulty = 1
	cfg.MinDifficulty = 1
	cfg.MaxDifficulty = 1
	return cfg
}

func testRules() validator.Rules {
	return validator.Rules{Ledger: testConfig(), Checkpoints: validator.NewCheckpoints()}
}

func newKey(t *testing.T) *ledger.Key {
	k, err := ledger.GenerateKey()
	require.NoError(t, err)
	return k
}

func transfer(t *testing.T, k *ledger.Key, to string, amount uint64) ledger.Transaction {
	txn := ledger.NewTransaction(k.Address(), to, amount, 0, time.Now().UnixNano(), "")
	require.NoError(t, txn.Sign(k))
	return *txn
}

// sealed builds the next block of l without going through the
// pending pool, so that invalid transactions can be included.
func sealed(t *testing.T, l *ledger.Ledger, producer string, extra ...ledger.Transaction) *ledger.Block {
	b := l.PrepareBlock(producer, time.Now())
	b.Transactions = append(b.Transactions, extra...)
	b.MerkleRoot = ledger.MerkleRoot(b.Transactions)
	require.NoError(t, ledger.ProofOfWorkSealer{}.Seal(context.Background(), b))
	return b
}

func buildChain(t *testing.T, n int) (*ledger.Ledger, ledger.Transaction) {
	l := ledger.New(testConfig())
	g := ledger.DevGenesisKey()
	txn := transfer(t, g, newKey(t).Address(), 5*ledger.Coin)
	require.NoError(t, l.AddTransaction(&txn))
	for i := 0; i < n; i++ {
		_, err := l.ProduceBlock(context.Background(), g.Address(), ledger.ProofOfWorkSealer{}, time.Now())
		require.NoError(t, err)
	}
	return l, txn
}

func cloneChain(blocks []*ledger.Block) []*ledger.Block {
	r := make([]*ledger.Block, len(blocks))
	for i, b := range blocks {
		r[i] = b.Clone()
	}
	return r
}

func TestValidateGenesis(t *testing.T) {
	assert.True(t, validator.ValidateGenesis(ledger.Genesis()).Valid)

	g := ledger.Genesis()
	g.Timestamp++
	r := validator.ValidateGenesis(g)
	assert.Equal(t, validator.BadHash, r.Code)
	assert.Equal(t, validator.Structural, r.Kind)

	g.Hash = g.ComputeHash()
	assert.Equal(t, validator.BadGenesis, validator.ValidateGenesis(g).Code)

	g = ledger.Genesis()
	g.PreviousHash = "1"
	assert.Equal(t, validator.BadGenesis, validator.ValidateGenesis(g).Code)
}

func TestValidateChain(t *testing.T) {
	l, _ := buildChain(t, 3)
	r := validator.ValidateChain(l.Blocks(), testRules(), time.Now())
	assert.True(t, r.Valid, r.String())
	assert.NoError(t, r.Err())

	r = validator.ValidateChain(nil, testRules(), time.Now())
	assert.Equal(t, validator.EmptyChain, r.Code)
}

func TestValidateChainTampering(t *testing.T) {
	l, _ := buildChain(t, 3)
	cases := []struct {
		name   string
		modify func(b *ledger.Block)
		code   validator.Code
	}{
		{"amount", func(b *ledger.Block) { b.Transactions[0].Amount++ }, validator.BadTxID},
		{"hash", func(b *ledger.Block) { b.Hash = ledger.HashHex([]byte("x")) }, validator.BadHash},
		{"previous hash", func(b *ledger.Block) { b.PreviousHash = "abc" }, validator.BadPreviousHash},
		{"index", func(b *ledger.Block) { b.Index = 7 }, validator.BadIndex},
		{"merkle", func(b *ledger.Block) { b.Transactions = b.Transactions[:1] }, validator.BadMerkleRoot},
		{"consensus", func(b *ledger.Block) { b.ConsensusType = "PoS"; b.Hash = b.ComputeHash() }, validator.BadConsensusType},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			blocks := cloneChain(l.Blocks())
			c.modify(blocks[1])
			r := validator.ValidateChain(blocks, testRules(), time.Now())
			assert.False(t, r.Valid)
			assert.Equal(t, c.code, r.Code)
			if c.code != validator.BadIndex {
				assert.Equal(t, uint64(1), r.BlockIndex)
			}

			var verr *validator.Error
			require.True(t, errors.As(r.Err(), &verr))
			assert.Equal(t, c.code, verr.Code)
		})
	}
}

func TestDoubleSpend(t *testing.T) {
	l, txn := buildChain(t, 1)
	b := sealed(t, l, ledger.GenesisAddress(), txn)

	r := validator.ValidateChain(append(l.Blocks(), b), testRules(), time.Now())
	assert.Equal(t, validator.DoubleSpend, r.Code)
	assert.Equal(t, validator.Economic, r.Kind)
	assert.Equal(t, 1, r.TxIndex)

	r = validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now())
	assert.Equal(t, validator.DoubleSpend, r.Code)
}

func TestOverspend(t *testing.T) {
	l, _ := buildChain(t, 1)
	poor := newKey(t)
	b := sealed(t, l, ledger.GenesisAddress(), transfer(t, poor, ledger.GenesisAddress(), ledger.Coin))

	r := validator.ValidateChain(append(l.Blocks(), b), testRules(), time.Now())
	assert.Equal(t, validator.InsufficientFunds, r.Code)
	r = validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now())
	assert.Equal(t, validator.InsufficientFunds, r.Code)
}

func TestRewardRules(t *testing.T) {
	l := ledger.New(testConfig())
	producer := ledger.GenesisAddress()

	b := l.PrepareBlock(producer, time.Now())
	reward := ledger.NewTransaction(ledger.RewardSender, producer, 101*ledger.Coin, 0, b.Timestamp, "")
	b.Transactions = []ledger.Transaction{*reward}
	b.MerkleRoot = ledger.MerkleRoot(b.Transactions)
	require.NoError(t, ledger.ProofOfWorkSealer{}.Seal(context.Background(), b))
	assert.Equal(t, validator.BadReward, validator.ValidateTransactions(b, testRules()).Code)

	b.Transactions = nil
	assert.Equal(t, validator.MissingReward, validator.ValidateTransactions(b, testRules()).Code)

	b = l.PrepareBlock(producer, time.Now())
	b.Transactions = append(b.Transactions, *ledger.NewTransaction(ledger.GenesisSender, producer, 1, 0, 1, ""))
	r := validator.ValidateTransactions(b, testRules())
	assert.Equal(t, validator.BadReward, r.Code)
	assert.Equal(t, 1, r.TxIndex)

	b = l.PrepareBlock(producer, time.Now())
	b.Transactions[0] = *ledger.NewTransaction(ledger.RewardSender, "someone", ledger.Coin, 0, 1, "")
	assert.Equal(t, validator.BadReward, validator.ValidateTransactions(b, testRules()).Code)
}

func TestUnsignedTransaction(t *testing.T) {
	l := ledger.New(testConfig())
	txn := *ledger.NewTransaction(ledger.GenesisAddress(), "b", ledger.Coin, 0, 1, "")
	b := sealed(t, l, ledger.GenesisAddress(), txn)
	r := validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now())
	assert.Equal(t, validator.BadSignature, r.Code)
	assert.Equal(t, validator.Authority, r.Kind)
}

func TestTimestamps(t *testing.T) {
	l := ledger.New(testConfig())
	b := sealed(t, l, ledger.GenesisAddress())

	r := validator.ValidateBlock(b, l.Tip(), testRules(), time.Now().Add(-time.Hour))
	assert.Equal(t, validator.FutureTimestamp, r.Code)

	old := l.PrepareBlock(ledger.GenesisAddress(), time.Now())
	old.Timestamp = l.Tip().Timestamp
	require.NoError(t, ledger.ProofOfWorkSealer{}.Seal(context.Background(), old))
	assert.Equal(t, validator.BadTimestamp, validator.ValidateBlock(old, l.Tip(), testRules(), time.Now()).Code)
}

func TestBadDifficulty(t *testing.T) {
	l := ledger.New(testConfig())
	b := l.PrepareBlock(ledger.GenesisAddress(), time.Now())
	b.Difficulty = 2
	require.NoError(t, ledger.ProofOfWorkSealer{}.Seal(context.Background(), b))
	assert.Equal(t, validator.BadDifficulty, validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now()).Code)
}

func TestProofOfVibeSignature(t *testing.T) {
	l := ledger.New(testConfig())
	k := newKey(t)

	b := l.PrepareBlock(k.Address(), time.Now())
	b.ConsensusType = ledger.ProofOfVibe
	b.Miner = ""
	b.Validator = k.Address()
	b.ValidatorName = "alice"
	b.Hash = b.ComputeHash()
	sig, err := k.Sign(b.Hash)
	require.NoError(t, err)
	b.Signature = sig

	r := validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now())
	assert.True(t, r.Valid, r.String())

	other := newKey(t)
	b.Signature, err = other.Sign(b.Hash)
	require.NoError(t, err)
	r = validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now())
	assert.Equal(t, validator.BadSignature, r.Code)
}

type scheduleMock struct {
	mock.Mock
}

func (m *scheduleMock) ValidateProducer(b, prev *ledger.Block) error {
	args := m.Called(b, prev)
	return args.Error(0)
}

func (m *scheduleMock) Advance(t time.Time) []string {
	m.Called(t)
	return nil
}

func (m *scheduleMock) ApplyBlock(b *ledger.Block, reward uint64) {
	m.Called(b, reward)
}

func (m *scheduleMock) Reserved(addr string) uint64 {
	args := m.Called(addr)
	return args.Get(0).(uint64)
}

func TestSchedule(t *testing.T) {
	l := ledger.New(testConfig())
	b := sealed(t, l, ledger.GenesisAddress())
	at := time.UnixMilli(b.Timestamp)

	s := &scheduleMock{}
	s.On("Advance", at).Return()
	s.On("Reserved", mock.Anything).Return(uint64(0))
	s.On("ValidateProducer", b, l.Tip()).Return(errors.New("not your slot")).Once()
	s.On("ValidateProducer", b, l.Tip()).Return(fmt.Errorf("too fast: %w", validator.ErrTooEarly)).Once()
	s.On("ValidateProducer", b, l.Tip()).Return(nil).Once()

	r := validator.ValidateNext(b, l.Tip(), l, s, testRules(), time.Now())
	assert.Equal(t, validator.WrongProducer, r.Code)
	assert.Equal(t, validator.Authority, r.Kind)
	assert.Equal(t, validator.TooEarly, validator.ValidateNext(b, l.Tip(), l, s, testRules(), time.Now()).Code)
	assert.True(t, validator.ValidateNext(b, l.Tip(), l, s, testRules(), time.Now()).Valid)
	s.AssertExpectations(t)
}

func TestValidateChainReplaysSchedule(t *testing.T) {
	l, _ := buildChain(t, 2)
	blocks := l.Blocks()

	s := &scheduleMock{}
	s.On("Reserved", mock.Anything).Return(uint64(0))
	for i, b := range blocks[1:] {
		s.On("Advance", time.UnixMilli(b.Timestamp)).Return().Once()
		s.On("ValidateProducer", b, blocks[i]).Return(nil).Once()
		s.On("ApplyBlock", b, ledger.RewardAt(b.Index, testConfig())).Return().Once()
	}

	var replayed validator.Balances
	rules := testRules()
	rules.NewSchedule = func(b validator.Balances) validator.Schedule {
		replayed = b
		return s
	}

	r := validator.ValidateChain(blocks, rules, time.Now())
	require.True(t, r.Valid, r.String())
	s.AssertExpectations(t)
	assert.Equal(t, l.Balance(ledger.GenesisAddress()), replayed.Balance(ledger.GenesisAddress()))

	// a producer the schedule does not entitle fails the whole chain
	s = &scheduleMock{}
	s.On("Reserved", mock.Anything).Return(uint64(0))
	s.On("Advance", mock.Anything).Return()
	s.On("ValidateProducer", mock.Anything, mock.Anything).Return(errors.New("unregistered validator"))
	r = validator.ValidateChain(blocks, rules, time.Now())
	assert.Equal(t, validator.WrongProducer, r.Code)
	assert.Equal(t, uint64(1), r.BlockIndex)
}

func TestReservedBalanceIsNotSpendable(t *testing.T) {
	l := ledger.New(testConfig())
	g := ledger.DevGenesisKey()
	miner := newKey(t).Address()
	b := sealed(t, l, miner, transfer(t, g, newKey(t).Address(), ledger.GenesisSupply-10*ledger.Coin))

	s := &scheduleMock{}
	s.On("Advance", mock.Anything).Return()
	s.On("ValidateProducer", mock.Anything, mock.Anything).Return(nil)
	s.On("ApplyBlock", mock.Anything, mock.Anything).Return()
	s.On("Reserved", g.Address()).Return(20 * ledger.Coin)
	s.On("Reserved", mock.Anything).Return(uint64(0))

	r := validator.ValidateNext(b, l.Tip(), l, s, testRules(), time.Now())
	assert.Equal(t, validator.InsufficientFunds, r.Code)
	assert.Equal(t, validator.Economic, r.Kind)

	rules := testRules()
	rules.NewSchedule = func(validator.Balances) validator.Schedule { return s }
	r = validator.ValidateChain(append(l.Blocks(), b), rules, time.Now())
	assert.Equal(t, validator.InsufficientFunds, r.Code)
	assert.Equal(t, 1, r.TxIndex)

	assert.True(t, validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now()).Valid)
}

func TestAmountOverflow(t *testing.T) {
	l := ledger.New(testConfig())
	g := ledger.DevGenesisKey()
	to := newKey(t).Address()
	miner := newKey(t).Address()

	signed := func(amount, fee uint64) ledger.Transaction {
		txn := ledger.NewTransaction(g.Address(), to, amount, fee, time.Now().UnixNano(), "")
		require.NoError(t, txn.Sign(g))
		return *txn
	}

	cases := []struct {
		name   string
		amount uint64
		fee    uint64
		code   validator.Code
	}{
		{"max amount plus fee", math.MaxUint64, 1, validator.BadAmount},
		{"max fee plus amount", 1, math.MaxUint64, validator.BadAmount},
		{"both halves", 1 << 63, 1 << 63, validator.BadAmount},
		{"exactly max", math.MaxUint64 - 5, 5, validator.InsufficientFunds},
		{"sign bit", 1 << 63, 0, validator.InsufficientFunds},
		{"whole supply", ledger.GenesisSupply, 1, validator.InsufficientFunds},
		{"whole supply minus fee", ledger.GenesisSupply - 1, 1, ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := sealed(t, l, miner, signed(c.amount, c.fee))
			chain := append(l.Blocks(), b)

			r := validator.ValidateNext(b, l.Tip(), l, nil, testRules(), time.Now())
			rc := validator.ValidateChain(chain, testRules(), time.Now())
			if c.code == "" {
				assert.True(t, r.Valid, r.String())
				assert.True(t, rc.Valid, rc.String())
				return
			}

			assert.Equal(t, c.code, r.Code)
			assert.Equal(t, validator.Economic, r.Kind)
			assert.Equal(t, 1, r.TxIndex)
			assert.Equal(t, c.code, rc.Code)
		})
	}
}

func TestConsensusOperationAmount(t *testing.T) {
	l := ledger.New(testConfig())
	g := ledger.DevGenesisKey()

	op := func(amount uint64) ledger.Transaction {
		txn := ledger.NewTransaction(g.Address(), ledger.ConsensusAddress, amount, ledger.Coin/100, time.Now().UnixNano(), `{"op":"unvote"}`)
		require.NoError(t, txn.Sign(g))
		return *txn
	}

	b := sealed(t, l, g.Address(), op(0))
	assert.True(t, validator.ValidateTransactions(b, testRules()).Valid)

	b = sealed(t, l, g.Address(), op(ledger.Coin))
	r := validator.ValidateTransactions(b, testRules())
	assert.Equal(t, validator.BadAmount, r.Code)
	assert.Equal(t, 1, r.TxIndex)
}

func TestCheckpoints(t *testing.T) {
	c := validator.NewCheckpoints()
	h, ok := c.Hash(0)
	require.True(t, ok)
	assert.Equal(t, ledger.GenesisHash(), h)

	require.NoError(t, c.Add(5, "aa"))
	require.NoError(t, c.Add(5, "aa"))
	assert.Error(t, c.Add(5, "bb"))
	assert.Error(t, c.Add(0, "bb"))
	require.NoError(t, c.Add(2, "cc"))
	assert.Equal(t, []uint64{0, 2, 5}, c.Indices())
}

func TestChooseChain(t *testing.T) {
	current, _ := buildChain(t, 2)
	longer, _ := buildChain(t, 4)
	now := time.Now()

	r := validator.ChooseChain(current.Blocks(), longer.Blocks(), testRules(), now)
	assert.True(t, r.Valid, r.String())

	r = validator.ChooseChain(longer.Blocks(), current.Blocks(), testRules(), now)
	assert.Equal(t, validator.NotLonger, r.Code)

	r = validator.ChooseChain(current.Blocks(), current.Blocks(), testRules(), now)
	assert.Equal(t, validator.NotLonger, r.Code)

	// a longer chain rewriting a checkpointed block is rejected
	rules := testRules()
	require.NoError(t, rules.Checkpoints.Add(2, current.Blocks()[2].Hash))
	r = validator.ChooseChain(current.Blocks(), longer.Blocks(), rules, now)
	assert.Equal(t, validator.Checkpoint, r.Code)
	assert.Equal(t, uint64(2), r.BlockIndex)

	invalid := cloneChain(longer.Blocks())
	invalid[3].Nonce++
	r = validator.ChooseChain(current.Blocks(), invalid, testRules(), now)
	assert.Equal(t, validator.BadHash, r.Code)
}
