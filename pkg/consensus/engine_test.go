package consensus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/consensus"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const coin = ledger.Coin

type balances map[string]uint64

func (b balances) Balance(addr string) uint64 {
	return b[addr]
}

// t0 is the start of an epoch.
var t0 = time.Unix(0, 0).Add(500000 * time.Hour)

func newKey(t *testing.T) *ledger.Key {
	k, err := ledger.GenerateKey()
	require.NoError(t, err)
	return k
}

func isAdminErr(err error) bool {
	var a *consensus.AdminError
	return errors.As(err, &a)
}

func registered(t *testing.T, e *consensus.Engine, addr, name string, stake uint64) {
	_, err := e.Stake(addr, stake, true, t0)
	require.NoError(t, err)
	_, err = e.RegisterValidator(addr, name, t0)
	require.NoError(t, err)
}

func TestSoleValidatorProducesEverySlot(t *testing.T) {
	a := newKey(t).Address()
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{a: 1000 * coin})

	_, ok := e.ExpectedProducer(t0)
	assert.False(t, ok)

	info, err := e.Stake(a, 150*coin, true, t0)
	require.NoError(t, err)
	assert.True(t, info.IsValidator)

	_, err = e.RegisterValidator(a, "alice", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{a}, e.ActiveSet())
	assert.True(t, t0.Equal(e.EpochStart()))

	for i := 0; i < 20; i++ {
		p, ok := e.ExpectedProducer(t0.Add(time.Minute + time.Duration(i)*7*time.Second))
		require.True(t, ok)
		assert.Equal(t, a, p)
	}
}

func TestStakeRules(t *testing.T) {
	a := newKey(t).Address()
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{a: 500 * coin})

	_, err := e.Stake(a, 50*coin, true, t0)
	assert.True(t, isAdminErr(err), "below validator minimum")

	_, err = e.Stake(a, 5*coin, false, t0)
	assert.True(t, isAdminErr(err), "below delegation minimum")

	_, err = e.Stake(a, 600*coin, false, t0)
	assert.True(t, isAdminErr(err), "more than balance")

	_, err = e.Stake(a, 400*coin, true, t0)
	require.NoError(t, err)
	assert.Equal(t, 100*coin, e.Available(a))

	_, err = e.Stake(a, 101*coin, false, t0)
	assert.True(t, isAdminErr(err), "stake is reserved")

	_, err = e.RegisterValidator(newKey(t).Address(), "bob", t0)
	assert.True(t, isAdminErr(err), "registration needs a validator stake")
}

func TestUnstakeLock(t *testing.T) {
	a := newKey(t).Address()
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{a: 500 * coin})
	_, err := e.Stake(a, 150*coin, true, t0)
	require.NoError(t, err)

	_, err = e.Unstake(a, 10*coin, t0.Add(time.Hour))
	assert.True(t, isAdminErr(err))

	// a top up restarts the lock
	_, err = e.Stake(a, 10*coin, false, t0.Add(12*time.Hour))
	require.NoError(t, err)
	_, err = e.Unstake(a, 10*coin, t0.Add(25*time.Hour))
	assert.True(t, isAdminErr(err))

	info, err := e.Unstake(a, 100*coin, t0.Add(37*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 60*coin, info.Amount)
	assert.False(t, info.IsValidator)

	_, err = e.Unstake(a, 61*coin, t0.Add(37*time.Hour))
	assert.True(t, isAdminErr(err))

	_, err = e.Unstake(a, 60*coin, t0.Add(37*time.Hour))
	require.NoError(t, err)
	_, ok := e.StakeInfo(a)
	assert.False(t, ok)
}

func TestDelegate(t *testing.T) {
	v, d := newKey(t).Address(), newKey(t).Address()
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{v: 500 * coin, d: 100 * coin})

	_, err := e.Delegate(d, v, 20*coin, t0)
	assert.True(t, isAdminErr(err), "target not registered")

	registered(t, e, v, "validator-one", 150*coin)
	_, err = e.Delegate(d, v, 5*coin, t0)
	assert.True(t, isAdminErr(err), "below minimum delegation")

	info, err := e.Delegate(d, v, 20*coin, t0)
	require.NoError(t, err)
	assert.Equal(t, v, info.DelegatedTo)

	_, err = e.Delegate(v, d, 20*coin, t0)
	assert.True(t, isAdminErr(err))

	s, ok := e.Score(v)
	require.True(t, ok)
	assert.Equal(t, 100.0, s.StakeScore)
}

func TestSlash(t *testing.T) {
	a := newKey(t).Address()
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{a: 1000 * coin})
	_, err := e.Stake(a, 200*coin, true, t0)
	require.NoError(t, err)

	amount, err := e.Slash(a, consensus.MissedBlock, 0)
	require.NoError(t, err)
	assert.Equal(t, 2*coin, amount)

	amount, err = e.Slash(a, consensus.Inactivity, 10)
	require.NoError(t, err)
	assert.Equal(t, 198*coin*5/100, amount)

	info, _ := e.StakeInfo(a)
	before := info.Amount
	amount, err = e.Slash(a, consensus.Inactivity, 1000)
	require.NoError(t, err)
	assert.Equal(t, before/2, amount)

	info, _ = e.StakeInfo(a)
	assert.False(t, info.IsValidator, "demoted below minimum stake")
	assert.Equal(t, 1000*coin-200*coin, e.Available(a), "slashed stake stays reserved")

	_, err = e.Slash(newKey(t).Address(), consensus.DoubleSign, 0)
	assert.True(t, isAdminErr(err))
}

func TestVote(t *testing.T) {
	voter := newKey(t).Address()
	bal := balances{voter: 50000 * coin}
	e := consensus.NewEngine(consensus.DefaultConfig(), bal)

	var vals []string
	for i, name := range []string{"one", "two", "three", "four", "five", "six"} {
		addr := newKey(t).Address()
		bal[addr] = 1000 * coin
		registered(t, e, addr, name, uint64(100+i)*coin)
		vals = append(vals, addr)
	}

	_, err := e.Vote(voter, 100, nil, t0)
	assert.True(t, isAdminErr(err))
	_, err = e.Vote(voter, 100, vals, t0)
	assert.True(t, isAdminErr(err), "too many validators")
	_, err = e.Vote(voter, 100, []string{vals[0], vals[0]}, t0)
	assert.True(t, isAdminErr(err), "duplicate")
	_, err = e.Vote(voter, 100, []string{"unknown"}, t0)
	assert.True(t, isAdminErr(err), "not registered")
	_, err = e.Vote(voter, 60000*coin, vals[:1], t0)
	assert.True(t, isAdminErr(err), "more than balance")

	r, err := e.Vote(voter, 20000*coin, vals[:3], t0)
	require.NoError(t, err)
	assert.Equal(t, 10000*coin, r.TotalVotingPower)
	var sum uint64
	for _, w := range r.Votes {
		sum += w
	}
	assert.Equal(t, r.TotalVotingPower, sum)
	assert.Equal(t, 10000*coin/3+1, r.Votes[vals[0]])
	assert.Equal(t, 10000*coin/3, r.Votes[vals[2]])

	_, err = e.Vote(voter, 100, vals[:1], t0.Add(30*time.Minute))
	assert.True(t, isAdminErr(err), "cooldown")

	require.NoError(t, e.Unvote(voter))
	assert.Equal(t, uint64(0), e.VotesFor(vals[0]))
	assert.True(t, isAdminErr(e.Unvote(voter)))

	_, err = e.Vote(voter, 100, vals[:1], t0.Add(30*time.Minute))
	assert.True(t, isAdminErr(err), "unvote keeps the cooldown")

	_, err = e.Vote(voter, 100, vals[:1], t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), e.VotesFor(vals[0]))
}

func TestRegisterName(t *testing.T) {
	bal := balances{}
	e := consensus.NewEngine(consensus.DefaultConfig(), bal)
	stake := func() string {
		addr := newKey(t).Address()
		bal[addr] = 1000 * coin
		_, err := e.Stake(addr, 100*coin, true, t0)
		require.NoError(t, err)
		return addr
	}

	_, err := e.RegisterValidator(stake(), "ab", t0)
	assert.True(t, isAdminErr(err))
	_, err = e.RegisterValidator(stake(), "abcdefghijklmnopqrstuvwxyz0123456", t0)
	assert.True(t, isAdminErr(err))

	a := stake()
	_, err = e.RegisterValidator(a, "Vibes", t0)
	require.NoError(t, err)
	_, err = e.RegisterValidator(stake(), "vibes", t0)
	assert.True(t, isAdminErr(err), "names are unique ignoring case")
	_, err = e.RegisterValidator(a, "other", t0)
	assert.True(t, isAdminErr(err), "already registered")

	require.NoError(t, e.AddContributionScore(a, 3))
	assert.True(t, isAdminErr(e.AddContributionScore(a, -1)))
	v, _ := e.Validator(a)
	assert.Equal(t, 3.0, v.ContributionScore)
	assert.Equal(t, 1.0, v.Uptime())
}

func TestComputeScoresMonotonic(t *testing.T) {
	cfg := consensus.DefaultConfig()
	base := []consensus.ScoreInput{
		{Address: "a", Stake: 100, Votes: 50, Contribution: 1},
		{Address: "b", Stake: 300, Votes: 10, Contribution: 4},
		{Address: "c", Stake: 200, Votes: 80, Contribution: 0},
	}

	total := func(in []consensus.ScoreInput, addr string) float64 {
		for _, s := range consensus.ComputeScores(in, cfg) {
			if s.Address == addr {
				return s.TotalScore
			}
		}
		t.Fatalf("%s not scored", addr)
		return 0
	}

	for i := range base {
		for step := 0; step < 3; step++ {
			bumps := []func(in *consensus.ScoreInput){
				func(in *consensus.ScoreInput) { in.Stake += 150 },
				func(in *consensus.ScoreInput) { in.Votes += 40 },
				func(in *consensus.ScoreInput) { in.Contribution += 2 },
			}
			more := append([]consensus.ScoreInput(nil), base...)
			bumps[step](&more[i])
			assert.GreaterOrEqual(t, total(more, base[i].Address), total(base, base[i].Address))
		}
	}

	scores := consensus.ComputeScores(base, cfg)
	for i, s := range scores {
		assert.Equal(t, i+1, s.Rank)
		assert.LessOrEqual(t, s.TotalScore, 100.0)
	}
	assert.Equal(t, "b", scores[0].Address)
}

type validators struct {
	e    *consensus.Engine
	keys map[string]*ledger.Key
	l    *ledger.Ledger
}

// twoValidators sets up validators a (ranked first) and b.
func twoValidators(t *testing.T) (*validators, string, string) {
	ka, kb := newKey(t), newKey(t)
	a, b := ka.Address(), kb.Address()
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{a: 1000 * coin, b: 1000 * coin})
	registered(t, e, a, "alpha", 200*coin)
	registered(t, e, b, "beta", 150*coin)
	e.RotateEpoch(t0)
	require.Equal(t, []string{a, b}, e.ActiveSet())
	return &validators{e: e, keys: map[string]*ledger.Key{a: ka, b: kb}, l: ledger.New(ledger.DefaultConfig())}, a, b
}

func (v *validators) block(t *testing.T, producer string, at time.Time) *ledger.Block {
	b := v.l.PrepareBlock(producer, at)
	require.NoError(t, v.e.StampBlock(b, v.l.Reward()))
	require.NoError(t, consensus.Sealer{Key: v.keys[producer]}.Seal(context.Background(), b))
	return b
}

func TestValidateProducer(t *testing.T) {
	v, a, b := twoValidators(t)
	e := v.e
	prev := v.l.Tip()

	slot0 := t0.Add(2 * time.Second)
	slot1 := t0.Add(12 * time.Second)
	p, _ := e.ExpectedProducer(slot0)
	assert.Equal(t, a, p)
	p, _ = e.ExpectedProducer(slot1)
	assert.Equal(t, b, p)

	blk := v.block(t, a, slot0)
	assert.Equal(t, ledger.ProofOfVibe, blk.ConsensusType)
	assert.Equal(t, "alpha", blk.ValidatorName)
	assert.Equal(t, e.Epoch(), blk.Epoch)
	assert.NoError(t, e.ValidateProducer(blk, prev))

	wrong := v.block(t, b, slot0)
	assert.Error(t, e.ValidateProducer(wrong, prev))

	early := v.block(t, b, slot1)
	recent := *prev
	recent.Timestamp = early.Timestamp - 1000
	err := e.ValidateProducer(early, &recent)
	assert.True(t, validator.IsTooEarly(err))

	pow := v.l.PrepareBlock(a, slot0)
	assert.Error(t, e.ValidateProducer(pow, prev))

	assert.True(t, e.CanProduce(a, prev, slot0))
	assert.False(t, e.CanProduce(b, prev, slot0))
	e.RecordBlock(blk, v.l.Reward())
	assert.False(t, e.CanProduce(a, prev, slot0), "slot already produced")
}

func TestVoterRewards(t *testing.T) {
	v, a, _ := twoValidators(t)
	e := v.e
	v1, v2 := newKey(t).Address(), newKey(t).Address()
	blk := v.block(t, a, t0.Add(time.Second))
	assert.Equal(t, 50*coin, blk.Transactions[0].Amount, "no voters, no voter share")

	// voters need a balance covering their voting power
	bal := balances{a: 1000 * coin, v1: 300, v2: 100}
	e = consensus.NewEngine(consensus.DefaultConfig(), bal)
	_, err := e.Stake(a, 200*coin, true, t0)
	require.NoError(t, err)
	_, err = e.RegisterValidator(a, "alpha", t0)
	require.NoError(t, err)
	_, err = e.Vote(v1, 300, []string{a}, t0)
	require.NoError(t, err)
	_, err = e.Vote(v2, 100, []string{a}, t0)
	require.NoError(t, err)
	v.e = e

	blk = v.block(t, a, t0.Add(time.Second))
	assert.Equal(t, 45*coin, blk.Transactions[0].Amount)
	assert.Equal(t, blk.MerkleRoot, ledger.MerkleRoot(blk.Transactions))

	e.RecordBlock(blk, v.l.Reward())
	assert.Equal(t, 5*coin*3/4, e.Rewards(v1))
	assert.Equal(t, 5*coin/4, e.Rewards(v2))
	info, _ := e.Validator(a)
	assert.Equal(t, uint64(1), info.BlocksProduced)

	// voter shares stay off the ledger
	supply := v.l.CirculatingSupply()
	require.NoError(t, v.l.CommitBlock(blk))
	assert.Equal(t, uint64(0), v.l.Balance(v1))
	assert.Equal(t, uint64(0), v.l.Balance(v2))
	assert.Equal(t, supply+45*coin, v.l.CirculatingSupply())
}

func TestDistributeRewardRemainder(t *testing.T) {
	v, a, _ := twoValidators(t)
	shares := v.e.DistributeReward(a, 7)
	assert.Equal(t, map[string]uint64{a: 7}, shares)
	assert.Equal(t, uint64(7), v.e.Rewards(a))
}

func TestCheckMissedSlot(t *testing.T) {
	v, a, b := twoValidators(t)
	e := v.e

	blk := v.block(t, a, t0.Add(time.Second))
	e.RecordBlock(blk, v.l.Reward())

	missed := e.CheckMissedSlot(t0.Add(35 * time.Second))
	assert.Equal(t, []string{b, a}, missed)
	assert.Nil(t, e.CheckMissedSlot(t0.Add(36*time.Second)))

	info, _ := e.Validator(b)
	assert.Equal(t, uint64(1), info.BlocksMissed)
	assert.Equal(t, 0.0, info.Uptime())
	s, _ := e.StakeInfo(b)
	assert.Equal(t, 150*coin-150*coin/100, s.Amount)
}

func TestEpochRotation(t *testing.T) {
	cfg := consensus.DefaultConfig()
	cfg.EpochDuration = time.Minute
	a, b := newKey(t).Address(), newKey(t).Address()
	e := consensus.NewEngine(cfg, balances{a: 1000 * coin, b: 1000 * coin})
	registered(t, e, a, "alpha", 200*coin)
	registered(t, e, b, "beta", 150*coin)
	e.RotateEpoch(t0)
	require.Equal(t, []string{a, b}, e.ActiveSet())
	epoch := e.Epoch()

	assert.Empty(t, e.Advance(t0.Add(5*time.Second)))

	// a mid epoch stake change does not change the schedule
	_, err := e.Stake(b, 500*coin, false, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, e.ActiveSet())

	missed := e.Advance(t0.Add(61 * time.Second))
	assert.Equal(t, []string{b, a, b, a, b}, missed, "the rest of the last epoch went unproduced")
	assert.Equal(t, epoch+1, e.Epoch())
	assert.Equal(t, []string{b, a}, e.ActiveSet())
	assert.True(t, t0.Add(time.Minute).Equal(e.EpochStart()))

	sa, _ := e.StakeInfo(a)
	assert.Less(t, sa.Amount, 200*coin)
}

func TestBootstrap(t *testing.T) {
	k := newKey(t)
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{k.Address(): 1000 * coin})
	l := ledger.New(ledger.DefaultConfig())
	assert.True(t, e.Bootstrapping())
	assert.Empty(t, e.Advance(t0))

	pow := l.PrepareBlock(ledger.GenesisAddress(), t0)
	assert.NoError(t, e.ValidateProducer(pow, l.Tip()))
	assert.Error(t, e.ValidateProducer(l.PrepareBlock(k.Address(), t0), l.Tip()), "only the bootstrap miner mines")

	pov := l.PrepareBlock(k.Address(), t0)
	pov.ConsensusType = ledger.ProofOfVibe
	pov.Validator = k.Address()
	assert.Error(t, e.ValidateProducer(pov, l.Tip()), "nobody is entitled to a vibe block yet")

	// a staked validator without registration is no candidate
	_, err := e.Stake(k.Address(), 100*coin, true, t0)
	require.NoError(t, err)
	e.Advance(t0.Add(time.Second))
	assert.True(t, e.Bootstrapping())

	_, err = e.RegisterValidator(k.Address(), "solo", t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, e.Bootstrapping())
	assert.Error(t, e.ValidateProducer(pow, l.Tip()), "proof of work ends with the first validator")
}

func TestDoubleSignEvidence(t *testing.T) {
	v, a, _ := twoValidators(t)
	b1 := v.block(t, a, t0.Add(time.Second))
	b2 := v.block(t, a, t0.Add(2*time.Second))

	assert.False(t, consensus.IsDoubleSign(b1.Header(), b1.Header()))
	forged := b2.Header()
	forged.Signature = b1.Signature
	assert.False(t, consensus.IsDoubleSign(b1.Header(), forged))
	assert.True(t, consensus.IsDoubleSign(b1.Header(), b2.Header()))

	bogus := consensus.Op{Kind: consensus.OpEvidence, Evidence: []ledger.Header{b1.Header(), forged}}
	assert.True(t, isAdminErr(v.e.ApplyOp("reporter", bogus, t0)))
	s, _ := v.e.StakeInfo(a)
	assert.Equal(t, 200*coin, s.Amount)

	op := consensus.Op{Kind: consensus.OpEvidence, Evidence: []ledger.Header{b1.Header(), b2.Header()}}
	require.NoError(t, v.e.ApplyOp("reporter", op, t0))
	s, _ = v.e.StakeInfo(a)
	assert.Equal(t, 180*coin, s.Amount)

	assert.True(t, isAdminErr(v.e.ApplyOp("reporter", op, t0)), "an offense is slashed once")
	s, _ = v.e.StakeInfo(a)
	assert.Equal(t, 180*coin, s.Amount)
}

func opTxn(t *testing.T, k *ledger.Key, op consensus.Op, at time.Time) ledger.Transaction {
	txn, err := consensus.NewOpTransaction(k, op, coin/100, at)
	require.NoError(t, err)
	return *txn
}

func TestApplyBlockReplaysOperations(t *testing.T) {
	ka, kv := newKey(t), newKey(t)
	a, voter := ka.Address(), kv.Address()
	bal := balances{a: 1000 * coin, voter: 500 * coin}

	blk := &ledger.Block{
		Index:         1,
		Timestamp:     t0.UnixMilli(),
		ConsensusType: ledger.ProofOfWork,
		Transactions: []ledger.Transaction{
			*ledger.NewTransaction(ledger.RewardSender, a, 50*coin, 0, t0.UnixMilli(), ""),
			opTxn(t, ka, consensus.Op{Kind: consensus.OpStake, Amount: 150 * coin, Validator: true}, t0),
			opTxn(t, ka, consensus.Op{Kind: consensus.OpRegister, Name: "alpha"}, t0),
			opTxn(t, kv, consensus.Op{Kind: consensus.OpVote, Power: 200 * coin, Validators: []string{a}}, t0),
			// ignored: only the genesis address awards contribution
			opTxn(t, kv, consensus.Op{Kind: consensus.OpContribution, To: a, Points: 5}, t0),
			// ignored: more than the available balance
			opTxn(t, kv, consensus.Op{Kind: consensus.OpStake, Amount: 600 * coin}, t0),
			*ledger.NewTransaction(kv.Address(), ledger.ConsensusAddress, 0, 0, 1, "not json"),
		},
	}

	replay := func() *consensus.Engine {
		e := consensus.NewEngine(consensus.DefaultConfig(), bal)
		e.ApplyBlock(blk, 50*coin)
		return e
	}

	e1, e2 := replay(), replay()
	for _, e := range []*consensus.Engine{e1, e2} {
		assert.Equal(t, []string{a}, e.ActiveSet())
		assert.Equal(t, 150*coin, e.Reserved(a))
		assert.Equal(t, uint64(0), e.Reserved(voter))
		assert.Equal(t, 200*coin, e.VotesFor(a))
		v, ok := e.Validator(a)
		require.True(t, ok)
		assert.Equal(t, 0.0, v.ContributionScore)
	}
	assert.Equal(t, e1.Scores(), e2.Scores())

	op, err := consensus.ParseOp(&blk.Transactions[1])
	require.NoError(t, err)
	assert.Equal(t, consensus.OpStake, op.Kind)
	_, err = consensus.ParseOp(&blk.Transactions[0])
	assert.Equal(t, consensus.ErrNotOp, err)
}

func TestContributionFromGenesis(t *testing.T) {
	a := newKey(t).Address()
	e := consensus.NewEngine(consensus.DefaultConfig(), balances{a: 1000 * coin})
	registered(t, e, a, "alpha", 150*coin)

	op := consensus.Op{Kind: consensus.OpContribution, To: a, Points: 4}
	assert.True(t, isAdminErr(e.ApplyOp(a, op, t0)))
	require.NoError(t, e.ApplyOp(ledger.GenesisAddress(), op, t0))
	v, _ := e.Validator(a)
	assert.Equal(t, 4.0, v.ContributionScore)
}

func TestClone(t *testing.T) {
	v, a, b := twoValidators(t)
	c := v.e.Clone(balances{a: 1000 * coin, b: 1000 * coin})

	_, err := c.Stake(a, 100*coin, false, t0)
	require.NoError(t, err)
	c.Advance(t0.Add(35 * time.Second))
	c.RotateEpoch(t0.Add(2 * time.Hour))

	assert.Equal(t, 300*coin, c.Reserved(a))
	assert.Equal(t, 200*coin, v.e.Reserved(a))
	assert.Equal(t, []string{a, b}, v.e.ActiveSet())
	assert.NotEqual(t, c.Epoch(), v.e.Epoch())
	info, _ := v.e.Validator(b)
	assert.Equal(t, uint64(0), info.BlocksMissed)
}
