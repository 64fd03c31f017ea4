// Package consensus implements Proof of Vibe: validators are ranked
// by a weighted score of stake, votes and contribution, and the top
// ranked validators take turns producing blocks during an epoch.
//
// The engine state is a pure function of the chain. Stakes, votes
// and registrations arrive as operation transactions, and epochs and
// slots advance with block timestamps, so every node replaying the
// same blocks derives the same schedule.
package consensus

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/validator"
	log "github.com/inconshreveable/log15"
)

// BalanceSource provides confirmed balances.
type BalanceSource interface {
	Balance(addr string) uint64
}

// Engine is the Proof of Vibe consensus engine. Engine is not safe
// for concurrent use, the owner serializes access together with the
// ledger. Engine implements validator.Schedule.
type Engine struct {
	cfg      Config
	balances BalanceSource
	staking  *Staking
	voting   *Voting
	registry *Registry

	scores     []VibeScore
	active     []string
	epoch      uint64
	epochStart time.Time
	// produced are the slots of the current epoch a block was
	// recorded for.
	produced    map[int64]bool
	checkedSlot int64
	rewards     map[string]uint64
	// evidence are the slashed double signs, by validator and index.
	evidence map[string]bool
}

// NewEngine creates an engine without validators.
func NewEngine(cfg Config, balances BalanceSource) *Engine {
	return &Engine{
		cfg:         cfg,
		balances:    balances,
		staking:     NewStaking(cfg),
		voting:      NewVoting(cfg),
		registry:    NewRegistry(cfg),
		produced:    make(map[int64]bool),
		checkedSlot: -1,
		rewards:     make(map[string]uint64),
		evidence:    make(map[string]bool),
	}
}

// Clone returns a deep copy of the engine reading balances from
// balances.
func (e *Engine) Clone(balances BalanceSource) *Engine {
	c := &Engine{
		cfg:         e.cfg,
		balances:    balances,
		staking:     e.staking.clone(),
		voting:      e.voting.clone(),
		registry:    e.registry.clone(),
		scores:      e.Scores(),
		active:      e.ActiveSet(),
		epoch:       e.epoch,
		epochStart:  e.epochStart,
		produced:    make(map[int64]bool, len(e.produced)),
		checkedSlot: e.checkedSlot,
		rewards:     make(map[string]uint64, len(e.rewards)),
		evidence:    make(map[string]bool, len(e.evidence)),
	}
	for k, v := range e.produced {
		c.produced[k] = v
	}
	for k, v := range e.rewards {
		c.rewards[k] = v
	}
	for k, v := range e.evidence {
		c.evidence[k] = v
	}
	return c
}

// SetBalances sets the source of confirmed balances.
func (e *Engine) SetBalances(balances BalanceSource) {
	e.balances = balances
}

// Reserved returns the part of the balance of addr locked by
// staking, forfeited stake included.
func (e *Engine) Reserved(addr string) uint64 {
	return e.staking.Reserved(addr)
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Available returns the balance of addr that is not reserved by
// staking.
func (e *Engine) Available(addr string) uint64 {
	b, r := e.balances.Balance(addr), e.Reserved(addr)
	if r >= b {
		return 0
	}
	return b - r
}

// Stake stakes amount of the balance of addr.
func (e *Engine) Stake(addr string, amount uint64, asValidator bool, now time.Time) (StakeInfo, error) {
	info, err := e.staking.Stake(addr, amount, e.Available(addr), asValidator, now)
	if err != nil {
		return StakeInfo{}, err
	}

	log.Info("staked", "addr", short(addr), "amount", amount, "total", info.Amount, "validator", info.IsValidator)
	e.refreshScores()
	return info, nil
}

// Unstake withdraws amount from the stake of addr.
func (e *Engine) Unstake(addr string, amount uint64, now time.Time) (StakeInfo, error) {
	info, err := e.staking.Unstake(addr, amount, now)
	if err != nil {
		return StakeInfo{}, err
	}

	log.Info("unstaked", "addr", short(addr), "amount", amount, "remaining", info.Amount)
	e.refreshScores()
	return info, nil
}

// Delegate delegates amount of the balance of delegator to a
// registered validator.
func (e *Engine) Delegate(delegator, validator string, amount uint64, now time.Time) (StakeInfo, error) {
	info, err := e.staking.Delegate(delegator, validator, amount, e.Available(delegator), e.registry.IsRegistered(validator), now)
	if err != nil {
		return StakeInfo{}, err
	}

	e.refreshScores()
	return info, nil
}

// Slash slashes the stake of addr.
func (e *Engine) Slash(addr string, reason SlashReason, hoursInactive float64) (uint64, error) {
	amount, err := e.staking.Slash(addr, reason, hoursInactive)
	if err != nil {
		return 0, err
	}

	log.Warn("validator slashed", "addr", short(addr), "reason", reason, "amount", amount)
	e.refreshScores()
	return amount, nil
}

// Vote replaces the vote of voter. The voting power can not exceed
// the balance of the voter.
func (e *Engine) Vote(voter string, power uint64, validators []string, now time.Time) (VoteRecord, error) {
	if b := e.balances.Balance(voter); power > b {
		return VoteRecord{}, adminErr("vote", "voting power %d exceeds balance %d", power, b)
	}

	r, err := e.voting.Vote(voter, power, validators, e.registry.IsRegistered, now)
	if err != nil {
		return VoteRecord{}, err
	}

	e.refreshScores()
	return r, nil
}

// Unvote removes the vote of voter.
func (e *Engine) Unvote(voter string) error {
	if err := e.voting.Unvote(voter); err != nil {
		return err
	}

	e.refreshScores()
	return nil
}

// RegisterValidator registers addr, which must hold a validator
// stake. When there is no active validator yet the active set is
// selected right away.
func (e *Engine) RegisterValidator(addr, name string, now time.Time) (ValidatorInfo, error) {
	if !e.staking.IsValidator(addr) {
		return ValidatorInfo{}, adminErr("register validator", "%s needs a validator stake of at least %d", addr, e.cfg.MinValidatorStake)
	}

	v, err := e.registry.Register(addr, name, now)
	if err != nil {
		return ValidatorInfo{}, err
	}

	log.Info("validator registered", "addr", short(addr), "name", v.Name)
	e.refreshScores()
	if len(e.active) == 0 {
		e.RotateEpoch(now)
	}
	return v, nil
}

// AddContributionScore awards merit points to a validator.
func (e *Engine) AddContributionScore(addr string, points float64) error {
	if err := e.registry.AddContribution(addr, points); err != nil {
		return err
	}

	e.refreshScores()
	return nil
}

func (e *Engine) refreshScores() {
	vs := e.registry.All()
	inputs := make([]ScoreInput, len(vs))
	for i, v := range vs {
		inputs[i] = ScoreInput{
			Address:      v.Address,
			Name:         v.Name,
			Stake:        e.staking.TotalStake(v.Address),
			Votes:        e.voting.VotesFor(v.Address),
			Contribution: v.ContributionScore,
		}
	}
	e.scores = ComputeScores(inputs, e.cfg)
}

// Scores returns the current ranking.
func (e *Engine) Scores() []VibeScore {
	r := make([]VibeScore, len(e.scores))
	copy(r, e.scores)
	return r
}

// Score returns the current score of addr.
func (e *Engine) Score(addr string) (VibeScore, bool) {
	for _, s := range e.scores {
		if s.Address == addr {
			return s, true
		}
	}
	return VibeScore{}, false
}

func (e *Engine) epochAt(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(e.cfg.EpochDuration))
}

// RotateEpoch starts the epoch containing now: inactive validators
// are slashed, scores are recomputed and the top ranked validators
// holding a validator stake become the active set. Epochs are
// aligned to multiples of the epoch duration so that every node
// derives the same schedule. The slot containing now is not checked
// for a missed block.
func (e *Engine) RotateEpoch(now time.Time) {
	e.slashInactive(now)
	e.refreshScores()

	var active []string
	for _, s := range e.scores {
		if len(active) >= e.cfg.MaxValidators {
			break
		}

		if e.staking.IsValidator(s.Address) {
			active = append(active, s.Address)
		}
	}

	e.active = active
	e.registry.SetActive(active)
	e.epoch = e.epochAt(now)
	e.epochStart = time.Unix(0, int64(e.epoch)*int64(e.cfg.EpochDuration))
	e.produced = make(map[int64]bool)
	e.checkedSlot = e.slotAt(now)
	log.Info("epoch rotated", "epoch", e.epoch, "active", len(active))
}

func (e *Engine) slashInactive(now time.Time) {
	for _, addr := range e.active {
		v, ok := e.registry.Get(addr)
		if !ok || !v.LastBlockAt.Before(e.epochStart) {
			continue
		}

		since := v.LastBlockAt
		if v.RegisteredAt.After(since) {
			since = v.RegisteredAt
		}

		hours := now.Sub(since).Hours()
		if hours < 1 {
			continue
		}

		if _, err := e.Slash(addr, Inactivity, hours); err != nil {
			log.Debug("inactivity slash skipped", "addr", short(addr), "err", err)
		}
	}
}

func (e *Engine) hasCandidate() bool {
	for _, s := range e.scores {
		if e.staking.IsValidator(s.Address) {
			return true
		}
	}
	return false
}

// Advance moves the schedule to t, the timestamp of the next block.
// The elapsed slots without a block are slashed, and the epoch is
// rotated when t is in a later epoch or when there is no active
// validator but there is a candidate. It returns the validators that
// missed their slot.
func (e *Engine) Advance(t time.Time) []string {
	var missed []string
	switch {
	case len(e.active) > 0 && e.epochAt(t) > e.epoch:
		missed = e.CheckMissedSlot(e.epochStart.Add(e.cfg.EpochDuration))
		e.RotateEpoch(t)
	case len(e.active) == 0 && e.hasCandidate():
		e.RotateEpoch(t)
	}
	return append(missed, e.CheckMissedSlot(t)...)
}

// Epoch returns the current epoch number.
func (e *Engine) Epoch() uint64 {
	return e.epoch
}

// EpochStart returns the start time of the current epoch.
func (e *Engine) EpochStart() time.Time {
	return e.epochStart
}

// ActiveSet returns the producers of the current epoch in
// production order.
func (e *Engine) ActiveSet() []string {
	r := make([]string, len(e.active))
	copy(r, e.active)
	return r
}

func (e *Engine) slotAt(t time.Time) int64 {
	d := t.Sub(e.epochStart)
	if d < 0 {
		return -1
	}
	return int64(d / e.cfg.BlockTime)
}

func (e *Engine) producerAt(t time.Time) (string, bool) {
	if len(e.active) == 0 {
		return "", false
	}

	slot := e.slotAt(t)
	if slot < 0 {
		return "", false
	}
	return e.active[slot%int64(len(e.active))], true
}

// ExpectedProducer returns the validator scheduled to produce at
// now.
func (e *Engine) ExpectedProducer(now time.Time) (string, bool) {
	return e.producerAt(now)
}

func (e *Engine) minBlockGap() time.Duration {
	return time.Duration(float64(e.cfg.BlockTime) * e.cfg.EarlyBlockThreshold)
}

// Bootstrapping reports whether there is no active validator. Blocks
// are then mined by the bootstrap miner until a validator registers.
func (e *Engine) Bootstrapping() bool {
	return len(e.active) == 0
}

// CanProduce reports whether addr should produce the block following
// tip at now. The engine must have been advanced to now.
func (e *Engine) CanProduce(addr string, tip *ledger.Block, now time.Time) bool {
	p, ok := e.producerAt(now)
	if !ok || p != addr || e.produced[e.slotAt(now)] {
		return false
	}

	elapsed := now.Sub(time.UnixMilli(tip.Timestamp))
	return elapsed >= e.minBlockGap()
}

// ValidateProducer checks that b was produced by the validator
// scheduled at its timestamp, in a slot without a block yet and not
// earlier than the minimum block gap after prev. While there is no
// active validator only proof of work blocks of the bootstrap miner
// are accepted. The engine must have been advanced to the timestamp
// of b.
func (e *Engine) ValidateProducer(b, prev *ledger.Block) error {
	if e.Bootstrapping() {
		if b.ConsensusType != ledger.ProofOfWork {
			return fmt.Errorf("no active validator, expected a %s block", ledger.ProofOfWork)
		}

		if e.cfg.BootstrapMiner != "" && b.Miner != e.cfg.BootstrapMiner {
			return fmt.Errorf("bootstrap block mined by %.16s instead of %.16s", b.Miner, e.cfg.BootstrapMiner)
		}
		return nil
	}

	if b.ConsensusType != ledger.ProofOfVibe {
		return fmt.Errorf("expected a %s block, got %s", ledger.ProofOfVibe, b.ConsensusType)
	}

	if b.Epoch != e.epoch {
		return fmt.Errorf("block epoch %d, current epoch %d", b.Epoch, e.epoch)
	}

	at := time.UnixMilli(b.Timestamp)
	expected, ok := e.producerAt(at)
	if !ok {
		return errors.New("no scheduled producer")
	}

	if b.Validator != expected {
		return fmt.Errorf("validator %.16s is not the scheduled producer %.16s", b.Validator, expected)
	}

	if slot := e.slotAt(at); e.produced[slot] {
		return fmt.Errorf("slot %d already has a block", slot)
	}

	if v, ok := e.registry.Get(b.Validator); !ok || v.Name != b.ValidatorName {
		return fmt.Errorf("validator name %q does not match registry", b.ValidatorName)
	}

	gap := time.Duration(b.Timestamp-prev.Timestamp) * time.Millisecond
	if gap < e.minBlockGap() {
		return fmt.Errorf("%w: %v after previous block", validator.ErrTooEarly, gap)
	}
	return nil
}

func (e *Engine) voterPool(producer string, reward uint64) uint64 {
	if len(e.voting.Voters(producer)) == 0 {
		return 0
	}
	return uint64(float64(reward) * e.cfg.VoterShare)
}

// StampBlock turns a block prepared by the ledger for producer into
// a Proof of Vibe block of the current epoch. The voter share is
// taken out of the reward transaction, it is accrued to the voters
// when the block is recorded. The block still needs to be sealed.
func (e *Engine) StampBlock(b *ledger.Block, reward uint64) error {
	producer := b.Producer()
	v, ok := e.registry.Get(producer)
	if !ok {
		return fmt.Errorf("%.16s is not a registered validator", producer)
	}

	score, _ := e.Score(producer)
	b.ConsensusType = ledger.ProofOfVibe
	b.Validator = producer
	b.Miner = ""
	b.ValidatorName = v.Name
	b.VibeScore = score.TotalScore
	b.Epoch = e.epoch

	coinbase := &b.Transactions[0]
	coinbase.Amount -= e.voterPool(producer, reward)
	coinbase.ID = coinbase.ComputeID()
	b.MerkleRoot = ledger.MerkleRoot(b.Transactions)
	return nil
}

// ApplyBlock replays an appended block: its production is recorded
// and the consensus operations it confirms are applied at its
// timestamp. reward is the block reward of its era.
func (e *Engine) ApplyBlock(b *ledger.Block, reward uint64) {
	e.RecordBlock(b, reward)

	at := time.UnixMilli(b.Timestamp)
	for i := range b.Transactions {
		if t := &b.Transactions[i]; t.IsConsensusOp() {
			e.applyTransaction(t, at)
		}
	}
}

// RecordBlock accounts an appended Proof of Vibe block: production
// statistics and the voter rewards withheld from its reward
// transaction.
func (e *Engine) RecordBlock(b *ledger.Block, reward uint64) {
	if b.ConsensusType != ledger.ProofOfVibe || len(b.Transactions) == 0 {
		return
	}

	at := time.UnixMilli(b.Timestamp)
	e.registry.RecordProduced(b.Validator, at)
	if b.Epoch == e.epoch {
		if slot := e.slotAt(at); slot >= 0 {
			e.produced[slot] = true
		}
	}

	var pool uint64
	if due := reward + b.Fees(); due > b.Transactions[0].Amount {
		pool = due - b.Transactions[0].Amount
	}

	if pool > 0 {
		e.DistributeReward(b.Validator, pool)
	}
}

// DistributeReward splits pool among the voters of producer pro rata
// to their vote weight and accrues the shares. The rounding
// remainder, or the whole pool when there are no voters, goes to the
// producer.
func (e *Engine) DistributeReward(producer string, pool uint64) map[string]uint64 {
	voters := e.voting.Voters(producer)
	var total uint64
	for _, w := range voters {
		total += w
	}

	shares := make(map[string]uint64, len(voters)+1)
	var paid uint64
	if total > 0 {
		for voter, w := range voters {
			hi, lo := bits.Mul64(pool, w)
			share, _ := bits.Div64(hi, lo, total)
			shares[voter] += share
			paid += share
		}
	}

	if paid < pool {
		shares[producer] += pool - paid
	}

	for addr, s := range shares {
		e.rewards[addr] += s
	}
	return shares
}

// Rewards returns the voter rewards accrued to addr. The shares are
// accounted by the engine only: they are not paid by a transaction,
// so they do not show in ledger balances and can not be spent yet.
// Being replayed from the chain, accruals of blocks dropped by a
// reorganization are dropped with them.
func (e *Engine) Rewards(addr string) uint64 {
	return e.rewards[addr]
}

// CheckMissedSlot slashes the scheduled producers of the elapsed
// slots of the current epoch for which no block was recorded, and
// returns them.
func (e *Engine) CheckMissedSlot(now time.Time) []string {
	cur := e.slotAt(now)
	if len(e.active) == 0 || cur < 0 {
		return nil
	}

	var missed []string
	for s := e.checkedSlot + 1; s < cur; s++ {
		if e.produced[s] {
			continue
		}

		addr := e.active[s%int64(len(e.active))]
		e.registry.RecordMissed(addr)
		if _, err := e.Slash(addr, MissedBlock, 0); err != nil {
			log.Debug("missed block slash skipped", "addr", short(addr), "err", err)
		}
		missed = append(missed, addr)
	}

	if cur-1 > e.checkedSlot {
		e.checkedSlot = cur - 1
	}
	return missed
}

// Validator returns the registry entry of addr.
func (e *Engine) Validator(addr string) (ValidatorInfo, bool) {
	return e.registry.Get(addr)
}

// Validators returns every registered validator.
func (e *Engine) Validators() []ValidatorInfo {
	return e.registry.All()
}

// StakeInfo returns the stake of addr.
func (e *Engine) StakeInfo(addr string) (StakeInfo, bool) {
	return e.staking.Info(addr)
}

// Stakes returns every stake.
func (e *Engine) Stakes() []StakeInfo {
	return e.staking.Stakes()
}

// VoteRecord returns the vote of voter.
func (e *Engine) VoteRecord(voter string) (VoteRecord, bool) {
	return e.voting.Record(voter)
}

// VotesFor returns the voting power received by addr.
func (e *Engine) VotesFor(addr string) uint64 {
	return e.voting.VotesFor(addr)
}

func short(addr string) string {
	if len(addr) > 16 {
		return addr[:16]
	}
	return addr
}
