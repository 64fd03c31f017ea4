package consensus

import (
	"math"
	"sort"
	"time"
)

// SlashReason is the reason of a slash.
type SlashReason string

// slash reasons
const (
	MissedBlock SlashReason = "missedBlock"
	DoubleSign  SlashReason = "doubleSign"
	Inactivity  SlashReason = "inactivity"
)

// StakeInfo is the stake of an address. A stake reserves part of
// the address balance, it does not move value on the chain.
type StakeInfo struct {
	Address     string    `json:"address"`
	Amount      uint64    `json:"amount"`
	StakedAt    time.Time `json:"stakedAt"`
	LockedUntil time.Time `json:"lockedUntil"`
	IsValidator bool      `json:"isValidator"`
	DelegatedTo string    `json:"delegatedTo,omitempty"`
}

// Staking is the staking sub-ledger.
type Staking struct {
	cfg    Config
	stakes map[string]*StakeInfo
	// forfeited is the slashed amount per address. It stays
	// reserved forever.
	forfeited map[string]uint64
}

// NewStaking creates an empty staking sub-ledger.
func NewStaking(cfg Config) *Staking {
	return &Staking{
		cfg:       cfg,
		stakes:    make(map[string]*StakeInfo),
		forfeited: make(map[string]uint64),
	}
}

func (s *Staking) clone() *Staking {
	c := NewStaking(s.cfg)
	for addr, info := range s.stakes {
		i := *info
		c.stakes[addr] = &i
	}
	for addr, f := range s.forfeited {
		c.forfeited[addr] = f
	}
	return c
}

// Reserved returns the part of the balance of addr that is staked or
// forfeited.
func (s *Staking) Reserved(addr string) uint64 {
	r := s.forfeited[addr]
	if info, ok := s.stakes[addr]; ok {
		r += info.Amount
	}
	return r
}

// Forfeited returns the slashed amount of addr.
func (s *Staking) Forfeited(addr string) uint64 {
	return s.forfeited[addr]
}

// Info returns the stake of addr.
func (s *Staking) Info(addr string) (StakeInfo, bool) {
	info, ok := s.stakes[addr]
	if !ok {
		return StakeInfo{}, false
	}
	return *info, true
}

// IsValidator reports whether addr holds a validator stake.
func (s *Staking) IsValidator(addr string) bool {
	info, ok := s.stakes[addr]
	return ok && info.IsValidator
}

// Stake stakes amount for addr. available is the part of the
// balance of addr that is not reserved yet. Every stake top up
// restarts the lock period.
func (s *Staking) Stake(addr string, amount, available uint64, asValidator bool, now time.Time) (StakeInfo, error) {
	const op = "stake"
	if amount == 0 {
		return StakeInfo{}, adminErr(op, "amount must be positive")
	}

	if amount > available {
		return StakeInfo{}, adminErr(op, "amount %d exceeds available balance %d", amount, available)
	}

	info, exists := s.stakes[addr]
	var current uint64
	if exists {
		current = info.Amount
		if asValidator && info.DelegatedTo != "" {
			return StakeInfo{}, adminErr(op, "stake is delegated to %s", info.DelegatedTo)
		}
	}

	validator := asValidator || (exists && info.IsValidator)
	if validator && current+amount < s.cfg.MinValidatorStake {
		return StakeInfo{}, adminErr(op, "validator stake %d below minimum %d", current+amount, s.cfg.MinValidatorStake)
	}

	if !validator && current+amount < s.cfg.MinDelegation {
		return StakeInfo{}, adminErr(op, "stake %d below minimum %d", current+amount, s.cfg.MinDelegation)
	}

	if !exists {
		info = &StakeInfo{Address: addr}
		s.stakes[addr] = info
	}

	info.Amount += amount
	info.StakedAt = now
	info.LockedUntil = now.Add(s.cfg.LockPeriod)
	info.IsValidator = validator
	return *info, nil
}

// Unstake withdraws amount from the stake of addr once the lock
// period is over. A validator falling below the minimum stake is
// demoted.
func (s *Staking) Unstake(addr string, amount uint64, now time.Time) (StakeInfo, error) {
	const op = "unstake"
	info, ok := s.stakes[addr]
	if !ok {
		return StakeInfo{}, adminErr(op, "no stake for %s", addr)
	}

	if now.Before(info.LockedUntil) {
		return StakeInfo{}, adminErr(op, "stake locked until %s", info.LockedUntil.Format(time.RFC3339))
	}

	if amount == 0 || amount > info.Amount {
		return StakeInfo{}, adminErr(op, "invalid amount %d, staked %d", amount, info.Amount)
	}

	info.Amount -= amount
	s.demote(info)
	r := *info
	if info.Amount == 0 {
		delete(s.stakes, addr)
	}
	return r, nil
}

// Delegate stakes amount of delegator on behalf of a validator.
// isRegistered tells whether the target is a registered validator.
func (s *Staking) Delegate(delegator, validator string, amount, available uint64, isRegistered bool, now time.Time) (StakeInfo, error) {
	const op = "delegate"
	if !isRegistered || !s.IsValidator(validator) {
		return StakeInfo{}, adminErr(op, "%s is not a registered validator", validator)
	}

	if delegator == validator {
		return StakeInfo{}, adminErr(op, "can not delegate to self")
	}

	if amount < s.cfg.MinDelegation {
		return StakeInfo{}, adminErr(op, "amount %d below minimum delegation %d", amount, s.cfg.MinDelegation)
	}

	if amount > available {
		return StakeInfo{}, adminErr(op, "amount %d exceeds available balance %d", amount, available)
	}

	info, ok := s.stakes[delegator]
	if ok {
		if info.IsValidator {
			return StakeInfo{}, adminErr(op, "validators can not delegate")
		}

		if info.DelegatedTo != "" && info.DelegatedTo != validator {
			return StakeInfo{}, adminErr(op, "already delegating to %s", info.DelegatedTo)
		}
	} else {
		info = &StakeInfo{Address: delegator}
		s.stakes[delegator] = info
	}

	info.Amount += amount
	info.DelegatedTo = validator
	info.StakedAt = now
	info.LockedUntil = now.Add(s.cfg.LockPeriod)
	return *info, nil
}

// SlashRate returns the fraction of stake removed for reason.
// hoursInactive only matters for inactivity.
func (s *Staking) SlashRate(reason SlashReason, hoursInactive float64) float64 {
	switch reason {
	case MissedBlock:
		return s.cfg.MissedBlockSlash
	case DoubleSign:
		return s.cfg.DoubleSignSlash
	case Inactivity:
		return math.Min(s.cfg.InactivitySlashPerHour*math.Max(hoursInactive, 0), s.cfg.MaxInactivitySlash)
	default:
		return 0
	}
}

// Slash removes a fraction of the stake of addr and returns the
// removed amount.
func (s *Staking) Slash(addr string, reason SlashReason, hoursInactive float64) (uint64, error) {
	const op = "slash"
	info, ok := s.stakes[addr]
	if !ok {
		return 0, adminErr(op, "no stake for %s", addr)
	}

	rate := s.SlashRate(reason, hoursInactive)
	if rate <= 0 {
		return 0, adminErr(op, "unknown reason %q", reason)
	}

	amount := uint64(float64(info.Amount) * rate)
	info.Amount -= amount
	s.forfeited[addr] += amount
	s.demote(info)
	return amount, nil
}

func (s *Staking) demote(info *StakeInfo) {
	if info.IsValidator && info.Amount < s.cfg.MinValidatorStake {
		info.IsValidator = false
	}
}

// TotalStake returns the own stake of a validator plus the stake
// delegated to it.
func (s *Staking) TotalStake(validator string) uint64 {
	var total uint64
	for _, info := range s.stakes {
		if info.Address == validator || info.DelegatedTo == validator {
			total += info.Amount
		}
	}
	return total
}

// Stakes returns every stake ordered by address.
func (s *Staking) Stakes() []StakeInfo {
	r := make([]StakeInfo, 0, len(s.stakes))
	for _, info := range s.stakes {
		r = append(r, *info)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Address < r[j].Address })
	return r
}
