package consensus

import "time"

// VoteRecord is the current vote of a voter. The weights always sum
// up to TotalVotingPower.
type VoteRecord struct {
	Voter            string            `json:"voter"`
	Votes            map[string]uint64 `json:"votes"`
	TotalVotingPower uint64            `json:"totalVotingPower"`
	LastVoted        time.Time         `json:"lastVoted"`
}

func (r *VoteRecord) clone() VoteRecord {
	c := *r
	c.Votes = make(map[string]uint64, len(r.Votes))
	for k, v := range r.Votes {
		c.Votes[k] = v
	}
	return c
}

// Voting is the voting sub-ledger.
type Voting struct {
	cfg       Config
	records   map[string]*VoteRecord
	received  map[string]uint64
	lastVoted map[string]time.Time
}

// NewVoting creates an empty voting sub-ledger.
func NewVoting(cfg Config) *Voting {
	return &Voting{
		cfg:       cfg,
		records:   make(map[string]*VoteRecord),
		received:  make(map[string]uint64),
		lastVoted: make(map[string]time.Time),
	}
}

func (v *Voting) clone() *Voting {
	c := NewVoting(v.cfg)
	for voter, r := range v.records {
		rc := r.clone()
		c.records[voter] = &rc
	}
	for val, w := range v.received {
		c.received[val] = w
	}
	for voter, t := range v.lastVoted {
		c.lastVoted[voter] = t
	}
	return c
}

// Vote replaces the vote of voter. The voting power is capped and
// split equally over validators, the first validators of the list
// getting the remainder of the division. isCandidate tells whether
// an address can be voted for.
func (v *Voting) Vote(voter string, power uint64, validators []string, isCandidate func(string) bool, now time.Time) (VoteRecord, error) {
	const op = "vote"
	if len(validators) == 0 {
		return VoteRecord{}, adminErr(op, "empty validator list")
	}

	if len(validators) > v.cfg.MaxVoteTargets {
		return VoteRecord{}, adminErr(op, "can vote for at most %d validators", v.cfg.MaxVoteTargets)
	}

	seen := make(map[string]bool, len(validators))
	for _, val := range validators {
		if seen[val] {
			return VoteRecord{}, adminErr(op, "duplicate validator %s", val)
		}
		seen[val] = true

		if !isCandidate(val) {
			return VoteRecord{}, adminErr(op, "%s is not a registered validator", val)
		}
	}

	if last, ok := v.lastVoted[voter]; ok && now.Sub(last) < v.cfg.VoteCooldown {
		return VoteRecord{}, adminErr(op, "vote cooldown active until %s", last.Add(v.cfg.VoteCooldown).Format(time.RFC3339))
	}

	if power > v.cfg.VotePowerCap {
		power = v.cfg.VotePowerCap
	}

	n := uint64(len(validators))
	if power < n {
		return VoteRecord{}, adminErr(op, "voting power %d too small", power)
	}

	v.remove(voter)
	r := &VoteRecord{
		Voter:            voter,
		Votes:            make(map[string]uint64, n),
		TotalVotingPower: power,
		LastVoted:        now,
	}

	share, rem := power/n, power%n
	for i, val := range validators {
		w := share
		if uint64(i) < rem {
			w++
		}
		r.Votes[val] = w
		v.received[val] += w
	}

	v.records[voter] = r
	v.lastVoted[voter] = now
	return r.clone(), nil
}

// Unvote removes the vote of voter from every validator it
// supported. The cooldown of the voter is kept.
func (v *Voting) Unvote(voter string) error {
	if _, ok := v.records[voter]; !ok {
		return adminErr("unvote", "%s has not voted", voter)
	}

	v.remove(voter)
	return nil
}

func (v *Voting) remove(voter string) {
	r, ok := v.records[voter]
	if !ok {
		return
	}

	for val, w := range r.Votes {
		v.received[val] -= w
		if v.received[val] == 0 {
			delete(v.received, val)
		}
	}
	delete(v.records, voter)
}

// Record returns the vote of voter.
func (v *Voting) Record(voter string) (VoteRecord, bool) {
	r, ok := v.records[voter]
	if !ok {
		return VoteRecord{}, false
	}
	return r.clone(), true
}

// VotesFor returns the voting power received by validator.
func (v *Voting) VotesFor(validator string) uint64 {
	return v.received[validator]
}

// Voters returns the weight of every voter of validator.
func (v *Voting) Voters(validator string) map[string]uint64 {
	r := make(map[string]uint64)
	for voter, rec := range v.records {
		if w, ok := rec.Votes[validator]; ok {
			r[voter] = w
		}
	}
	return r
}
