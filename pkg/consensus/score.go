package consensus

import "sort"

// ScoreInput is what a validator is scored on.
type ScoreInput struct {
	Address      string
	Name         string
	Stake        uint64
	Votes        uint64
	Contribution float64
}

// VibeScore is the score of a validator. The partial scores are
// normalized to 0-100 against the network maximum.
type VibeScore struct {
	Address           string  `json:"address"`
	Name              string  `json:"name"`
	StakeScore        float64 `json:"stakeScore"`
	VoteScore         float64 `json:"voteScore"`
	ContributionScore float64 `json:"contributionScore"`
	TotalScore        float64 `json:"totalScore"`
	Rank              int     `json:"rank"`
}

func normalize(v, top float64) float64 {
	if top <= 0 {
		return 0
	}
	return v / top * 100
}

// ComputeScores scores and ranks the validators. Ties are broken by
// stake, then by address.
func ComputeScores(inputs []ScoreInput, cfg Config) []VibeScore {
	var maxStake, maxVotes, maxContrib float64
	for _, in := range inputs {
		if s := float64(in.Stake); s > maxStake {
			maxStake = s
		}
		if v := float64(in.Votes); v > maxVotes {
			maxVotes = v
		}
		if in.Contribution > maxContrib {
			maxContrib = in.Contribution
		}
	}

	scores := make([]VibeScore, len(inputs))
	stakes := make(map[string]uint64, len(inputs))
	for i, in := range inputs {
		s := VibeScore{
			Address:           in.Address,
			Name:              in.Name,
			StakeScore:        normalize(float64(in.Stake), maxStake),
			VoteScore:         normalize(float64(in.Votes), maxVotes),
			ContributionScore: normalize(in.Contribution, maxContrib),
		}
		s.TotalScore = cfg.StakeWeight*s.StakeScore + cfg.VoteWeight*s.VoteScore + cfg.ContributionWeight*s.ContributionScore
		scores[i] = s
		stakes[in.Address] = in.Stake
	}

	sort.Slice(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if stakes[a.Address] != stakes[b.Address] {
			return stakes[a.Address] > stakes[b.Address]
		}
		return a.Address < b.Address
	})

	for i := range scores {
		scores[i].Rank = i + 1
	}
	return scores
}
