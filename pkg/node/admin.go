package node

import (
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/consensus"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

// submitOp signs op with the node key and submits it. The operation
// takes effect when its transaction is confirmed.
func (n *Node) submitOp(op consensus.Op) (*ledger.Transaction, error) {
	if n.cfg.Key == nil {
		return nil, ErrNoKey
	}

	t, err := consensus.NewOpTransaction(n.cfg.Key, op, n.cfg.OpFee, time.Now())
	if err != nil {
		return nil, err
	}

	if err := n.SubmitTransaction(t); err != nil {
		return nil, err
	}
	n.log.Info("submitted consensus operation", "op", op.Kind, "id", t.ID)
	return t, nil
}

// Stake stakes amount of the balance of the node key.
func (n *Node) Stake(amount uint64, asValidator bool) (*ledger.Transaction, error) {
	return n.submitOp(consensus.Op{Kind: consensus.OpStake, Amount: amount, Validator: asValidator})
}

// Unstake withdraws amount from the stake of the node key.
func (n *Node) Unstake(amount uint64) (*ledger.Transaction, error) {
	return n.submitOp(consensus.Op{Kind: consensus.OpUnstake, Amount: amount})
}

// Delegate delegates amount of the balance of the node key to a
// registered validator.
func (n *Node) Delegate(to string, amount uint64) (*ledger.Transaction, error) {
	return n.submitOp(consensus.Op{Kind: consensus.OpDelegate, To: to, Amount: amount})
}

// Vote replaces the vote of the node key.
func (n *Node) Vote(power uint64, validators []string) (*ledger.Transaction, error) {
	return n.submitOp(consensus.Op{Kind: consensus.OpVote, Power: power, Validators: validators})
}

// Unvote removes the vote of the node key.
func (n *Node) Unvote() (*ledger.Transaction, error) {
	return n.submitOp(consensus.Op{Kind: consensus.OpUnvote})
}

// RegisterValidator registers the node key under name.
func (n *Node) RegisterValidator(name string) (*ledger.Transaction, error) {
	return n.submitOp(consensus.Op{Kind: consensus.OpRegister, Name: name})
}

// AddContributionScore awards merit points to a validator. Only the
// genesis key can award them.
func (n *Node) AddContributionScore(addr string, points float64) (*ledger.Transaction, error) {
	return n.submitOp(consensus.Op{Kind: consensus.OpContribution, To: addr, Points: points})
}

// BecomeValidator submits the minimum validator stake for the node
// key, unless it already holds one, and its registration under name.
func (n *Node) BecomeValidator(name string) error {
	addr := n.Address()
	if addr == "" {
		return ErrNoKey
	}

	n.mu.Lock()
	info, ok := n.engine.StakeInfo(addr)
	n.mu.Unlock()

	if !ok || !info.IsValidator {
		if _, err := n.Stake(n.cfg.Consensus.MinValidatorStake, true); err != nil {
			return err
		}
	}

	_, err := n.RegisterValidator(name)
	return err
}

// Scores returns the validator ranking.
func (n *Node) Scores() []consensus.VibeScore {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Scores()
}

// Validators returns the registered validators.
func (n *Node) Validators() []consensus.ValidatorInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Validators()
}

// Rewards returns the voter rewards accrued to addr on the local
// chain. They are not part of the ledger balance.
func (n *Node) Rewards(addr string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Rewards(addr)
}

// Available returns the balance of addr not reserved by staking.
func (n *Node) Available(addr string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Available(addr)
}
