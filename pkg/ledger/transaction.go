package ledger

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel senders of system issued transactions.
const (
	GenesisSender = "GENESIS"
	RewardSender  = "MINING_REWARD"
)

// ConsensusAddress is the recipient of consensus operations such as
// stakes and votes. Transactions sent to it move no value, they pay
// the fee and carry the operation in Data.
const ConsensusAddress = "VIBE_CONSENSUS"

// Coin is the number of base units in one VIBE.
const Coin uint64 = 100000000

// Transaction transfers Amount from From to To, paying Fee to the
// block producer.
type Transaction struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// txnContent is the hashed part of a transaction. Id and signature
// are derived from it.
type txnContent struct {
	From      string
	To        string
	Amount    uint64
	Fee       uint64
	Timestamp uint64
	Data      string
}

// NewTransaction creates an unsigned transaction with its id set.
func NewTransaction(from, to string, amount, fee uint64, timestamp int64, data string) *Transaction {
	t := &Transaction{
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       fee,
		Timestamp: timestamp,
		Data:      data,
	}
	t.ID = t.ComputeID()
	return t
}

// IsSystemSender reports whether addr is one of the sentinel senders.
func IsSystemSender(addr string) bool {
	return addr == GenesisSender || addr == RewardSender
}

// IsSystem reports whether the transaction issues new value.
func (t *Transaction) IsSystem() bool {
	return IsSystemSender(t.From)
}

// Encode encodes the hashed content of the transaction.
func (t *Transaction) Encode() []byte {
	return rlpEncode(txnContent{
		From:      t.From,
		To:        t.To,
		Amount:    t.Amount,
		Fee:       t.Fee,
		Timestamp: uint64(t.Timestamp),
		Data:      t.Data,
	})
}

// ComputeID recomputes the content hash of the transaction.
func (t *Transaction) ComputeID() string {
	return HashHex(t.Encode())
}

// Cost is the amount debited from the sender. It is only meaningful
// when CostOverflows is false.
func (t *Transaction) Cost() uint64 {
	return t.Amount + t.Fee
}

// CostOverflows reports whether amount plus fee does not fit in a
// uint64.
func (t *Transaction) CostOverflows() bool {
	return t.Amount > math.MaxUint64-t.Fee
}

// IsConsensusOp reports whether the transaction carries a consensus
// operation.
func (t *Transaction) IsConsensusOp() bool {
	return t.To == ConsensusAddress
}

// Sign sets the id and signs the transaction with k. The key must
// belong to the sender.
func (t *Transaction) Sign(k *Key) error {
	if k.Address() != t.From {
		return errors.New("signing key does not match sender")
	}

	t.ID = t.ComputeID()
	sig, err := k.Sign(t.ID)
	if err != nil {
		return err
	}

	t.Signature = sig
	return nil
}

// VerifySignature checks the signature against the sender address.
// System transactions carry no signature and always verify.
func (t *Transaction) VerifySignature() bool {
	if t.IsSystem() {
		return true
	}

	if t.Signature == "" {
		return false
	}

	return VerifySignature(t.From, t.ComputeID(), t.Signature)
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn %.12s %.12s -> %.12s amount=%d fee=%d", t.ID, t.From, t.To, t.Amount, t.Fee)
}
