package consensus

import (
	"context"
	"fmt"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

// Sealer seals stamped Proof of Vibe blocks by signing their hash
// with the validator key.
type Sealer struct {
	Key *ledger.Key
}

// Seal implements ledger.Sealer.
func (s Sealer) Seal(ctx context.Context, b *ledger.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.Validator != s.Key.Address() {
		return fmt.Errorf("block validator %.16s does not match sealing key", b.Validator)
	}

	b.Hash = b.ComputeHash()
	sig, err := s.Key.Sign(b.Hash)
	if err != nil {
		return err
	}

	b.Signature = sig
	return nil
}
