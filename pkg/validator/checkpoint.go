package validator

import (
	"fmt"
	"sort"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

// Checkpoints pins block indices to known hashes. Entries can only
// be added. The genesis block is always pinned.
type Checkpoints struct {
	m map[uint64]string
}

// NewCheckpoints creates a table holding the genesis checkpoint.
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{m: map[uint64]string{0: ledger.GenesisHash()}}
}

// Add pins index to hash. Adding an index again with another hash is
// an error.
func (c *Checkpoints) Add(index uint64, hash string) error {
	if h, ok := c.m[index]; ok {
		if h != hash {
			return fmt.Errorf("checkpoint %d already pinned to %s", index, h)
		}
		return nil
	}

	c.m[index] = hash
	return nil
}

// Hash returns the pinned hash of index.
func (c *Checkpoints) Hash(index uint64) (string, bool) {
	h, ok := c.m[index]
	return h, ok
}

// Indices returns the pinned indices in increasing order.
func (c *Checkpoints) Indices() []uint64 {
	r := make([]uint64, 0, len(c.m))
	for i := range c.m {
		r = append(r, i)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Check checks the block against its checkpoint, if any.
func (c *Checkpoints) Check(b *ledger.Block) Result {
	if c == nil {
		return ok
	}

	h, pinned := c.m[b.Index]
	if pinned && h != b.Hash {
		return fail(Structural, Checkpoint, b.Index, -1, "block hash %.16s does not match checkpoint %.16s", b.Hash, h)
	}
	return ok
}

// CheckChain checks every pinned index covered by blocks.
func (c *Checkpoints) CheckChain(blocks []*ledger.Block) Result {
	if c == nil {
		return ok
	}

	for _, i := range c.Indices() {
		if i >= uint64(len(blocks)) {
			break
		}

		if h := c.m[i]; blocks[i].Hash != h {
			return fail(Structural, Checkpoint, i, -1, "block hash %.16s does not match checkpoint %.16s", blocks[i].Hash, h)
		}
	}
	return ok
}
