package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/storage"
)

func TestPeerBookCandidates(t *testing.T) {
	b := newPeerBook()
	b.Add("a:1")
	b.Add("b:1")
	b.Add("c:1")
	b.Success("b:1")
	b.Failure("c:1")
	b.Update("a:1", PeerScore{ValidBlocks: 4})

	assert.Equal(t, []string{"a:1", "b:1", "c:1"}, b.Candidates(nil, 5))
	assert.Equal(t, []string{"a:1"}, b.Candidates(nil, 1))
	assert.Equal(t, []string{"b:1", "c:1"}, b.Candidates(map[string]bool{"a:1": true}, 5))

	b.Remove("a:1")
	assert.False(t, b.Has("a:1"))
}

func TestPeerBookRestore(t *testing.T) {
	b := newPeerBook()
	b.Load([]storage.PeerRecord{
		{Address: "a:1", Score: -3},
		{Address: "b:1", Score: 7, LastSeen: 1700000000},
		{Address: ""},
	})

	assert.Equal(t, []string{"b:1", "a:1"}, b.Candidates(nil, 5))

	records := b.Records()
	assert.Len(t, records, 2)
	assert.Equal(t, "b:1", records[1].Address)
	assert.Equal(t, 7.0, records[1].Score)
	assert.Equal(t, int64(1700000000), records[1].LastSeen)
}
