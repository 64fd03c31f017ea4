package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/storage"
)

// PeerStore persists the peer book.
type PeerStore interface {
	SavePeers(peers []storage.PeerRecord) error
	LoadPeers() ([]storage.PeerRecord, error)
}

// peerBook holds the known peer addresses and their scores.
type peerBook struct {
	mu    sync.Mutex
	peers map[string]*PeerScore
	// restored is the persisted score value of addresses loaded
	// from the store, used until a fresh record replaces it.
	restored map[string]float64
}

func newPeerBook() *peerBook {
	return &peerBook{
		peers:    make(map[string]*PeerScore),
		restored: make(map[string]float64),
	}
}

func (b *peerBook) Add(addr string) {
	if addr == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[addr]; !ok {
		b.peers[addr] = &PeerScore{}
	}
}

func (b *peerBook) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, addr)
	delete(b.restored, addr)
}

func (b *peerBook) Has(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.peers[addr]
	return ok
}

func (b *peerBook) entry(addr string) *PeerScore {
	s, ok := b.peers[addr]
	if !ok {
		s = &PeerScore{}
		b.peers[addr] = s
	}
	return s
}

func (b *peerBook) Success(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(addr)
	s.SuccessfulConnections++
	s.LastSeen = time.Now()
}

func (b *peerBook) Failure(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(addr).FailedConnections++
}

// Update merges the score of a finished connection.
func (b *peerBook) Update(addr string, session PeerScore) {
	if addr == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(addr)
	s.ValidBlocks += session.ValidBlocks
	s.InvalidBlocks += session.InvalidBlocks
	if session.Latency > 0 {
		s.Latency = session.Latency
	}
	if session.LastSeen.After(s.LastSeen) {
		s.LastSeen = session.LastSeen
	}
}

func (b *peerBook) value(addr string) float64 {
	v := b.peers[addr].Value()
	if r, ok := b.restored[addr]; ok {
		v += r
	}
	return v
}

// Candidates returns at most n addresses not in exclude, best
// scored first.
func (b *peerBook) Candidates(exclude map[string]bool, n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var r []string
	for addr := range b.peers {
		if !exclude[addr] {
			r = append(r, addr)
		}
	}

	sort.Slice(r, func(i, j int) bool {
		vi, vj := b.value(r[i]), b.value(r[j])
		if vi != vj {
			return vi > vj
		}
		return r[i] < r[j]
	})

	if len(r) > n {
		r = r[:n]
	}
	return r
}

func (b *peerBook) Records() []storage.PeerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := make([]storage.PeerRecord, 0, len(b.peers))
	for addr, s := range b.peers {
		var seen int64
		if !s.LastSeen.IsZero() {
			seen = s.LastSeen.Unix()
		}
		r = append(r, storage.PeerRecord{Address: addr, Score: b.value(addr), LastSeen: seen})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Address < r[j].Address })
	return r
}

func (b *peerBook) Load(records []storage.PeerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		if rec.Address == "" {
			continue
		}
		s := b.entry(rec.Address)
		if rec.LastSeen > 0 {
			s.LastSeen = time.Unix(rec.LastSeen, 0)
		}
		b.restored[rec.Address] = rec.Score
	}
}
