// Package storage persists the chain, the pending pool, the peer
// book and the transaction indices on a key value backend. It does
// not validate anything it stores.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

var (
	keyHeight       = []byte("chain:height")
	keyMeta         = []byte("chain:meta")
	keyPendingCount = []byte("pending:count")
	keyPeers        = []byte("peers")
)

func blockKey(i uint64) []byte     { return []byte("block:" + strconv.FormatUint(i, 10)) }
func blockHashKey(h string) []byte { return []byte("blockhash:" + h) }
func pendingKey(i int) []byte      { return []byte("pending:" + strconv.Itoa(i)) }
func txKey(id string) []byte       { return []byte("tx:" + id) }
func addrKey(addr string) []byte   { return []byte("addr:" + addr) }

// ChainMeta is the chain metadata saved with the blocks.
type ChainMeta struct {
	Height     uint64 `json:"height"`
	TipHash    string `json:"tipHash"`
	Difficulty int    `json:"difficulty"`
	Reward     uint64 `json:"reward"`
	SavedAt    int64  `json:"savedAt"`
}

// Chain is a loaded chain.
type Chain struct {
	Meta    ChainMeta
	Blocks  []*ledger.Block
	Pending []ledger.Transaction
}

// TxRecord is an indexed confirmed transaction.
type TxRecord struct {
	Transaction ledger.Transaction `json:"transaction"`
	BlockIndex  uint64             `json:"blockIndex"`
}

// PeerRecord is a known peer.
type PeerRecord struct {
	Address  string  `json:"address"`
	Score    float64 `json:"score"`
	LastSeen int64   `json:"lastSeen"`
}

// Store is the storage of a node.
type Store struct {
	db Backend
}

// New creates a store on db.
func New(db Backend) *Store {
	return &Store{db: db}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getJSON(key []byte, v interface{}) error {
	b, err := s.db.Get(key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("corrupt value at %s: %w", key, err)
	}
	return nil
}

func putJSON(w interface{ Put(k, v []byte) error }, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Put(key, b)
}

func (s *Store) height() (uint64, bool, error) {
	b, err := s.db.Get(keyHeight)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}

	h, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt chain height %q: %w", b, err)
	}
	return h, true, nil
}

// SaveBlockchain saves the chain, its metadata and the pending
// pool. Only the blocks differing from the saved chain are written.
func (s *Store) SaveBlockchain(blocks []*ledger.Block, difficulty int, reward uint64, pending []ledger.Transaction) error {
	if len(blocks) == 0 {
		return errors.New("empty chain")
	}

	oldHeight, saved, err := s.height()
	if err != nil {
		return err
	}

	tip := uint64(len(blocks) - 1)
	batch := s.db.NewBatch()
	start := uint64(0)
	if saved {
		start = s.firstDifferent(blocks, oldHeight)
		for i := start; i <= oldHeight; i++ {
			var old ledger.Block
			if err := s.getJSON(blockKey(i), &old); err != nil {
				continue
			}

			if err := batch.Delete(blockHashKey(old.Hash)); err != nil {
				return err
			}

			if i > tip {
				if err := batch.Delete(blockKey(i)); err != nil {
					return err
				}
			}
		}
	}

	for i := start; i <= tip; i++ {
		b := blocks[i]
		if err := putJSON(batch, blockKey(b.Index), b); err != nil {
			return err
		}

		if err := batch.Put(blockHashKey(b.Hash), []byte(strconv.FormatUint(b.Index, 10))); err != nil {
			return err
		}
	}

	meta := ChainMeta{
		Height:     tip,
		TipHash:    blocks[tip].Hash,
		Difficulty: difficulty,
		Reward:     reward,
		SavedAt:    time.Now().Unix(),
	}
	if err := putJSON(batch, keyMeta, meta); err != nil {
		return err
	}

	if err := batch.Put(keyHeight, []byte(strconv.FormatUint(tip, 10))); err != nil {
		return err
	}

	if err := s.writePending(batch, pending); err != nil {
		return err
	}
	return batch.Write()
}

// firstDifferent returns the first index at which the saved chain
// differs from blocks.
func (s *Store) firstDifferent(blocks []*ledger.Block, oldHeight uint64) uint64 {
	i := oldHeight
	if tip := uint64(len(blocks) - 1); tip < i {
		i = tip
	}

	for {
		b, err := s.db.Get(blockHashKey(blocks[i].Hash))
		if err == nil && string(b) == strconv.FormatUint(i, 10) {
			return i + 1
		}

		if i == 0 {
			return 0
		}
		i--
	}
}

func (s *Store) writePending(batch Batch, pending []ledger.Transaction) error {
	var oldCount int
	if b, err := s.db.Get(keyPendingCount); err == nil {
		oldCount, _ = strconv.Atoi(string(b))
	}

	for i := range pending {
		if err := putJSON(batch, pendingKey(i), &pending[i]); err != nil {
			return err
		}
	}

	for i := len(pending); i < oldCount; i++ {
		if err := batch.Delete(pendingKey(i)); err != nil {
			return err
		}
	}
	return batch.Put(keyPendingCount, []byte(strconv.Itoa(len(pending))))
}

// LoadBlockchain loads the saved chain. It returns ErrNotFound when
// no chain was saved.
func (s *Store) LoadBlockchain() (*Chain, error) {
	height, saved, err := s.height()
	if err != nil {
		return nil, err
	}

	if !saved {
		return nil, ErrNotFound
	}

	c := &Chain{Blocks: make([]*ledger.Block, 0, height+1)}
	if err := s.getJSON(keyMeta, &c.Meta); err != nil {
		return nil, err
	}

	for i := uint64(0); i <= height; i++ {
		var b ledger.Block
		if err := s.getJSON(blockKey(i), &b); err != nil {
			return nil, fmt.Errorf("load block %d: %w", i, err)
		}
		c.Blocks = append(c.Blocks, &b)
	}

	if b, err := s.db.Get(keyPendingCount); err == nil {
		n, err := strconv.Atoi(string(b))
		if err != nil {
			return nil, fmt.Errorf("corrupt pending count %q: %w", b, err)
		}

		for i := 0; i < n; i++ {
			var t ledger.Transaction
			if err := s.getJSON(pendingKey(i), &t); err != nil {
				return nil, fmt.Errorf("load pending transaction %d: %w", i, err)
			}
			c.Pending = append(c.Pending, t)
		}
	}
	return c, nil
}

// BlockIndex returns the index of the saved block with hash h.
func (s *Store) BlockIndex(h string) (uint64, error) {
	b, err := s.db.Get(blockHashKey(h))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(b), 10, 64)
}

// SavePeers replaces the saved peer book.
func (s *Store) SavePeers(peers []PeerRecord) error {
	return putJSON(s.db, keyPeers, peers)
}

// LoadPeers returns the saved peer book.
func (s *Store) LoadPeers() ([]PeerRecord, error) {
	var peers []PeerRecord
	err := s.getJSON(keyPeers, &peers)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return peers, err
}

// IndexTransaction indexes a confirmed transaction by id and by the
// addresses it touches.
func (s *Store) IndexTransaction(t ledger.Transaction, blockIndex uint64) error {
	batch := s.db.NewBatch()
	if err := putJSON(batch, txKey(t.ID), TxRecord{Transaction: t, BlockIndex: blockIndex}); err != nil {
		return err
	}

	for _, addr := range []string{t.From, t.To} {
		if ledger.IsSystemSender(addr) {
			continue
		}

		ids, err := s.AddressHistory(addr)
		if err != nil {
			return err
		}

		if contains(ids, t.ID) {
			continue
		}

		if err := putJSON(batch, addrKey(addr), append(ids, t.ID)); err != nil {
			return err
		}

		if t.From == t.To {
			break
		}
	}
	return batch.Write()
}

// IndexBlock indexes every transaction of b.
func (s *Store) IndexBlock(b *ledger.Block) error {
	for _, t := range b.Transactions {
		if err := s.IndexTransaction(t, b.Index); err != nil {
			return err
		}
	}
	return nil
}

// GetTransaction returns an indexed transaction.
func (s *Store) GetTransaction(id string) (TxRecord, error) {
	var r TxRecord
	err := s.getJSON(txKey(id), &r)
	return r, err
}

// AddressHistory returns the ids of the indexed transactions
// touching addr, oldest first.
func (s *Store) AddressHistory(addr string) ([]string, error) {
	var ids []string
	err := s.getJSON(addrKey(addr), &ids)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
