package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/metrics"
)

// light node errors
var (
	ErrLightNode     = errors.New("light nodes do not store blocks")
	ErrNoFullPeer    = errors.New("no full node connected")
	ErrUnknownHeader = errors.New("header not synced")
	ErrInvalidProof  = errors.New("invalid inclusion proof")
	ErrProofNotFound = errors.New("transaction not confirmed")
	errHeaderGap     = errors.New("header does not follow the tip")
	errHeaderFork    = errors.New("header conflicts with the local chain")
)

const proofCacheSize = 1024

// LightNode follows the chain through block headers only. It
// verifies transactions with inclusion proofs served by full nodes
// and never produces blocks.
type LightNode struct {
	srv    *Server
	log    log.Logger
	proofs *lru.Cache

	mu      sync.RWMutex
	headers []ledger.Header
	watched map[string]bool
	waiters map[string][]chan TxProofData

	confirmations chan TxConfirmedData
}

// NewLightNode creates a light node. cfg.Capabilities is replaced
// by the light capability.
func NewLightNode(cfg Config, store PeerStore, m *metrics.Metrics) (*LightNode, error) {
	cfg.Capabilities = []Capability{CapLight}
	proofs, err := lru.New(proofCacheSize)
	if err != nil {
		return nil, err
	}

	ln := &LightNode{
		log:           log.New("module", "light", "node", short(cfg.NodeID)),
		proofs:        proofs,
		headers:       []ledger.Header{ledger.Genesis().Header()},
		watched:       make(map[string]bool),
		waiters:       make(map[string][]chan TxProofData),
		confirmations: make(chan TxConfirmedData, 64),
	}

	srv, err := NewServer(cfg, lightBackend{ln}, store, m)
	if err != nil {
		return nil, err
	}
	srv.light = ln
	ln.srv = srv
	return ln, nil
}

// Server returns the underlying server.
func (ln *LightNode) Server() *Server {
	return ln.srv
}

// Connect dials a full node.
func (ln *LightNode) Connect(ctx context.Context, addr string) (*Peer, error) {
	return ln.srv.Connect(ctx, addr)
}

// Run starts listening and runs discovery and heartbeats until ctx
// is done.
func (ln *LightNode) Run(ctx context.Context) error {
	if err := ln.srv.Start(); err != nil {
		return err
	}
	return ln.srv.Run(ctx)
}

// Stop disconnects every peer.
func (ln *LightNode) Stop() {
	ln.srv.Stop()
}

// ProduceBlock always fails, light nodes hold no transactions.
func (ln *LightNode) ProduceBlock() error {
	return ErrLightNode
}

// Height returns the index of the last synced header.
func (ln *LightNode) Height() uint64 {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	return uint64(len(ln.headers) - 1)
}

// Tip returns the last synced header.
func (ln *LightNode) Tip() ledger.Header {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	return ln.headers[len(ln.headers)-1]
}

// Header returns the synced header at index i.
func (ln *LightNode) Header(i uint64) (ledger.Header, bool) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	if i >= uint64(len(ln.headers)) {
		return ledger.Header{}, false
	}
	return ln.headers[i], true
}

func (ln *LightNode) headerRange(from uint64, limit int) []ledger.Header {
	ln.mu.RLock()
	defer ln.mu.RUnlock()

	n := uint64(len(ln.headers))
	if from >= n {
		return nil
	}

	to := from + uint64(limit)
	if to > n {
		to = n
	}
	return append([]ledger.Header(nil), ln.headers[from:to]...)
}

func verifyHeader(h, prev *ledger.Header) error {
	if h.Index != prev.Index+1 || h.PreviousHash != prev.Hash {
		return errHeaderGap
	}

	if h.ComputeHash() != h.Hash {
		return fmt.Errorf("header %d: hash mismatch", h.Index)
	}

	if h.Timestamp <= prev.Timestamp {
		return fmt.Errorf("header %d: timestamp not after its parent", h.Index)
	}

	switch h.ConsensusType {
	case ledger.ProofOfWork:
		if !ledger.MeetsDifficulty(h.Hash, h.Difficulty) {
			return fmt.Errorf("header %d: insufficient work", h.Index)
		}
	case ledger.ProofOfVibe:
		if !ledger.VerifySignature(h.Validator, h.Hash, h.Signature) {
			return fmt.Errorf("header %d: bad validator signature", h.Index)
		}
	default:
		return fmt.Errorf("header %d: unknown consensus type %q", h.Index, h.ConsensusType)
	}
	return nil
}

// AddHeaders verifies and appends headers extending the tip. Headers
// already held are skipped. It returns the number of headers added.
func (ln *LightNode) AddHeaders(hs []ledger.Header) (int, error) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	added := 0
	for i := range hs {
		h := &hs[i]
		n := uint64(len(ln.headers))
		if h.Index < n {
			if ln.headers[h.Index].Hash != h.Hash {
				return added, errHeaderFork
			}
			continue
		}

		if err := verifyHeader(h, &ln.headers[n-1]); err != nil {
			return added, err
		}
		ln.headers = append(ln.headers, *h)
		added++
	}
	return added, nil
}

// replaceHeaders switches to a longer header chain starting at
// genesis.
func (ln *LightNode) replaceHeaders(hs []ledger.Header) error {
	if len(hs) == 0 || hs[0].Hash != ledger.GenesisHash() {
		return errHeaderFork
	}

	for i := 1; i < len(hs); i++ {
		if err := verifyHeader(&hs[i], &hs[i-1]); err != nil {
			return err
		}
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	if len(hs) <= len(ln.headers) {
		return errHeaderFork
	}
	ln.headers = hs
	return nil
}

// syncHeaders downloads the headers the peer has beyond the local
// tip.
func (ln *LightNode) syncHeaders(p *Peer) {
	for ln.Height() < p.Height() {
		data, ok := ln.requestHeaders(p, ln.Height()+1)
		if !ok || len(data.Headers) == 0 {
			return
		}

		_, err := ln.AddHeaders(data.Headers)
		switch {
		case err == nil:
		case errors.Is(err, errHeaderFork), errors.Is(err, errHeaderGap):
			ln.resync(p)
			return
		default:
			ln.log.Warn("invalid headers from peer", "peer", short(p.ID()), "err", err)
			ln.srv.report(p, InvalidBlock)
			return
		}
	}
}

func (ln *LightNode) requestHeaders(p *Peer, from uint64) (HeadersData, bool) {
	select {
	case <-p.headersCh:
	default:
	}

	err := p.Send(GetHeaders, GetHeadersData{From: from, Limit: ln.srv.cfg.SyncBatchSize})
	if err != nil {
		return HeadersData{}, false
	}
	ln.srv.metrics.SyncRounds.Inc()

	select {
	case data := <-p.headersCh:
		p.updateHeight(data.Height)
		return data, true
	case <-p.closed:
	case <-time.After(ln.srv.cfg.SyncTimeout):
		ln.log.Warn("header request timed out", "peer", short(p.ID()), "from", from)
	}
	return HeadersData{}, false
}

// resync downloads every header of the peer and switches to them if
// they form a longer valid chain.
func (ln *LightNode) resync(p *Peer) {
	var hs []ledger.Header
	for {
		data, ok := ln.requestHeaders(p, uint64(len(hs)))
		if !ok {
			return
		}

		if len(data.Headers) == 0 || data.Headers[0].Index != uint64(len(hs)) {
			break
		}
		hs = append(hs, data.Headers...)
		if uint64(len(hs)) > p.Height() {
			break
		}
	}

	if err := ln.replaceHeaders(hs); err != nil {
		ln.log.Info("kept local headers", "peer", short(p.ID()), "err", err)
		return
	}
	ln.log.Info("switched to peer headers", "peer", short(p.ID()), "height", len(hs)-1)
}

func (ln *LightNode) newHeader(p *Peer, h ledger.Header) {
	p.updateHeight(h.Index)
	_, err := ln.AddHeaders([]ledger.Header{h})
	switch {
	case err == nil:
		ln.log.Debug("new header", "index", h.Index)
	case errors.Is(err, errHeaderGap), errors.Is(err, errHeaderFork):
		ln.srv.startSync(p)
	default:
		ln.log.Warn("invalid header from peer", "peer", short(p.ID()), "err", err)
		ln.srv.report(p, InvalidBlock)
	}
}

// connected registers the watched addresses with a new full peer and
// syncs headers from it.
func (ln *LightNode) connected(p *Peer) {
	if p.IsLight() {
		return
	}

	if addrs := ln.Watched(); len(addrs) > 0 {
		p.Send(WatchAddress, WatchAddressData{Addresses: addrs})
	}

	if p.Height() > ln.Height() {
		ln.srv.startSync(p)
	}
}

func (ln *LightNode) fullPeers() []*Peer {
	var r []*Peer
	for _, p := range ln.srv.readyPeers(nil) {
		if !p.IsLight() {
			r = append(r, p)
		}
	}
	return r
}

// Watch asks the connected full nodes to send the confirmations of
// transactions touching the addresses.
func (ln *LightNode) Watch(addrs ...string) {
	ln.mu.Lock()
	for _, a := range addrs {
		ln.watched[a] = true
	}
	ln.mu.Unlock()

	for _, p := range ln.fullPeers() {
		p.Send(WatchAddress, WatchAddressData{Addresses: addrs})
	}
}

// Watched returns the watched addresses.
func (ln *LightNode) Watched() []string {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	r := make([]string, 0, len(ln.watched))
	for a := range ln.watched {
		r = append(r, a)
	}
	return r
}

// Confirmations returns the verified confirmations of watched
// addresses.
func (ln *LightNode) Confirmations() <-chan TxConfirmedData {
	return ln.confirmations
}

// VerifyProof checks a proof against the synced header of its
// block.
func (ln *LightNode) VerifyProof(proof *ledger.InclusionProof) error {
	h, ok := ln.Header(proof.BlockIndex)
	if !ok {
		return ErrUnknownHeader
	}

	if !proof.VerifyProof(h) {
		return ErrInvalidProof
	}
	return nil
}

// RequestProof fetches the inclusion proof of a transaction from a
// full node and verifies it.
func (ln *LightNode) RequestProof(ctx context.Context, id string) (*ledger.InclusionProof, error) {
	if v, ok := ln.proofs.Get(id); ok {
		return v.(*ledger.InclusionProof), nil
	}

	peers := ln.fullPeers()
	if len(peers) == 0 {
		return nil, ErrNoFullPeer
	}

	p := peers[0]
	for _, q := range peers[1:] {
		if q.Height() > p.Height() {
			p = q
		}
	}

	ch := make(chan TxProofData, 1)
	ln.mu.Lock()
	ln.waiters[id] = append(ln.waiters[id], ch)
	ln.mu.Unlock()
	defer ln.removeWaiter(id, ch)

	if err := p.Send(GetTxProof, GetTxProofData{ID: id}); err != nil {
		return nil, err
	}

	var data TxProofData
	select {
	case data = <-ch:
	case <-p.closed:
		return nil, ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if data.Proof == nil {
		return nil, ErrProofNotFound
	}

	if data.Proof.Transaction.ID != id {
		ln.srv.report(p, ProtocolViolation)
		return nil, ErrInvalidProof
	}

	if data.Proof.BlockIndex > ln.Height() && p.startSync() {
		ln.syncHeaders(p)
		p.endSync()
	}

	if err := ln.VerifyProof(data.Proof); err != nil {
		if err == ErrInvalidProof {
			ln.srv.report(p, InvalidTx)
		}
		return nil, err
	}

	ln.proofs.Add(id, data.Proof)
	return data.Proof, nil
}

func (ln *LightNode) removeWaiter(id string, ch chan TxProofData) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	ws := ln.waiters[id]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}

	if len(ws) == 0 {
		delete(ln.waiters, id)
		return
	}
	ln.waiters[id] = ws
}

func (ln *LightNode) proofReceived(data TxProofData) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	for _, ch := range ln.waiters[data.ID] {
		select {
		case ch <- data:
		default:
		}
	}
}

func (ln *LightNode) confirmed(p *Peer, data TxConfirmedData) {
	if !ln.isWatched(data.Address) {
		return
	}

	if err := ln.VerifyProof(data.Proof); err != nil {
		if err == ErrInvalidProof {
			ln.srv.report(p, InvalidTx)
		}
		ln.log.Debug("dropped confirmation", "id", data.Proof.Transaction.ID, "err", err)
		return
	}

	ln.proofs.Add(data.Proof.Transaction.ID, data.Proof)
	select {
	case ln.confirmations <- data:
	default:
		ln.log.Warn("confirmation dropped, channel full", "id", data.Proof.Transaction.ID)
	}
}

func (ln *LightNode) isWatched(addr string) bool {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	return ln.watched[addr]
}

// SubmitTransaction sends a signed transaction to the connected full
// nodes.
func (ln *LightNode) SubmitTransaction(t *ledger.Transaction) error {
	peers := ln.fullPeers()
	if len(peers) == 0 {
		return ErrNoFullPeer
	}

	sent := 0
	for _, p := range peers {
		if err := p.Send(NewTransaction, NewTransactionData{Transaction: t}); err == nil {
			sent++
		}
	}

	if sent == 0 {
		return ErrNoFullPeer
	}
	return nil
}

// lightBackend serves the headers of a light node to its peers.
type lightBackend struct {
	ln *LightNode
}

func (b lightBackend) Height() uint64 { return b.ln.Height() }

func (b lightBackend) TipHash() string { return b.ln.Tip().Hash }

func (b lightBackend) BlocksRange(from uint64, limit int) []*ledger.Block { return nil }

func (b lightBackend) Blocks() []*ledger.Block { return nil }

func (b lightBackend) Headers(from uint64, limit int) []ledger.Header {
	return b.ln.headerRange(from, limit)
}

func (b lightBackend) TxProof(id string) (*ledger.InclusionProof, bool) {
	v, ok := b.ln.proofs.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*ledger.InclusionProof), true
}

func (b lightBackend) AcceptBlock(*ledger.Block) error { return ErrLightNode }

func (b lightBackend) AcceptChain([]*ledger.Block) error { return ErrLightNode }

func (b lightBackend) AcceptTransaction(*ledger.Transaction) error { return ErrLightNode }
