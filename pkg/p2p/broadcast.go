package p2p

import (
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

// broadcast sends a message to every ready peer except the origin.
// Light peers only get it when includeLight is set.
func (s *Server) broadcast(t MessageType, data interface{}, except *Peer, includeLight bool) int {
	n := 0
	for _, p := range s.readyPeers(except) {
		if !includeLight && p.IsLight() {
			continue
		}

		if err := p.Send(t, data); err != nil {
			s.log.Debug("send failed", "type", t, "addr", p.addr, "err", err)
			continue
		}
		n++
	}
	return n
}

// BroadcastBlock relays a block appended to the local chain. Full
// peers get the block, light peers get its header and the
// confirmations of their watched addresses. The origin peer, if
// any, is skipped.
func (s *Server) BroadcastBlock(b *ledger.Block, origin *Peer) {
	s.seenBlocks.Add(b.Hash, struct{}{})
	n := s.broadcast(NewBlock, NewBlockData{Block: b, Height: s.backend.Height()}, origin, false)
	s.notifyLight(b, origin)
	s.log.Debug("broadcast block", "index", b.Index, "peers", n)
}

// BroadcastTransaction relays a transaction accepted into the
// pending pool to the full peers except the origin.
func (s *Server) BroadcastTransaction(t *ledger.Transaction, origin *Peer) {
	s.seenTxns.Add(t.ID, struct{}{})
	s.broadcast(NewTransaction, NewTransactionData{Transaction: t}, origin, false)
}

func (s *Server) notifyLight(b *ledger.Block, origin *Peer) {
	h := b.Header()
	for _, p := range s.readyPeers(origin) {
		if !p.IsLight() {
			continue
		}

		if err := p.Send(NewBlockHeader, NewBlockHeaderData{Header: h}); err != nil {
			continue
		}

		for _, addr := range p.watchedAddrs() {
			for _, id := range b.Touches(addr) {
				proof, ok := b.Proof(id)
				if !ok {
					continue
				}
				p.Send(TxConfirmed, TxConfirmedData{Address: addr, Proof: proof})
			}
		}
	}
}
