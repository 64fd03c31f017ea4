package p2p

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/validator"
)

const maxPeersReply = 50

// errViolation marks a message breaking the protocol.
var errViolation = errors.New("protocol violation")

func (s *Server) handleFrame(p *Peer, data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		s.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		s.report(p, ProtocolViolation)
		return
	}

	s.metrics.MessagesReceived.WithLabelValues(string(m.Type)).Inc()
	err := s.handle(p, &m)
	if err == nil {
		return
	}

	s.log.Debug("bad peer message", "addr", p.addr, "type", m.Type, "err", err)
	if errors.Is(err, errViolation) {
		s.metrics.MessagesDropped.WithLabelValues("violation").Inc()
		s.report(p, ProtocolViolation)
	}
}

func (s *Server) handle(p *Peer, m *Message) error {
	if !p.isReady() && m.Type != Handshake && m.Type != HandshakeReply {
		p.Close()
		return errViolation
	}

	switch m.Type {
	case Handshake:
		return s.handleHandshake(p, m)
	case HandshakeReply:
		return s.handleHandshakeReply(p, m)
	case GetBlocks:
		return s.handleGetBlocks(p, m)
	case Blocks:
		return s.handleBlocks(p, m)
	case NewBlock:
		return s.handleNewBlock(p, m)
	case NewTransaction:
		return s.handleNewTransaction(p, m)
	case GetPeers:
		return s.handleGetPeers(p, m)
	case Peers:
		return s.handlePeers(p, m)
	case Ping:
		return s.handlePing(p, m)
	case Pong:
		return s.handlePong(p, m)
	case NodeAnnounce:
		return s.handleNodeAnnounce(p, m)
	case SyncRequest:
		return p.Send(SyncResponse, SyncResponseData{Blocks: s.backend.Blocks()})
	case SyncResponse:
		return s.handleSyncResponse(p, m)
	case GetHeaders:
		return s.handleGetHeaders(p, m)
	case Headers:
		return s.handleHeaders(p, m)
	case NewBlockHeader:
		return s.handleNewBlockHeader(p, m)
	case GetTxProof:
		return s.handleGetTxProof(p, m)
	case TxProof:
		return s.handleTxProof(p, m)
	case TxConfirmed:
		return s.handleTxConfirmed(p, m)
	case WatchAddress:
		return s.handleWatchAddress(p, m)
	default:
		return errViolation
	}
}

func decode(m *Message, v interface{}) error {
	if err := m.Decode(v); err != nil {
		return errViolation
	}
	return nil
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

func (s *Server) checkHandshake(h *HandshakeData) error {
	switch {
	case h.NodeID == "":
		return errViolation
	case h.Network != s.cfg.Network:
		return errNetworkMismatch
	case majorVersion(h.ProtocolVersion) != majorVersion(s.cfg.ProtocolVersion):
		return errVersionMismatch
	case h.NodeID == s.cfg.NodeID:
		return errSelfConnection
	}
	return nil
}

func (s *Server) handleHandshake(p *Peer, m *Message) error {
	if p.outbound || p.isReady() {
		return errViolation
	}

	var h HandshakeData
	if err := decode(m, &h); err != nil {
		return err
	}

	if err := s.checkHandshake(&h); err != nil {
		p.Close()
		return err
	}

	if err := s.addPeer(p, h.NodeID); err != nil {
		p.Close()
		return err
	}

	if err := p.Send(HandshakeReply, s.handshakeData()); err != nil {
		p.Close()
		return err
	}

	p.markReady(h)
	s.connected(p)
	return nil
}

func (s *Server) handleHandshakeReply(p *Peer, m *Message) error {
	if !p.outbound || p.isReady() {
		return errViolation
	}

	var h HandshakeData
	if err := decode(m, &h); err != nil {
		return err
	}

	if err := s.checkHandshake(&h); err != nil {
		if err == errSelfConnection {
			s.book.Remove(p.addr)
		}
		p.Close()
		return err
	}

	if err := s.addPeer(p, h.NodeID); err != nil {
		p.Close()
		return err
	}

	p.markReady(h)
	s.connected(p)
	return nil
}

// connected runs after a completed handshake.
func (s *Server) connected(p *Peer) {
	info := p.Info()
	s.log.Info("peer connected", "peer", short(info.NodeID), "addr", p.addr, "height", info.Height, "outbound", p.outbound)

	addr := p.listenAddr()
	s.book.Add(addr)
	if addr != "" {
		s.seenNodes.Add(info.NodeID+"@"+addr, struct{}{})
		s.broadcast(NodeAnnounce, NodeAnnounceData{
			NodeID:       info.NodeID,
			Address:      addr,
			Height:       info.Height,
			Capabilities: info.Capabilities,
		}, p, false)
	}

	if s.light != nil {
		s.light.connected(p)
		return
	}

	if !p.IsLight() && p.Height() > s.backend.Height() {
		s.startSync(p)
	}
}

func (s *Server) handleGetBlocks(p *Peer, m *Message) error {
	var req GetBlocksData
	if err := decode(m, &req); err != nil {
		return err
	}

	if req.To < req.From {
		return errViolation
	}

	limit := s.cfg.SyncBatchSize
	if n := req.To - req.From + 1; n < uint64(limit) {
		limit = int(n)
	}

	return p.Send(Blocks, BlocksData{
		Blocks: s.backend.BlocksRange(req.From, limit),
		Height: s.backend.Height(),
	})
}

func (s *Server) handleBlocks(p *Peer, m *Message) error {
	var data BlocksData
	if err := decode(m, &data); err != nil {
		return err
	}

	select {
	case p.blocksCh <- data:
	default:
		s.metrics.MessagesDropped.WithLabelValues("unsolicited").Inc()
	}
	return nil
}

func (s *Server) handleNewBlock(p *Peer, m *Message) error {
	var data NewBlockData
	if err := decode(m, &data); err != nil {
		return err
	}

	b := data.Block
	if b == nil {
		return errViolation
	}

	// the cache is keyed by hash, a body not matching its hash must
	// not shadow the genuine block
	if b.ComputeHash() != b.Hash || ledger.MerkleRoot(b.Transactions) != b.MerkleRoot {
		s.log.Warn("peer block does not match its hash", "peer", short(p.ID()), "index", b.Index)
		p.recordBlock(false)
		s.report(p, InvalidBlock)
		return nil
	}

	p.updateHeight(b.Index)
	p.updateHeight(data.Height)
	if ok, _ := s.seenBlocks.ContainsOrAdd(b.Hash, struct{}{}); ok {
		return nil
	}

	err := s.backend.AcceptBlock(b)
	switch {
	case err == nil:
		p.recordBlock(true)
		s.report(p, ValidBlock)
		s.log.Debug("accepted peer block", "peer", short(p.ID()), "index", b.Index)
		s.BroadcastBlock(b, p)
	case errors.Is(err, ledger.ErrKnownBlock):
	case errors.Is(err, ledger.ErrStaleBlock), errors.Is(err, ledger.ErrFutureBlock):
		// the block may be valid on a longer chain
		s.seenBlocks.Remove(b.Hash)
		if p.Height() > s.backend.Height() {
			s.startSync(p)
		}
	default:
		s.rejectBlock(p, b, err)
	}
	return nil
}

// rejectBlock penalizes a peer for an invalid block. Blocks produced
// slightly ahead of schedule are not penalized since clocks drift.
// The block is forgotten so that it is checked again when relayed.
func (s *Server) rejectBlock(p *Peer, b *ledger.Block, err error) {
	s.seenBlocks.Remove(b.Hash)

	var verr *validator.Error
	if !errors.As(err, &verr) {
		s.log.Warn("could not accept peer block", "index", b.Index, "err", err)
		return
	}

	s.log.Warn("rejected peer block", "peer", short(p.ID()), "index", b.Index, "err", err)
	if verr.Code == validator.TooEarly {
		return
	}

	p.recordBlock(false)
	s.report(p, InvalidBlock)
}

func (s *Server) handleNewTransaction(p *Peer, m *Message) error {
	var data NewTransactionData
	if err := decode(m, &data); err != nil {
		return err
	}

	t := data.Transaction
	if t == nil {
		return errViolation
	}

	if ok, _ := s.seenTxns.ContainsOrAdd(t.ID, struct{}{}); ok {
		return nil
	}

	err := s.backend.AcceptTransaction(t)
	switch {
	case err == nil:
		s.report(p, ValidTx)
		s.BroadcastTransaction(t, p)
	case errors.Is(err, ledger.ErrKnownTransaction), errors.Is(err, ErrLightNode):
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrPoolFull):
		// may become valid later
		s.seenTxns.Remove(t.ID)
	default:
		s.log.Debug("rejected peer transaction", "peer", short(p.ID()), "id", t.ID, "err", err)
		s.report(p, InvalidTx)
	}
	return nil
}

func (s *Server) handleGetPeers(p *Peer, m *Message) error {
	var req GetPeersData
	if err := decode(m, &req); err != nil {
		return err
	}

	n := req.Max
	if n <= 0 || n > maxPeersReply {
		n = maxPeersReply
	}

	var addrs []string
	for _, q := range s.readyPeers(p) {
		if len(addrs) >= n {
			break
		}
		if a := q.listenAddr(); a != "" {
			addrs = append(addrs, a)
		}
	}
	return p.Send(Peers, PeersData{Peers: addrs})
}

func (s *Server) handlePeers(p *Peer, m *Message) error {
	var data PeersData
	if err := decode(m, &data); err != nil {
		return err
	}

	self := s.ListenAddr()
	for i, addr := range data.Peers {
		if i >= maxPeersReply {
			break
		}
		if addr != self {
			s.book.Add(addr)
		}
	}
	return nil
}

func (s *Server) handlePing(p *Peer, m *Message) error {
	var data PingData
	if err := decode(m, &data); err != nil {
		return err
	}
	return p.Send(Pong, data)
}

func (s *Server) handlePong(p *Peer, m *Message) error {
	var data PingData
	if err := decode(m, &data); err != nil {
		return err
	}
	p.pong(data.SentAt)
	return nil
}

func (s *Server) handleNodeAnnounce(p *Peer, m *Message) error {
	var data NodeAnnounceData
	if err := decode(m, &data); err != nil {
		return err
	}

	if data.NodeID == "" || data.Address == "" {
		return errViolation
	}

	if data.NodeID == s.cfg.NodeID {
		return nil
	}

	if ok, _ := s.seenNodes.ContainsOrAdd(data.NodeID+"@"+data.Address, struct{}{}); ok {
		return nil
	}

	s.book.Add(data.Address)
	s.broadcast(NodeAnnounce, data, p, false)
	return nil
}

func (s *Server) handleSyncResponse(p *Peer, m *Message) error {
	var data SyncResponseData
	if err := decode(m, &data); err != nil {
		return err
	}

	select {
	case p.chainCh <- data.Blocks:
	default:
		s.metrics.MessagesDropped.WithLabelValues("unsolicited").Inc()
	}
	return nil
}

func (s *Server) handleGetHeaders(p *Peer, m *Message) error {
	var req GetHeadersData
	if err := decode(m, &req); err != nil {
		return err
	}

	limit := req.Limit
	if limit <= 0 || limit > s.cfg.SyncBatchSize {
		limit = s.cfg.SyncBatchSize
	}
	return p.Send(Headers, HeadersData{
		Headers: s.backend.Headers(req.From, limit),
		Height:  s.backend.Height(),
	})
}

func (s *Server) handleHeaders(p *Peer, m *Message) error {
	var data HeadersData
	if err := decode(m, &data); err != nil {
		return err
	}

	select {
	case p.headersCh <- data:
	default:
		s.metrics.MessagesDropped.WithLabelValues("unsolicited").Inc()
	}
	return nil
}

func (s *Server) handleNewBlockHeader(p *Peer, m *Message) error {
	var data NewBlockHeaderData
	if err := decode(m, &data); err != nil {
		return err
	}

	if s.light == nil {
		return nil
	}
	s.light.newHeader(p, data.Header)
	return nil
}

func (s *Server) handleGetTxProof(p *Peer, m *Message) error {
	var req GetTxProofData
	if err := decode(m, &req); err != nil {
		return err
	}

	proof, _ := s.backend.TxProof(req.ID)
	return p.Send(TxProof, TxProofData{ID: req.ID, Proof: proof})
}

func (s *Server) handleTxProof(p *Peer, m *Message) error {
	var data TxProofData
	if err := decode(m, &data); err != nil {
		return err
	}

	if s.light != nil {
		s.light.proofReceived(data)
	}
	return nil
}

func (s *Server) handleTxConfirmed(p *Peer, m *Message) error {
	var data TxConfirmedData
	if err := decode(m, &data); err != nil {
		return err
	}

	if data.Proof == nil {
		return errViolation
	}

	if s.light != nil {
		s.light.confirmed(p, data)
	}
	return nil
}

func (s *Server) handleWatchAddress(p *Peer, m *Message) error {
	var data WatchAddressData
	if err := decode(m, &data); err != nil {
		return err
	}

	p.watch(data.Addresses)
	return nil
}
