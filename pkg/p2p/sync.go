package p2p

import (
	"errors"
	"time"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/validator"
)

// startSync syncs with a peer reporting a greater height, unless a
// sync with it is already running.
func (s *Server) startSync(p *Peer) {
	if !p.startSync() {
		return
	}

	go func() {
		defer p.endSync()
		p.setState(Exchanging)
		if s.light != nil {
			s.light.syncHeaders(p)
		} else {
			s.syncBlocks(p)
		}
		if p.State() == Exchanging {
			p.setState(Idle)
		}
	}()
}

func drain(ch chan BlocksData) {
	select {
	case <-ch:
	default:
	}
}

// syncBlocks downloads the blocks the peer has beyond the local tip
// in batches. A batch that does not extend the local chain means the
// peer is on another fork and the full chain is requested instead.
func (s *Server) syncBlocks(p *Peer) {
	for {
		local, remote := s.backend.Height(), p.Height()
		if local >= remote {
			return
		}

		from := local + 1
		to := from + uint64(s.cfg.SyncBatchSize) - 1
		if to > remote {
			to = remote
		}

		drain(p.blocksCh)
		if err := p.Send(GetBlocks, GetBlocksData{From: from, To: to}); err != nil {
			return
		}
		s.metrics.SyncRounds.Inc()

		var data BlocksData
		select {
		case data = <-p.blocksCh:
		case <-p.closed:
			return
		case <-time.After(s.cfg.SyncTimeout):
			s.log.Warn("sync timed out", "peer", short(p.ID()), "from", from)
			return
		}

		if len(data.Blocks) == 0 {
			return
		}

		s.log.Debug("received block batch", "peer", short(p.ID()), "from", from, "count", len(data.Blocks))
		for _, b := range data.Blocks {
			err := s.backend.AcceptBlock(b)
			switch {
			case err == nil:
				p.recordBlock(true)
				s.seenBlocks.Add(b.Hash, struct{}{})
				s.notifyLight(b, p)
			case errors.Is(err, ledger.ErrKnownBlock):
			case errors.Is(err, ledger.ErrStaleBlock), errors.Is(err, ledger.ErrFutureBlock):
				s.syncChain(p)
				return
			default:
				s.rejectBlock(p, b, err)
				return
			}
		}
	}
}

// syncChain requests the full chain of the peer and runs fork choice
// on it.
func (s *Server) syncChain(p *Peer) {
	select {
	case <-p.chainCh:
	default:
	}

	if err := p.Send(SyncRequest, nil); err != nil {
		return
	}
	s.metrics.SyncRounds.Inc()

	var blocks []*ledger.Block
	select {
	case blocks = <-p.chainCh:
	case <-p.closed:
		return
	case <-time.After(s.cfg.SyncTimeout):
		s.log.Warn("chain request timed out", "peer", short(p.ID()))
		return
	}

	err := s.backend.AcceptChain(blocks)
	if err == nil {
		s.log.Info("switched to peer chain", "peer", short(p.ID()), "height", len(blocks)-1)
		if n := len(blocks); n > 0 {
			s.BroadcastBlock(blocks[n-1], p)
		}
		return
	}

	var verr *validator.Error
	if errors.As(err, &verr) && verr.Code != validator.NotLonger && verr.Code != validator.TooEarly {
		p.recordBlock(false)
		s.report(p, InvalidBlock)
	}
	s.log.Info("kept local chain", "peer", short(p.ID()), "err", err)
}
