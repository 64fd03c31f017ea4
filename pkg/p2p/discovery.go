package p2p

import (
	"context"
	"time"
)

const missedPongs = 3

// discover asks every peer for its peers and, while under the
// minimum peer count, dials seeds and the best scored known
// addresses.
func (s *Server) discover(ctx context.Context) {
	s.broadcast(GetPeers, GetPeersData{Max: maxPeersReply}, nil, true)

	n := s.PeerCount()
	if n >= s.cfg.MinPeers {
		return
	}

	exclude := map[string]bool{s.ListenAddr(): true}
	for _, p := range s.readyPeers(nil) {
		exclude[p.addr] = true
		exclude[p.listenAddr()] = true
	}

	var addrs []string
	for _, seed := range s.cfg.Seeds {
		if !exclude[seed] {
			exclude[seed] = true
			addrs = append(addrs, seed)
		}
	}
	addrs = append(addrs, s.book.Candidates(exclude, s.cfg.MaxPeers-n)...)
	if len(addrs) > s.cfg.MaxPeers-n {
		addrs = addrs[:s.cfg.MaxPeers-n]
	}

	for _, addr := range addrs {
		go func(addr string) {
			if _, err := s.Connect(ctx, addr); err != nil {
				s.log.Debug("could not connect to peer", "addr", addr, "err", err)
			}
		}(addr)
	}
}

// heartbeat pings every peer, drops peers that stopped answering and
// persists the peer book.
func (s *Server) heartbeat() {
	limit := missedPongs * s.cfg.HeartbeatInterval
	ping := PingData{SentAt: time.Now().UnixNano() / int64(time.Millisecond)}
	for _, p := range s.readyPeers(nil) {
		if p.sinceLastPong() > limit {
			s.log.Info("dropping unresponsive peer", "peer", short(p.ID()), "addr", p.addr)
			p.Close()
			continue
		}
		p.Send(Ping, ping)
	}
	s.savePeers()
}

func (s *Server) loadPeers() {
	if s.store == nil {
		return
	}

	records, err := s.store.LoadPeers()
	if err != nil {
		s.log.Warn("could not load peer book", "err", err)
		return
	}
	s.book.Load(records)
}

func (s *Server) savePeers() {
	if s.store == nil {
		return
	}

	if err := s.store.SavePeers(s.book.Records()); err != nil {
		s.log.Warn("could not save peer book", "err", err)
	}
}
