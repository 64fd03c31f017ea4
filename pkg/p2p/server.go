// Package p2p implements the peer to peer network of a node: a
// websocket server and dialer exchanging one JSON message per frame,
// handshakes, chain sync, gossip, discovery, abuse prevention and
// the light node protocol.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/metrics"
)

const writeTimeout = 10 * time.Second

// connection errors
var (
	ErrAlreadyConnected = errors.New("already connected to peer")
	ErrHandshake        = errors.New("handshake failed")
	ErrServerStopped    = errors.New("server stopped")
	errSelfConnection   = errors.New("connection to self")
	errDuplicatePeer    = errors.New("duplicate connection")
	errTooManyPeers     = errors.New("too many peers")
	errNetworkMismatch  = errors.New("network mismatch")
	errVersionMismatch  = errors.New("incompatible protocol version")
)

// Backend is the chain a server serves and feeds. Implementations
// must be safe for concurrent use.
type Backend interface {
	Height() uint64
	TipHash() string
	BlocksRange(from uint64, limit int) []*ledger.Block
	Blocks() []*ledger.Block
	Headers(from uint64, limit int) []ledger.Header
	TxProof(id string) (*ledger.InclusionProof, bool)

	// AcceptBlock validates and appends a block extending the tip.
	// It returns ledger.ErrKnownBlock for a block already in the
	// chain, ledger.ErrStaleBlock for a block of another fork,
	// ledger.ErrFutureBlock for a block ahead of the tip and a
	// *validator.Error for an invalid block.
	AcceptBlock(b *ledger.Block) error
	// AcceptChain runs fork choice against a full candidate chain.
	AcceptChain(blocks []*ledger.Block) error
	AcceptTransaction(t *ledger.Transaction) error
}

// Config is the configuration of a server.
type Config struct {
	NodeID          string
	ListenAddr      string
	// AdvertiseAddr is the address announced to peers. The listen
	// address is used when empty.
	AdvertiseAddr   string
	Network         string
	ProtocolVersion string
	SoftwareVersion string
	Capabilities    []Capability
	Seeds           []string

	MinPeers          int
	MaxPeers          int
	SyncBatchSize     int
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	SyncTimeout       time.Duration
	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration
	SeenCacheSize     int

	Security SecurityConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":6001",
		Network:           "vibecoin-mainnet",
		ProtocolVersion:   "1.0.0",
		SoftwareVersion:   "vibecoin/0.1.0",
		Capabilities:      []Capability{CapFull, CapRelay},
		MinPeers:          3,
		MaxPeers:          25,
		SyncBatchSize:     100,
		DialTimeout:       5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SyncTimeout:       30 * time.Second,
		DiscoveryInterval: 30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		SeenCacheSize:     4096,
		Security:          DefaultSecurityConfig(),
	}
}

// Server accepts and dials peers and runs the protocol with them.
type Server struct {
	cfg      Config
	backend  Backend
	store    PeerStore
	security *Security
	metrics  *metrics.Metrics
	book     *peerBook
	upgrader websocket.Upgrader
	log      log.Logger
	// light is set when the server runs a light node.
	light *LightNode

	seenBlocks *lru.Cache
	seenTxns   *lru.Cache
	seenNodes  *lru.Cache

	mu         sync.RWMutex
	peers      map[string]*Peer
	dialing    map[string]bool
	listenAddr string
	httpSrv    *http.Server
	stopped    bool
	wg         sync.WaitGroup
}

// NewServer creates a server. store and m may be nil.
func NewServer(cfg Config, backend Backend, store PeerStore, m *metrics.Metrics) (*Server, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}

	if m == nil {
		m = metrics.New(nil)
	}

	size := cfg.SeenCacheSize
	if size <= 0 {
		size = 4096
	}

	seenBlocks, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	seenTxns, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	seenNodes, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		backend:  backend,
		store:    store,
		security: NewSecurity(cfg.Security),
		metrics:  m,
		book:     newPeerBook(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:        log.New("module", "p2p", "node", short(cfg.NodeID)),
		seenBlocks: seenBlocks,
		seenTxns:   seenTxns,
		seenNodes:  seenNodes,
		peers:      make(map[string]*Peer),
		dialing:    make(map[string]bool),
		listenAddr: cfg.AdvertiseAddr,
	}, nil
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Security returns the abuse prevention state of the server.
func (s *Server) Security() *Security {
	return s.security
}

// Start starts accepting peers on the listen address and loads the
// peer book.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: s.cfg.HandshakeTimeout}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return ErrServerStopped
	}
	s.httpSrv = srv
	if s.listenAddr == "" {
		s.listenAddr = ln.Addr().String()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("p2p listener stopped", "err", err)
		}
	}()

	s.loadPeers()
	s.log.Info("p2p server listening", "addr", ln.Addr().String())
	return nil
}

// ListenAddr returns the address announced to peers.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// Run dials the seeds and runs discovery and heartbeats until ctx
// is done, then stops the server.
func (s *Server) Run(ctx context.Context) error {
	defer s.Stop()

	s.discover(ctx)
	discovery := time.NewTicker(s.cfg.DiscoveryInterval)
	defer discovery.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-discovery.C:
			s.discover(ctx)
		case <-heartbeat.C:
			s.heartbeat()
		}
	}
}

// Stop disconnects every peer, saves the peer book and stops
// accepting connections.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	srv := s.httpSrv
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if srv != nil {
		srv.Close()
	}

	for _, p := range peers {
		p.Close()
	}

	s.wg.Wait()
	s.savePeers()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		http.Error(w, "bad remote address", http.StatusBadRequest)
		return
	}

	if err := s.security.AllowConnection(host); err != nil {
		s.log.Debug("refused connection", "ip", host, "err", err)
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.security.ReleaseConnection(host)
		s.log.Debug("websocket upgrade failed", "ip", host, "err", err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.security.ReleaseConnection(host)
		conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	p := newPeer(conn, r.RemoteAddr, host, s.cfg.NodeID, false)
	s.runPeer(p)
}

// Connect dials addr and completes the handshake.
func (s *Server) Connect(ctx context.Context, addr string) (*Peer, error) {
	if addr == s.ListenAddr() {
		return nil, errSelfConnection
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	if s.security.IsBanned(host) {
		return nil, ErrBanned
	}

	s.mu.Lock()
	if s.connectedLocked(addr) || s.dialing[addr] {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s.dialing[addr] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.dialing, addr)
		s.mu.Unlock()
	}()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(dctx, "ws://"+addr+"/", nil)
	if err != nil {
		s.book.Failure(addr)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrServerStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	p := newPeer(conn, addr, host, s.cfg.NodeID, true)
	go s.runPeer(p)

	if err := p.Send(Handshake, s.handshakeData()); err != nil {
		p.Close()
		s.book.Failure(addr)
		return nil, err
	}

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		s.book.Success(addr)
		return p, nil
	case <-p.closed:
		return nil, ErrHandshake
	case <-timer.C:
		p.Close()
		s.book.Failure(addr)
		return nil, ErrHandshake
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
}

func (s *Server) connectedLocked(addr string) bool {
	for _, p := range s.peers {
		if p.addr == addr || p.listenAddr() == addr {
			return true
		}
	}
	return false
}

func (s *Server) runPeer(p *Peer) {
	defer s.wg.Done()
	defer s.dropPeer(p)

	p.conn.SetReadLimit(s.cfg.Security.MaxMessageSize)
	timer := time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		if !p.isReady() {
			s.log.Debug("handshake timed out", "addr", p.addr)
			p.Close()
		}
	})
	defer timer.Stop()

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.MessagesDropped.WithLabelValues("oversize").Inc()
				s.report(p, ProtocolViolation)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("peer connection closed", "addr", p.addr, "err", err)
			}
			return
		}

		if !s.security.AllowMessage(p.ip) {
			s.metrics.MessagesDropped.WithLabelValues("rate").Inc()
			s.report(p, Spam)
			continue
		}

		if mt != websocket.TextMessage {
			s.metrics.MessagesDropped.WithLabelValues("binary").Inc()
			s.report(p, ProtocolViolation)
			continue
		}

		s.handleFrame(p, data)
	}
}

// addPeer registers a peer that completed the handshake. When two
// connections link the same nodes, both ends keep the one dialed by
// the smaller node id.
func (s *Server) addPeer(p *Peer, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerStopped
	}

	dialer := func(q *Peer) string {
		if q.outbound {
			return s.cfg.NodeID
		}
		return id
	}

	if old, ok := s.peers[id]; ok {
		if old == p {
			return nil
		}

		if dialer(p) >= dialer(old) {
			return errDuplicatePeer
		}
		delete(s.peers, id)
		go old.Close()
	} else if len(s.peers) >= s.cfg.MaxPeers {
		return errTooManyPeers
	}

	s.peers[id] = p
	s.metrics.Peers.Set(float64(len(s.peers)))
	return nil
}

func (s *Server) dropPeer(p *Peer) {
	p.Close()
	if !p.outbound {
		s.security.ReleaseConnection(p.ip)
	}

	id := p.ID()
	s.mu.Lock()
	if id != "" && s.peers[id] == p {
		delete(s.peers, id)
		s.log.Info("peer disconnected", "peer", short(id), "addr", p.addr)
	}
	n := len(s.peers)
	s.mu.Unlock()

	s.metrics.Peers.Set(float64(n))
	if p.isReady() {
		s.book.Update(p.listenAddr(), p.Snapshot().Score)
	}
}

// report applies e to the reputation of the peer's IP and
// disconnects every peer of the IP when it gets banned.
func (s *Server) report(p *Peer, e Event) {
	if !s.security.Report(p.ip, e) {
		return
	}

	s.metrics.BannedIPs.Set(float64(len(s.security.Banned())))
	for _, q := range s.readyPeers(nil) {
		if q.ip == p.ip {
			q.Close()
		}
	}
	p.Close()
}

// Unban lifts the ban of ip.
func (s *Server) Unban(ip string) {
	s.security.Unban(ip)
	s.metrics.BannedIPs.Set(float64(len(s.security.Banned())))
}

// readyPeers returns the peers that completed the handshake, except
// the given one.
func (s *Server) readyPeers(except *Peer) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p != except && p.isReady() {
			r = append(r, p)
		}
	}
	return r
}

// Peer returns the connected peer with the node id.
func (s *Server) Peer(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	return len(s.readyPeers(nil))
}

// Peers returns a snapshot of the connected peers.
func (s *Server) Peers() []PeerInfo {
	peers := s.readyPeers(nil)
	r := make([]PeerInfo, len(peers))
	for i, p := range peers {
		r[i] = p.Snapshot()
	}
	return r
}

func (s *Server) handshakeData() HandshakeData {
	return HandshakeData{
		NodeID:          s.cfg.NodeID,
		ProtocolVersion: s.cfg.ProtocolVersion,
		SoftwareVersion: s.cfg.SoftwareVersion,
		Network:         s.cfg.Network,
		Height:          s.backend.Height(),
		TipHash:         s.backend.TipHash(),
		Capabilities:    s.cfg.Capabilities,
		ListenAddr:      s.ListenAddr(),
	}
}
