package p2p

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

// ErrPeerClosed is returned when sending to a closed peer.
var ErrPeerClosed = errors.New("peer closed")

// PeerState is the connection state of a peer.
type PeerState int

// peer states
const (
	Connecting PeerState = iota
	Handshaking
	Idle
	Exchanging
	Disconnected
)

func (s PeerState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Idle:
		return "idle"
	case Exchanging:
		return "exchanging"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerScore is the track record of a peer address.
type PeerScore struct {
	SuccessfulConnections int           `json:"successfulConnections"`
	FailedConnections     int           `json:"failedConnections"`
	ValidBlocks           int           `json:"validBlocks"`
	InvalidBlocks         int           `json:"invalidBlocks"`
	Latency               time.Duration `json:"latency"`
	LastSeen              time.Time     `json:"lastSeen"`
}

// Value ranks peers, higher is better.
func (s PeerScore) Value() float64 {
	v := float64(s.SuccessfulConnections) - 2*float64(s.FailedConnections)
	v += 0.5*float64(s.ValidBlocks) - 5*float64(s.InvalidBlocks)
	v -= s.Latency.Seconds()
	return v
}

// PeerInfo is a snapshot of a connected peer.
type PeerInfo struct {
	NodeID       string
	Address      string
	Outbound     bool
	State        PeerState
	Height       uint64
	Capabilities []Capability
	Score        PeerScore
}

const maxWatched = 100

// Peer is a websocket connection to another node. Reads happen on
// the goroutine running the connection; Send may be called
// concurrently.
type Peer struct {
	conn     *websocket.Conn
	addr     string
	ip       string
	outbound bool
	nodeID   string

	wmu sync.Mutex

	mu       sync.Mutex
	state    PeerState
	info     HandshakeData
	height   uint64
	score    PeerScore
	watched  map[string]bool
	lastPong time.Time

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	syncing   int32

	blocksCh  chan BlocksData
	chainCh   chan []*ledger.Block
	headersCh chan HeadersData
}

func newPeer(conn *websocket.Conn, addr, ip, nodeID string, outbound bool) *Peer {
	return &Peer{
		conn:      conn,
		addr:      addr,
		ip:        ip,
		nodeID:    nodeID,
		outbound:  outbound,
		state:     Handshaking,
		watched:   make(map[string]bool),
		lastPong:  time.Now(),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
		blocksCh:  make(chan BlocksData, 1),
		chainCh:   make(chan []*ledger.Block, 1),
		headersCh: make(chan HeadersData, 1),
	}
}

// Send sends a message to the peer.
func (p *Peer) Send(t MessageType, data interface{}) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}

	m, err := newMessage(t, p.nodeID, data)
	if err != nil {
		return err
	}

	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

// Close closes the connection.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.setState(Disconnected)
		close(p.closed)
		p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		p.conn.Close()
	})
}

// Closed returns a channel closed when the peer disconnects.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

func (p *Peer) markReady(info HandshakeData) {
	p.mu.Lock()
	p.info = info
	if info.Height > p.height {
		p.height = info.Height
	}
	p.state = Idle
	p.lastPong = time.Now()
	p.mu.Unlock()
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *Peer) isReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the connection state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Info returns the handshake of the peer.
func (p *Peer) Info() HandshakeData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// ID returns the node id of the peer, empty before the handshake.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.NodeID
}

// IsLight reports whether the peer is a light node.
func (p *Peer) IsLight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.Has(CapLight)
}

// Height returns the last known height of the peer.
func (p *Peer) Height() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height
}

func (p *Peer) updateHeight(h uint64) {
	p.mu.Lock()
	if h > p.height {
		p.height = h
	}
	p.mu.Unlock()
}

// listenAddr returns the address other nodes can dial the peer on.
func (p *Peer) listenAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info.ListenAddr != "" {
		return p.info.ListenAddr
	}
	if p.outbound {
		return p.addr
	}
	return ""
}

func (p *Peer) watch(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range addrs {
		if len(p.watched) >= maxWatched {
			return
		}
		p.watched[a] = true
	}
}

func (p *Peer) watchedAddrs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := make([]string, 0, len(p.watched))
	for a := range p.watched {
		r = append(r, a)
	}
	return r
}

func (p *Peer) recordBlock(valid bool) {
	p.mu.Lock()
	if valid {
		p.score.ValidBlocks++
	} else {
		p.score.InvalidBlocks++
	}
	p.mu.Unlock()
}

func (p *Peer) pong(sentAt int64) {
	now := time.Now()
	p.mu.Lock()
	p.lastPong = now
	p.score.LastSeen = now
	if sentAt > 0 {
		p.score.Latency = now.Sub(time.Unix(0, sentAt*int64(time.Millisecond)))
	}
	p.mu.Unlock()
}

func (p *Peer) sinceLastPong() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastPong)
}

func (p *Peer) startSync() bool {
	return atomic.CompareAndSwapInt32(&p.syncing, 0, 1)
}

func (p *Peer) endSync() {
	atomic.StoreInt32(&p.syncing, 0)
}

// Snapshot returns the current state of the peer.
func (p *Peer) Snapshot() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		NodeID:       p.info.NodeID,
		Address:      p.addr,
		Outbound:     p.outbound,
		State:        p.state,
		Height:       p.height,
		Capabilities: p.info.Capabilities,
		Score:        p.score,
	}
}
