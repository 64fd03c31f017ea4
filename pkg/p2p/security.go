package p2p

import (
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"golang.org/x/time/rate"
)

// connection refusals
var (
	ErrBanned          = errors.New("address is banned")
	ErrTooManyAttempts = errors.New("too many connection attempts")
	ErrTooManyConns    = errors.New("too many connections from address")
)

// SecurityConfig is the abuse prevention configuration. Limits are
// per remote IP.
type SecurityConfig struct {
	MaxConnsPerIP        int
	MaxAttemptsPerMinute int
	MaxMessagesPerSecond int
	MaxMessageSize       int64
	BanThreshold         int
	BanDuration          time.Duration
}

// DefaultSecurityConfig returns the default configuration.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxConnsPerIP:        3,
		MaxAttemptsPerMinute: 10,
		MaxMessagesPerSecond: 50,
		MaxMessageSize:       10 << 20,
		BanThreshold:         -100,
		BanDuration:          time.Hour,
	}
}

// Event is a peer behavior that changes the reputation of its IP.
type Event int

// events
const (
	ValidBlock Event = iota
	ValidTx
	InvalidBlock
	InvalidTx
	Spam
	ProtocolViolation
)

var eventDelta = map[Event]int{
	ValidBlock:        5,
	ValidTx:           1,
	InvalidBlock:      -20,
	InvalidTx:         -10,
	Spam:              -5,
	ProtocolViolation: -15,
}

func (e Event) String() string {
	switch e {
	case ValidBlock:
		return "valid_block"
	case ValidTx:
		return "valid_tx"
	case InvalidBlock:
		return "invalid_block"
	case InvalidTx:
		return "invalid_tx"
	case Spam:
		return "spam"
	case ProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Security tracks connections, message rates, reputation and bans
// per remote IP.
type Security struct {
	cfg SecurityConfig
	now func() time.Time

	mu         sync.Mutex
	conns      map[string]int
	attempts   map[string]*rate.Limiter
	messages   map[string]*rate.Limiter
	reputation map[string]int
	bans       map[string]time.Time
}

// NewSecurity creates a Security.
func NewSecurity(cfg SecurityConfig) *Security {
	return &Security{
		cfg:        cfg,
		now:        time.Now,
		conns:      make(map[string]int),
		attempts:   make(map[string]*rate.Limiter),
		messages:   make(map[string]*rate.Limiter),
		reputation: make(map[string]int),
		bans:       make(map[string]time.Time),
	}
}

// AllowConnection admits a new connection from ip. An admitted
// connection must be released with ReleaseConnection.
func (s *Security) AllowConnection(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.bannedLocked(ip, now) {
		return ErrBanned
	}

	l, ok := s.attempts[ip]
	if !ok {
		n := s.cfg.MaxAttemptsPerMinute
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		s.attempts[ip] = l
	}

	if !l.AllowN(now, 1) {
		return ErrTooManyAttempts
	}

	if s.conns[ip] >= s.cfg.MaxConnsPerIP {
		return ErrTooManyConns
	}

	s.conns[ip]++
	return nil
}

// ReleaseConnection releases a connection admitted by
// AllowConnection.
func (s *Security) ReleaseConnection(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[ip] <= 1 {
		delete(s.conns, ip)
		return
	}
	s.conns[ip]--
}

// Connections returns the number of admitted connections from ip.
func (s *Security) Connections(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[ip]
}

// AllowMessage reports whether a message from ip is within the rate
// limit.
func (s *Security) AllowMessage(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.messages[ip]
	if !ok {
		n := s.cfg.MaxMessagesPerSecond
		l = rate.NewLimiter(rate.Limit(n), n)
		s.messages[ip] = l
	}
	return l.AllowN(s.now(), 1)
}

// Report applies the reputation delta of e to ip. It returns true
// when the report caused a ban.
func (s *Security) Report(ip string, e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.bannedLocked(ip, now) {
		return false
	}

	s.reputation[ip] += eventDelta[e]
	if s.reputation[ip] > s.cfg.BanThreshold {
		return false
	}

	s.bans[ip] = now.Add(s.cfg.BanDuration)
	s.reputation[ip] = 0
	log.Warn("banned peer address", "ip", ip, "event", e, "until", s.bans[ip])
	return true
}

// Reputation returns the reputation of ip.
func (s *Security) Reputation(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reputation[ip]
}

// IsBanned reports whether ip is banned.
func (s *Security) IsBanned(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bannedLocked(ip, s.now())
}

func (s *Security) bannedLocked(ip string, now time.Time) bool {
	until, ok := s.bans[ip]
	if !ok {
		return false
	}

	if !now.Before(until) {
		delete(s.bans, ip)
		return false
	}
	return true
}

// Ban bans ip for the configured duration.
func (s *Security) Ban(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[ip] = s.now().Add(s.cfg.BanDuration)
	s.reputation[ip] = 0
}

// Unban lifts the ban of ip and resets its reputation.
func (s *Security) Unban(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, ip)
	delete(s.reputation, ip)
}

// Banned returns the currently banned IPs.
func (s *Security) Banned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var r []string
	for ip := range s.bans {
		if s.bannedLocked(ip, now) {
			r = append(r, ip)
		}
	}
	sort.Strings(r)
	return r
}
