package consensus

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ValidatorInfo is a registered validator.
type ValidatorInfo struct {
	Address           string    `json:"address"`
	Name              string    `json:"name"`
	RegisteredAt      time.Time `json:"registeredAt"`
	BlocksProduced    uint64    `json:"blocksProduced"`
	BlocksMissed      uint64    `json:"blocksMissed"`
	ContributionScore float64   `json:"contributionScore"`
	IsActive          bool      `json:"isActive"`
	LastBlockAt       time.Time `json:"lastBlockAt"`
}

// Uptime is the ratio of produced to scheduled blocks. A validator
// that was never scheduled has full uptime.
func (v *ValidatorInfo) Uptime() float64 {
	total := v.BlocksProduced + v.BlocksMissed
	if total == 0 {
		return 1
	}
	return float64(v.BlocksProduced) / float64(total)
}

// Registry is the validator registry.
type Registry struct {
	cfg        Config
	validators map[string]*ValidatorInfo
	names      map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:        cfg,
		validators: make(map[string]*ValidatorInfo),
		names:      make(map[string]string),
	}
}

func (r *Registry) clone() *Registry {
	c := NewRegistry(r.cfg)
	for addr, v := range r.validators {
		vc := *v
		c.validators[addr] = &vc
	}
	for name, addr := range r.names {
		c.names[name] = addr
	}
	return c
}

// Register registers addr under name. Names are unique ignoring
// case.
func (r *Registry) Register(addr, name string, now time.Time) (ValidatorInfo, error) {
	const op = "register validator"
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < r.cfg.MinNameLength || n > r.cfg.MaxNameLength {
		return ValidatorInfo{}, adminErr(op, "name must be %d to %d characters", r.cfg.MinNameLength, r.cfg.MaxNameLength)
	}

	if _, ok := r.validators[addr]; ok {
		return ValidatorInfo{}, adminErr(op, "%s is already registered", addr)
	}

	key := strings.ToLower(name)
	if _, ok := r.names[key]; ok {
		return ValidatorInfo{}, adminErr(op, "name %q is taken", name)
	}

	v := &ValidatorInfo{Address: addr, Name: name, RegisteredAt: now}
	r.validators[addr] = v
	r.names[key] = addr
	return *v, nil
}

// IsRegistered reports whether addr is a registered validator.
func (r *Registry) IsRegistered(addr string) bool {
	_, ok := r.validators[addr]
	return ok
}

// Get returns the validator registered at addr.
func (r *Registry) Get(addr string) (ValidatorInfo, bool) {
	v, ok := r.validators[addr]
	if !ok {
		return ValidatorInfo{}, false
	}
	return *v, true
}

// All returns every validator ordered by address.
func (r *Registry) All() []ValidatorInfo {
	vs := make([]ValidatorInfo, 0, len(r.validators))
	for _, v := range r.validators {
		vs = append(vs, *v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Address < vs[j].Address })
	return vs
}

// AddContribution awards merit points to a validator.
func (r *Registry) AddContribution(addr string, points float64) error {
	const op = "add contribution"
	v, ok := r.validators[addr]
	if !ok {
		return adminErr(op, "%s is not a registered validator", addr)
	}

	if points <= 0 {
		return adminErr(op, "points must be positive")
	}

	v.ContributionScore += points
	return nil
}

// RecordProduced counts a block produced by addr.
func (r *Registry) RecordProduced(addr string, at time.Time) {
	if v, ok := r.validators[addr]; ok {
		v.BlocksProduced++
		v.LastBlockAt = at
	}
}

// RecordMissed counts a slot missed by addr.
func (r *Registry) RecordMissed(addr string) {
	if v, ok := r.validators[addr]; ok {
		v.BlocksMissed++
	}
}

// SetActive marks exactly the given addresses active.
func (r *Registry) SetActive(active []string) {
	set := make(map[string]bool, len(active))
	for _, a := range active {
		set[a] = true
	}

	for addr, v := range r.validators {
		v.IsActive = set[addr]
	}
}
