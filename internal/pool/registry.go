package pool

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Registry owns the ordered proxy descriptors and the rotation state. One
// mutex guards all of it; index arithmetic always uses the length read under
// that lock.
type Registry struct {
	mu sync.Mutex

	scheme      Scheme
	credentials Credentials
	descriptors []*Descriptor

	current      int
	fresh        bool // current has not been served since it last moved
	requests     uint
	lastRotation time.Time
	nextID       uint64

	policy         Policy
	preserveHealth bool
	now            func() time.Time
	rng            *rand.Rand
	onRotate       func(Rotation)
	log            *log.Entry
}

type Option func(*Registry)

func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(r *Registry) { r.rng = rng }
}

// PreserveHealthOnRebuild keeps working flags across time-triggered rebuilds.
func PreserveHealthOnRebuild() Option {
	return func(r *Registry) { r.preserveHealth = true }
}

// OnRotate registers a callback invoked under the registry lock after every
// rotation. It must not call back into the registry.
func OnRotate(fn func(Rotation)) Option {
	return func(r *Registry) { r.onRotate = fn }
}

// New builds a registry from (ip, port) targets sharing one scheme and one set
// of credentials. Every descriptor starts not working.
func New(targets []Target, scheme Scheme, creds Credentials, opts ...Option) (*Registry, error) {
	if _, err := BuildURL(Descriptor{}, scheme); err != nil {
		return nil, err
	}

	r := &Registry{
		scheme:      scheme,
		credentials: creds,
		now:         time.Now,
		fresh:       true,
		log:         log.WithField("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(r.now().UnixNano()))
	}
	r.lastRotation = r.now()

	for _, t := range targets {
		r.descriptors = append(r.descriptors, r.newDescriptor(t))
	}

	r.log.Infof("Proxy registry initialized: %d %s proxies", len(r.descriptors), scheme)
	return r, nil
}

func (r *Registry) newDescriptor(t Target) *Descriptor {
	r.nextID++
	d := &Descriptor{
		ID:          r.nextID,
		Address:     t.Address,
		Port:        t.Port,
		Scheme:      r.scheme,
		Credentials: r.credentials,
	}
	d.URL, _ = BuildURL(*d, r.scheme)
	return d
}

func (r *Registry) Scheme() Scheme {
	return r.scheme
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.descriptors)
}

// All returns a copy of every descriptor in rotation order.
func (r *Registry) All() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Descriptor, len(r.descriptors))
	for i, d := range r.descriptors {
		out[i] = *d
	}
	return out
}

func (r *Registry) Get(index int) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.descriptors) {
		return Descriptor{}, fmt.Errorf("get proxy %d: %w", index, ErrIndexOutOfRange)
	}
	return *r.descriptors[index], nil
}

// AddProxy appends a new, not yet verified descriptor and returns its index.
func (r *Registry) AddProxy(address string, port int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors = append(r.descriptors, r.newDescriptor(Target{Address: address, Port: port}))
	return len(r.descriptors) - 1
}

// RemoveProxy deletes the descriptor at index, keeping the order of the rest.
func (r *Registry) RemoveProxy(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.descriptors) {
		return fmt.Errorf("remove proxy %d: %w", index, ErrIndexOutOfRange)
	}
	r.descriptors = append(r.descriptors[:index], r.descriptors[index+1:]...)

	switch n := len(r.descriptors); {
	case n == 0:
		r.current = 0
	case index < r.current:
		r.current--
	case r.current >= n:
		r.current = 0
	}
	return nil
}

func (r *Registry) ClearProxies() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors = nil
	r.current = 0
	r.fresh = true
	r.requests = 0
}

// SetHealth records a health verdict for the descriptor with the given id.
// It returns false when the descriptor no longer exists.
func (r *Registry) SetHealth(id uint64, working, blacklisted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.findByIDLocked(id)
	if d == nil {
		return false
	}
	d.Working = working
	d.Blacklisted = blacklisted
	d.LastChecked = r.now()
	return true
}

// RecordSuccess counts one successful request against the rotation budget.
func (r *Registry) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
}

// RecordFailure retires the descriptor with the given id and moves the active
// pointer past it.
func (r *Registry) RecordFailure(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d := r.findByIDLocked(id); d != nil {
		d.Working = false
	}
	if len(r.descriptors) > 0 && r.descriptors[r.current].ID == id {
		r.advanceLocked()
	}
}

// MarkWorking flags the first descriptor with the given URL as working.
func (r *Registry) MarkWorking(url string) bool {
	return r.markByURL(url, true, false)
}

func (r *Registry) MarkNotWorking(url string) bool {
	return r.markByURL(url, false, false)
}

func (r *Registry) MarkBlacklisted(url string) bool {
	return r.markByURL(url, false, true)
}

func (r *Registry) markByURL(url string, working, blacklisted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.descriptors {
		if d.URL == url {
			d.Working = working
			d.Blacklisted = blacklisted
			return true
		}
	}
	return false
}

func (r *Registry) findByIDLocked(id uint64) *Descriptor {
	for _, d := range r.descriptors {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// State is a point-in-time view of the rotation counters.
type State struct {
	Total                 int       `json:"total"`
	Working               int       `json:"working"`
	Blacklisted           int       `json:"blacklisted"`
	CurrentIndex          int       `json:"current_index"`
	RequestsSinceRotation uint      `json:"requests_since_rotation"`
	LastRotation          time.Time `json:"last_rotation"`
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := State{
		Total:                 len(r.descriptors),
		CurrentIndex:          r.current,
		RequestsSinceRotation: r.requests,
		LastRotation:          r.lastRotation,
	}
	for _, d := range r.descriptors {
		if d.Usable() {
			s.Working++
		}
		if d.Blacklisted {
			s.Blacklisted++
		}
	}
	return s
}
