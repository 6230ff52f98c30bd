// Package session keeps per-connection state such as the current user id.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultID names the session shared by requests that carry no connection id.
const DefaultID = "default"

// ErrInvalidUserID is returned when a negative user id is stored.
var ErrInvalidUserID = errors.New("user_id must be non-negative")

// Session is the mutable context of one agent connection.
type Session struct {
	id string

	mu      sync.RWMutex
	userID  int64
	hasUser bool
}

// New creates an empty session.
func New(id string) *Session {
	if id == "" {
		id = DefaultID
	}
	return &Session{id: id}
}

// ID returns the connection id the session belongs to.
func (s *Session) ID() string { return s.id }

// SetUserID stores the current user id.
func (s *Session) SetUserID(userID int64) error {
	if userID < 0 {
		return ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.hasUser = true
	return nil
}

// UserID returns the stored user id, if any.
func (s *Session) UserID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.hasUser
}

// ClearUserID forgets the stored user id.
func (s *Session) ClearUserID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = 0
	s.hasUser = false
}

// Registry bounds.
const (
	DefaultMaxSessions = 4096
	DefaultIdleTTL     = 24 * time.Hour
)

// Registry keeps the sessions of connectionless transports by connection id.
// It is bounded: the least recently used session is evicted at capacity and
// a session expires once it has not been stored for the idle TTL.
type Registry struct {
	cache *expirable.LRU[string, *Session]
}

// RegistryOption customizes a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	capacity int
	ttl      time.Duration
}

// WithCapacity caps the number of live sessions.
func WithCapacity(n int) RegistryOption {
	return func(c *registryConfig) { c.capacity = n }
}

// WithIdleTTL sets how long a stored session lives.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(c *registryConfig) { c.ttl = d }
}

// NewRegistry creates a registry with DefaultMaxSessions and DefaultIdleTTL
// unless overridden.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := registryConfig{capacity: DefaultMaxSessions, ttl: DefaultIdleTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{cache: expirable.NewLRU[string, *Session](cfg.capacity, nil, cfg.ttl)}
}

// Lookup returns the stored session for id without creating one. An empty
// id names the default session.
func (r *Registry) Lookup(id string) (*Session, bool) {
	if id == "" {
		id = DefaultID
	}
	return r.cache.Get(id)
}

// Put stores s under its id, replacing any previous session and restarting
// its TTL.
func (r *Registry) Put(s *Session) {
	r.cache.Add(s.ID(), s)
}

// Drop discards the session stored under id.
func (r *Registry) Drop(id string) {
	if id == "" {
		id = DefaultID
	}
	r.cache.Remove(id)
}

// Len reports the number of stored sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}
