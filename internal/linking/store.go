// Package linking tracks which upstream user an agent connection is linked to.
package linking

import (
	"errors"
	"sync"
)

var (
	// ErrConnectionIDRequired is returned for an empty connection id.
	ErrConnectionIDRequired = errors.New("connection_id must be provided")
	// ErrLinkingRequired is returned when a connection has no linked user.
	ErrLinkingRequired = errors.New("connection must be linked")
	// ErrInvalidUserID is returned when linking a negative user id.
	ErrInvalidUserID = errors.New("user_id must be non-negative")
)

// Status is the link state of one connection.
type Status struct {
	Linked bool   `json:"linked"`
	UserID *int64 `json:"user_id,omitempty"`
}

// Store is an in-memory connection to user map. It is lost on restart.
type Store struct {
	mu     sync.Mutex
	states map[string]Status
}

func NewStore() *Store {
	return &Store{states: make(map[string]Status)}
}

// SetPending marks a connection as awaiting a link. A connection that is
// already linked stays linked.
func (s *Store) SetPending(connID string) error {
	if connID == "" {
		return ErrConnectionIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[connID]; ok && state.Linked {
		return nil
	}
	s.states[connID] = Status{}
	return nil
}

// SetLinked binds a connection to a user, replacing any previous link.
func (s *Store) SetLinked(connID string, userID int64) error {
	if connID == "" {
		return ErrConnectionIDRequired
	}
	if userID < 0 {
		return ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[connID] = Status{Linked: true, UserID: &userID}
	return nil
}

// Status returns the link state; unknown connections are unlinked.
func (s *Store) Status(connID string) (Status, error) {
	if connID == "" {
		return Status{}, ErrConnectionIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[connID]
	if state.UserID != nil {
		id := *state.UserID
		state.UserID = &id
	}
	return state, nil
}

// LinkedUserID returns the user linked to a connection or ErrLinkingRequired.
func (s *Store) LinkedUserID(connID string) (int64, error) {
	state, err := s.Status(connID)
	if err != nil {
		return 0, err
	}
	if !state.Linked || state.UserID == nil {
		return 0, ErrLinkingRequired
	}
	return *state.UserID, nil
}

// Reset drops every link.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.states)
}
