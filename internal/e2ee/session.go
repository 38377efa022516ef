// Package e2ee tracks per-conversation encryption session state, pending key
// exchanges and the ephemeral plaintext cache that gates message display.
package e2ee

import (
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
)

type Status string

const (
	StatusNone    Status = "none"
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// statusOrder encodes the forward-only ladder none -> pending -> ready.
// StatusError is reachable from any state.
var statusOrder = map[Status]int{
	StatusNone:    0,
	StatusPending: 1,
	StatusReady:   2,
}

// ConversationState is the E2EE state for one conversation.
type ConversationState struct {
	Enabled         bool
	Status          Status
	SessionID       string
	LastKeyRotation time.Time
	Err             string
}

// Patch is a partial update: nil fields keep their prior value.
type Patch struct {
	Enabled         *bool
	Status          *Status
	SessionID       *string
	LastKeyRotation *time.Time
	Err             *string
}

// DefaultPendingExchangeTTL bounds how long a peer that never answers a key
// bundle request blocks further requests for that peer.
const DefaultPendingExchangeTTL = 2 * time.Minute

// Sessions is the encryption session store. One instance per login session,
// injected into whoever needs it; Reset returns it to the initial empty state.
type Sessions struct {
	mu         sync.RWMutex
	states     map[string]ConversationState
	pending    map[string]time.Time // userID -> request deadline
	pendingTTL time.Duration
	now        func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{
		states:     make(map[string]ConversationState),
		pending:    make(map[string]time.Time),
		pendingTTL: DefaultPendingExchangeTTL,
		now:        time.Now,
	}
}

// State returns the state for a conversation (zero value: not enabled,
// StatusNone).
func (s *Sessions) State(conversationID string) ConversationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[conversationID]
	if !ok {
		return ConversationState{Status: StatusNone}
	}
	return st
}

// SetState merges a partial update. Status transitions are forward-only:
// a regression (ready -> pending) is logged and dropped, StatusError is
// accepted from anywhere. Other fields always merge.
func (s *Sessions) SetState(conversationID string, p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conversationID]
	if !ok {
		st = ConversationState{Status: StatusNone}
	}
	if p.Enabled != nil {
		st.Enabled = *p.Enabled
	}
	if p.Status != nil {
		next := *p.Status
		switch {
		case next == StatusError:
			st.Status = StatusError
		case statusOrder[next] >= statusOrder[st.Status] && st.Status != StatusError:
			st.Status = next
		default:
			logger.Debugf("e2ee: dropping status regression %s -> %s conv=%s", st.Status, next, conversationID)
		}
	}
	if p.SessionID != nil {
		st.SessionID = *p.SessionID
	}
	if p.LastKeyRotation != nil {
		st.LastKeyRotation = *p.LastKeyRotation
	}
	if p.Err != nil {
		st.Err = *p.Err
	}
	s.states[conversationID] = st
}

// AddPending records an in-flight key bundle request for a peer. Returns false
// if a live request already exists, so callers skip the duplicate fetch.
func (s *Sessions) AddPending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl, ok := s.pending[userID]; ok && s.now().Before(dl) {
		return false
	}
	s.pending[userID] = s.now().Add(s.pendingTTL)
	return true
}

// RemovePending clears the in-flight marker on completion or terminal failure.
func (s *Sessions) RemovePending(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, userID)
}

// IsPending reports whether a live key bundle request exists for the peer.
// Expired entries count as absent: a dead peer must not block the whole
// session.
func (s *Sessions) IsPending(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.pending[userID]
	return ok && s.now().Before(dl)
}

// Reset clears everything (logout).
func (s *Sessions) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]ConversationState)
	s.pending = make(map[string]time.Time)
}
