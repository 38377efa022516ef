// Package presence derives per-user online and typing state from connection
// events. Thin, event-driven overlay; no state survives a Reset.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/event"
)

// typingTTL clears a typing flag that was never followed by typing_stop
// (the peer closed the tab mid-keystroke).
const typingTTL = 5 * time.Second

type Tracker struct {
	mu     sync.RWMutex
	online map[string]bool
	typing map[string]map[string]time.Time // conversationID -> userID -> expiry
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		online: make(map[string]bool),
		typing: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// Bind subscribes the tracker to the connection manager's presence events and
// returns the handles for teardown.
func (t *Tracker) Bind(m *conn.Manager) []*conn.Subscription {
	return []*conn.Subscription{
		m.Subscribe(event.TypeUserOnline, t.onUserStatus),
		m.Subscribe(event.TypeUserOffline, t.onUserStatus),
		m.Subscribe(event.TypeUserTyping, t.onTyping),
	}
}

func (t *Tracker) onUserStatus(env event.Envelope) {
	var p event.UserStatusPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	t.SetOnline(p.UserID, env.Type == event.TypeUserOnline || p.Online)
}

func (t *Tracker) onTyping(env event.Envelope) {
	var p event.TypingPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	t.SetTyping(p.ConversationID, p.UserID, p.Typing)
}

func (t *Tracker) SetOnline(userID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID]
}

func (t *Tracker) SetTyping(conversationID, userID string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.typing[conversationID]
	if !typing {
		if ok {
			delete(users, userID)
		}
		return
	}
	if !ok {
		users = make(map[string]time.Time)
		t.typing[conversationID] = users
	}
	users[userID] = t.now().Add(typingTTL)
}

// TypingUsers returns who is currently typing in a conversation, expired
// entries filtered out. Sorted for stable display.
func (t *Tracker) TypingUsers(conversationID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := t.typing[conversationID]
	if len(users) == 0 {
		return nil
	}
	now := t.now()
	out := make([]string, 0, len(users))
	for id, expiry := range users {
		if now.Before(expiry) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops all presence state (disconnect or logout).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]bool)
	t.typing = make(map[string]map[string]time.Time)
}
