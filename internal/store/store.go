// Package store implements the per-conversation message reconciliation store:
// it merges initial page loads, optimistic local sends and server-pushed
// events into one ordered, deduplicated, status-tracked list.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// maxPendingEdits bounds the buffer of edits that arrived before their
// message (edit-before-insert race). On overflow the incoming edit is
// dropped, which is safe: the server remains the source of truth.
const maxPendingEdits = 256

// nearSendWindow is the fallback correlation window when a server echo
// carries no client token: an optimistic entry by the same sender with equal
// content created within this window is assumed to be the same logical send.
const nearSendWindow = 30 * time.Second

type conversation struct {
	messages []*model.Message
	byID     map[string]*model.Message
	byToken  map[string]*model.Message // optimistic entries awaiting echo
}

// Store is the reconciliation store. One instance per login session,
// explicitly constructed and injected; Reset returns it to empty (logout).
//
// Every mutation is idempotent and commutative with respect to unrelated
// message ids: at-least-once delivery and out-of-order arrival are expected,
// not exceptional.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	pendingEdits  map[string]event.MessageEditedPayload // messageID -> buffered edit
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*conversation),
		pendingEdits:  make(map[string]event.MessageEditedPayload),
	}
}

func (s *Store) conv(id string) *conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &conversation{
			byID:    make(map[string]*model.Message),
			byToken: make(map[string]*model.Message),
		}
		s.conversations[id] = c
	}
	return c
}

// Messages returns the ordered list for a conversation. The returned slice is
// a copy; the messages themselves must be treated as read-only snapshots.
func (s *Store) Messages(conversationID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]*model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the number of visible entries for a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	return len(c.messages)
}

// Get returns the message with the given id, if present.
func (s *Store) Get(conversationID, messageID string) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, false
	}
	m, ok := c.byID[messageID]
	return m, ok
}

// MergePage merges a fetched history page. Idempotent under repeated cursors:
// entries already present by id are skipped, so loading the same page twice
// cannot duplicate.
func (s *Store) MergePage(conversationID string, page []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(conversationID)
	for i := range page {
		m := page[i]
		if _, exists := c.byID[m.ID]; exists {
			continue
		}
		s.insertLocked(c, &m)
	}
}

// AddOptimistic appends a local draft before server confirmation. The draft
// must carry a temporary id and a client token; status is forced to sending.
func (s *Store) AddOptimistic(draft model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(draft.ConversationID)
	if _, exists := c.byID[draft.ID]; exists {
		return
	}
	draft.Status = model.MessageStatusSending
	m := &draft
	s.insertLocked(c, m)
	if m.ClientToken != "" {
		c.byToken[m.ClientToken] = m
	}
}

// ApplyNew merges a server-pushed (or echoed) canonical message. Exactly one
// entry survives per logical send: a matching optimistic draft is replaced in
// place, a duplicate id is a no-op, anything else inserts sorted by sequence.
func (s *Store) ApplyNew(msg model.Message) {
	s.mu.Lock()
	c := s.conv(msg.ConversationID)

	if _, exists := c.byID[msg.ID]; exists {
		s.mu.Unlock()
		return
	}

	if opt := s.matchOptimisticLocked(c, &msg); opt != nil {
		s.removeLocked(c, opt)
	}
	if msg.Status == "" || msg.Status == model.MessageStatusSending {
		msg.Status = model.MessageStatusSent
	}
	m := &msg
	s.insertLocked(c, m)

	pending, hasEdit := s.pendingEdits[m.ID]
	if hasEdit {
		delete(s.pendingEdits, m.ID)
	}
	s.mu.Unlock()

	if hasEdit {
		s.ApplyEdit(pending)
	}
}

// ConfirmSend reconciles the REST send response with the optimistic draft.
// Same merge rules as ApplyNew; split out so callers read naturally.
func (s *Store) ConfirmSend(confirmed model.Message) {
	s.ApplyNew(confirmed)
}

// MarkFailed marks an optimistic entry as failed. No automatic retry: the
// failure is user-visible and resend is an explicit action.
func (s *Store) MarkFailed(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	m, ok := c.byID[messageID]
	if !ok {
		return
	}
	if m.Status == model.MessageStatusSending {
		m.Status = model.MessageStatusFailed
	}
}

// ApplyEdit patches a message in place. An edit arriving before its message
// (a legitimate race) is buffered and applied when the message is inserted —
// never turned into a synthetic message.
func (s *Store) ApplyEdit(p event.MessageEditedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[p.ConversationID]
	if ok {
		if m, found := c.byID[p.MessageID]; found {
			if m.Deleted() {
				return
			}
			m.Content = p.Content
			m.Encrypted = p.Encrypted
			m.Nonce = p.Nonce
			m.IsEdited = true
			editedAt := p.EditedAt
			m.EditedAt = &editedAt
			return
		}
	}
	if len(s.pendingEdits) >= maxPendingEdits {
		logger.Debugf("store: pending edit buffer full, dropping edit for msg=%s", p.MessageID)
		return
	}
	s.pendingEdits[p.MessageID] = p
}

// ApplyDelete tombstones a message: content is cleared but the entry keeps
// its position so adjacent avatar grouping stays intact.
func (s *Store) ApplyDelete(p event.MessageDeletedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[p.ConversationID]
	if !ok {
		return
	}
	m, ok := c.byID[p.MessageID]
	if !ok {
		return
	}
	deletedAt := p.DeletedAt
	m.DeletedAt = &deletedAt
	m.Content = ""
	m.Encrypted = false
	m.Nonce = ""
	m.Metadata = nil
	m.Reactions = nil
}

// ApplyReactionAdded patches the reactions slice. Duplicate (user, emoji)
// pairs collapse, covering at-least-once delivery.
func (s *Store) ApplyReactionAdded(p event.ReactionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookupLocked(p.ConversationID, p.MessageID)
	if m == nil || m.Deleted() {
		return
	}
	for _, r := range m.Reactions {
		if r.UserID == p.UserID && r.Emoji == p.Emoji {
			return
		}
	}
	m.Reactions = append(m.Reactions, model.Reaction{UserID: p.UserID, Emoji: p.Emoji})
}

// ApplyReactionRemoved removes a (user, emoji) pair; absent pairs are a no-op.
func (s *Store) ApplyReactionRemoved(p event.ReactionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookupLocked(p.ConversationID, p.MessageID)
	if m == nil {
		return
	}
	for i, r := range m.Reactions {
		if r.UserID == p.UserID && r.Emoji == p.Emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return
		}
	}
}

// ApplyStatus upgrades delivery status. Monotonic: sending < sent <
// delivered < read; a regression is absorbed silently.
func (s *Store) ApplyStatus(p event.MessageStatusPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookupLocked(p.ConversationID, p.MessageID)
	if m == nil {
		return
	}
	if model.StatusAdvances(m.Status, p.Status) {
		m.Status = p.Status
	}
}

// MarkConversationRead upgrades to read every message not sent by readerID
// (the reader has now seen everyone else's messages). Monotonic per message.
func (s *Store) MarkConversationRead(conversationID, readerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	for _, m := range c.messages {
		if m.SenderID == readerID {
			continue
		}
		if model.StatusAdvances(m.Status, model.MessageStatusRead) {
			m.Status = model.MessageStatusRead
		}
	}
}

// Reset drops all conversations and buffered edits (logout).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*conversation)
	s.pendingEdits = make(map[string]event.MessageEditedPayload)
}

// --- internal ---

func (s *Store) lookupLocked(conversationID, messageID string) *model.Message {
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return c.byID[messageID]
}

// matchOptimisticLocked finds the optimistic draft for a server echo: by
// client token when threaded through, else first sending entry by the same
// sender with equal content created near the echo's timestamp.
func (s *Store) matchOptimisticLocked(c *conversation, msg *model.Message) *model.Message {
	if msg.ClientToken != "" {
		if opt, ok := c.byToken[msg.ClientToken]; ok {
			return opt
		}
	}
	for _, m := range c.messages {
		if m.Status != model.MessageStatusSending || m.SenderID != msg.SenderID {
			continue
		}
		if m.Content != msg.Content {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= nearSendWindow {
			return m
		}
	}
	return nil
}

// insertLocked places m at its sorted position. Out-of-order delivery under
// concurrent senders is expected, so every insert honors the global order
// rather than assuming append order.
func (s *Store) insertLocked(c *conversation, m *model.Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return messageLess(m, c.messages[i])
	})
	c.messages = append(c.messages, nil)
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
	c.byID[m.ID] = m
}

func (s *Store) removeLocked(c *conversation, m *model.Message) {
	for i, cur := range c.messages {
		if cur == m {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			break
		}
	}
	delete(c.byID, m.ID)
	if m.ClientToken != "" {
		delete(c.byToken, m.ClientToken)
	}
}

// messageLess orders by sequence number ascending when both sides have one;
// entries without a sequence (optimistic drafts, legacy rows) fall back to
// createdAt, with id as the final tiebreaker for determinism.
func messageLess(a, b *model.Message) bool {
	if a.SequenceNumber > 0 && b.SequenceNumber > 0 {
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.ID < b.ID
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
