// Package chat wires the sync core together: connection manager, message
// reconciliation store, encryption session state and presence, behind one
// session facade the UI layer consumes.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/crypto"
	"github.com/chatsync/internal/e2ee"
	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/store"
)

const defaultPageSize = 50

type cursorState struct {
	next    string
	hasMore bool
	loaded  bool
}

// Session is the per-login sync session. One explicitly-owned instance,
// created at login and closed at logout; nothing here is a package singleton.
type Session struct {
	selfID   string
	conn     *conn.Manager
	api      *api.Client
	store    *store.Store
	sessions *e2ee.Sessions
	cache    *e2ee.Cache
	decrypt  *e2ee.Decryptor
	cipher   *crypto.Service
	presence *presence.Tracker

	mu      sync.Mutex
	rooms   map[string]struct{}
	cursors map[string]*cursorState

	subs []*conn.Subscription
}

// Deps are the injected collaborators. All are required.
type Deps struct {
	SelfID   string
	Conn     *conn.Manager
	API      *api.Client
	Store    *store.Store
	Sessions *e2ee.Sessions
	Cache    *e2ee.Cache
	Cipher   *crypto.Service
	Presence *presence.Tracker
}

func NewSession(d Deps) *Session {
	s := &Session{
		selfID:   d.SelfID,
		conn:     d.Conn,
		api:      d.API,
		store:    d.Store,
		sessions: d.Sessions,
		cache:    d.Cache,
		cipher:   d.Cipher,
		presence: d.Presence,
		decrypt:  e2ee.NewDecryptor(d.Cipher, d.Cache),
		rooms:    make(map[string]struct{}),
		cursors:  make(map[string]*cursorState),
	}
	s.subscribe()
	return s
}

func (s *Session) subscribe() {
	sub := func(t event.Type, fn func(event.Envelope)) {
		s.subs = append(s.subs, s.conn.Subscribe(t, fn))
	}
	sub(event.TypeNewMessage, s.onNewMessage)
	sub(event.TypeMessageEdited, s.onMessageEdited)
	sub(event.TypeMessageDeleted, s.onMessageDeleted)
	sub(event.TypeMessageStatus, s.onMessageStatus)
	sub(event.TypeMessageRead, s.onMessageRead)
	sub(event.TypeReactionAdded, s.onReactionAdded)
	sub(event.TypeReactionRemoved, s.onReactionRemoved)
	// The manager does not rejoin rooms itself; this session re-issues joins
	// for its active rooms whenever the transport comes back.
	sub(conn.TypeConnected, s.onConnected)
	s.subs = append(s.subs, s.presence.Bind(s.conn)...)
}

// Connect opens the event channel.
func (s *Session) Connect(ctx context.Context) {
	s.conn.Connect(ctx)
}

// Join subscribes to a conversation's room and loads the newest history page
// (idempotent on repeat joins).
func (s *Session) Join(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()

	s.conn.JoinConversation(conversationID)
	return s.loadPage(ctx, conversationID, "")
}

// Leave unsubscribes from the room. Already-buffered messages stay in the
// store; in-flight decrypts finish harmlessly against the id-keyed cache.
func (s *Session) Leave(conversationID string) {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	s.conn.LeaveConversation(conversationID)
}

// LoadOlder fetches the next (older) history page, if any.
func (s *Session) LoadOlder(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	cs := s.cursors[conversationID]
	s.mu.Unlock()
	if cs == nil || !cs.loaded {
		return s.loadPage(ctx, conversationID, "")
	}
	if !cs.hasMore {
		return nil
	}
	return s.loadPage(ctx, conversationID, cs.next)
}

func (s *Session) loadPage(ctx context.Context, conversationID, cursor string) error {
	page, err := s.api.GetConversationMessages(ctx, conversationID, defaultPageSize, cursor)
	if err != nil {
		return fmt.Errorf("load messages conv=%s: %w", conversationID, err)
	}
	s.store.MergePage(conversationID, page.Data)
	s.mu.Lock()
	s.cursors[conversationID] = &cursorState{
		next:    page.Pagination.NextCursor,
		hasMore: page.Pagination.HasMore,
		loaded:  true,
	}
	s.mu.Unlock()
	return nil
}

// Send performs an optimistic send: the draft appears immediately with
// status=sending, then is reconciled with the server echo by client token.
// On failure the entry is marked failed; resend is an explicit user action.
func (s *Session) Send(ctx context.Context, conversationID, content string) (*model.Message, error) {
	draft := model.Message{
		ID:             "tmp-" + uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Content:        content,
		ContentType:    model.ContentTypeText,
		ClientToken:    uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
	}

	wireContent, nonce, encrypted, err := s.maybeEncrypt(conversationID, content)
	if err != nil {
		return nil, err
	}

	s.store.AddOptimistic(draft)

	confirmed, err := s.api.SendMessage(ctx, api.SendMessageRequest{
		ConversationID: conversationID,
		Content:        wireContent,
		ContentType:    model.ContentTypeText,
		Encrypted:      encrypted,
		Nonce:          nonce,
		ClientToken:    draft.ClientToken,
	})
	if err != nil {
		s.store.MarkFailed(conversationID, draft.ID)
		return nil, fmt.Errorf("send conv=%s: %w", conversationID, err)
	}

	// Sender keeps the plaintext: cache it so the echo renders without a
	// decrypt round-trip.
	if encrypted {
		s.cache.Put(confirmed.ID, content)
	}
	s.store.ConfirmSend(*confirmed)
	return confirmed, nil
}

// Resend retries a failed optimistic entry, reusing its client token so the
// server (and reconciliation) treat it as the same logical send.
func (s *Session) Resend(ctx context.Context, conversationID, messageID string) error {
	m, ok := s.store.Get(conversationID, messageID)
	if !ok {
		return fmt.Errorf("resend: message %s not found", messageID)
	}
	if m.Status != model.MessageStatusFailed {
		return fmt.Errorf("resend: message %s is not failed", messageID)
	}

	wireContent, nonce, encrypted, err := s.maybeEncrypt(conversationID, m.Content)
	if err != nil {
		return err
	}
	confirmed, err := s.api.SendMessage(ctx, api.SendMessageRequest{
		ConversationID: conversationID,
		Content:        wireContent,
		ContentType:    m.ContentType,
		Encrypted:      encrypted,
		Nonce:          nonce,
		ClientToken:    m.ClientToken,
	})
	if err != nil {
		return fmt.Errorf("resend conv=%s: %w", conversationID, err)
	}
	if encrypted {
		s.cache.Put(confirmed.ID, m.Content)
	}
	s.store.ConfirmSend(*confirmed)
	return nil
}

func (s *Session) maybeEncrypt(conversationID, content string) (wire, nonce string, encrypted bool, err error) {
	st := s.sessions.State(conversationID)
	if !st.Enabled {
		return content, "", false, nil
	}
	if st.Status != e2ee.StatusReady {
		return "", "", false, fmt.Errorf("conversation %s: encryption session not ready (status=%s)", conversationID, st.Status)
	}
	ct, n, err := s.cipher.EncryptMessage(conversationID, content)
	if err != nil {
		return "", "", false, fmt.Errorf("encrypt conv=%s: %w", conversationID, err)
	}
	return ct, n, true, nil
}

// EnsureEncryption establishes the E2EE session for a conversation with the
// given peer. Duplicate bundle requests are gated by the pending-exchange
// set; a dead peer's entry expires rather than blocking the whole session.
func (s *Session) EnsureEncryption(ctx context.Context, conversationID, peerID string) error {
	enabled := true
	st := s.sessions.State(conversationID)
	if st.Status == e2ee.StatusReady && s.cipher.HasSession(conversationID) {
		return nil
	}
	if !s.cipher.IsInitialized() {
		if err := s.cipher.Init(); err != nil {
			return fmt.Errorf("init cipher: %w", err)
		}
	}
	if !s.sessions.AddPending(peerID) {
		return nil // a bundle request for this peer is already in flight
	}
	defer s.sessions.RemovePending(peerID)

	pending := e2ee.StatusPending
	s.sessions.SetState(conversationID, e2ee.Patch{Enabled: &enabled, Status: &pending})

	bundle, err := s.api.GetKeyBundle(ctx, peerID)
	if err != nil {
		s.markEncryptionError(conversationID, err)
		return fmt.Errorf("key bundle user=%s: %w", peerID, err)
	}
	if err := s.cipher.EstablishSession(conversationID, bundle.PublicKey); err != nil {
		s.markEncryptionError(conversationID, err)
		return fmt.Errorf("establish session conv=%s: %w", conversationID, err)
	}

	ready := e2ee.StatusReady
	sessionID := uuid.New().String()
	now := time.Now().UTC()
	s.sessions.SetState(conversationID, e2ee.Patch{
		Status:          &ready,
		SessionID:       &sessionID,
		LastKeyRotation: &now,
	})
	return nil
}

func (s *Session) markEncryptionError(conversationID string, cause error) {
	errStatus := e2ee.StatusError
	msg := cause.Error()
	s.sessions.SetState(conversationID, e2ee.Patch{Status: &errStatus, Err: &msg})
}

// MarkRead reports the local read position and upgrades peer messages locally.
func (s *Session) MarkRead(conversationID, messageID string) {
	s.conn.MarkRead(messageID, conversationID)
	s.store.MarkConversationRead(conversationID, s.selfID)
}

// TypingStart / TypingStop forward the local typing signal.
func (s *Session) TypingStart(conversationID string) { s.conn.TypingStart(conversationID) }
func (s *Session) TypingStop(conversationID string)  { s.conn.TypingStop(conversationID) }

// View returns the display projection for a conversation: ordered, decrypt-
// gated, tombstoned and avatar-grouped. Recomputed per call.
func (s *Session) View(conversationID string) []store.Entry {
	return store.BuildView(s.store.Messages(conversationID), s.decrypt)
}

// Typing returns who is typing in a conversation right now.
func (s *Session) Typing(conversationID string) []string {
	return s.presence.TypingUsers(conversationID)
}

// Close tears down subscriptions and the transport. Store/cache state is kept
// (reconnectable); Logout clears everything.
func (s *Session) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.conn.Disconnect()
}

// Logout resets all session-scoped state: messages, encryption sessions,
// plaintext cache, presence and keys.
func (s *Session) Logout() {
	s.Close()
	s.store.Reset()
	s.sessions.Reset()
	s.cache.Reset()
	s.cipher.Reset()
	s.presence.Reset()
}

// --- event handlers ---

func (s *Session) activeRoom(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conversationID]
	return ok
}

func (s *Session) onConnected(event.Envelope) {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()
	for _, id := range rooms {
		s.conn.JoinConversation(id)
	}
	if len(rooms) > 0 {
		logger.Debugf("chat: rejoined %d rooms after connect", len(rooms))
	}
}

func (s *Session) onNewMessage(env event.Envelope) {
	var p event.NewMessagePayload
	if err := env.Decode(&p); err != nil {
		logger.Errorf("chat: decode new_message: %v", err)
		return
	}
	if !s.activeRoom(p.Message.ConversationID) {
		return
	}
	s.store.ApplyNew(p.Message)
}

func (s *Session) onMessageEdited(env event.Envelope) {
	var p event.MessageEditedPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	// The edit replaces any cached plaintext: the old decrypt no longer
	// reflects the message.
	if p.Encrypted {
		s.cache.Drop(p.MessageID)
	}
	s.store.ApplyEdit(p)
}

func (s *Session) onMessageDeleted(env event.Envelope) {
	var p event.MessageDeletedPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.cache.Drop(p.MessageID)
	s.store.ApplyDelete(p)
}

func (s *Session) onMessageStatus(env event.Envelope) {
	var p event.MessageStatusPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.store.ApplyStatus(p)
}

func (s *Session) onMessageRead(env event.Envelope) {
	var p event.MessageReadPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	if p.UserID == s.selfID {
		return
	}
	s.store.MarkConversationRead(p.ConversationID, p.UserID)
}

func (s *Session) onReactionAdded(env event.Envelope) {
	var p event.ReactionPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.store.ApplyReactionAdded(p)
}

func (s *Session) onReactionRemoved(env event.Envelope) {
	var p event.ReactionPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.store.ApplyReactionRemoved(p)
}
