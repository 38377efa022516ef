package hub

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

// ConversationDirectory answers membership and metadata questions about
// conversations. Satisfied by repository.ConversationRepository.
type ConversationDirectory interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// ReadMarker advances message delivery state when a reader catches up.
// Satisfied by repository.MessageRepository.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, conversationID, readerID string) ([]string, error)
}

// Hub владеет всеми WebSocket-подключениями dev-сервера и комнатами бесед.
// Клиент получает события беседы только после join_conversation; presence
// (user_online/user_offline) рассылается всем подключённым.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // userID -> connections
	rooms    map[string]map[*Client]struct{} // conversationID -> subscribers
	joined   map[*Client]map[string]struct{} // connection -> joined rooms
	total    int
	maxConns int

	convRepo ConversationDirectory
	msgRepo  ReadMarker
	presence storage.PresenceStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	convRepo ConversationDirectory,
	msgRepo ReadMarker,
	presence storage.PresenceStore,
	maxConns int,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		joined:     make(map[*Client]map[string]struct{}),
		maxConns:   maxConns,
		convRepo:   convRepo,
		msgRepo:    msgRepo,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.joined = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.joined[c] = make(map[string]struct{})
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	h.broadcastUserStatus(c.userID, true)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	for room := range h.joined[c] {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.joined, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		h.broadcastUserStatus(c.userID, false)
	}
}

// HandleEnvelope dispatches incoming WebSocket envelopes.
func (h *Hub) HandleEnvelope(ctx context.Context, c *Client, env event.Envelope) {
	switch env.Type {
	case event.TypeJoinConversation:
		h.handleJoin(ctx, c, env)
	case event.TypeLeaveConversation:
		h.handleLeave(c, env)
	case event.TypeTypingStart:
		h.handleTyping(ctx, c, env, true)
	case event.TypeTypingStop:
		h.handleTyping(ctx, c, env, false)
	case event.TypeMessageRead:
		h.handleMessageRead(ctx, c, env)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, env event.Envelope) {
	var p event.RoomPayload
	if err := env.Decode(&p); err != nil || p.ConversationID == "" {
		h.sendError(c, "conversation_id required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.convRepo.IsMember(ctx, p.ConversationID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership conv=%s user=%s: %v", p.ConversationID, c.userID, err)
		h.sendError(c, "internal error")
		return
	}
	if !isMember {
		h.sendError(c, "not a member")
		return
	}

	h.mu.Lock()
	joined := h.joined[c]
	if joined == nil {
		// Join raced ahead of registration; without the joined index the room
		// entry would never be cleaned up on disconnect.
		h.mu.Unlock()
		h.sendError(c, "not registered")
		return
	}
	if _, ok := h.rooms[p.ConversationID]; !ok {
		h.rooms[p.ConversationID] = make(map[*Client]struct{})
	}
	h.rooms[p.ConversationID][c] = struct{}{}
	joined[p.ConversationID] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) handleLeave(c *Client, env event.Envelope) {
	var p event.RoomPayload
	if err := env.Decode(&p); err != nil || p.ConversationID == "" {
		return
	}
	h.mu.Lock()
	delete(h.rooms[p.ConversationID], c)
	if len(h.rooms[p.ConversationID]) == 0 {
		delete(h.rooms, p.ConversationID)
	}
	if h.joined[c] != nil {
		delete(h.joined[c], p.ConversationID)
	}
	h.mu.Unlock()
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, env event.Envelope, typing bool) {
	var p event.RoomPayload
	if err := env.Decode(&p); err != nil || p.ConversationID == "" {
		return
	}
	out, err := event.NewEnvelope(event.TypeUserTyping, event.TypingPayload{
		ConversationID: p.ConversationID,
		UserID:         c.userID,
		Typing:         typing,
	})
	if err != nil {
		logger.Errorf("ws typing envelope: %v", err)
		return
	}
	h.broadcastToRoomExcept(p.ConversationID, c.userID, out)
}

func (h *Hub) handleMessageRead(ctx context.Context, c *Client, env event.Envelope) {
	defer logger.DeferLogDuration("ws.handleMessageRead", time.Now())()
	var p event.ReadEmitPayload
	if err := env.Decode(&p); err != nil || p.ConversationID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ids, err := h.msgRepo.MarkAsRead(ctx, p.ConversationID, c.userID)
	if err != nil {
		logger.Errorf("ws mark read conv=%s user=%s: %v", p.ConversationID, c.userID, err)
		return
	}

	if conv, err := h.convRepo.GetByID(ctx, p.ConversationID); err == nil {
		if err := h.presence.SetLastRead(ctx, p.ConversationID, c.userID, conv.LastSeq); err != nil {
			logger.Errorf("ws set last read conv=%s user=%s: %v", p.ConversationID, c.userID, err)
		}
	}

	for _, id := range ids {
		out, err := event.NewEnvelope(event.TypeMessageRead, event.MessageReadPayload{
			MessageID:      id,
			ConversationID: p.ConversationID,
			UserID:         c.userID,
		})
		if err != nil {
			continue
		}
		h.broadcastToRoomExcept(p.ConversationID, c.userID, out)
	}
}

func (h *Hub) broadcastUserStatus(userID string, online bool) {
	evType := event.TypeUserOffline
	if online {
		evType = event.TypeUserOnline
	}
	out, err := event.NewEnvelope(evType, event.UserStatusPayload{UserID: userID, Online: online})
	if err != nil {
		logger.Errorf("ws user status envelope: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for uid, clients := range h.clients {
		if uid == userID {
			continue
		}
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

// BroadcastToRoom sends an envelope to every connection joined to the
// conversation's room, including the originator (so its other devices and the
// optimistic reconciliation path see the echo).
func (h *Hub) BroadcastToRoom(conversationID string, env event.Envelope) {
	defer logger.DeferLogDuration("ws.BroadcastToRoom", time.Now())()
	h.mu.RLock()
	room := h.rooms[conversationID]
	targets := make([]*Client, 0, len(room))
	for c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

func (h *Hub) broadcastToRoomExcept(conversationID, exceptUserID string, env event.Envelope) {
	h.mu.RLock()
	room := h.rooms[conversationID]
	targets := make([]*Client, 0, len(room))
	for c := range room {
		if c.userID == exceptUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

// SendHello доставляет первый кадр рукопожатия: клиент считает соединение
// установленным только после него.
func (h *Hub) SendHello(c *Client) {
	out, err := event.NewEnvelope(event.TypeHello, event.HelloPayload{
		UserID:     c.userID,
		ServerTime: time.Now().Unix(),
	})
	if err != nil {
		logger.Errorf("ws hello envelope user=%s: %v", c.userID, err)
		return
	}
	h.sendToClient(c, out)
}

// DeliverStatus пушит апдейт статуса доставки одного сообщения в комнату.
func (h *Hub) DeliverStatus(conversationID, messageID string, status model.MessageStatus) {
	out, err := event.NewEnvelope(event.TypeMessageStatus, event.MessageStatusPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		Status:         status,
	})
	if err != nil {
		logger.Errorf("ws status envelope msg=%s: %v", messageID, err)
		return
	}
	h.BroadcastToRoom(conversationID, out)
}

func (h *Hub) sendError(c *Client, msg string) {
	out, err := event.NewEnvelope(event.TypeError, event.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	h.sendToClient(c, out)
}

func (h *Hub) sendToClient(c *Client, env event.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
