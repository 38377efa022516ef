package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/hub"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type MessageHandler struct {
	msgRepo  *repository.MessageRepository
	convRepo *repository.ConversationRepository
	hub      *hub.Hub
}

func NewMessageHandler(msgRepo *repository.MessageRepository, convRepo *repository.ConversationRepository, h *hub.Hub) *MessageHandler {
	return &MessageHandler{msgRepo: msgRepo, convRepo: convRepo, hub: h}
}

func (h *MessageHandler) requireMember(w http.ResponseWriter, r *http.Request, conversationID string) bool {
	userID := GetUserID(r.Context())
	ok, err := h.convRepo.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		logger.Errorf("check membership conv=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member")
		return false
	}
	return true
}

// History отдаёт страницу истории. Курсор — sequence_number: страница
// содержит сообщения строго старше курсора, next_cursor указывает на самое
// старое сообщение страницы.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if !h.requireMember(w, r, convID) {
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	var beforeSeq int64
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		beforeSeq = n
	}

	messages, hasMore, err := h.msgRepo.GetPage(r.Context(), convID, limit, beforeSeq)
	if err != nil {
		logger.Errorf("history conv=%s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	page := model.MessagePage{Data: messages, Pagination: model.Pagination{HasMore: hasMore}}
	if hasMore && len(messages) > 0 {
		page.Pagination.NextCursor = strconv.FormatInt(messages[len(messages)-1].SequenceNumber, 10)
	}
	writeJSON(w, http.StatusOK, page)
}

type sendMessageRequest struct {
	Content     string                 `json:"content"`
	ContentType model.ContentType      `json:"content_type"`
	ReplyToID   *string                `json:"reply_to_id"`
	Encrypted   bool                   `json:"encrypted"`
	Nonce       string                 `json:"nonce"`
	ClientToken string                 `json:"client_token"`
	Metadata    *model.MessageMetadata `json:"metadata"`
}

// Send сохраняет сообщение, присваивает sequence_number и рассылает
// new_message в комнату беседы. client_token возвращается в каноническом
// сообщении: по нему клиент сшивает оптимистичную запись с серверной.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	userID := GetUserID(r.Context())
	if !h.requireMember(w, r, convID) {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Content == "" && req.Metadata == nil {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = model.ContentTypeText
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		SenderID:       userID,
		Content:        req.Content,
		ContentType:    contentType,
		Status:         model.MessageStatusSent,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      time.Now().UTC(),
		Encrypted:      req.Encrypted,
		Nonce:          req.Nonce,
		ClientToken:    req.ClientToken,
		Metadata:       req.Metadata,
	}
	if err := h.msgRepo.Create(r.Context(), m); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		logger.Errorf("send message conv=%s user=%s: %v", convID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	if out, err := event.NewEnvelope(event.TypeNewMessage, event.NewMessagePayload{Message: *m}); err == nil {
		h.hub.BroadcastToRoom(convID, out)
	}
	writeJSON(w, http.StatusCreated, m)
}

type editMessageRequest struct {
	Content   string `json:"content"`
	Encrypted bool   `json:"encrypted"`
	Nonce     string `json:"nonce"`
}

// Edit редактирует своё сообщение и рассылает message_edited.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "messageID")
	userID := GetUserID(r.Context())

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	original, err := h.msgRepo.GetByID(r.Context(), msgID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("edit message %s: %v", msgID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if original.SenderID != userID {
		writeError(w, http.StatusForbidden, "can only edit own messages")
		return
	}

	now := time.Now().UTC()
	if err := h.msgRepo.UpdateContent(r.Context(), msgID, req.Content, req.Encrypted, req.Nonce, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusConflict, "message deleted")
			return
		}
		logger.Errorf("edit message %s: %v", msgID, err)
		writeError(w, http.StatusInternalServerError, "failed to edit")
		return
	}

	if out, err := event.NewEnvelope(event.TypeMessageEdited, event.MessageEditedPayload{
		MessageID:      msgID,
		ConversationID: original.ConversationID,
		Content:        req.Content,
		Encrypted:      req.Encrypted,
		Nonce:          req.Nonce,
		EditedAt:       now,
	}); err == nil {
		h.hub.BroadcastToRoom(original.ConversationID, out)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete превращает своё сообщение в тумбстоун и рассылает message_deleted.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "messageID")
	userID := GetUserID(r.Context())

	original, err := h.msgRepo.GetByID(r.Context(), msgID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("delete message %s: %v", msgID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if original.SenderID != userID {
		writeError(w, http.StatusForbidden, "can only delete own messages")
		return
	}

	now := time.Now().UTC()
	if err := h.msgRepo.SoftDelete(r.Context(), msgID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Errorf("delete message %s: %v", msgID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete")
		return
	}

	if out, err := event.NewEnvelope(event.TypeMessageDeleted, event.MessageDeletedPayload{
		MessageID:      msgID,
		ConversationID: original.ConversationID,
		DeletedAt:      now,
	}); err == nil {
		h.hub.BroadcastToRoom(original.ConversationID, out)
	}
	w.WriteHeader(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	h.reaction(w, r, true)
}

func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	h.reaction(w, r, false)
}

func (h *MessageHandler) reaction(w http.ResponseWriter, r *http.Request, add bool) {
	msgID := chi.URLParam(r, "messageID")
	userID := GetUserID(r.Context())

	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji required")
		return
	}

	original, err := h.msgRepo.GetByID(r.Context(), msgID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("reaction message %s: %v", msgID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	evType := event.TypeReactionAdded
	if add {
		err = h.msgRepo.AddReaction(r.Context(), msgID, userID, req.Emoji)
	} else {
		evType = event.TypeReactionRemoved
		err = h.msgRepo.RemoveReaction(r.Context(), msgID, userID, req.Emoji)
	}
	if err != nil {
		logger.Errorf("reaction message %s: %v", msgID, err)
		writeError(w, http.StatusInternalServerError, "failed to update reaction")
		return
	}

	if out, err := event.NewEnvelope(evType, event.ReactionPayload{
		MessageID:      msgID,
		ConversationID: original.ConversationID,
		UserID:         userID,
		Emoji:          req.Emoji,
	}); err == nil {
		h.hub.BroadcastToRoom(original.ConversationID, out)
	}
	w.WriteHeader(http.StatusNoContent)
}

type pollRequest struct {
	PollID string          `json:"poll_id"`
	Event  event.Type      `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Poll ретранслирует poll-события в комнату как есть: бизнес-логика опросов
// живёт во внешнем сервисе, ядро синхронизации их не интерпретирует.
func (h *MessageHandler) Poll(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if !h.requireMember(w, r, convID) {
		return
	}

	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PollID == "" {
		writeError(w, http.StatusBadRequest, "poll_id required")
		return
	}
	switch req.Event {
	case event.TypeNewPoll, event.TypePollVoteAdded, event.TypePollClosed:
	default:
		writeError(w, http.StatusBadRequest, "unknown poll event")
		return
	}

	if out, err := event.NewEnvelope(req.Event, event.PollPayload{
		PollID:         req.PollID,
		ConversationID: convID,
		Data:           req.Data,
	}); err == nil {
		h.hub.BroadcastToRoom(convID, out)
	}
	w.WriteHeader(http.StatusAccepted)
}
