package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/repository"
)

type ConversationHandler struct {
	convRepo *repository.ConversationRepository
}

func NewConversationHandler(convRepo *repository.ConversationRepository) *ConversationHandler {
	return &ConversationHandler{convRepo: convRepo}
}

type createConversationRequest struct {
	Type      model.ConversationType `json:"type"`
	Name      string                 `json:"name"`
	MemberIDs []string               `json:"member_ids"`
	Encrypted bool                   `json:"encrypted"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		req.Type = model.ConversationTypeDirect
	}

	// Создатель всегда участник.
	members := req.MemberIDs
	found := false
	for _, id := range members {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		members = append(members, userID)
	}

	c := &model.Conversation{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Name:      req.Name,
		MemberIDs: members,
		Encrypted: req.Encrypted,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.convRepo.Create(r.Context(), c); err != nil {
		logger.Errorf("create conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())
	convs, err := h.convRepo.ListByMember(r.Context(), userID)
	if err != nil {
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())
	convID := chi.URLParam(r, "conversationID")

	c, err := h.convRepo.GetByID(r.Context(), convID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		logger.Errorf("get conversation %s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}
	member := false
	for _, id := range c.MemberIDs {
		if id == userID {
			member = true
			break
		}
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
