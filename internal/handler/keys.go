package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/repository"
)

type KeyHandler struct {
	keyRepo *repository.KeyRepository
}

func NewKeyHandler(keyRepo *repository.KeyRepository) *KeyHandler {
	return &KeyHandler{keyRepo: keyRepo}
}

type publishKeyRequest struct {
	PublicKey string `json:"public_key"`
}

// Publish сохраняет публичный ключ вызывающего пользователя.
func (h *KeyHandler) Publish(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())

	var req publishKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "public_key required")
		return
	}
	if err := h.keyRepo.Publish(r.Context(), userID, req.PublicKey); err != nil {
		logger.Errorf("publish key user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to publish key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	kb, err := h.keyRepo.Get(r.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "key bundle not found")
		return
	}
	if err != nil {
		logger.Errorf("get key user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get key")
		return
	}
	writeJSON(w, http.StatusOK, kb)
}
