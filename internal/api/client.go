// Package api is the REST client for the conversation service: history
// pages, sends (with idempotency token) and key bundles. Real-time updates
// come over the conn package, not from here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/model"
)

var (
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrNotFound     = errors.New("api: not found")
)

type Client struct {
	baseURL string
	token   func() string
	http    *http.Client
}

func NewClient(baseURL string, token func() string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetConversationMessages fetches one history page. Cursor pagination: pass
// the previous page's next_cursor, empty for the newest page.
func (c *Client) GetConversationMessages(ctx context.Context, conversationID string, limit int, cursor string) (*model.MessagePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page model.MessagePage
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessageRequest carries a send. ClientToken is the client-generated
// idempotency token; the server echoes it so reconciliation can match the
// optimistic entry explicitly instead of by content heuristics.
type SendMessageRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Content        string                 `json:"content"`
	ContentType    model.ContentType      `json:"content_type"`
	ReplyToID      *string                `json:"reply_to_id,omitempty"`
	Encrypted      bool                   `json:"encrypted,omitempty"`
	Nonce          string                 `json:"nonce,omitempty"`
	ClientToken    string                 `json:"client_token"`
	Metadata       *model.MessageMetadata `json:"metadata,omitempty"`
}

// SendMessage persists a message and returns the canonical copy with the
// server-assigned id and sequence number.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*model.Message, error) {
	var msg model.Message
	path := "/api/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListConversations returns the conversations visible to the caller.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates a direct or group conversation.
func (c *Client) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", nil, conv, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetKeyBundle fetches a peer's public key material.
func (c *Client) GetKeyBundle(ctx context.Context, userID string) (*model.KeyBundle, error) {
	var kb model.KeyBundle
	if err := c.do(ctx, http.MethodGet, "/api/keys/"+url.PathEscape(userID), nil, nil, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// PublishKeyBundle uploads the local public key material.
func (c *Client) PublishKeyBundle(ctx context.Context, publicKey string) error {
	body := map[string]string{"public_key": publicKey}
	return c.do(ctx, http.MethodPost, "/api/keys", nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}
