package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, func() string { return "alice-token" })
}

func TestGetConversationMessages_QueryAndDecode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/conv-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer alice-token", r.Header.Get("Authorization"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "120", r.URL.Query().Get("cursor"))

		json.NewEncoder(w).Encode(model.MessagePage{
			Data:       []model.Message{{ID: "m1", ConversationID: "conv-1", SequenceNumber: 119}},
			Pagination: model.Pagination{HasMore: true, NextCursor: "119"},
		})
	})

	page, err := c.GetConversationMessages(context.Background(), "conv-1", 50, "120")
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "m1", page.Data[0].ID)
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, "119", page.Pagination.NextCursor)
}

func TestSendMessage_TokenThreadedThrough(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok-1", req.ClientToken)
		assert.Equal(t, "hello", req.Content)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Message{
			ID: "m1", ConversationID: req.ConversationID, Content: req.Content,
			Status: model.MessageStatusSent, SequenceNumber: 7, ClientToken: req.ClientToken,
		})
	})

	msg, err := c.SendMessage(context.Background(), SendMessageRequest{
		ConversationID: "conv-1", Content: "hello", ContentType: model.ContentTypeText, ClientToken: "tok-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, int64(7), msg.SequenceNumber)
	assert.Equal(t, "tok-1", msg.ClientToken)
}

func TestStatusMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/keys/ghost":
			w.WriteHeader(http.StatusNotFound)
		case "/api/conversations":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"boom"}`))
		}
	})

	_, err := c.GetKeyBundle(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.ListConversations(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.GetConversationMessages(context.Background(), "conv-1", 10, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestPublishKeyBundle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/keys", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["public_key"])
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.PublishKeyBundle(context.Background(), "cHVibGlj"))
}

func TestContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListConversations(ctx)
	assert.Error(t, err)
}
