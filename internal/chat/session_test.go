package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/crypto"
	"github.com/chatsync/internal/e2ee"
	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/store"
)

// testBackend emulates the conversation service: REST history/send plus the
// event channel with its hello frame.
type testBackend struct {
	t *testing.T

	rest *httptest.Server
	ws   *httptest.Server

	failSends atomic.Bool
	seq       atomic.Int64
	sends     atomic.Int64
}

func newBackend(t *testing.T, history []model.Message) *testBackend {
	b := &testBackend{t: t}

	b.rest = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
			json.NewEncoder(w).Encode(model.MessagePage{Data: history})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			b.sends.Add(1)
			if b.failSends.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"boom"}`))
				return
			}
			var req api.SendMessageRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(model.Message{
				ID:             "srv-" + req.ClientToken,
				ConversationID: req.ConversationID,
				SenderID:       "alice",
				Content:        req.Content,
				ContentType:    req.ContentType,
				Status:         model.MessageStatusSent,
				SequenceNumber: b.seq.Add(1) + 100,
				CreatedAt:      time.Now().UTC(),
				Encrypted:      req.Encrypted,
				Nonce:          req.Nonce,
				ClientToken:    req.ClientToken,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.rest.Close)

	upgrader := websocket.Upgrader{}
	b.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env, _ := event.NewEnvelope(event.TypeHello, event.HelloPayload{UserID: "alice"})
		if c.WriteJSON(env) != nil {
			return
		}
		for {
			var in event.Envelope
			if c.ReadJSON(&in) != nil {
				return
			}
		}
	}))
	t.Cleanup(b.ws.Close)
	return b
}

func newTestSession(t *testing.T, b *testBackend) *Session {
	mgr := conn.NewManager(conn.Config{
		URL:                  "ws" + strings.TrimPrefix(b.ws.URL, "http"),
		Token:                func() string { return "alice" },
		HandshakeTimeout:     2 * time.Second,
		MaxReconnectAttempts: 1,
	})
	s := NewSession(Deps{
		SelfID:   "alice",
		Conn:     mgr,
		API:      api.NewClient(b.rest.URL, func() string { return "alice" }),
		Store:    store.New(),
		Sessions: e2ee.NewSessions(),
		Cache:    e2ee.NewCache(),
		Cipher:   crypto.NewService(),
		Presence: presence.NewTracker(),
	})
	t.Cleanup(s.Close)
	return s
}

func history() []model.Message {
	return []model.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "bob", Content: "hi", ContentType: model.ContentTypeText, Status: model.MessageStatusSent, SequenceNumber: 1, CreatedAt: time.Now().Add(-time.Hour).UTC()},
		{ID: "m2", ConversationID: "conv-1", SenderID: "alice", Content: "hey", ContentType: model.ContentTypeText, Status: model.MessageStatusDelivered, SequenceNumber: 2, CreatedAt: time.Now().Add(-30 * time.Minute).UTC()},
	}
}

func TestJoin_LoadsHistory(t *testing.T) {
	b := newBackend(t, history())
	s := newTestSession(t, b)
	s.Connect(context.Background())

	require.NoError(t, s.Join(context.Background(), "conv-1"))

	view := s.View("conv-1")
	require.Len(t, view, 2)
	assert.Equal(t, "m1", view[0].Message.ID)
	assert.Equal(t, "m2", view[1].Message.ID)
}

func TestSend_OptimisticThenConfirmed(t *testing.T) {
	b := newBackend(t, history())
	s := newTestSession(t, b)
	s.Connect(context.Background())
	require.NoError(t, s.Join(context.Background(), "conv-1"))

	confirmed, err := s.Send(context.Background(), "conv-1", "third")
	require.NoError(t, err)

	// One surviving entry under the server id, ordered last.
	view := s.View("conv-1")
	require.Len(t, view, 3)
	last := view[2].Message
	assert.Equal(t, confirmed.ID, last.ID)
	assert.Equal(t, model.MessageStatusSent, last.Status)
	assert.False(t, strings.HasPrefix(last.ID, "tmp-"))
}

func TestSend_FailureMarksFailedAndResendReusesToken(t *testing.T) {
	b := newBackend(t, nil)
	s := newTestSession(t, b)
	s.Connect(context.Background())
	require.NoError(t, s.Join(context.Background(), "conv-1"))

	b.failSends.Store(true)
	_, err := s.Send(context.Background(), "conv-1", "doomed")
	require.Error(t, err)

	view := s.View("conv-1")
	require.Len(t, view, 1)
	failed := view[0].Message
	assert.Equal(t, model.MessageStatusFailed, failed.Status)
	token := failed.ClientToken
	require.NotEmpty(t, token)

	b.failSends.Store(false)
	require.NoError(t, s.Resend(context.Background(), "conv-1", failed.ID))

	view = s.View("conv-1")
	require.Len(t, view, 1)
	assert.Equal(t, "srv-"+token, view[0].Message.ID)
	assert.Equal(t, model.MessageStatusSent, view[0].Message.Status)
}

func TestResend_RequiresFailedStatus(t *testing.T) {
	b := newBackend(t, history())
	s := newTestSession(t, b)
	s.Connect(context.Background())
	require.NoError(t, s.Join(context.Background(), "conv-1"))

	err := s.Resend(context.Background(), "conv-1", "m1")
	assert.Error(t, err)
}

func TestMarkRead_UpgradesPeerMessagesLocally(t *testing.T) {
	b := newBackend(t, history())
	s := newTestSession(t, b)
	s.Connect(context.Background())
	require.NoError(t, s.Join(context.Background(), "conv-1"))

	s.MarkRead("conv-1", "m2")

	view := s.View("conv-1")
	// bob's message is read by alice now; alice's own stays delivered.
	assert.Equal(t, model.MessageStatusRead, view[0].Message.Status)
	assert.Equal(t, model.MessageStatusDelivered, view[1].Message.Status)
}

func TestSend_EncryptionRequiredButNotReady(t *testing.T) {
	b := newBackend(t, nil)
	s := newTestSession(t, b)
	s.Connect(context.Background())
	require.NoError(t, s.Join(context.Background(), "conv-1"))

	enabled := true
	pending := e2ee.StatusPending
	s.sessions.SetState("conv-1", e2ee.Patch{Enabled: &enabled, Status: &pending})

	_, err := s.Send(context.Background(), "conv-1", "secret")
	require.Error(t, err)
	// No optimistic ghost and no wire traffic for a refused send.
	assert.Empty(t, s.View("conv-1"))
	assert.Equal(t, int64(0), b.sends.Load())
}

func TestLogout_ClearsState(t *testing.T) {
	b := newBackend(t, history())
	s := newTestSession(t, b)
	s.Connect(context.Background())
	require.NoError(t, s.Join(context.Background(), "conv-1"))
	require.NotEmpty(t, s.View("conv-1"))

	s.Logout()

	assert.Empty(t, s.View("conv-1"))
}
