// Package event defines the wire vocabulary shared by the sync client and the
// conversation service: server-pushed event kinds, client emits, and their
// typed payloads.
package event

import (
	"encoding/json"
	"time"

	"github.com/chatsync/internal/model"
)

type Type string

// Server-pushed events.
const (
	TypeNewMessage      Type = "new_message"
	TypeMessageEdited   Type = "message_edited"
	TypeMessageDeleted  Type = "message_deleted"
	TypeMessageStatus   Type = "message_status"
	TypeMessageRead     Type = "message_read"
	TypeReactionAdded   Type = "reaction_added"
	TypeReactionRemoved Type = "reaction_removed"
	TypeUserTyping      Type = "user_typing"
	TypeUserOnline      Type = "user_online"
	TypeUserOffline     Type = "user_offline"
	TypeNewPoll         Type = "new_poll"
	TypePollVoteAdded   Type = "poll_vote_added"
	TypePollClosed      Type = "poll_closed"
	TypeHello           Type = "hello"
	TypeError           Type = "error"
)

// Client-emitted events.
const (
	TypeJoinConversation  Type = "join_conversation"
	TypeLeaveConversation Type = "leave_conversation"
	TypeTypingStart       Type = "typing_start"
	TypeTypingStop        Type = "typing_stop"
)

// Envelope is a single frame on the wire in either direction. Payload stays
// raw until the subscriber for Type decodes it, so an unknown or malformed
// payload for one event kind cannot poison the dispatch of others.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal errors are returned
// rather than logged because callers decide whether the frame is droppable.
func NewEnvelope(t Type, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// --- Typed payloads (avoid map[string]any on the hot path) ---

// NewMessagePayload carries the full canonical message.
type NewMessagePayload struct {
	Message model.Message `json:"message"`
}

type MessageEditedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Encrypted      bool      `json:"encrypted,omitempty"`
	Nonce          string    `json:"nonce,omitempty"`
	EditedAt       time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// MessageStatusPayload upgrades delivery status for one message.
type MessageStatusPayload struct {
	MessageID      string              `json:"message_id"`
	ConversationID string              `json:"conversation_id"`
	Status         model.MessageStatus `json:"status"`
}

// MessageReadPayload marks all messages up to MessageID as read by UserID.
type MessageReadPayload struct {
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type ReactionPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

type UserStatusPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// PollPayload is relayed verbatim for new_poll / poll_vote_added /
// poll_closed; poll business logic lives outside the sync core.
type PollPayload struct {
	PollID         string          `json:"poll_id"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type RoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

type ReadEmitPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// HelloPayload is the first frame the server sends after a successful
// handshake. The client treats the connection as established only after
// receiving it.
type HelloPayload struct {
	UserID     string `json:"user_id"`
	ServerTime int64  `json:"server_time"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
