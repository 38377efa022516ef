package model

import "time"

type ContentType string

const (
	ContentTypeText   ContentType = "text"
	ContentTypeImage  ContentType = "image"
	ContentTypeFile   ContentType = "file"
	ContentTypeVoice  ContentType = "voice"
	ContentTypePoll   ContentType = "poll"
	ContentTypeSystem ContentType = "system"
)

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// statusRank orders delivery statuses. Failed sits outside the ladder:
// it is terminal for the local copy and only an explicit resend replaces it.
var statusRank = map[MessageStatus]int{
	MessageStatusSending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// StatusAdvances reports whether to is strictly further along than from.
// Receipts may arrive out of order; a read message never regresses to delivered.
func StatusAdvances(from, to MessageStatus) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Message is the canonical message entity. ID is the only identity used for
// deduplication. SequenceNumber is assigned server-side at persistence time
// and is the primary ordering key; CreatedAt is the fallback for optimistic
// entries that have no sequence yet.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	ContentType    ContentType   `json:"content_type"`
	Status         MessageStatus `json:"status"`
	SequenceNumber int64         `json:"sequence_number,omitempty"`
	ReplyToID      *string       `json:"reply_to_id,omitempty"`
	IsEdited       bool          `json:"is_edited,omitempty"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      *time.Time    `json:"updated_at,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`

	// Encrypted marks Content as a base64 ciphertext envelope. Nonce travels
	// with the message; the key comes from the conversation's E2EE session.
	Encrypted bool   `json:"encrypted,omitempty"`
	Nonce     string `json:"nonce,omitempty"`

	// ClientToken is the client-generated idempotency token threaded through
	// the send path and echoed by the server. It is the correlation key that
	// reconciles an optimistic entry with its server echo.
	ClientToken string `json:"client_token,omitempty"`

	// Metadata carries file, poll or system payloads.
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// Deleted reports whether the message is a tombstone.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// MessageMetadata is the typed attachment payload for non-text messages.
type MessageMetadata struct {
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	// FileKey/FileNonce are present for encrypted attachments (per-file key
	// wrapped by the session key).
	FileKey   string `json:"file_key,omitempty"`
	FileNonce string `json:"file_nonce,omitempty"`

	PollID string `json:"poll_id,omitempty"`

	SystemEvent string `json:"system_event,omitempty"`
}

type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// ReactionGroup is aggregated reaction info for display. Always recomputed
// from Message.Reactions, never stored.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// Pagination describes a cursor page of messages.
type Pagination struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// MessagePage is the REST history response.
type MessagePage struct {
	Data       []Message  `json:"data"`
	Pagination Pagination `json:"pagination"`
}
