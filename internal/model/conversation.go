package model

import "time"

type ConversationType string

const (
	ConversationTypeDirect ConversationType = "direct"
	ConversationTypeGroup  ConversationType = "group"
)

type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"name,omitempty"`
	MemberIDs []string         `json:"member_ids,omitempty"`
	Encrypted bool             `json:"encrypted"`
	LastSeq   int64            `json:"last_seq"`
	CreatedAt time.Time        `json:"created_at"`
}

// KeyBundle is the public key material fetched to establish an E2EE session
// with a peer.
type KeyBundle struct {
	UserID    string    `json:"user_id"`
	PublicKey string    `json:"public_key"` // base64 X25519 public key
	CreatedAt time.Time `json:"created_at"`
}
