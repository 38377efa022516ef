package crypto

import (
	"crypto/ecdh"
	"encoding/base64"
	"sync"
)

// Service holds the local identity key and the per-conversation session keys
// derived from completed key exchanges. It is the concrete implementation of
// the capability the e2ee package consumes.
type Service struct {
	mu          sync.RWMutex
	priv        *ecdh.PrivateKey
	sessionKeys map[string][]byte // conversationID -> derived key
}

func NewService() *Service {
	return &Service{sessionKeys: make(map[string][]byte)}
}

// Init generates the local identity key. Idempotent: a second call keeps the
// existing key.
func (s *Service) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		return nil
	}
	priv, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	s.priv = priv
	return nil
}

// IsInitialized reports whether a local identity key exists.
func (s *Service) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priv != nil
}

// PublicKey returns the base64 identity public key for the local key bundle.
func (s *Service) PublicKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		return "", ErrNoKey
	}
	return EncodePublicKey(s.priv.PublicKey()), nil
}

// EstablishSession derives and stores the session key for a conversation from
// a peer's key bundle.
func (s *Service) EstablishSession(conversationID, peerPublicKey string) error {
	pub, err := ParsePublicKey(peerPublicKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return ErrNoKey
	}
	key, err := DeriveSessionKey(s.priv, pub, conversationID)
	if err != nil {
		return err
	}
	s.sessionKeys[conversationID] = key
	return nil
}

// HasSession reports whether a session key exists for the conversation.
func (s *Service) HasSession(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessionKeys[conversationID]
	return ok
}

// EncryptMessage seals plaintext for a conversation and returns base64
// ciphertext and nonce ready for the wire.
func (s *Service) EncryptMessage(conversationID, plaintext string) (ciphertext, nonce string, err error) {
	key, err := s.sessionKey(conversationID)
	if err != nil {
		return "", "", err
	}
	ct, n, err := Encrypt(key, []byte(plaintext))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(n), nil
}

// DecryptMessage opens a base64 ciphertext envelope for a conversation.
func (s *Service) DecryptMessage(conversationID, ciphertext, nonce string) (string, error) {
	key, err := s.sessionKey(conversationID)
	if err != nil {
		return "", err
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", err
	}
	pt, err := Decrypt(key, ct, n)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Reset drops the identity key and all session keys (logout).
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priv = nil
	s.sessionKeys = make(map[string][]byte)
}

func (s *Service) sessionKey(conversationID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.sessionKeys[conversationID]
	if !ok {
		return nil, ErrNoKey
	}
	return key, nil
}
