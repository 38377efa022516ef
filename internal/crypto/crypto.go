// Package crypto implements the encryption capability for E2EE sessions:
// X25519 key agreement, HKDF session-key derivation and AES-256-GCM sealing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var x25519Curve = ecdh.X25519()

var (
	ErrNoKey          = errors.New("crypto: service has no private key")
	ErrInvalidKeySize = errors.New("crypto: invalid key length")
)

// GenerateKeyPair creates a new X25519 private key. The public half is the
// key bundle material published for peers.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	return priv, nil
}

// ParsePublicKey decodes a base64 X25519 public key from a key bundle.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return pub, nil
}

// EncodePublicKey renders a public key for a key bundle.
func EncodePublicKey(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

// DeriveSessionKey runs X25519 and stretches the shared secret through
// HKDF-SHA256 bound to the conversation id, so two conversations between the
// same peers never share a session key.
func DeriveSessionKey(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, conversationID string) ([]byte, error) {
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	r := hkdf.New(sha256.New, shared, nil, []byte("chatsync/session/"+conversationID))
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns ciphertext and nonce.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens AES-256-GCM ciphertext. Fallible: callers must degrade to a
// placeholder on error, never crash.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

// EncryptedFile is the result of sealing an attachment with a fresh per-file
// key. The file key itself is wrapped by the session key before upload.
type EncryptedFile struct {
	Blob     []byte
	FileKey  []byte
	Nonce    []byte
	MimeType string
	Size     int64
}

// EncryptFile seals an attachment with a one-off key, so a leaked session key
// rotation does not re-expose previously uploaded blobs.
func EncryptFile(content []byte, mimeType string) (*EncryptedFile, error) {
	fileKey := make([]byte, sessionKeySize)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, fmt.Errorf("generate file key: %w", err)
	}
	blob, nonce, err := Encrypt(fileKey, content)
	if err != nil {
		return nil, err
	}
	return &EncryptedFile{
		Blob:     blob,
		FileKey:  fileKey,
		Nonce:    nonce,
		MimeType: mimeType,
		Size:     int64(len(content)),
	}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != sessionKeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrInvalidKeySize, len(key), sessionKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
