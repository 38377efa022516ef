package e2ee

import (
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// PlaceholderEncrypted is shown while a message is still ciphertext. Raw
// ciphertext bytes must never reach the display layer.
const PlaceholderEncrypted = "[encrypted message]"

// Cipher is the decrypt half of the encryption capability.
type Cipher interface {
	IsInitialized() bool
	HasSession(conversationID string) bool
	DecryptMessage(conversationID, ciphertext, nonce string) (string, error)
}

// Decryptor implements the lazy decrypt-on-display gate. Decryption is
// idempotent (pure function of ciphertext, key and nonce) so concurrent
// attempts for the same message converge on one cache entry.
type Decryptor struct {
	cipher Cipher
	cache  *Cache

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewDecryptor(cipher Cipher, cache *Cache) *Decryptor {
	return &Decryptor{
		cipher:   cipher,
		cache:    cache,
		inFlight: make(map[string]struct{}),
	}
}

// DisplayContent resolves what the display layer may render for a message:
// plaintext for unencrypted messages, a cache hit for decrypted ones, and a
// neutral placeholder otherwise. A cache miss schedules one asynchronous
// decrypt; failures degrade to the placeholder and are not retried until the
// message is rendered again.
func (d *Decryptor) DisplayContent(m *model.Message) string {
	if !m.Encrypted {
		return m.Content
	}
	if pt, ok := d.cache.Get(m.ID); ok {
		return pt
	}
	d.scheduleDecrypt(m)
	return PlaceholderEncrypted
}

// DisplayMediaContent is DisplayContent with viewport backpressure: encrypted
// attachments decrypt only once their rendering element is near-visible, so a
// long history does not trigger a decrypt (and fetch) per attachment at once.
func (d *Decryptor) DisplayMediaContent(m *model.Message, nearVisible bool) string {
	if !m.Encrypted {
		return m.Content
	}
	if pt, ok := d.cache.Get(m.ID); ok {
		return pt
	}
	if !nearVisible {
		return PlaceholderEncrypted
	}
	d.scheduleDecrypt(m)
	return PlaceholderEncrypted
}

func (d *Decryptor) scheduleDecrypt(m *model.Message) {
	if !d.cipher.IsInitialized() || !d.cipher.HasSession(m.ConversationID) {
		return
	}
	d.mu.Lock()
	if _, busy := d.inFlight[m.ID]; busy {
		d.mu.Unlock()
		return
	}
	d.inFlight[m.ID] = struct{}{}
	d.mu.Unlock()

	id, convID, ct, nonce := m.ID, m.ConversationID, m.Content, m.Nonce
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, id)
			d.mu.Unlock()
		}()
		pt, err := d.cipher.DecryptMessage(convID, ct, nonce)
		if err != nil {
			logger.Errorf("e2ee decrypt msg=%s conv=%s: %v", id, convID, err)
			return
		}
		d.cache.Put(id, pt)
	}()
}
