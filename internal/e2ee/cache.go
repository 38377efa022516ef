package e2ee

import "sync"

// Cache maps messageID -> decrypted plaintext. Memory-only: losing an entry
// costs a re-decrypt, never correctness, because the ciphertext stays in the
// message entity. Last-write-wins on concurrent decrypts of the same id.
type Cache struct {
	mu        sync.RWMutex
	plaintext map[string]string
}

func NewCache() *Cache {
	return &Cache{plaintext: make(map[string]string)}
}

func (c *Cache) Get(messageID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.plaintext[messageID]
	return v, ok
}

func (c *Cache) Put(messageID, plaintext string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plaintext[messageID] = plaintext
}

// Drop removes one entry (message edited or deleted: the old plaintext no
// longer reflects the message).
func (c *Cache) Drop(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plaintext, messageID)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plaintext)
}

// Reset drops all plaintext (logout).
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plaintext = make(map[string]string)
}
