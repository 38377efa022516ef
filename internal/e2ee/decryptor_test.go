package e2ee

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/model"
)

type fakeCipher struct {
	initialized bool
	sessions    map[string]bool
	plaintext   map[string]string // ciphertext -> plaintext
	failWith    error
	calls       atomic.Int64
}

func (f *fakeCipher) IsInitialized() bool             { return f.initialized }
func (f *fakeCipher) HasSession(convID string) bool   { return f.sessions[convID] }
func (f *fakeCipher) DecryptMessage(convID, ct, nonce string) (string, error) {
	f.calls.Add(1)
	if f.failWith != nil {
		return "", f.failWith
	}
	pt, ok := f.plaintext[ct]
	if !ok {
		return "", errors.New("bad ciphertext")
	}
	return pt, nil
}

func readyCipher() *fakeCipher {
	return &fakeCipher{
		initialized: true,
		sessions:    map[string]bool{"conv-1": true},
		plaintext:   map[string]string{"ct-1": "hello"},
	}
}

func encMsg(id string) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: "conv-1",
		Content:        "ct-1",
		Nonce:          "n-1",
		Encrypted:      true,
	}
}

func waitForCache(t *testing.T, c *Cache, id string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pt, ok := c.Get(id); ok {
			return pt
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("plaintext for %s never reached the cache", id)
	return ""
}

func TestDisplayContent_PlaintextPassthrough(t *testing.T) {
	d := NewDecryptor(readyCipher(), NewCache())
	m := &model.Message{ID: "m1", Content: "plain"}
	assert.Equal(t, "plain", d.DisplayContent(m))
}

func TestDisplayContent_PlaceholderThenConverges(t *testing.T) {
	cache := NewCache()
	d := NewDecryptor(readyCipher(), cache)
	m := encMsg("m1")

	// First render: ciphertext never reaches the caller.
	assert.Equal(t, PlaceholderEncrypted, d.DisplayContent(m))

	waitForCache(t, cache, "m1")
	assert.Equal(t, "hello", d.DisplayContent(m))
}

func TestDisplayContent_ConcurrentRendersConverge(t *testing.T) {
	cache := NewCache()
	cipher := readyCipher()
	d := NewDecryptor(cipher, cache)
	m := encMsg("m1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.DisplayContent(m)
		}()
	}
	wg.Wait()

	assert.Equal(t, "hello", waitForCache(t, cache, "m1"))
	assert.Equal(t, 1, cache.Len())
}

func TestDisplayContent_FailureDegradesToPlaceholder(t *testing.T) {
	cache := NewCache()
	cipher := readyCipher()
	cipher.failWith = errors.New("wrong key")
	d := NewDecryptor(cipher, cache)
	m := encMsg("m1")

	assert.Equal(t, PlaceholderEncrypted, d.DisplayContent(m))

	// The failed attempt must not poison the cache.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cipher.calls.Load() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, ok := cache.Get("m1")
	assert.False(t, ok)
	assert.Equal(t, PlaceholderEncrypted, d.DisplayContent(m))
}

func TestDisplayContent_NoSessionNoDecryptAttempt(t *testing.T) {
	cache := NewCache()
	cipher := &fakeCipher{initialized: true, sessions: map[string]bool{}}
	d := NewDecryptor(cipher, cache)

	assert.Equal(t, PlaceholderEncrypted, d.DisplayContent(encMsg("m1")))
	assert.Equal(t, int64(0), cipher.calls.Load())
}

func TestDisplayMediaContent_ViewportGate(t *testing.T) {
	cache := NewCache()
	cipher := readyCipher()
	d := NewDecryptor(cipher, cache)
	m := encMsg("m1")

	// Off-screen: no decrypt scheduled.
	assert.Equal(t, PlaceholderEncrypted, d.DisplayMediaContent(m, false))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), cipher.calls.Load())

	// Scrolled near: decrypt kicks off.
	assert.Equal(t, PlaceholderEncrypted, d.DisplayMediaContent(m, true))
	assert.Equal(t, "hello", waitForCache(t, cache, "m1"))
	assert.Equal(t, "hello", d.DisplayMediaContent(m, false))
}

func TestCache_LastWriteWinsAndDrop(t *testing.T) {
	c := NewCache()
	c.Put("m1", "first")
	c.Put("m1", "second")
	pt, ok := c.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "second", pt)

	c.Drop("m1")
	_, ok = c.Get("m1")
	assert.False(t, ok)

	c.Put("m1", "x")
	c.Reset()
	assert.Equal(t, 0, c.Len())
}
