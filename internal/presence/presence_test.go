package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOnlineFlags(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.IsOnline("alice"))

	tr.SetOnline("alice", true)
	assert.True(t, tr.IsOnline("alice"))

	tr.SetOnline("alice", false)
	assert.False(t, tr.IsOnline("alice"))
}

func TestTyping_StartStop(t *testing.T) {
	tr := NewTracker()
	tr.SetTyping("conv-1", "bob", true)
	tr.SetTyping("conv-1", "alice", true)

	assert.Equal(t, []string{"alice", "bob"}, tr.TypingUsers("conv-1"))

	tr.SetTyping("conv-1", "bob", false)
	assert.Equal(t, []string{"alice"}, tr.TypingUsers("conv-1"))
}

func TestTyping_ExpiresWithoutStop(t *testing.T) {
	tr := NewTracker()
	current := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }

	tr.SetTyping("conv-1", "bob", true)
	assert.Equal(t, []string{"bob"}, tr.TypingUsers("conv-1"))

	// Peer vanished mid-keystroke: the flag clears by TTL.
	current = current.Add(typingTTL + time.Second)
	assert.Nil(t, tr.TypingUsers("conv-1"))
}

func TestTyping_ScopedPerConversation(t *testing.T) {
	tr := NewTracker()
	tr.SetTyping("conv-1", "bob", true)

	assert.Nil(t, tr.TypingUsers("conv-2"))
}

func TestReset(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline("alice", true)
	tr.SetTyping("conv-1", "bob", true)

	tr.Reset()

	assert.False(t, tr.IsOnline("alice"))
	assert.Nil(t, tr.TypingUsers("conv-1"))
}
