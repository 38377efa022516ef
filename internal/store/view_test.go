package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/model"
)

func TestBuildView_AvatarOnFirstOfSenderRun(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "a"))
	s.ApplyNew(msg("m2", 2, "alice", "b"))
	s.ApplyNew(msg("m3", 3, "bob", "c"))
	s.ApplyNew(msg("m4", 4, "alice", "d"))

	view := BuildView(s.Messages(convID), Plain{})
	require.Len(t, view, 4)
	assert.True(t, view[0].ShowAvatar)
	assert.False(t, view[1].ShowAvatar)
	assert.True(t, view[2].ShowAvatar)
	assert.True(t, view[3].ShowAvatar)
}

func TestBuildView_TombstoneDoesNotShiftGrouping(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "a"))
	s.ApplyNew(msg("m2", 2, "alice", "b"))
	s.ApplyNew(msg("m3", 3, "alice", "c"))

	s.ApplyDelete(event.MessageDeletedPayload{MessageID: "m2", ConversationID: convID, DeletedAt: time.Now().UTC()})

	view := BuildView(s.Messages(convID), Plain{})
	require.Len(t, view, 3)
	assert.True(t, view[1].Deleted)
	assert.Equal(t, PlaceholderDeleted, view[1].DisplayContent)
	// m3 still belongs to alice's run: no avatar.
	assert.False(t, view[2].ShowAvatar)
}

func TestBuildView_InsertCanChangeRunHead(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m2", 2, "alice", "b"))
	view := BuildView(s.Messages(convID), Plain{})
	require.True(t, view[0].ShowAvatar)

	// An earlier message from bob arrives late: alice's entry keeps its avatar,
	// bob heads the list now.
	s.ApplyNew(msg("m1", 1, "bob", "a"))
	view = BuildView(s.Messages(convID), Plain{})
	require.Len(t, view, 2)
	assert.Equal(t, "bob", view[0].Message.SenderID)
	assert.True(t, view[0].ShowAvatar)
	assert.True(t, view[1].ShowAvatar)
}

func TestGroupReactions_FirstSeenOrderAndCounts(t *testing.T) {
	groups := GroupReactions([]model.Reaction{
		{UserID: "alice", Emoji: "🔥"},
		{UserID: "bob", Emoji: "👍"},
		{UserID: "carol", Emoji: "🔥"},
	})

	require.Len(t, groups, 2)
	assert.Equal(t, "🔥", groups[0].Emoji)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, []string{"alice", "carol"}, groups[0].Users)
	assert.Equal(t, "👍", groups[1].Emoji)
	assert.Equal(t, 1, groups[1].Count)
}

func TestGroupReactions_Empty(t *testing.T) {
	assert.Nil(t, GroupReactions(nil))
}
