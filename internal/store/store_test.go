package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/model"
)

const convID = "conv-1"

func msg(id string, seq int64, sender, content string) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		ContentType:    model.ContentTypeText,
		Status:         model.MessageStatusSent,
		SequenceNumber: seq,
		CreatedAt:      time.Date(2026, 8, 1, 12, 0, int(seq), 0, time.UTC),
	}
}

func ids(s *Store) []string {
	out := make([]string, 0)
	for _, m := range s.Messages(convID) {
		out = append(out, m.ID)
	}
	return out
}

// --- dedup / merge ---

func TestApplyNew_DuplicateIDIsNoop(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "hi"))
	s.ApplyNew(msg("m1", 1, "alice", "hi"))
	s.ApplyNew(msg("m1", 1, "alice", "hi"))

	assert.Equal(t, 1, s.Len(convID))
}

func TestMergePage_RepeatedCursorDoesNotDuplicate(t *testing.T) {
	s := New()
	page := []model.Message{msg("m1", 1, "alice", "a"), msg("m2", 2, "bob", "b")}

	s.MergePage(convID, page)
	s.MergePage(convID, page)

	assert.Equal(t, 2, s.Len(convID))
	assert.Equal(t, []string{"m1", "m2"}, ids(s))
}

func TestMergePage_OverlappingPagesKeepExistingState(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "a"))
	s.ApplyStatus(event.MessageStatusPayload{MessageID: "m1", ConversationID: convID, Status: model.MessageStatusRead})

	// A later page contains m1 again with a stale status.
	s.MergePage(convID, []model.Message{msg("m1", 1, "alice", "a"), msg("m2", 2, "bob", "b")})

	m, ok := s.Get(convID, "m1")
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusRead, m.Status)
	assert.Equal(t, 2, s.Len(convID))
}

// --- optimistic reconciliation ---

func TestOptimisticSend_ReconciledByClientToken(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "first"))
	s.ApplyNew(msg("m2", 2, "bob", "second"))

	draft := msg("tmp-1", 0, "alice", "third")
	draft.ClientToken = "tok-1"
	s.AddOptimistic(draft)
	require.Equal(t, 3, s.Len(convID))

	got, ok := s.Get(convID, "tmp-1")
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusSending, got.Status)

	confirmed := msg("m3", 3, "alice", "third")
	confirmed.ClientToken = "tok-1"
	s.ConfirmSend(confirmed)

	// Exactly one entry survives, under the server id, in sequence order.
	assert.Equal(t, 3, s.Len(convID))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s))
	_, stillThere := s.Get(convID, "tmp-1")
	assert.False(t, stillThere)

	m3, ok := s.Get(convID, "m3")
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusSent, m3.Status)
}

func TestOptimisticSend_FallbackMatchByContentAndWindow(t *testing.T) {
	s := New()
	draft := msg("tmp-1", 0, "alice", "hello")
	draft.ClientToken = ""
	s.AddOptimistic(draft)

	// Echo without a token, same sender+content, created 5s later.
	echo := msg("m1", 1, "alice", "hello")
	echo.CreatedAt = draft.CreatedAt.Add(5 * time.Second)
	s.ApplyNew(echo)

	assert.Equal(t, 1, s.Len(convID))
	assert.Equal(t, []string{"m1"}, ids(s))
}

func TestOptimisticSend_NoFallbackMatchOutsideWindow(t *testing.T) {
	s := New()
	draft := msg("tmp-1", 0, "alice", "hello")
	s.AddOptimistic(draft)

	echo := msg("m1", 1, "alice", "hello")
	echo.CreatedAt = draft.CreatedAt.Add(2 * time.Minute)
	s.ApplyNew(echo)

	// Outside the window the echo is an independent message.
	assert.Equal(t, 2, s.Len(convID))
}

func TestOptimisticSend_EchoBeforeRESTConfirm(t *testing.T) {
	// WS push can outrun the REST response; the later confirm must dedupe.
	s := New()
	draft := msg("tmp-1", 0, "alice", "fast")
	draft.ClientToken = "tok-9"
	s.AddOptimistic(draft)

	pushed := msg("m9", 9, "alice", "fast")
	pushed.ClientToken = "tok-9"
	s.ApplyNew(pushed)
	s.ConfirmSend(pushed)

	assert.Equal(t, 1, s.Len(convID))
	assert.Equal(t, []string{"m9"}, ids(s))
}

func TestMarkFailed_OnlyFromSending(t *testing.T) {
	s := New()
	draft := msg("tmp-1", 0, "alice", "x")
	s.AddOptimistic(draft)
	s.MarkFailed(convID, "tmp-1")

	m, ok := s.Get(convID, "tmp-1")
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusFailed, m.Status)

	// A delivered message cannot fail.
	s.ApplyNew(msg("m1", 1, "bob", "y"))
	s.MarkFailed(convID, "m1")
	m1, _ := s.Get(convID, "m1")
	assert.Equal(t, model.MessageStatusSent, m1.Status)
}

// --- ordering ---

func TestOrdering_BySequenceNumberNotArrival(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m3", 3, "bob", "c"))
	s.ApplyNew(msg("m1", 1, "alice", "a"))
	s.ApplyNew(msg("m2", 2, "alice", "b"))

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s))
}

func TestOrdering_OptimisticDraftsSortByCreatedAt(t *testing.T) {
	s := New()
	a := msg("tmp-a", 0, "alice", "one")
	b := msg("tmp-b", 0, "alice", "two")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	s.AddOptimistic(b)
	s.AddOptimistic(a)

	assert.Equal(t, []string{"tmp-a", "tmp-b"}, ids(s))
}

func TestOrdering_IDTiebreakIsDeterministic(t *testing.T) {
	s1, s2 := New(), New()
	a := msg("aaa", 0, "alice", "x")
	b := msg("bbb", 0, "bob", "y")
	b.CreatedAt = a.CreatedAt

	s1.ApplyNew(a)
	s1.ApplyNew(b)
	s2.ApplyNew(b)
	s2.ApplyNew(a)

	assert.Equal(t, ids(s1), ids(s2))
}

// --- status ladder ---

func TestApplyStatus_MonotonicNoRegression(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "hi"))

	s.ApplyStatus(event.MessageStatusPayload{MessageID: "m1", ConversationID: convID, Status: model.MessageStatusRead})
	// Late delivered receipt after read.
	s.ApplyStatus(event.MessageStatusPayload{MessageID: "m1", ConversationID: convID, Status: model.MessageStatusDelivered})

	m, _ := s.Get(convID, "m1")
	assert.Equal(t, model.MessageStatusRead, m.Status)
}

func TestApplyStatus_UnknownMessageIgnored(t *testing.T) {
	s := New()
	s.ApplyStatus(event.MessageStatusPayload{MessageID: "ghost", ConversationID: convID, Status: model.MessageStatusRead})
	assert.Equal(t, 0, s.Len(convID))
}

func TestMarkConversationRead_SkipsReaderOwnMessages(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "from alice"))
	s.ApplyNew(msg("m2", 2, "bob", "from bob"))

	s.MarkConversationRead(convID, "bob")

	m1, _ := s.Get(convID, "m1")
	m2, _ := s.Get(convID, "m2")
	assert.Equal(t, model.MessageStatusRead, m1.Status)
	assert.Equal(t, model.MessageStatusSent, m2.Status)
}

// --- edits ---

func TestApplyEdit_PatchesInPlace(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "typo"))
	editedAt := time.Now().UTC()

	s.ApplyEdit(event.MessageEditedPayload{
		MessageID: "m1", ConversationID: convID, Content: "fixed", EditedAt: editedAt,
	})

	m, _ := s.Get(convID, "m1")
	assert.Equal(t, "fixed", m.Content)
	assert.True(t, m.IsEdited)
	require.NotNil(t, m.EditedAt)
	assert.Equal(t, editedAt, *m.EditedAt)
}

func TestApplyEdit_BeforeInsertIsBufferedNotSynthesized(t *testing.T) {
	s := New()
	s.ApplyEdit(event.MessageEditedPayload{
		MessageID: "m1", ConversationID: convID, Content: "late edit", EditedAt: time.Now().UTC(),
	})

	// No phantom entry.
	assert.Equal(t, 0, s.Len(convID))

	s.ApplyNew(msg("m1", 1, "alice", "original"))
	m, ok := s.Get(convID, "m1")
	require.True(t, ok)
	assert.Equal(t, "late edit", m.Content)
	assert.True(t, m.IsEdited)
}

func TestApplyEdit_TombstoneIsImmutable(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "hi"))
	s.ApplyDelete(event.MessageDeletedPayload{MessageID: "m1", ConversationID: convID, DeletedAt: time.Now().UTC()})

	s.ApplyEdit(event.MessageEditedPayload{MessageID: "m1", ConversationID: convID, Content: "necro", EditedAt: time.Now().UTC()})

	m, _ := s.Get(convID, "m1")
	assert.True(t, m.Deleted())
	assert.Empty(t, m.Content)
}

func TestApplyEdit_PendingBufferIsBounded(t *testing.T) {
	s := New()
	for i := 0; i < maxPendingEdits+50; i++ {
		s.ApplyEdit(event.MessageEditedPayload{
			MessageID: fmt.Sprintf("m%d", i), ConversationID: convID, Content: "x", EditedAt: time.Now().UTC(),
		})
	}
	s.mu.RLock()
	n := len(s.pendingEdits)
	s.mu.RUnlock()
	assert.LessOrEqual(t, n, maxPendingEdits)
}

// --- deletes ---

func TestApplyDelete_TombstoneKeepsPositionAndSender(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "a"))
	s.ApplyNew(msg("m2", 2, "alice", "b"))
	s.ApplyNew(msg("m3", 3, "bob", "c"))

	s.ApplyDelete(event.MessageDeletedPayload{MessageID: "m2", ConversationID: convID, DeletedAt: time.Now().UTC()})

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s))
	m, _ := s.Get(convID, "m2")
	assert.True(t, m.Deleted())
	assert.Equal(t, "alice", m.SenderID)
	assert.Empty(t, m.Content)
	assert.Nil(t, m.Reactions)
}

func TestApplyDelete_UnknownMessageIgnored(t *testing.T) {
	s := New()
	s.ApplyDelete(event.MessageDeletedPayload{MessageID: "ghost", ConversationID: convID, DeletedAt: time.Now().UTC()})
	assert.Equal(t, 0, s.Len(convID))
}

// --- reactions ---

func TestReactions_DuplicateAddCollapses(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "hi"))
	p := event.ReactionPayload{MessageID: "m1", ConversationID: convID, UserID: "bob", Emoji: "👍"}

	s.ApplyReactionAdded(p)
	s.ApplyReactionAdded(p)

	m, _ := s.Get(convID, "m1")
	assert.Len(t, m.Reactions, 1)
}

func TestReactions_RemoveAbsentIsNoop(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "hi"))
	s.ApplyReactionRemoved(event.ReactionPayload{MessageID: "m1", ConversationID: convID, UserID: "bob", Emoji: "👍"})

	m, _ := s.Get(convID, "m1")
	assert.Empty(t, m.Reactions)
}

// --- concurrency smoke ---

func TestStore_ConcurrentMutations(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				seq := int64(base*50 + j + 1)
				s.ApplyNew(msg(fmt.Sprintf("m%d", seq), seq, "alice", "x"))
				s.ApplyStatus(event.MessageStatusPayload{
					MessageID: fmt.Sprintf("m%d", seq), ConversationID: convID, Status: model.MessageStatusDelivered,
				})
				_ = s.Messages(convID)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 400, s.Len(convID))
	list := s.Messages(convID)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].SequenceNumber, list[i].SequenceNumber)
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	s := New()
	s.ApplyNew(msg("m1", 1, "alice", "hi"))
	s.ApplyEdit(event.MessageEditedPayload{MessageID: "ghost", ConversationID: convID, Content: "x"})

	s.Reset()

	assert.Equal(t, 0, s.Len(convID))
	s.mu.RLock()
	assert.Empty(t, s.pendingEdits)
	s.mu.RUnlock()
}
