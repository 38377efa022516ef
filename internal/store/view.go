package store

import (
	"github.com/chatsync/internal/model"
)

// PlaceholderDeleted is rendered in a tombstone's slot.
const PlaceholderDeleted = "removed a message"

// ContentResolver decides what a message may display right now. The e2ee
// decryptor implements it; plaintext deployments can pass Plain.
type ContentResolver interface {
	DisplayContent(m *model.Message) string
}

// Plain is the resolver for conversations without E2EE.
type Plain struct{}

func (Plain) DisplayContent(m *model.Message) string { return m.Content }

// Entry is one row of the derived display list. It is a pure projection of
// list order and message state, recomputed after every mutation — grouping is
// never cached because an insert can change which message heads its run.
type Entry struct {
	Message        *model.Message
	DisplayContent string
	Deleted        bool
	ShowAvatar     bool
	Reactions      []model.ReactionGroup
}

// BuildView projects the ordered message list into display entries:
// decrypt-gated content, tombstone placeholders, avatar grouping and
// aggregated reactions.
func BuildView(messages []*model.Message, resolver ContentResolver) []Entry {
	entries := make([]Entry, 0, len(messages))
	prevSender := ""
	for _, m := range messages {
		e := Entry{Message: m}
		// Tombstones keep their position and sender: the avatar grouping of
		// neighbours must not shift when a message is deleted.
		e.ShowAvatar = m.SenderID != prevSender
		prevSender = m.SenderID
		if m.Deleted() {
			e.Deleted = true
			e.DisplayContent = PlaceholderDeleted
		} else {
			e.DisplayContent = resolver.DisplayContent(m)
			e.Reactions = GroupReactions(m.Reactions)
		}
		entries = append(entries, e)
	}
	return entries
}

// GroupReactions aggregates the raw reactions slice for display. Pure
// projection; first-seen emoji order is preserved.
func GroupReactions(reactions []model.Reaction) []model.ReactionGroup {
	if len(reactions) == 0 {
		return nil
	}
	order := make([]string, 0, 4)
	groups := make(map[string]*model.ReactionGroup, 4)
	for _, r := range reactions {
		g, ok := groups[r.Emoji]
		if !ok {
			order = append(order, r.Emoji)
			g = &model.ReactionGroup{Emoji: r.Emoji}
			groups[r.Emoji] = g
		}
		g.Count++
		g.Users = append(g.Users, r.UserID)
	}
	out := make([]model.ReactionGroup, 0, len(order))
	for _, emoji := range order {
		out = append(out, *groups[emoji])
	}
	return out
}
