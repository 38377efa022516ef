package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, type, name, member_ids, encrypted, last_seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		c.ID, c.Type, c.Name, c.MemberIDs, c.Encrypted, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, type, name, member_ids, encrypted, last_seq, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Type, &c.Name, &c.MemberIDs, &c.Encrypted, &c.LastSeq, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// ListByMember возвращает беседы, в которых состоит пользователь.
func (r *ConversationRepository) ListByMember(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.ListByMember", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, name, member_ids, encrypted, last_seq, created_at
		 FROM conversations
		 WHERE $1 = ANY(member_ids)
		 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListByMember query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.MemberIDs, &c.Encrypted, &c.LastSeq, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("convRepo.ListByMember scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListByMember rows: %w", err)
	}
	return convs, nil
}

func (r *ConversationRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsMember", time.Now())()
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND $2 = ANY(member_ids))`,
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsMember: %w", err)
	}
	return ok, nil
}

func (r *ConversationRepository) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.MemberIDs", time.Now())()
	var members []string
	err := r.pool.QueryRow(ctx,
		`SELECT member_ids FROM conversations WHERE id = $1`, conversationID,
	).Scan(&members)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.MemberIDs: %w", err)
	}
	return members, nil
}
