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

const messageColumns = `id, conversation_id, sender_id, content, content_type, status,
	sequence_number, reply_to_id, is_edited, edited_at, deleted_at,
	created_at, updated_at, encrypted, nonce, COALESCE(client_token, ''), metadata`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create сохраняет сообщение и присваивает ему sequence_number из счётчика
// беседы в одной транзакции. Повторная отправка с тем же client_token не
// создаёт дубликат: возвращается уже сохранённая строка.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()

	if m.ClientToken != "" {
		existing, err := r.GetByClientToken(ctx, m.ConversationID, m.ClientToken)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			*m = *existing
			return nil
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE conversations SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		m.ConversationID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("msgRepo.Create seq: %w", err)
	}
	m.SequenceNumber = seq

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, content_type, status,
		                       sequence_number, reply_to_id, created_at, encrypted, nonce, client_token, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.ContentType, m.Status,
		m.SequenceNumber, m.ReplyToID, m.CreatedAt, m.Encrypted, m.Nonce, m.ClientToken, m.Metadata,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ContentType, &m.Status,
		&m.SequenceNumber, &m.ReplyToID, &m.IsEdited, &m.EditedAt, &m.DeletedAt,
		&m.CreatedAt, &m.UpdatedAt, &m.Encrypted, &m.Nonce, &m.ClientToken, &m.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if err := r.loadReactions(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) GetByClientToken(ctx context.Context, conversationID, token string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByClientToken", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND client_token = $2`, conversationID, token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByClientToken: %w", err)
	}
	return m, nil
}

// GetPage отдаёт страницу истории курсором по sequence_number (beforeSeq = 0 —
// с конца). Сообщения в странице идут по убыванию sequence_number; второй
// возвращаемый параметр сообщает, есть ли более старые сообщения.
func (r *MessageRepository) GetPage(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]model.Message, bool, error) {
	defer logger.DeferLogDuration("msg.GetPage", time.Now())()
	if beforeSeq <= 0 {
		beforeSeq = 1<<63 - 1
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND sequence_number < $2
		 ORDER BY sequence_number DESC
		 LIMIT $3`, conversationID, beforeSeq, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.GetPage query: %w", err)
	}
	defer rows.Close()

	ptrs := make([]*model.Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("msgRepo.GetPage scan: %w", err)
		}
		ptrs = append(ptrs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("msgRepo.GetPage rows: %w", err)
	}

	hasMore := len(ptrs) > limit
	if hasMore {
		ptrs = ptrs[:limit]
	}
	if err := r.loadReactions(ctx, ptrs); err != nil {
		return nil, false, err
	}
	messages := make([]model.Message, 0, len(ptrs))
	for _, m := range ptrs {
		messages = append(messages, *m)
	}
	return messages, hasMore, nil
}

// UpdateContent редактирует содержимое сообщения. Тумбстоуны не редактируются.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, encrypted bool, nonce string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages
		 SET content = $1, encrypted = $2, nonce = $3, is_edited = true, edited_at = $4, updated_at = $4
		 WHERE id = $5 AND deleted_at IS NULL`,
		content, encrypted, nonce, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete превращает сообщение в тумбстоун: содержимое и вложения
// стираются, строка остаётся ради позиции в ленте.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages
		 SET deleted_at = $1, updated_at = $1, content = '', encrypted = false, nonce = '', metadata = NULL
		 WHERE id = $2 AND deleted_at IS NULL`,
		deletedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM reactions WHERE message_id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete reactions: %w", err)
	}
	return nil
}

// UpdateStatus продвигает статус доставки только вперёд: sent -> delivered ->
// read. Запоздавший delivered после read игнорируется на уровне SQL.
func (r *MessageRepository) UpdateStatus(ctx context.Context, id string, status model.MessageStatus) (bool, error) {
	defer logger.DeferLogDuration("msg.UpdateStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = $2
		 WHERE id = $1
		   AND (CASE status WHEN 'sending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 99 END)
		     < (CASE $2 WHEN 'sending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE -1 END)`,
		id, status,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.UpdateStatus: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkAsRead помечает прочитанными все чужие сообщения беседы и возвращает их id.
func (r *MessageRepository) MarkAsRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkAsRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET status = 'read'
		 WHERE conversation_id = $1 AND sender_id != $2 AND status IN ('sent', 'delivered')
		 RETURNING id`,
		conversationID, readerID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkAsRead: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkAsRead scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkAsRead rows: %w", err)
	}
	return ids, nil
}

// AddReaction добавляет реакцию; повтор той же пары (user, emoji) — no-op.
func (r *MessageRepository) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	defer logger.DeferLogDuration("msg.AddReaction", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO reactions (message_id, user_id, emoji)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		messageID, userID, emoji,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.AddReaction: %w", err)
	}
	return nil
}

func (r *MessageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	defer logger.DeferLogDuration("msg.RemoveReaction", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.RemoveReaction: %w", err)
	}
	return nil
}

func (r *MessageRepository) loadReactions(ctx context.Context, messages []*model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, 0, len(messages))
	byID := make(map[string]*model.Message, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, emoji FROM reactions WHERE message_id = ANY($1)`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.loadReactions query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID string
		var re model.Reaction
		if err := rows.Scan(&msgID, &re.UserID, &re.Emoji); err != nil {
			return fmt.Errorf("msgRepo.loadReactions scan: %w", err)
		}
		if m, ok := byID[msgID]; ok {
			m.Reactions = append(m.Reactions, re)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgRepo.loadReactions rows: %w", err)
	}
	return nil
}
