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

// KeyRepository хранит опубликованные публичные ключи пользователей.
// Приватные ключи на сервер не попадают никогда.
type KeyRepository struct {
	pool *pgxpool.Pool
}

func NewKeyRepository(pool *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{pool: pool}
}

// Publish сохраняет (или заменяет) публичный ключ пользователя.
func (r *KeyRepository) Publish(ctx context.Context, userID, publicKey string) error {
	defer logger.DeferLogDuration("keys.Publish", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO key_bundles (user_id, public_key, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET public_key = $2, created_at = $3`,
		userID, publicKey, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("keyRepo.Publish: %w", err)
	}
	return nil
}

func (r *KeyRepository) Get(ctx context.Context, userID string) (*model.KeyBundle, error) {
	defer logger.DeferLogDuration("keys.Get", time.Now())()
	kb := &model.KeyBundle{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, public_key, created_at FROM key_bundles WHERE user_id = $1`, userID,
	).Scan(&kb.UserID, &kb.PublicKey, &kb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyRepo.Get: %w", err)
	}
	return kb, nil
}
