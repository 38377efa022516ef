package storage

import "context"

// PresenceStore — presence-флаги и позиции чтения для dev-сервера.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	SetLastRead(ctx context.Context, conversationID, userID string, seq int64) error
	GetLastRead(ctx context.Context, conversationID, userID string) (int64, error)
	Close() error
}
