package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Online-флаг живёт 90 секунд и продлевается каждым подключением;
// позиции чтения храним без TTL (дёшево, сбрасываются с FlushDB).
const onlineTTL = 90 * time.Second

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetOnline(ctx context.Context, userID string, online bool) error {
	key := "online:" + userID
	if !online {
		return c.cli.Del(ctx, key).Err()
	}
	return c.cli.Set(ctx, key, "1", onlineTTL).Err()
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.Exists(ctx, "online:"+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetLastRead фиксирует позицию чтения; позиция монотонна, назад не движется.
func (c *Client) SetLastRead(ctx context.Context, conversationID, userID string, seq int64) error {
	key := "last_read:" + conversationID + ":" + userID
	cur, err := c.cli.Get(ctx, key).Result()
	if err == nil {
		if prev, perr := strconv.ParseInt(cur, 10, 64); perr == nil && prev >= seq {
			return nil
		}
	} else if err != redis.Nil {
		return err
	}
	return c.cli.Set(ctx, key, strconv.FormatInt(seq, 10), 0).Err()
}

func (c *Client) GetLastRead(ctx context.Context, conversationID, userID string) (int64, error) {
	val, err := c.cli.Get(ctx, "last_read:"+conversationID+":"+userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// FlushDB очищает текущую БД Redis (сброс presence при тестах/перезапуске).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
