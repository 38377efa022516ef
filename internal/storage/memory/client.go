package memory

import (
	"context"
	"sync"
	"time"
)

// onlineTTL страхует от зависших флагов, если соединение умерло без offline.
const onlineTTL = 90 * time.Second

type onlineItem struct {
	exp time.Time
}

type Client struct {
	mu       sync.RWMutex
	online   map[string]onlineItem
	lastRead map[string]int64 // conversationID + ":" + userID -> seq
}

func New() *Client {
	return &Client{
		online:   make(map[string]onlineItem),
		lastRead: make(map[string]int64),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetOnline(ctx context.Context, userID string, online bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !online {
		delete(c.online, userID)
		return nil
	}
	c.online[userID] = onlineItem{exp: time.Now().Add(onlineTTL)}
	return nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.online[userID]
	return ok && time.Now().Before(v.exp), nil
}

func (c *Client) SetLastRead(ctx context.Context, conversationID, userID string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := conversationID + ":" + userID
	if seq > c.lastRead[key] {
		c.lastRead[key] = seq
	}
	return nil
}

func (c *Client) GetLastRead(ctx context.Context, conversationID, userID string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRead[conversationID+":"+userID], nil
}
