// Package lockcache mirrors active node locks in Redis so lock snapshots
// (room joins, board lock listings) avoid a store round-trip. The relational
// store stays the source of truth: the mirror is written through after every
// committed lock mutation, and readers fall back to the store on a miss.
package lockcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"whyboard/api/internal/store"
)

type Cache struct {
	client *redis.Client
	prefix string
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{client: client, prefix: "lock:"}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, prefix: "lock:"}
}

func (c *Cache) lockKey(nodeID string) string {
	return c.prefix + nodeID
}

func (c *Cache) boardKey(boardID string) string {
	return "board-locks:" + boardID
}

// Put mirrors a granted or renewed lock.
func (c *Cache) Put(ctx context.Context, boardID string, lock store.NodeLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.lockKey(lock.NodeID), data, 0)
	pipe.SAdd(ctx, c.boardKey(boardID), lock.NodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror lock: %w", err)
	}
	return nil
}

// Remove drops a released lock from the mirror. Missing keys are fine:
// removal must stay idempotent under disconnect races.
func (c *Cache) Remove(ctx context.Context, boardID string, nodeIDs ...string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, nodeID := range nodeIDs {
		pipe.Del(ctx, c.lockKey(nodeID))
	}
	members := make([]any, len(nodeIDs))
	for i, nodeID := range nodeIDs {
		members[i] = nodeID
	}
	pipe.SRem(ctx, c.boardKey(boardID), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unmirror locks: %w", err)
	}
	return nil
}

// Get returns the mirrored lock for a node, or nil on a miss.
func (c *Cache) Get(ctx context.Context, nodeID string) (*store.NodeLock, error) {
	data, err := c.client.Get(ctx, c.lockKey(nodeID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mirrored lock: %w", err)
	}
	var lock store.NodeLock
	if err := json.Unmarshal([]byte(data), &lock); err != nil {
		return nil, fmt.Errorf("unmarshal mirrored lock: %w", err)
	}
	return &lock, nil
}

// BoardLocks returns every mirrored lock for a board. A partially-evicted
// mirror yields only the surviving entries; callers treat the result as a
// hint and fall back to the store when it matters.
func (c *Cache) BoardLocks(ctx context.Context, boardID string) ([]store.NodeLock, error) {
	nodeIDs, err := c.client.SMembers(ctx, c.boardKey(boardID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read board lock set: %w", err)
	}
	locks := make([]store.NodeLock, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		lock, err := c.Get(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if lock == nil {
			// Stale set member; repair the set lazily.
			_ = c.client.SRem(ctx, c.boardKey(boardID), nodeID).Err()
			continue
		}
		locks = append(locks, *lock)
	}
	return locks, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
