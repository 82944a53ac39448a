package lockcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"whyboard/api/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client)
}

func TestPutGetRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	lock := store.NodeLock{
		ID:       "lock_1",
		NodeID:   "node_1",
		UserID:   "user_1",
		UserName: "Alice",
		LockedAt: time.Now().UTC().Truncate(time.Second),
		Active:   true,
	}
	if err := cache.Put(ctx, "board_1", lock); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cache.Get(ctx, "node_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected mirrored lock, got nil")
	}
	if got.UserID != "user_1" || got.UserName != "Alice" {
		t.Errorf("unexpected lock holder: %+v", got)
	}
}

func TestGetMissReturnsNil(t *testing.T) {
	cache := newTestCache(t)

	got, err := cache.Get(context.Background(), "node_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil on miss, got %+v", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	lock := store.NodeLock{ID: "lock_1", NodeID: "node_1", UserID: "user_1", Active: true}
	if err := cache.Put(ctx, "board_1", lock); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := cache.Remove(ctx, "board_1", "node_1"); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := cache.Remove(ctx, "board_1", "node_1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}

	got, err := cache.Get(ctx, "node_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected lock removed, got %+v", got)
	}
}

func TestBoardLocksSkipsStaleMembers(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	for _, nodeID := range []string{"node_a", "node_b"} {
		lock := store.NodeLock{ID: "lock_" + nodeID, NodeID: nodeID, UserID: "user_1", Active: true}
		if err := cache.Put(ctx, "board_1", lock); err != nil {
			t.Fatalf("put %s: %v", nodeID, err)
		}
	}

	// Simulate an evicted lock entry with a surviving set member.
	if err := cache.client.Del(ctx, cache.lockKey("node_a")).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}

	locks, err := cache.BoardLocks(ctx, "board_1")
	if err != nil {
		t.Fatalf("board locks: %v", err)
	}
	if len(locks) != 1 {
		t.Fatalf("expected 1 lock, got %d", len(locks))
	}
	if locks[0].NodeID != "node_b" {
		t.Errorf("expected node_b, got %s", locks[0].NodeID)
	}
}
