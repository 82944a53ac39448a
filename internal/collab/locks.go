package collab

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/lo"

	"whyboard/api/internal/lockcache"
	"whyboard/api/internal/metrics"
	"whyboard/api/internal/store"
	"whyboard/api/internal/util"
)

// LockStore is the slice of the persistent store the coordinator needs.
type LockStore interface {
	ResolveNode(ctx context.Context, boardID, idOrKey string) (store.Node, error)
	AcquireNodeLock(ctx context.Context, lockID, nodeID, userID string) (store.NodeLock, bool, error)
	ReleaseNodeLock(ctx context.Context, nodeID, userID string) error
	ReleaseUserLocks(ctx context.Context, userID string) ([]store.ReleasedLock, error)
	GetActiveNodeLock(ctx context.Context, nodeID string) (*store.NodeLock, error)
	ListBoardLocks(ctx context.Context, boardID string) ([]store.NodeLock, error)
}

// Coordinator drives the per-node lock state machine
// (Unlocked -> Locked(U) -> Unlocked) on top of the store's atomic
// check-and-set, and broadcasts every state change to the room. Both the
// websocket and the REST transport go through here, so the two behave
// identically.
type Coordinator struct {
	store LockStore
	rooms *Rooms
	cache *lockcache.Cache // optional mirror, may be nil
}

func NewCoordinator(lockStore LockStore, rooms *Rooms, cache *lockcache.Cache) *Coordinator {
	return &Coordinator{store: lockStore, rooms: rooms, cache: cache}
}

// Acquire grants or renews the lock on a node for userID. nodeRef may be
// the storage id or the stable node key. On success the grant is broadcast
// to the room; on contention the store's LockHeldError surfaces unchanged
// so the caller can name the holder to the requester only.
func (c *Coordinator) Acquire(ctx context.Context, boardID, roomKey, nodeRef, userID string) (store.NodeLock, error) {
	node, err := c.store.ResolveNode(ctx, boardID, nodeRef)
	if err != nil {
		return store.NodeLock{}, err
	}

	lock, _, err := c.store.AcquireNodeLock(ctx, util.NewID("lock"), node.ID, userID)
	if err != nil {
		var held *store.LockHeldError
		if errors.As(err, &held) {
			metrics.LockConflictsTotal.Inc()
		}
		return store.NodeLock{}, err
	}
	metrics.LockGrantsTotal.Inc()

	if c.cache != nil {
		if cacheErr := c.cache.Put(ctx, boardID, lock); cacheErr != nil {
			slog.Warn("lock mirror put failed", "node", node.ID, "err", cacheErr)
		}
	}

	c.rooms.Broadcast(roomKey, EventNodeLocked, map[string]any{
		"nodeId":   node.NodeKey,
		"userId":   lock.UserID,
		"userName": lock.UserName,
		"lockedAt": lock.LockedAt,
	})
	return lock, nil
}

// Release deactivates userID's lock on the node and broadcasts the
// transition. Releasing a lock the user does not hold returns
// store.ErrNoActiveLock with no state change.
func (c *Coordinator) Release(ctx context.Context, boardID, roomKey, nodeRef, userID string) (store.Node, error) {
	node, err := c.store.ResolveNode(ctx, boardID, nodeRef)
	if err != nil {
		return store.Node{}, err
	}

	if err := c.store.ReleaseNodeLock(ctx, node.ID, userID); err != nil {
		return store.Node{}, err
	}
	metrics.LockReleasesTotal.WithLabelValues("explicit").Inc()

	if c.cache != nil {
		if cacheErr := c.cache.Remove(ctx, boardID, node.ID); cacheErr != nil {
			slog.Warn("lock mirror remove failed", "node", node.ID, "err", cacheErr)
		}
	}

	c.rooms.Broadcast(roomKey, EventNodeUnlocked, map[string]any{
		"nodeId": node.NodeKey,
		"userId": userID,
	})
	return node, nil
}

// ReleaseAllForUser deactivates every active lock the user holds, across
// boards since stale locks can survive a previous session, and notifies
// the room with a single nodes-unlocked batch. The batch names nodes by
// their stable keys, the same identifiers node-locked and node-unlocked
// carry. Idempotent: a duplicate disconnect finds nothing to release and
// broadcasts nothing.
func (c *Coordinator) ReleaseAllForUser(ctx context.Context, boardID, roomKey, userID string) ([]store.ReleasedLock, error) {
	released, err := c.store.ReleaseUserLocks(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, nil
	}
	metrics.LockReleasesTotal.WithLabelValues("disconnect").Add(float64(len(released)))

	if c.cache != nil {
		nodeIDs := lo.Map(released, func(r store.ReleasedLock, _ int) string { return r.NodeID })
		if cacheErr := c.cache.Remove(ctx, boardID, nodeIDs...); cacheErr != nil {
			slog.Warn("lock mirror batch remove failed", "user", userID, "err", cacheErr)
		}
	}

	c.rooms.Broadcast(roomKey, EventNodesUnlocked, map[string]any{
		"userId": userID,
		"nodeIds": lo.Map(released, func(r store.ReleasedLock, _ int) string {
			return r.NodeKey
		}),
	})
	return released, nil
}

// Current returns the active lock on a node, or nil when unlocked. Always
// reads the store: per-node inspection is authoritative, the mirror only
// serves snapshots.
func (c *Coordinator) Current(ctx context.Context, boardID, nodeRef string) (store.Node, *store.NodeLock, error) {
	node, err := c.store.ResolveNode(ctx, boardID, nodeRef)
	if err != nil {
		return store.Node{}, nil, err
	}
	lock, err := c.store.GetActiveNodeLock(ctx, node.ID)
	if err != nil {
		return store.Node{}, nil, err
	}
	return node, lock, nil
}

// Snapshot lists a board's active locks for late joiners, preferring the
// mirror when present.
func (c *Coordinator) Snapshot(ctx context.Context, boardID string) ([]store.NodeLock, error) {
	if c.cache != nil {
		locks, err := c.cache.BoardLocks(ctx, boardID)
		if err == nil {
			return locks, nil
		}
		slog.Warn("lock mirror snapshot failed, falling back to store", "board", boardID, "err", err)
	}
	return c.store.ListBoardLocks(ctx, boardID)
}
