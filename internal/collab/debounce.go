package collab

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"whyboard/api/internal/metrics"
	"whyboard/api/internal/store"
)

const flushTimeout = 10 * time.Second

// UpdateStore is the slice of the persistent store the update pipeline needs.
type UpdateStore interface {
	ResolveNode(ctx context.Context, boardID, idOrKey string) (store.Node, error)
	GetActiveNodeLock(ctx context.Context, nodeID string) (*store.NodeLock, error)
	ApplyNodePatch(ctx context.Context, patch store.NodePatch) (store.Node, error)
}

type pendingUpdate struct {
	session  *Session
	boardID  string
	nodeRef  string
	content  *string
	position *Position
	seq      uint64
	timer    *time.Timer
}

// Debouncer coalesces the stream of content/position updates one session
// produces for a node into a single durable write plus broadcast after a
// quiet period. Rapid successive updates for the same (session, node) pair
// merge into the pending patch and push the timer out; there is no hard
// cap, so a continuously-typing client defers persistence until a natural
// boundary (composition end, unlock, disconnect) forces a flush.
type Debouncer struct {
	store  UpdateStore
	rooms  *Rooms
	window time.Duration

	mu      sync.Mutex
	pending map[string]*pendingUpdate
}

func NewDebouncer(updateStore UpdateStore, rooms *Rooms, window time.Duration) *Debouncer {
	if window <= 0 {
		window = 400 * time.Millisecond
	}
	return &Debouncer{
		store:   updateStore,
		rooms:   rooms,
		window:  window,
		pending: make(map[string]*pendingUpdate),
	}
}

func pendingKey(sessionID, nodeRef string) string {
	return sessionID + "\x00" + nodeRef
}

// Queue merges an update into the pending patch for (session, node) and
// restarts the quiet-period timer. immediate flushes synchronously instead,
// the composition-end override.
func (d *Debouncer) Queue(s *Session, boardID, nodeRef string, content *string, position *Position, immediate bool) {
	key := pendingKey(s.ID, nodeRef)

	d.mu.Lock()
	entry, ok := d.pending[key]
	if !ok {
		entry = &pendingUpdate{session: s, boardID: boardID, nodeRef: nodeRef}
		d.pending[key] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	if content != nil {
		entry.content = content
	}
	if position != nil {
		entry.position = position
	}
	entry.seq++

	if immediate {
		delete(d.pending, key)
		d.mu.Unlock()
		d.flush(entry)
		return
	}

	seq := entry.seq
	entry.timer = time.AfterFunc(d.window, func() {
		d.fire(key, seq)
	})
	d.mu.Unlock()
}

// fire runs on the timer goroutine. The sequence check discards stale
// timers that lost a race with a newer Queue for the same key.
func (d *Debouncer) fire(key string, seq uint64) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if !ok || entry.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	d.flush(entry)
}

// FlushNode forces out the pending update for one (session, node) pair;
// called before that session releases its lock so the final keystrokes are
// persisted while the lock is still held.
func (d *Debouncer) FlushNode(sessionID, nodeRef string) {
	key := pendingKey(sessionID, nodeRef)
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.flush(entry)
	}
}

// FlushSession forces out everything a session still has buffered; called
// on disconnect before its locks are released.
func (d *Debouncer) FlushSession(sessionID string) {
	prefix := sessionID + "\x00"
	d.mu.Lock()
	var entries []*pendingUpdate
	for key, entry := range d.pending {
		if strings.HasPrefix(key, prefix) {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(d.pending, key)
			entries = append(entries, entry)
		}
	}
	d.mu.Unlock()
	for _, entry := range entries {
		d.flush(entry)
	}
}

// FlushAll drains every pending update; used on shutdown.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	var entries []*pendingUpdate
	for key, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.pending, key)
		entries = append(entries, entry)
	}
	d.mu.Unlock()
	for _, entry := range entries {
		d.flush(entry)
	}
}

// flush is the persistence pipeline: verify the requester still holds the
// lock (the last line of defense for the mutual-exclusion invariant,
// independent of any client-side gating), build the partial patch, persist
// patch plus audit record in one transaction, then broadcast the canonical
// state to the rest of the room and ack the originator.
func (d *Debouncer) flush(entry *pendingUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	s := entry.session

	node, err := d.store.ResolveNode(ctx, entry.boardID, entry.nodeRef)
	if errors.Is(err, sql.ErrNoRows) {
		d.saveError(s, entry.nodeRef, "node not found", "not_found")
		return
	}
	if err != nil {
		d.saveError(s, entry.nodeRef, "save failed", "store_error")
		return
	}

	lock, err := d.store.GetActiveNodeLock(ctx, node.ID)
	if err != nil {
		d.saveError(s, entry.nodeRef, "save failed", "store_error")
		return
	}
	if lock == nil || lock.UserID != s.UserID {
		d.saveError(s, entry.nodeRef, "you do not hold the lock on this node", "rejected")
		return
	}

	patch := store.NodePatch{NodeID: node.ID, UserID: s.UserID}
	if entry.content != nil && *entry.content != "" {
		patch.Content = entry.content
	}
	if entry.position != nil && entry.position.X != nil && entry.position.Y != nil {
		patch.X = entry.position.X
		patch.Y = entry.position.Y
	}
	if patch.Content == nil && patch.X == nil {
		// Nothing survived the guards; skip the write so an empty update
		// leaves no no-op audit row behind.
		metrics.FlushesTotal.WithLabelValues("empty").Inc()
		return
	}

	updated, err := d.store.ApplyNodePatch(ctx, patch)
	if errors.Is(err, store.ErrNoActiveLock) {
		// The pre-check above is only the fast path; the store re-verifies
		// the lock inside the patch transaction and wins any race with a
		// concurrent release.
		d.saveError(s, entry.nodeRef, "you do not hold the lock on this node", "rejected")
		return
	}
	if err != nil {
		d.saveError(s, entry.nodeRef, "save failed", "store_error")
		return
	}
	metrics.FlushesTotal.WithLabelValues("saved").Inc()

	d.rooms.BroadcastExcept(s.RoomKey(), s.ID, EventNodeUpdated, map[string]any{
		"nodeId":  updated.NodeKey,
		"content": updated.Content,
		"position": map[string]float64{
			"x": updated.X,
			"y": updated.Y,
		},
		"userId":  s.UserID,
		"savedAt": updated.UpdatedAt,
	})
	s.Emit(EventNodeSaved, map[string]any{
		"nodeId":  updated.NodeKey,
		"savedAt": updated.UpdatedAt,
	})
}

func (d *Debouncer) saveError(s *Session, nodeRef, message, result string) {
	metrics.FlushesTotal.WithLabelValues(result).Inc()
	s.Emit(EventNodeSaveError, map[string]any{
		"nodeId": nodeRef,
		"error":  message,
	})
}
