package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"whyboard/api/internal/metrics"
	"whyboard/api/internal/store"
)

const eventTimeout = 10 * time.Second

// Directory resolves the identifiers carried on the join handshake. The
// gateway performs no authorization beyond existence checks: authorization
// is established before the board page is served, and the identifiers on
// the connection are trusted at face value.
type Directory interface {
	ResolveBoard(ctx context.Context, tenant, boardKey string) (store.Board, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Gateway is the websocket boundary of the collaboration subsystem: it
// binds sessions into rooms and routes inbound events to the lock
// coordinator and the update debouncer. Events from one connection are
// processed in delivery order by its read pump.
type Gateway struct {
	directory  Directory
	rooms      *Rooms
	locks      *Coordinator
	updates    *Debouncer
	validate   *validator.Validate
	upgrader   websocket.Upgrader
	sendBuffer int
}

func NewGateway(directory Directory, rooms *Rooms, locks *Coordinator, updates *Debouncer, sendBuffer int) *Gateway {
	return &Gateway{
		directory: directory,
		rooms:     rooms,
		locks:     locks,
		updates:   updates,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	s := newSession(uuid.NewString(), conn, g.sendBuffer)
	go s.writePump()
	g.readPump(s)
}

func (g *Gateway) readPump(s *Session) {
	defer g.disconnect(s)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(s, data)
	}
}

func (g *Gateway) dispatch(s *Session, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.EventsTotal.WithLabelValues("malformed", "rejected").Inc()
		s.Emit(EventJoinError, map[string]any{"error": "malformed event envelope"})
		return
	}

	var result string
	switch env.Event {
	case EventJoinBoard:
		result = g.handleJoin(s, env.Data)
	case EventLockNode:
		result = g.handleLock(s, env.Data)
	case EventUnlockNode:
		result = g.handleUnlock(s, env.Data)
	case EventNodeUpdated:
		result = g.handleNodeUpdated(s, env.Data)
	default:
		result = "unknown"
	}
	metrics.EventsTotal.WithLabelValues(env.Event, result).Inc()
}

func (g *Gateway) handleJoin(s *Session, data json.RawMessage) string {
	var payload JoinBoardPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.Emit(EventJoinError, map[string]any{"error": "malformed join-board payload"})
		return "rejected"
	}
	if err := g.validate.Struct(payload); err != nil {
		s.Emit(EventJoinError, map[string]any{"error": "tenantId, boardKey and userId are required"})
		return "rejected"
	}
	if s.joined() {
		s.Emit(EventJoinError, map[string]any{"error": "session already joined a board"})
		return "rejected"
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	board, err := g.directory.ResolveBoard(ctx, payload.TenantID, payload.BoardKey)
	if errors.Is(err, sql.ErrNoRows) {
		s.Emit(EventJoinError, map[string]any{"error": "board not found"})
		return "rejected"
	}
	if err != nil {
		s.Emit(EventJoinError, map[string]any{"error": "join failed"})
		return "error"
	}

	user, err := g.directory.GetUserByID(ctx, payload.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		s.Emit(EventJoinError, map[string]any{"error": "unknown user"})
		return "rejected"
	}
	if err != nil {
		s.Emit(EventJoinError, map[string]any{"error": "join failed"})
		return "error"
	}

	s.UserID = user.ID
	s.UserName = user.DisplayName
	s.TenantID = board.TenantID
	s.BoardKey = board.BoardKey
	s.BoardID = board.ID
	s.roomKey = board.TenantID + ":" + board.BoardKey

	g.rooms.Join(s)
	g.rooms.BroadcastExcept(s.roomKey, s.ID, EventUserJoined, map[string]any{
		"userId":   s.UserID,
		"socketId": s.ID,
	})
	slog.Info("session joined board", "session", s.ID, "user", s.UserID, "board", board.ID)

	// Seed the joiner's local lock cache so existing lock badges render
	// without per-node round trips.
	if snapshot, err := g.locks.Snapshot(ctx, board.ID); err != nil {
		slog.Warn("lock snapshot failed on join", "board", board.ID, "err", err)
	} else {
		s.Emit(EventLocksState, map[string]any{"locks": snapshot})
	}
	return "ok"
}

func (g *Gateway) handleLock(s *Session, data json.RawMessage) string {
	var payload LockNodePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.Emit(EventLockError, map[string]any{"error": "malformed lock-node payload"})
		return "rejected"
	}
	if err := g.validate.Struct(payload); err != nil {
		s.Emit(EventLockError, map[string]any{"nodeId": payload.NodeID, "error": "nodeId is required"})
		return "rejected"
	}
	if !s.joined() {
		s.Emit(EventLockError, map[string]any{"nodeId": payload.NodeID, "error": "join a board first"})
		return "rejected"
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	_, err := g.locks.Acquire(ctx, s.BoardID, s.roomKey, payload.NodeID, s.UserID)
	var held *store.LockHeldError
	switch {
	case errors.As(err, &held):
		s.Emit(EventLockError, map[string]any{
			"nodeId":   payload.NodeID,
			"error":    "node is locked by another user",
			"lockedBy": held.Holder,
		})
		return "conflict"
	case errors.Is(err, sql.ErrNoRows):
		s.Emit(EventLockError, map[string]any{"nodeId": payload.NodeID, "error": "node not found"})
		return "rejected"
	case err != nil:
		slog.Error("lock acquire failed", "node", payload.NodeID, "err", err)
		s.Emit(EventLockError, map[string]any{"nodeId": payload.NodeID, "error": "lock failed"})
		return "error"
	}
	return "ok"
}

func (g *Gateway) handleUnlock(s *Session, data json.RawMessage) string {
	var payload UnlockNodePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.Emit(EventUnlockError, map[string]any{"error": "malformed unlock-node payload"})
		return "rejected"
	}
	if err := g.validate.Struct(payload); err != nil {
		s.Emit(EventUnlockError, map[string]any{"nodeId": payload.NodeID, "error": "nodeId is required"})
		return "rejected"
	}
	if !s.joined() {
		s.Emit(EventUnlockError, map[string]any{"nodeId": payload.NodeID, "error": "join a board first"})
		return "rejected"
	}

	// Persist any buffered keystrokes while the lock is still held.
	g.updates.FlushNode(s.ID, payload.NodeID)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	_, err := g.locks.Release(ctx, s.BoardID, s.roomKey, payload.NodeID, s.UserID)
	switch {
	case errors.Is(err, store.ErrNoActiveLock):
		s.Emit(EventUnlockError, map[string]any{"nodeId": payload.NodeID, "error": "no active lock held by you"})
		return "rejected"
	case errors.Is(err, sql.ErrNoRows):
		s.Emit(EventUnlockError, map[string]any{"nodeId": payload.NodeID, "error": "node not found"})
		return "rejected"
	case err != nil:
		slog.Error("lock release failed", "node", payload.NodeID, "err", err)
		s.Emit(EventUnlockError, map[string]any{"nodeId": payload.NodeID, "error": "unlock failed"})
		return "error"
	}
	return "ok"
}

func (g *Gateway) handleNodeUpdated(s *Session, data json.RawMessage) string {
	var payload NodeUpdatedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.Emit(EventNodeSaveError, map[string]any{"error": "malformed node-updated payload"})
		return "rejected"
	}
	if err := g.validate.Struct(payload); err != nil {
		s.Emit(EventNodeSaveError, map[string]any{
			"nodeId": payload.NodeID,
			"error":  "nodeId is required and a position needs both x and y",
		})
		return "rejected"
	}
	if !s.joined() {
		s.Emit(EventNodeSaveError, map[string]any{"nodeId": payload.NodeID, "error": "join a board first"})
		return "rejected"
	}

	g.updates.Queue(s, s.BoardID, payload.NodeID, payload.Content, payload.Position, payload.Immediate)
	return "ok"
}

// disconnect runs exactly once per connection, clean close or not: flush
// what the session still has buffered, detach it from its room, tell the
// remaining members, then release every lock the user holds in one batch.
func (g *Gateway) disconnect(s *Session) {
	g.updates.FlushSession(s.ID)

	if s.joined() {
		g.rooms.Leave(s)
		g.rooms.Broadcast(s.roomKey, EventUserLeft, map[string]any{
			"userId":   s.UserID,
			"socketId": s.ID,
		})

		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if _, err := g.locks.ReleaseAllForUser(ctx, s.BoardID, s.roomKey, s.UserID); err != nil {
			slog.Error("disconnect lock cleanup failed", "user", s.UserID, "err", err)
		}
		slog.Info("session left board", "session", s.ID, "user", s.UserID, "board", s.BoardID)
	}

	s.close()
}
