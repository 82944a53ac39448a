package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whyboard/api/internal/collab"
	"whyboard/api/internal/store"
)

type fakeStore struct {
	pingFn              func(ctx context.Context) error
	ensureUserFn        func(ctx context.Context, id, email, displayName string) (store.User, error)
	resolveBoardFn      func(ctx context.Context, tenant, boardKey string) (store.Board, error)
	resolveNodeFn       func(ctx context.Context, boardID, idOrKey string) (store.Node, error)
	listBoardNodesFn    func(ctx context.Context, boardID string) ([]store.Node, error)
	replaceBoardGraphFn func(ctx context.Context, boardID, userID string, nodes []store.Node) error
	listNodeEditsFn     func(ctx context.Context, nodeID string, limit int) ([]store.NodeEdit, error)

	acquireNodeLockFn   func(ctx context.Context, lockID, nodeID, userID string) (store.NodeLock, bool, error)
	releaseNodeLockFn   func(ctx context.Context, nodeID, userID string) error
	releaseUserLocksFn  func(ctx context.Context, userID string) ([]store.ReleasedLock, error)
	getActiveNodeLockFn func(ctx context.Context, nodeID string) (*store.NodeLock, error)
	listBoardLocksFn    func(ctx context.Context, boardID string) ([]store.NodeLock, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) EnsureUser(ctx context.Context, id, email, displayName string) (store.User, error) {
	return f.ensureUserFn(ctx, id, email, displayName)
}

func (f *fakeStore) ResolveBoard(ctx context.Context, tenant, boardKey string) (store.Board, error) {
	if f.resolveBoardFn != nil {
		return f.resolveBoardFn(ctx, tenant, boardKey)
	}
	if tenant == "t1" && boardKey == "board-1" {
		return store.Board{ID: "board_1", TenantID: "t1", BoardKey: "board-1", Name: "Line stop"}, nil
	}
	return store.Board{}, sql.ErrNoRows
}

func (f *fakeStore) ResolveNode(ctx context.Context, boardID, idOrKey string) (store.Node, error) {
	if f.resolveNodeFn != nil {
		return f.resolveNodeFn(ctx, boardID, idOrKey)
	}
	return store.Node{ID: "node_1", BoardID: boardID, NodeKey: idOrKey}, nil
}

func (f *fakeStore) ListBoardNodes(ctx context.Context, boardID string) ([]store.Node, error) {
	if f.listBoardNodesFn != nil {
		return f.listBoardNodesFn(ctx, boardID)
	}
	return []store.Node{}, nil
}

func (f *fakeStore) ReplaceBoardGraph(ctx context.Context, boardID, userID string, nodes []store.Node) error {
	return f.replaceBoardGraphFn(ctx, boardID, userID, nodes)
}

func (f *fakeStore) ListNodeEdits(ctx context.Context, nodeID string, limit int) ([]store.NodeEdit, error) {
	return f.listNodeEditsFn(ctx, nodeID, limit)
}

func (f *fakeStore) AcquireNodeLock(ctx context.Context, lockID, nodeID, userID string) (store.NodeLock, bool, error) {
	return f.acquireNodeLockFn(ctx, lockID, nodeID, userID)
}

func (f *fakeStore) ReleaseNodeLock(ctx context.Context, nodeID, userID string) error {
	return f.releaseNodeLockFn(ctx, nodeID, userID)
}

func (f *fakeStore) ReleaseUserLocks(ctx context.Context, userID string) ([]store.ReleasedLock, error) {
	return f.releaseUserLocksFn(ctx, userID)
}

func (f *fakeStore) GetActiveNodeLock(ctx context.Context, nodeID string) (*store.NodeLock, error) {
	return f.getActiveNodeLockFn(ctx, nodeID)
}

func (f *fakeStore) ListBoardLocks(ctx context.Context, boardID string) ([]store.NodeLock, error) {
	return f.listBoardLocksFn(ctx, boardID)
}

func newTestHandler(fs *fakeStore) http.Handler {
	rooms := collab.NewRooms()
	coordinator := collab.NewCoordinator(fs, rooms, nil)
	service := NewService(fs, coordinator, rooms, nil)
	server := NewHTTPServer(service, http.NotFoundHandler(), "*")
	return server.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func TestHealth(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["ok"])
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		pingFn: func(ctx context.Context) error { return sql.ErrConnDone },
	})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, payload["ok"])
}

func TestRegisterUser(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		ensureUserFn: func(ctx context.Context, id, email, displayName string) (store.User, error) {
			assert.NotEmpty(t, id)
			return store.User{ID: id, Email: email, DisplayName: displayName}, nil
		},
	})
	rec, payload := doJSON(t, handler, http.MethodPost, "/api/users", map[string]any{
		"email":       "alice@example.com",
		"displayName": "Alice",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.com", payload["email"])
	assert.NotEmpty(t, payload["id"])
}

func TestRegisterUserValidation(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodPost, "/api/users", map[string]any{
		"email": "not-an-email",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
}

func TestGetGraph(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		listBoardNodesFn: func(ctx context.Context, boardID string) ([]store.Node, error) {
			return []store.Node{{ID: "node_1", NodeKey: "root-1", Category: store.CategoryRoot}}, nil
		},
	})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/tenants/t1/boards/board-1/graph", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	nodes, ok := payload["nodes"].([]any)
	require.True(t, ok)
	assert.Len(t, nodes, 1)
}

func TestGetGraphUnknownBoard(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/tenants/t1/boards/missing/graph", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])
}

func TestReplaceGraphRecomputesDepths(t *testing.T) {
	var saved []store.Node
	handler := newTestHandler(&fakeStore{
		replaceBoardGraphFn: func(ctx context.Context, boardID, userID string, nodes []store.Node) error {
			assert.Equal(t, "board_1", boardID)
			assert.Equal(t, "user_a", userID)
			saved = nodes
			return nil
		},
		listBoardNodesFn: func(ctx context.Context, boardID string) ([]store.Node, error) {
			return saved, nil
		},
	})

	rec, payload := doJSON(t, handler, http.MethodPut, "/api/tenants/t1/boards/board-1/graph", map[string]any{
		"userId": "user_a",
		"nodes": []map[string]any{
			{"nodeKey": "root-1", "category": "root", "nextNodes": []string{"why-1"}},
			{"nodeKey": "why-1", "category": "why", "prevNodes": []string{"root-1"}, "nextNodes": []string{"cause-1"}},
			{"nodeKey": "cause-1", "category": "cause", "prevNodes": []string{"why-1"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %v", payload)

	require.Len(t, saved, 3)
	depths := map[string]int{}
	for _, node := range saved {
		assert.NotEmpty(t, node.ID, "server assigns storage ids")
		depths[node.NodeKey] = node.Depth
	}
	assert.Equal(t, map[string]int{"root-1": 0, "why-1": 1, "cause-1": 2}, depths)
}

func TestReplaceGraphRejectsDuplicateKeys(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodPut, "/api/tenants/t1/boards/board-1/graph", map[string]any{
		"userId": "user_a",
		"nodes": []map[string]any{
			{"nodeKey": "why-1", "category": "why"},
			{"nodeKey": "why-1", "category": "why"},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
}

func TestReplaceGraphRejectsBadCategory(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodPut, "/api/tenants/t1/boards/board-1/graph", map[string]any{
		"userId": "user_a",
		"nodes": []map[string]any{
			{"nodeKey": "n1", "category": "banana"},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
}

func TestLockNode(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		acquireNodeLockFn: func(ctx context.Context, lockID, nodeID, userID string) (store.NodeLock, bool, error) {
			return store.NodeLock{ID: lockID, NodeID: nodeID, UserID: userID, LockedAt: time.Now(), Active: true}, false, nil
		},
	})
	rec, payload := doJSON(t, handler, http.MethodPost, "/api/tenants/t1/boards/board-1/nodes/why-1/lock", map[string]any{
		"userId": "user_a",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	lock, ok := payload["lock"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user_a", lock["userId"])
}

func TestLockNodeConflict(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		acquireNodeLockFn: func(ctx context.Context, lockID, nodeID, userID string) (store.NodeLock, bool, error) {
			return store.NodeLock{}, false, &store.LockHeldError{
				NodeID: nodeID,
				Holder: store.LockHolder{ID: "user_b", Email: "bob@example.com"},
			}
		},
	})
	rec, payload := doJSON(t, handler, http.MethodPost, "/api/tenants/t1/boards/board-1/nodes/why-1/lock", map[string]any{
		"userId": "user_a",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LOCK_CONFLICT", payload["code"])
	details, ok := payload["details"].(map[string]any)
	require.True(t, ok)
	lockedBy, ok := details["lockedBy"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user_b", lockedBy["id"])
	assert.Equal(t, "bob@example.com", lockedBy["email"])
}

func TestLockNodeRequiresUserID(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodPost, "/api/tenants/t1/boards/board-1/nodes/why-1/lock", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
}

func TestUnlockNode(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		releaseNodeLockFn: func(ctx context.Context, nodeID, userID string) error {
			return nil
		},
	})
	rec, payload := doJSON(t, handler, http.MethodDelete, "/api/tenants/t1/boards/board-1/nodes/why-1/lock", map[string]any{
		"userId": "user_a",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["ok"])
}

func TestUnlockNodeWithoutLock(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		releaseNodeLockFn: func(ctx context.Context, nodeID, userID string) error {
			return store.ErrNoActiveLock
		},
	})
	rec, payload := doJSON(t, handler, http.MethodDelete, "/api/tenants/t1/boards/board-1/nodes/why-1/lock", map[string]any{
		"userId": "user_a",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_ACTIVE_LOCK", payload["code"])
}

func TestGetNodeLockState(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		getActiveNodeLockFn: func(ctx context.Context, nodeID string) (*store.NodeLock, error) {
			return &store.NodeLock{ID: "lock_1", NodeID: nodeID, UserID: "user_b", Active: true}, nil
		},
	})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/tenants/t1/boards/board-1/nodes/why-1/lock", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["locked"])
	lock, ok := payload["lock"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user_b", lock["userId"])
}

func TestBoardLocks(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		listBoardLocksFn: func(ctx context.Context, boardID string) ([]store.NodeLock, error) {
			return []store.NodeLock{{ID: "lock_1", NodeID: "node_1", UserID: "user_a", Active: true}}, nil
		},
	})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/tenants/t1/boards/board-1/locks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	locks, ok := payload["locks"].([]any)
	require.True(t, ok)
	assert.Len(t, locks, 1)
}

func TestNodeEditsInlinesSnapshots(t *testing.T) {
	handler := newTestHandler(&fakeStore{
		listNodeEditsFn: func(ctx context.Context, nodeID string, limit int) ([]store.NodeEdit, error) {
			assert.Equal(t, 50, limit)
			return []store.NodeEdit{{
				ID:        1,
				NodeID:    nodeID,
				BoardID:   "board_1",
				UserID:    "user_a",
				Action:    store.EditActionUpdate,
				AfterData: []byte(`{"content":"updated"}`),
			}}, nil
		},
	})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/tenants/t1/boards/board-1/nodes/why-1/edits", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	edits, ok := payload["edits"].([]any)
	require.True(t, ok)
	require.Len(t, edits, 1)
	edit := edits[0].(map[string]any)
	after, ok := edit["after"].(map[string]any)
	require.True(t, ok, "snapshot must be inlined as JSON, not base64")
	assert.Equal(t, "updated", after["content"])
}

func TestNodeEditsBadLimit(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/tenants/t1/boards/board-1/nodes/why-1/edits?limit=zero", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
}

func TestUnknownRoute(t *testing.T) {
	handler := newTestHandler(&fakeStore{})
	rec, payload := doJSON(t, handler, http.MethodGet, "/api/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])
}
