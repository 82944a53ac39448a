package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"whyboard/api/internal/collab"
	"whyboard/api/internal/graph"
	"whyboard/api/internal/lockcache"
	"whyboard/api/internal/store"
	"whyboard/api/internal/util"
)

// dataStore is the slice of the persistent store the REST service needs.
type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, id, email, displayName string) (store.User, error)
	ResolveBoard(ctx context.Context, tenant, boardKey string) (store.Board, error)
	ResolveNode(ctx context.Context, boardID, idOrKey string) (store.Node, error)
	ListBoardNodes(ctx context.Context, boardID string) ([]store.Node, error)
	ReplaceBoardGraph(ctx context.Context, boardID, userID string, nodes []store.Node) error
	ListNodeEdits(ctx context.Context, nodeID string, limit int) ([]store.NodeEdit, error)
}

// Service carries the REST-facing operations. Lock mutations are delegated
// to the same coordinator the websocket gateway uses, so both transports
// drive one state machine and every REST lock change is broadcast to the
// board's room exactly like an event-path change.
type Service struct {
	store    dataStore
	locks    *collab.Coordinator
	rooms    *collab.Rooms
	cache    *lockcache.Cache // optional, may be nil
	validate *validator.Validate
}

func NewService(dataStore dataStore, locks *collab.Coordinator, rooms *collab.Rooms, cache *lockcache.Cache) *Service {
	return &Service{
		store:    dataStore,
		locks:    locks,
		rooms:    rooms,
		cache:    cache,
		validate: validator.New(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CachePing reports lock mirror health; nil when no mirror is configured.
func (s *Service) CachePing(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}

// CacheEnabled reports whether the optional lock mirror is configured.
func (s *Service) CacheEnabled() bool {
	return s.cache != nil
}

type RegisterUserInput struct {
	ID          string `json:"id"`
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"displayName" validate:"required"`
}

// RegisterUser upserts a user record by email. Identity arrives from the
// surrounding platform already authenticated; this only provisions the row
// the lock and edit tables reference.
func (s *Service) RegisterUser(ctx context.Context, input RegisterUserInput) (store.User, error) {
	if err := s.validate.Struct(input); err != nil {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email and displayName are required", nil)
	}
	id := input.ID
	if id == "" {
		id = util.NewID("user")
	}
	user, err := s.store.EnsureUser(ctx, id, input.Email, input.DisplayName)
	if err != nil {
		return store.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *Service) GetGraph(ctx context.Context, tenant, boardKey string) (map[string]any, error) {
	board, err := s.store.ResolveBoard(ctx, tenant, boardKey)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListBoardNodes(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"board": boardView(board),
		"nodes": nodes,
	}, nil
}

type NodeInput struct {
	NodeKey   string   `json:"nodeKey" validate:"required"`
	Content   string   `json:"content"`
	Category  string   `json:"category" validate:"required,oneof=root why cause action"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Adopted   bool     `json:"adopted"`
	PrevNodes []string `json:"prevNodes"`
	NextNodes []string `json:"nextNodes"`
}

// ReplaceGraph swaps the whole board graph for the submitted node set.
// Depths are recomputed server-side from the adjacency lists, never trusted
// from the client. On success the new graph is broadcast to the board room
// so connected editors reload without polling.
func (s *Service) ReplaceGraph(ctx context.Context, tenant, boardKey, userID string, inputs []NodeInput) (map[string]any, error) {
	if userID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	board, err := s.store.ResolveBoard(ctx, tenant, boardKey)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(inputs))
	nodes := make([]store.Node, 0, len(inputs))
	for _, input := range inputs {
		if err := s.validate.Struct(input); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"every node needs a nodeKey and a category of root, why, cause or action", nil)
		}
		if seen[input.NodeKey] {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("duplicate nodeKey %q", input.NodeKey), nil)
		}
		seen[input.NodeKey] = true
		nodes = append(nodes, store.Node{
			ID:        util.NewID("node"),
			BoardID:   board.ID,
			NodeKey:   input.NodeKey,
			Content:   input.Content,
			Category:  input.Category,
			X:         input.X,
			Y:         input.Y,
			Adopted:   input.Adopted,
			PrevNodes: input.PrevNodes,
			NextNodes: input.NextNodes,
		})
	}

	depths := graph.RecomputeDepths(nodes)
	for i := range nodes {
		nodes[i].Depth = depths[nodes[i].NodeKey]
	}

	if err := s.store.ReplaceBoardGraph(ctx, board.ID, userID, nodes); err != nil {
		return nil, err
	}

	saved, err := s.store.ListBoardNodes(ctx, board.ID)
	if err != nil {
		return nil, err
	}

	s.rooms.Broadcast(roomKey(board), collab.EventGraphReplaced, map[string]any{
		"userId":   userID,
		"savedAt":  time.Now().UTC(),
		"nodeKeys": lo.Map(saved, func(node store.Node, _ int) string { return node.NodeKey }),
	})
	return map[string]any{
		"board": boardView(board),
		"nodes": saved,
	}, nil
}

func (s *Service) LockNode(ctx context.Context, tenant, boardKey, nodeRef, userID string) (store.NodeLock, error) {
	if userID == "" {
		return store.NodeLock{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	board, err := s.store.ResolveBoard(ctx, tenant, boardKey)
	if err != nil {
		return store.NodeLock{}, err
	}
	return s.locks.Acquire(ctx, board.ID, roomKey(board), nodeRef, userID)
}

func (s *Service) UnlockNode(ctx context.Context, tenant, boardKey, nodeRef, userID string) error {
	if userID == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	board, err := s.store.ResolveBoard(ctx, tenant, boardKey)
	if err != nil {
		return err
	}
	_, err = s.locks.Release(ctx, board.ID, roomKey(board), nodeRef, userID)
	return err
}

func (s *Service) NodeLockState(ctx context.Context, tenant, boardKey, nodeRef string) (map[string]any, error) {
	board, err := s.store.ResolveBoard(ctx, tenant, boardKey)
	if err != nil {
		return nil, err
	}
	node, lock, err := s.locks.Current(ctx, board.ID, nodeRef)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"nodeId": node.NodeKey,
		"locked": lock != nil,
	}
	if lock != nil {
		payload["lock"] = lock
	}
	return payload, nil
}

func (s *Service) BoardLocks(ctx context.Context, tenant, boardKey string) (map[string]any, error) {
	board, err := s.store.ResolveBoard(ctx, tenant, boardKey)
	if err != nil {
		return nil, err
	}
	locks, err := s.locks.Snapshot(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"locks": locks}, nil
}

func (s *Service) NodeEdits(ctx context.Context, tenant, boardKey, nodeRef string, limit int) (map[string]any, error) {
	board, err := s.store.ResolveBoard(ctx, tenant, boardKey)
	if err != nil {
		return nil, err
	}
	node, err := s.store.ResolveNode(ctx, board.ID, nodeRef)
	if err != nil {
		return nil, err
	}
	edits, err := s.store.ListNodeEdits(ctx, node.ID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"nodeId": node.NodeKey,
		"edits":  lo.Map(edits, func(edit store.NodeEdit, _ int) map[string]any { return editView(edit) }),
	}, nil
}

func roomKey(board store.Board) string {
	return board.TenantID + ":" + board.BoardKey
}

func boardView(board store.Board) map[string]any {
	return map[string]any{
		"id":        board.ID,
		"tenantId":  board.TenantID,
		"boardKey":  board.BoardKey,
		"name":      board.Name,
		"status":    board.Status,
		"updatedAt": board.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// editView inlines the stored snapshots as JSON instead of letting []byte
// marshal to base64.
func editView(edit store.NodeEdit) map[string]any {
	view := map[string]any{
		"id":        edit.ID,
		"nodeId":    edit.NodeID,
		"boardId":   edit.BoardID,
		"userId":    edit.UserID,
		"action":    edit.Action,
		"createdAt": edit.CreatedAt,
	}
	if len(edit.BeforeData) > 0 {
		view["before"] = json.RawMessage(edit.BeforeData)
	}
	if len(edit.AfterData) > 0 {
		view["after"] = json.RawMessage(edit.AfterData)
	}
	return view
}
