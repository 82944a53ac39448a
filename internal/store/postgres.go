package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUser(ctx context.Context, id, email, displayName string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email=EXCLUDED.email, display_name=EXCLUDED.display_name
		RETURNING id, email, display_name, created_at
	`, id, email, displayName).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ResolveBoard maps a tenant slug-or-id plus board key to the board row.
func (s *PostgresStore) ResolveBoard(ctx context.Context, tenant, boardKey string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.tenant_id, b.board_key, b.name, b.status, b.created_at, b.updated_at
		FROM boards b
		JOIN tenants t ON t.id = b.tenant_id
		WHERE (t.id=$1 OR t.slug=$1) AND b.board_key=$2
	`, tenant, boardKey).Scan(&board.ID, &board.TenantID, &board.BoardKey, &board.Name, &board.Status, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

const nodeColumns = `id, board_id, node_key, content, category, depth, x, y, adopted, prev_nodes, next_nodes, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (Node, error) {
	var node Node
	var prevRaw, nextRaw []byte
	err := row.Scan(
		&node.ID,
		&node.BoardID,
		&node.NodeKey,
		&node.Content,
		&node.Category,
		&node.Depth,
		&node.X,
		&node.Y,
		&node.Adopted,
		&prevRaw,
		&nextRaw,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return Node{}, err
	}
	if err := json.Unmarshal(prevRaw, &node.PrevNodes); err != nil {
		return Node{}, fmt.Errorf("decode prev_nodes: %w", err)
	}
	if err := json.Unmarshal(nextRaw, &node.NextNodes); err != nil {
		return Node{}, fmt.Errorf("decode next_nodes: %w", err)
	}
	return node, nil
}

// ResolveNode accepts either the storage id or the client-stable node key.
// Every node lookup path goes through here.
func (s *PostgresStore) ResolveNode(ctx context.Context, boardID, idOrKey string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE board_id=$1 AND (id=$2 OR node_key=$2)
	`, boardID, idOrKey)
	return scanNode(row)
}

func (s *PostgresStore) ListBoardNodes(ctx context.Context, boardID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE board_id=$1
		ORDER BY depth ASC, created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list board nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

// AcquireNodeLock grants or renews the exclusive lock on a node. Renewal by
// the current holder refreshes locked_at without creating a second row.
// Contended first acquisitions race on the partial unique index; the insert
// that commits first wins and the loser gets a LockHeldError naming the
// holder. The check-and-set happens entirely at the store, never as a
// read-then-write in process.
func (s *PostgresStore) AcquireNodeLock(ctx context.Context, lockID, nodeID, userID string) (NodeLock, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NodeLock{}, false, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lock NodeLock
	renewed := false
	err = tx.QueryRowContext(ctx, `
		UPDATE node_locks SET locked_at=NOW()
		WHERE node_id=$1 AND user_id=$2 AND active
		RETURNING id, node_id, user_id, locked_at, active
	`, nodeID, userID).Scan(&lock.ID, &lock.NodeID, &lock.UserID, &lock.LockedAt, &lock.Active)
	switch {
	case err == nil:
		renewed = true
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			INSERT INTO node_locks (id, node_id, user_id, active)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (node_id) WHERE active DO NOTHING
			RETURNING id, node_id, user_id, locked_at, active
		`, lockID, nodeID, userID).Scan(&lock.ID, &lock.NodeID, &lock.UserID, &lock.LockedAt, &lock.Active)
		if errors.Is(err, sql.ErrNoRows) {
			holder, holderErr := lockHolder(ctx, tx, nodeID)
			if holderErr != nil {
				return NodeLock{}, false, holderErr
			}
			return NodeLock{}, false, &LockHeldError{NodeID: nodeID, Holder: holder}
		}
		if err != nil {
			return NodeLock{}, false, fmt.Errorf("insert node lock: %w", err)
		}
	default:
		return NodeLock{}, false, fmt.Errorf("renew node lock: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT display_name, email FROM users WHERE id=$1
	`, userID).Scan(&lock.UserName, &lock.UserEmail); err != nil {
		return NodeLock{}, false, fmt.Errorf("lookup lock owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return NodeLock{}, false, fmt.Errorf("commit acquire tx: %w", err)
	}
	return lock, renewed, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lockHolder(ctx context.Context, q queryRower, nodeID string) (LockHolder, error) {
	var holder LockHolder
	err := q.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name
		FROM node_locks l
		JOIN users u ON u.id = l.user_id
		WHERE l.node_id=$1 AND l.active
	`, nodeID).Scan(&holder.ID, &holder.Email, &holder.Name)
	if errors.Is(err, sql.ErrNoRows) {
		// Holder released between our failed insert and this read; report an
		// anonymous conflict rather than inventing a retry loop.
		return LockHolder{}, nil
	}
	if err != nil {
		return LockHolder{}, fmt.Errorf("lookup lock holder: %w", err)
	}
	return holder, nil
}

// ReleaseNodeLock deactivates the caller's active lock. Releasing a lock
// the caller does not hold returns ErrNoActiveLock and changes nothing.
func (s *PostgresStore) ReleaseNodeLock(ctx context.Context, nodeID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE node_locks SET active=FALSE, released_at=NOW()
		WHERE node_id=$1 AND user_id=$2 AND active
	`, nodeID, userID)
	if err != nil {
		return fmt.Errorf("release node lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release node lock rows: %w", err)
	}
	if affected == 0 {
		return ErrNoActiveLock
	}
	return nil
}

// ReleaseUserLocks deactivates every active lock held by the user, across
// all boards, in one statement. Each released node comes back under both
// identifiers so callers can broadcast the client-stable key while keeping
// the mirror keyed by storage id; a lock whose node vanished in a
// replace-save falls back to the raw id. An empty result is not an error so
// that a duplicate disconnect or a race with a clean unlock stays
// idempotent.
func (s *PostgresStore) ReleaseUserLocks(ctx context.Context, userID string) ([]ReleasedLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH released AS (
			UPDATE node_locks SET active=FALSE, released_at=NOW()
			WHERE user_id=$1 AND active
			RETURNING node_id
		)
		SELECT r.node_id, COALESCE(n.node_key, r.node_id)
		FROM released r
		LEFT JOIN nodes n ON n.id = r.node_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("release user locks: %w", err)
	}
	defer rows.Close()

	released := make([]ReleasedLock, 0)
	for rows.Next() {
		var item ReleasedLock
		if err := rows.Scan(&item.NodeID, &item.NodeKey); err != nil {
			return nil, fmt.Errorf("scan released lock: %w", err)
		}
		released = append(released, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate released locks: %w", err)
	}
	return released, nil
}

// GetActiveNodeLock returns the active lock on a node, or nil when unlocked.
func (s *PostgresStore) GetActiveNodeLock(ctx context.Context, nodeID string) (*NodeLock, error) {
	var lock NodeLock
	err := s.db.QueryRowContext(ctx, `
		SELECT l.id, l.node_id, l.user_id, u.display_name, u.email, l.locked_at, l.active
		FROM node_locks l
		JOIN users u ON u.id = l.user_id
		WHERE l.node_id=$1 AND l.active
	`, nodeID).Scan(&lock.ID, &lock.NodeID, &lock.UserID, &lock.UserName, &lock.UserEmail, &lock.LockedAt, &lock.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active node lock: %w", err)
	}
	return &lock, nil
}

func (s *PostgresStore) ListBoardLocks(ctx context.Context, boardID string) ([]NodeLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.node_id, l.user_id, u.display_name, u.email, l.locked_at, l.active
		FROM node_locks l
		JOIN users u ON u.id = l.user_id
		JOIN nodes n ON n.id = l.node_id
		WHERE n.board_id=$1 AND l.active
		ORDER BY l.locked_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list board locks: %w", err)
	}
	defer rows.Close()

	items := make([]NodeLock, 0)
	for rows.Next() {
		var lock NodeLock
		if err := rows.Scan(&lock.ID, &lock.NodeID, &lock.UserID, &lock.UserName, &lock.UserEmail, &lock.LockedAt, &lock.Active); err != nil {
			return nil, fmt.Errorf("scan board lock: %w", err)
		}
		items = append(items, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board locks: %w", err)
	}
	return items, nil
}

// nodeSnapshot is the shape persisted in node_edits before/after columns.
type nodeSnapshot struct {
	NodeKey   string   `json:"nodeKey"`
	Content   string   `json:"content"`
	Category  string   `json:"category"`
	Depth     int      `json:"depth"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Adopted   bool     `json:"adopted"`
	PrevNodes []string `json:"prevNodes"`
	NextNodes []string `json:"nextNodes"`
}

func snapshotOf(node Node) nodeSnapshot {
	prev := node.PrevNodes
	if prev == nil {
		prev = []string{}
	}
	next := node.NextNodes
	if next == nil {
		next = []string{}
	}
	return nodeSnapshot{
		NodeKey:   node.NodeKey,
		Content:   node.Content,
		Category:  node.Category,
		Depth:     node.Depth,
		X:         node.X,
		Y:         node.Y,
		Adopted:   node.Adopted,
		PrevNodes: prev,
		NextNodes: next,
	}
}

func marshalSnapshot(node Node) ([]byte, error) {
	data, err := json.Marshal(snapshotOf(node))
	if err != nil {
		return nil, fmt.Errorf("marshal node snapshot: %w", err)
	}
	return data, nil
}

// ApplyNodePatch applies a partial update and appends the matching update
// edit record in one transaction. The row is locked for the duration and
// the patching user's active lock is re-verified inside the transaction,
// so a release or takeover racing the flush cannot produce a lost update.
// Returns ErrNoActiveLock when the user no longer holds the node.
func (s *PostgresStore) ApplyNodePatch(ctx context.Context, patch NodePatch) (Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Node{}, fmt.Errorf("begin patch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE id=$1
		FOR UPDATE
	`, patch.NodeID)
	before, err := scanNode(row)
	if err != nil {
		return Node{}, err
	}

	var holds bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM node_locks WHERE node_id=$1 AND user_id=$2 AND active
		)
	`, patch.NodeID, patch.UserID).Scan(&holds); err != nil {
		return Node{}, fmt.Errorf("check patch lock: %w", err)
	}
	if !holds {
		return Node{}, ErrNoActiveLock
	}

	after := before
	if patch.Content != nil && *patch.Content != "" {
		after.Content = *patch.Content
	}
	if patch.X != nil && patch.Y != nil {
		after.X = *patch.X
		after.Y = *patch.Y
	}

	if err := tx.QueryRowContext(ctx, `
		UPDATE nodes SET content=$2, x=$3, y=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, after.ID, after.Content, after.X, after.Y).Scan(&after.UpdatedAt); err != nil {
		return Node{}, fmt.Errorf("update node: %w", err)
	}

	beforeData, err := marshalSnapshot(before)
	if err != nil {
		return Node{}, err
	}
	afterData, err := marshalSnapshot(after)
	if err != nil {
		return Node{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_edits (node_id, board_id, user_id, action, before_data, after_data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, after.ID, after.BoardID, patch.UserID, EditActionUpdate, beforeData, afterData); err != nil {
		return Node{}, fmt.Errorf("insert node edit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Node{}, fmt.Errorf("commit patch tx: %w", err)
	}
	return after, nil
}

// ReplaceBoardGraph swaps a board's entire node set for the submitted one.
// Delete-all, recreate-all and both sides of the edit history run in a
// single transaction, so a concurrent reader never observes the graph
// half-replaced. Active locks on the vanishing nodes are deactivated in the
// same transaction. This path does not diff: a surviving node reappears in
// history as delete+create.
func (s *PostgresStore) ReplaceBoardGraph(ctx context.Context, boardID, userID string, nodes []Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE board_id=$1
		FOR UPDATE
	`, boardID)
	if err != nil {
		return fmt.Errorf("select existing nodes: %w", err)
	}
	existing := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan existing node: %w", err)
		}
		existing = append(existing, node)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate existing nodes: %w", err)
	}
	rows.Close()

	for _, node := range existing {
		beforeData, err := marshalSnapshot(node)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_edits (node_id, board_id, user_id, action, before_data, after_data)
			VALUES ($1, $2, $3, $4, $5, NULL)
		`, node.ID, boardID, userID, EditActionDelete, beforeData); err != nil {
			return fmt.Errorf("insert delete edit: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE node_locks SET active=FALSE, released_at=NOW()
			WHERE node_id=$1 AND active
		`, node.ID); err != nil {
			return fmt.Errorf("deactivate node locks: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE board_id=$1`, boardID); err != nil {
		return fmt.Errorf("delete board nodes: %w", err)
	}

	for _, node := range nodes {
		prevData, err := json.Marshal(snapshotOf(node).PrevNodes)
		if err != nil {
			return fmt.Errorf("marshal prev_nodes: %w", err)
		}
		nextData, err := json.Marshal(snapshotOf(node).NextNodes)
		if err != nil {
			return fmt.Errorf("marshal next_nodes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (id, board_id, node_key, content, category, depth, x, y, adopted, prev_nodes, next_nodes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, node.ID, boardID, node.NodeKey, node.Content, node.Category, node.Depth, node.X, node.Y, node.Adopted, prevData, nextData); err != nil {
			return fmt.Errorf("insert node %s: %w", node.NodeKey, err)
		}
		afterData, err := marshalSnapshot(node)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_edits (node_id, board_id, user_id, action, before_data, after_data)
			VALUES ($1, $2, $3, $4, NULL, $5)
		`, node.ID, boardID, userID, EditActionCreate, afterData); err != nil {
			return fmt.Errorf("insert create edit: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE boards SET updated_at=NOW() WHERE id=$1`, boardID); err != nil {
		return fmt.Errorf("touch board: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNodeEdits(ctx context.Context, nodeID string, limit int) ([]NodeEdit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, board_id, user_id, action, before_data, after_data, created_at
		FROM node_edits
		WHERE node_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list node edits: %w", err)
	}
	defer rows.Close()

	items := make([]NodeEdit, 0)
	for rows.Next() {
		var item NodeEdit
		if err := rows.Scan(&item.ID, &item.NodeID, &item.BoardID, &item.UserID, &item.Action, &item.BeforeData, &item.AfterData, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node edits: %w", err)
	}
	return items, nil
}
