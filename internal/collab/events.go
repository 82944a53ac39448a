package collab

import "encoding/json"

// Wire contract of the event gateway. Event names and payload shapes are
// shared with the browser client and must not drift.
const (
	// Inbound
	EventJoinBoard   = "join-board"
	EventLockNode    = "lock-node"
	EventUnlockNode  = "unlock-node"
	EventNodeUpdated = "node-updated"

	// Outbound
	EventJoinError     = "join-error"
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"
	EventNodeLocked    = "node-locked"
	EventLockError     = "lock-error"
	EventNodeUnlocked  = "node-unlocked"
	EventUnlockError   = "unlock-error"
	EventNodeSaved     = "node-saved"
	EventNodeSaveError = "node-save-error"
	EventNodesUnlocked = "nodes-unlocked"
	EventLocksState    = "locks-state"
	EventGraphReplaced = "graph-replaced"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinBoardPayload struct {
	TenantID string `json:"tenantId" validate:"required"`
	BoardKey string `json:"boardKey" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
}

type LockNodePayload struct {
	NodeID string `json:"nodeId" validate:"required"`
}

type UnlockNodePayload struct {
	NodeID string `json:"nodeId" validate:"required"`
}

// Position carries both coordinates or is rejected: a partial position is
// treated as no position change at all.
type Position struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
}

type NodeUpdatedPayload struct {
	NodeID   string    `json:"nodeId" validate:"required"`
	Content  *string   `json:"content,omitempty"`
	Position *Position `json:"position,omitempty"`
	// Immediate bypasses the debounce window; the client sets it when an
	// input-method composition session ends so partially-composed text is
	// never left buffered.
	Immediate bool `json:"immediate,omitempty"`
}
