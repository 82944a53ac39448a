package store

import "time"

type Tenant struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

type Board struct {
	ID        string
	TenantID  string
	BoardKey  string
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Node is a vertex in a board's why-why graph. NodeKey is the stable
// client-visible identifier, distinct from the storage ID; every lookup
// accepts either. PrevNodes/NextNodes hold neighbor node keys redundantly
// and must be kept consistent by every mutator.
type Node struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	NodeKey   string    `json:"nodeKey"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Depth     int       `json:"depth"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Adopted   bool      `json:"adopted"`
	PrevNodes []string  `json:"prevNodes"`
	NextNodes []string  `json:"nextNodes"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	CategoryRoot   = "root"
	CategoryWhy    = "why"
	CategoryCause  = "cause"
	CategoryAction = "action"
)

// NodeLock is a lease on a single node. Deactivation is soft: rows are
// never deleted, so the table doubles as an acquisition history.
type NodeLock struct {
	ID         string     `json:"id"`
	NodeID     string     `json:"nodeId"`
	UserID     string     `json:"userId"`
	UserName   string     `json:"userName,omitempty"`
	UserEmail  string     `json:"userEmail,omitempty"`
	LockedAt   time.Time  `json:"lockedAt"`
	Active     bool       `json:"active"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// ReleasedLock names a node freed by a batch release, by both identifiers:
// the storage id keys the lock mirror, the node key is what clients see.
type ReleasedLock struct {
	NodeID  string `json:"nodeId"`
	NodeKey string `json:"nodeKey"`
}

// LockHolder identifies the current holder in conflict responses.
type LockHolder struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type NodeEdit struct {
	ID         int64     `json:"id"`
	NodeID     string    `json:"nodeId"`
	BoardID    string    `json:"boardId"`
	UserID     string    `json:"userId"`
	Action     string    `json:"action"`
	BeforeData []byte    `json:"beforeData,omitempty"`
	AfterData  []byte    `json:"afterData,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

const (
	EditActionCreate = "create"
	EditActionUpdate = "update"
	EditActionDelete = "delete"
)

// NodePatch is a partial update applied to a node within one transaction
// together with its audit record. Nil fields are left untouched.
type NodePatch struct {
	NodeID  string
	UserID  string
	Content *string
	X       *float64
	Y       *float64
}
