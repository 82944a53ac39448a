package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveLock is returned when a release targets a lock the caller
	// does not hold. Double releases are expected client behavior.
	ErrNoActiveLock = errors.New("no active lock held by this user")
)

// LockHeldError reports a failed acquisition and names the current holder
// so the caller can surface "locked by X".
type LockHeldError struct {
	NodeID string
	Holder LockHolder
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("node %s is locked by %s", e.NodeID, e.Holder.Email)
}
