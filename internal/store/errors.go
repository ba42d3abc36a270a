package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrOwnership is returned when a state transition is attempted by a
	// listener or pid that does not own the task, or when the task is not in
	// the state the transition requires.
	ErrOwnership = errors.New("task ownership violation")
)

// OwnershipError describes a rejected transition. It matches ErrOwnership
// under errors.Is. The Got fields hold the row as it was when the transition
// was rejected.
type OwnershipError struct {
	TaskID string
	Op     string

	Want     Status
	Node     string
	PID      int
	GotState Status
	GotNode  string
	GotPID   int
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s task %s: listener %q pid %d requires status %s; task is %s owned by %q pid %d",
		e.Op, e.TaskID, e.Node, e.PID, e.Want, e.GotState, e.GotNode, e.GotPID)
}

// Is reports whether target is ErrOwnership.
func (e *OwnershipError) Is(target error) bool { return target == ErrOwnership }
