package engine

import (
	"fmt"

	"crewline/internal/domain"
)

// InvalidTransitionError reports an edge that is not part of the lifecycle.
// The request is malformed regardless of the task's current state, so no
// retry can make it succeed.
type InvalidTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// StaleStateError reports a compare-and-swap failure: the caller declared a
// from-status the task no longer holds. The caller should re-read the task
// before deciding anything.
type StaleStateError struct {
	TaskID   string
	Expected domain.Status
	Actual   domain.Status
}

func (e StaleStateError) Error() string {
	return fmt.Sprintf("task %s is %s, not %s", e.TaskID, e.Actual, e.Expected)
}

// NotOwnerError reports an operation attempted by an agent that does not
// hold the task's ownership lock.
type NotOwnerError struct {
	TaskID  string
	AgentID string
	OwnerID string
}

func (e NotOwnerError) Error() string {
	if e.OwnerID == "" {
		return fmt.Sprintf("task %s is not assigned to agent %s", e.TaskID, e.AgentID)
	}
	return fmt.Sprintf("task %s is assigned to %s, not %s", e.TaskID, e.OwnerID, e.AgentID)
}

// AlreadyOwnedError reports a claim on a task whose current owner is still
// live. The claimant lost the race and should pick different work.
type AlreadyOwnedError struct {
	TaskID  string
	OwnerID string
}

func (e AlreadyOwnedError) Error() string {
	return fmt.Sprintf("task %s is already owned by %s", e.TaskID, e.OwnerID)
}

// NotClaimableError reports a claim by an agent whose role the task's
// current stage does not route to.
type NotClaimableError struct {
	TaskID string
	Status domain.Status
	Role   string
}

func (e NotClaimableError) Error() string {
	return fmt.Sprintf("task %s in %s is not claimable by role %s", e.TaskID, e.Status, e.Role)
}
