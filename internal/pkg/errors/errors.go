package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStateTransition indicates an illegal status transition was attempted.
	// Surfacing this means a caller violated an invariant; it is logged and
	// raised, not retried.
	ErrStateTransition = errors.New("illegal state transition")
	// ErrNoBranchMatched indicates a branch element had no arm matching the
	// selector and no fallback arm. Terminal execution failure, not retryable.
	ErrNoBranchMatched = errors.New("no branch arm matched and no fallback defined")
	// ErrWorkflowNotFound is returned by the trigger API when the requested
	// (name, version) is not registered.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrTaskNotTerminalOwner indicates a complete/fail call lost the race:
	// the task was not in a lockable state owned by the caller. Callers
	// treat this as a no-op, not a failure.
	ErrTaskNotTerminalOwner = errors.New("task not in an owned, lockable state")
	// ErrAlreadyExists indicates the requested operation was already applied:
	// queue.Reprocess returns it for a dead letter that was already
	// reprocessed. The trigger API does not return it; a concurrent insert
	// with the same idempotency key surfaces as the store's error.
	ErrAlreadyExists = errors.New("resource already exists")
)
