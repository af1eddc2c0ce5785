// Package statemachine enforces the legal execution status
// transitions and stamps the timestamps that go with them. Keeping the
// table in one place means every mutation path (advancer, trigger,
// timeout checker) shares the same guard instead of scattering
// status checks across call sites.
package statemachine

import (
	"time"

	"github.com/konduit-run/konduit/internal/domain"
	konerrors "github.com/konduit-run/konduit/internal/pkg/errors"
)

// transitions enumerates every legal from -> to edge.
var transitions = map[domain.ExecutionStatus]map[domain.ExecutionStatus]bool{
	domain.ExecutionPending: {
		domain.ExecutionRunning:   true,
		domain.ExecutionCancelled: true,
	},
	domain.ExecutionRunning: {
		domain.ExecutionCompleted: true,
		domain.ExecutionFailed:    true,
		domain.ExecutionCancelled: true,
		domain.ExecutionTimedOut:  true,
	},
}

// CanTransition reports whether from -> to is a legal edge. Terminal
// states have no outgoing edges at all.
func CanTransition(from, to domain.ExecutionStatus) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Transition mutates exec.Status to to, stamping StartedAt on entry to
// RUNNING and CompletedAt on entry to any terminal state, or returns
// ErrStateTransition if the edge is illegal. The caller is expected to
// hold the execution row lock.
func Transition(exec *domain.Execution, to domain.ExecutionStatus, now time.Time) error {
	if exec == nil {
		return konerrors.ErrStateTransition
	}
	if !CanTransition(exec.Status, to) {
		return konerrors.ErrStateTransition
	}
	exec.Status = to
	switch to {
	case domain.ExecutionRunning:
		exec.StartedAt = &now
	case domain.ExecutionCompleted, domain.ExecutionFailed, domain.ExecutionCancelled, domain.ExecutionTimedOut:
		exec.CompletedAt = &now
	}
	exec.UpdatedAt = now
	return nil
}
