// Package coordination implements the optional push-notification and
// leader-election layer. Both capabilities degrade to no-op
// implementations when Redis is unreachable or unconfigured: polling
// remains the correctness baseline for notification, and the only
// leader-gated jobs are idempotent, so "everyone is leader" is safe.
package coordination

import "context"

// TaskNotifier is the fire-and-forget wake channel. Dispatch paths
// call NotifyTasksAvailable after creating tasks; worker pools call
// StartForwarder to be woken when a notification arrives. Failures are
// logged, never returned to dispatchers.
type TaskNotifier interface {
	NotifyTasksAvailable()
	// StartForwarder subscribes and invokes onWake (from a background
	// goroutine) for every received notification until ctx is done.
	StartForwarder(ctx context.Context, onWake func()) error
	Close() error
}

// LeaderElection is a best-effort distributed lock: a convenience for
// de-duplicating background scans, not a safety property.
type LeaderElection interface {
	IsLeader() bool
	LeaderID() string
	// Start runs the acquire/renew loop until ctx is done, then
	// relinquishes the lock if held.
	Start(ctx context.Context)
}

type noopNotifier struct{}

func (noopNotifier) NotifyTasksAvailable()                        {}
func (noopNotifier) StartForwarder(context.Context, func()) error { return nil }
func (noopNotifier) Close() error                                 { return nil }

// NoopNotifier returns the do-nothing notifier used when Redis is not
// configured. Workers fall back to pure polling.
func NoopNotifier() TaskNotifier { return noopNotifier{} }

type noopLeader struct{ id string }

func (l noopLeader) IsLeader() bool        { return true }
func (l noopLeader) LeaderID() string      { return l.id }
func (l noopLeader) Start(context.Context) {}

// NoopLeader returns the everyone-is-leader fallback. Safe because
// every leader-gated job in this engine is idempotent.
func NoopLeader(localID string) LeaderElection { return noopLeader{id: localID} }
