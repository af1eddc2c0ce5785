// Package advancer decides what runs next after a task reaches a
// terminal state: wait out a parallel fan-in, walk a branch arm,
// dispatch the following element, or finish the execution. All
// advancement for one execution is serialized on the execution row
// lock, so concurrent task completions can never race a fan-in
// decision.
package advancer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/konduit-run/konduit/internal/dispatcher"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	konerrors "github.com/konduit-run/konduit/internal/pkg/errors"
	"github.com/konduit-run/konduit/internal/platform/logger"
	"github.com/konduit-run/konduit/internal/statemachine"
	"github.com/konduit-run/konduit/internal/workflow"
)

// siblingLister is the narrow slice of queue.TaskQueue the advancer
// needs for fan-in counting.
type siblingLister interface {
	SiblingTasks(dbc dbctx.Context, executionID uuid.UUID, parallelGroup uuid.UUID) ([]*domain.Task, error)
}

// Notifier wakes workers after new tasks are created. Accepting the
// narrow interface here (rather than importing the coordination
// package) keeps the advancer usable with the no-op default and the
// Redis-backed implementation alike.
type Notifier interface {
	NotifyTasksAvailable()
}

type noopNotifier struct{}

func (noopNotifier) NotifyTasksAvailable() {}

// Advancer advances the owning execution after a task terminates.
type Advancer interface {
	// Advance evaluates the element the task belonged to and dispatches
	// whatever comes next. The task identified by taskID must already
	// be in a terminal state (COMPLETED or DEAD_LETTER) when this is
	// called.
	Advance(dbc dbctx.Context, taskID uuid.UUID) error
}

type advancer struct {
	db       *gorm.DB
	dispatch dispatcher.Dispatcher
	queue    siblingLister
	registry *workflow.Registry
	notifier Notifier
	log      *logger.Logger
}

// New constructs the default Advancer. notifier may be nil, in which
// case a no-op stand-in is used.
func New(db *gorm.DB, d dispatcher.Dispatcher, q siblingLister, registry *workflow.Registry, notifier Notifier, baseLog *logger.Logger) Advancer {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &advancer{db: db, dispatch: d, queue: q, registry: registry, notifier: notifier, log: baseLog.With("component", "Advancer")}
}

func (a *advancer) Advance(dbc dbctx.Context, taskID uuid.UUID) error {
	run := func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}

		var task domain.Task
		if err := txx.Where("id = ?", taskID).First(&task).Error; err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if !task.Status.IsTerminal() {
			return fmt.Errorf("advancer invoked for non-terminal task %s (status=%s)", taskID, task.Status)
		}

		var exec domain.Execution
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", task.ExecutionID).First(&exec).Error; err != nil {
			return fmt.Errorf("lock execution: %w", err)
		}
		if exec.Status.IsTerminal() {
			return nil
		}

		def, ok := a.registry.Get(exec.WorkflowName, exec.WorkflowVersion)
		if !ok {
			return fmt.Errorf("workflow %s@%s not registered", exec.WorkflowName, exec.WorkflowVersion)
		}
		if task.StepOrder < 0 || task.StepOrder >= len(def.Elements) {
			return fmt.Errorf("task %s has out-of-range step order %d for workflow %s@%s", task.ID, task.StepOrder, exec.WorkflowName, exec.WorkflowVersion)
		}
		element := def.Elements[task.StepOrder]

		switch element.Type {
		case domain.StepSequential:
			if task.Status == domain.TaskDeadLetter {
				return a.failExecution(inner, &exec, fmt.Sprintf("step %q dead-lettered", task.StepName))
			}
			return a.advanceElement(inner, &exec, def, task.StepOrder, decodeJSON(task.Output))

		case domain.StepParallel:
			return a.advanceParallel(inner, &exec, def, &task)

		case domain.StepBranch:
			return a.advanceBranch(inner, &exec, def, element, &task)

		default:
			return fmt.Errorf("unknown element type %q", element.Type)
		}
	}

	if dbc.Tx != nil {
		return run(dbc.Tx)
	}
	return a.db.WithContext(dbc.Ctx).Transaction(run)
}

// advanceParallel waits for every sibling in the group to reach a
// terminal state, fails the execution if any dead-lettered, and
// otherwise gathers successful outputs into a stepName->output map and
// advances past the block.
func (a *advancer) advanceParallel(dbc dbctx.Context, exec *domain.Execution, def domain.WorkflowDefinition, task *domain.Task) error {
	if task.ParallelGroup == nil {
		return fmt.Errorf("parallel task %s missing parallel_group", task.ID)
	}
	siblings, err := a.queue.SiblingTasks(dbc, exec.ID, *task.ParallelGroup)
	if err != nil {
		return fmt.Errorf("list siblings: %w", err)
	}

	var deadLettered []string
	outputs := make(map[string]interface{}, len(siblings))
	for _, s := range siblings {
		if !s.Status.IsTerminal() {
			// A sibling is still in flight; the last one to finish
			// will re-invoke Advance and find the group fully terminal.
			return nil
		}
		if s.Status == domain.TaskDeadLetter {
			deadLettered = append(deadLettered, s.StepName)
			continue
		}
		outputs[s.StepName] = decodeJSON(s.Output)
	}

	if len(deadLettered) > 0 {
		return a.failExecution(dbc, exec, fmt.Sprintf("parallel block dead-lettered steps: %v", deadLettered))
	}
	return a.advanceElement(dbc, exec, def, task.StepOrder, outputs)
}

// advanceBranch walks the chosen arm's local sequence one element at a
// time, dispatching the next arm element on each completion, and only
// calling advanceElement once the arm's last element finishes.
func (a *advancer) advanceBranch(dbc dbctx.Context, exec *domain.Execution, def domain.WorkflowDefinition, branch domain.ElementDefinition, task *domain.Task) error {
	if task.BranchKey == nil {
		return fmt.Errorf("branch task %s missing branch_key", task.ID)
	}
	arm, err := armForKey(branch, *task.BranchKey)
	if err != nil {
		return err
	}

	pos := -1
	for i, el := range arm.Sequence {
		if el.Type == domain.StepSequential && el.Step != nil && el.Step.Name == task.StepName {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("step %q not found in matched arm %q", task.StepName, *task.BranchKey)
	}

	if task.Status == domain.TaskDeadLetter {
		return a.failExecution(dbc, exec, fmt.Sprintf("branch arm %q dead-lettered at step %q", *task.BranchKey, task.StepName))
	}

	if pos+1 < len(arm.Sequence) {
		next := arm.Sequence[pos+1]
		if next.Type != domain.StepSequential || next.Step == nil {
			return fmt.Errorf("arm %q: only sequential steps are supported inside a branch arm", *task.BranchKey)
		}
		branchKey := *task.BranchKey
		if _, err := a.dispatch.DispatchSequential(dbc, exec.ID, *next.Step, task.StepOrder, decodeJSON(task.Output), &branchKey); err != nil {
			return fmt.Errorf("dispatch next arm step: %w", err)
		}
		a.notifier.NotifyTasksAvailable()
		return nil
	}

	return a.advanceElement(dbc, exec, def, task.StepOrder, decodeJSON(task.Output))
}

// advanceElement dispatches the element after elementIndex, passing
// input, or completes the execution if none remain.
func (a *advancer) advanceElement(dbc dbctx.Context, exec *domain.Execution, def domain.WorkflowDefinition, elementIndex int, input interface{}) error {
	nextIndex := elementIndex + 1
	if nextIndex >= len(def.Elements) {
		return a.completeExecution(dbc, exec, input)
	}

	next := def.Elements[nextIndex]
	switch next.Type {
	case domain.StepSequential:
		if next.Step == nil {
			return fmt.Errorf("element %d missing Step", nextIndex)
		}
		if _, err := a.dispatch.DispatchSequential(dbc, exec.ID, *next.Step, nextIndex, input, nil); err != nil {
			return fmt.Errorf("dispatch sequential element %d: %w", nextIndex, err)
		}

	case domain.StepParallel:
		if _, err := a.dispatch.DispatchParallel(dbc, exec.ID, next.ParallelSteps, nextIndex, input); err != nil {
			return fmt.Errorf("dispatch parallel element %d: %w", nextIndex, err)
		}

	case domain.StepBranch:
		_, _, err := a.dispatch.DispatchBranch(dbc, exec.ID, next, nextIndex, input)
		if err == konerrors.ErrNoBranchMatched {
			return a.failExecution(dbc, exec, err.Error())
		}
		if err != nil {
			return fmt.Errorf("dispatch branch element %d: %w", nextIndex, err)
		}

	default:
		return fmt.Errorf("element %d: unknown type %q", nextIndex, next.Type)
	}

	exec.CurrentStep = fmt.Sprintf("%d", nextIndex)
	if err := dbc.Tx.Model(&domain.Execution{}).Where("id = ?", exec.ID).
		Update("current_step", exec.CurrentStep).Error; err != nil {
		return fmt.Errorf("stamp current_step: %w", err)
	}
	a.notifier.NotifyTasksAvailable()
	return nil
}

func (a *advancer) completeExecution(dbc dbctx.Context, exec *domain.Execution, output interface{}) error {
	now := time.Now()
	if err := statemachine.Transition(exec, domain.ExecutionCompleted, now); err != nil {
		return err
	}
	outJSON, err := dispatcher.EncodeJSON(output)
	if err != nil {
		return fmt.Errorf("encode execution output: %w", err)
	}
	exec.Output = outJSON
	return dbc.Tx.Save(exec).Error
}

func (a *advancer) failExecution(dbc dbctx.Context, exec *domain.Execution, reason string) error {
	now := time.Now()
	if err := statemachine.Transition(exec, domain.ExecutionFailed, now); err != nil {
		return err
	}
	exec.Error = reason
	return dbc.Tx.Save(exec).Error
}

func armForKey(branch domain.ElementDefinition, key string) (*domain.BranchArm, error) {
	for i := range branch.Arms {
		arm := &branch.Arms[i]
		if arm.MatchValue != nil && *arm.MatchValue == key {
			return arm, nil
		}
	}
	if key == dispatcher.FallbackKey && branch.FallbackArm != nil {
		return branch.FallbackArm, nil
	}
	return nil, fmt.Errorf("no arm found for branch key %q", key)
}

func decodeJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
