// Package dispatcher materializes one workflow element into persisted
// task rows: one row for a sequential step, one row per child for a
// parallel block, and — for a branch — only the chosen arm's first
// step, so unmatched arms never hit the database.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	"github.com/konduit-run/konduit/internal/platform/logger"
)

// Dispatcher creates the task rows for the element the advancer (or
// trigger) decided should run next.
type Dispatcher interface {
	// DispatchSequential materializes a single sequential step task.
	DispatchSequential(dbc dbctx.Context, execID uuid.UUID, step domain.StepDefinition, stepOrder int, input interface{}, branchKey *string) (*domain.Task, error)
	// DispatchParallel materializes one task per child step, all
	// sharing a fresh parallel-group id.
	DispatchParallel(dbc dbctx.Context, execID uuid.UUID, steps []domain.StepDefinition, stepOrder int, input interface{}) ([]*domain.Task, error)
	// DispatchBranch selects an arm via SelectArm and materializes only
	// that arm's first element. Returns the matched key (for BranchKey
	// tagging) and the created task, or (key, nil, ErrNoBranchMatched)
	// if selection failed.
	DispatchBranch(dbc dbctx.Context, execID uuid.UUID, branch domain.ElementDefinition, stepOrder int, previousOutput interface{}) (string, *domain.Task, error)
}

type dispatcher struct {
	db  *gorm.DB
	log *logger.Logger
}

// New constructs the default GORM-backed Dispatcher.
func New(db *gorm.DB, baseLog *logger.Logger) Dispatcher {
	return &dispatcher{db: db, log: baseLog.With("component", "Dispatcher")}
}

func (d *dispatcher) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return d.db
}

func (d *dispatcher) DispatchSequential(dbc dbctx.Context, execID uuid.UUID, step domain.StepDefinition, stepOrder int, input interface{}, branchKey *string) (*domain.Task, error) {
	policy := step.RetryPolicy
	if policy == nil {
		def := domain.DefaultRetryPolicy()
		policy = &def
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}

	inputJSON, err := encodeJSON(input)
	if err != nil {
		return nil, fmt.Errorf("encode input for step %q: %w", step.Name, err)
	}

	task := &domain.Task{
		ExecutionID:     execID,
		StepName:        step.Name,
		StepType:        domain.StepSequential,
		StepOrder:       stepOrder,
		Status:          domain.TaskPending,
		Input:           inputJSON,
		Attempt:         1,
		MaxAttempts:     policy.MaxAttempts,
		BranchKey:       branchKey,
		BackoffStrategy: policy.Strategy,
		BackoffBaseMs:   policy.BaseMs,
		BackoffMaxMs:    policy.MaxMs,
		BackoffJitter:   policy.Jitter,
	}
	if step.TimeoutMs > 0 {
		deadline := time.Now().Add(time.Duration(step.TimeoutMs) * time.Millisecond)
		task.DeadlineAt = &deadline
	}
	tx := d.tx(dbc)
	if err := tx.WithContext(dbc.Ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("create task for step %q: %w", step.Name, err)
	}
	return task, nil
}

func (d *dispatcher) DispatchParallel(dbc dbctx.Context, execID uuid.UUID, steps []domain.StepDefinition, stepOrder int, input interface{}) ([]*domain.Task, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("parallel block has no child steps")
	}
	groupID := uuid.New()
	inputJSON, err := encodeJSON(input)
	if err != nil {
		return nil, fmt.Errorf("encode input for parallel block: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(steps))
	for _, step := range steps {
		policy := step.RetryPolicy
		if policy == nil {
			def := domain.DefaultRetryPolicy()
			policy = &def
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("parallel step %q: %w", step.Name, err)
		}
		task := &domain.Task{
			ExecutionID:     execID,
			StepName:        step.Name,
			StepType:        domain.StepParallel,
			StepOrder:       stepOrder,
			Status:          domain.TaskPending,
			Input:           inputJSON,
			Attempt:         1,
			MaxAttempts:     policy.MaxAttempts,
			ParallelGroup:   &groupID,
			BackoffStrategy: policy.Strategy,
			BackoffBaseMs:   policy.BaseMs,
			BackoffMaxMs:    policy.MaxMs,
			BackoffJitter:   policy.Jitter,
		}
		if step.TimeoutMs > 0 {
			deadline := time.Now().Add(time.Duration(step.TimeoutMs) * time.Millisecond)
			task.DeadlineAt = &deadline
		}
		tasks = append(tasks, task)
	}

	tx := d.tx(dbc)
	if err := tx.WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, fmt.Errorf("create parallel tasks: %w", err)
	}
	return tasks, nil
}

func (d *dispatcher) DispatchBranch(dbc dbctx.Context, execID uuid.UUID, branch domain.ElementDefinition, stepOrder int, previousOutput interface{}) (string, *domain.Task, error) {
	arm, key, err := SelectArm(branch, previousOutput)
	if err != nil {
		return key, nil, err
	}
	if len(arm.Sequence) == 0 {
		return key, nil, fmt.Errorf("matched arm %q has an empty sequence", key)
	}
	first := arm.Sequence[0]
	if first.Type != domain.StepSequential || first.Step == nil {
		return key, nil, fmt.Errorf("matched arm %q: only sequential steps are supported inside a branch arm", key)
	}
	branchKey := key
	task, err := d.DispatchSequential(dbc, execID, *first.Step, stepOrder, previousOutput, &branchKey)
	if err != nil {
		return key, nil, err
	}
	return key, task, nil
}

// EncodeJSON marshals an arbitrary value to a JSONB-ready column,
// treating nil as an empty (not-set) value. Exported so the advancer
// can encode the same way when it assembles a dispatch input (e.g. a
// parallelOutputs map) from a prior task's decoded output.
func EncodeJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func encodeJSON(v interface{}) (datatypes.JSON, error) { return EncodeJSON(v) }
