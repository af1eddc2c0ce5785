// Package trigger is the command facade the embedding layer calls to
// start, cancel, inspect, and reprocess executions.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/konduit-run/konduit/internal/dispatcher"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	konerrors "github.com/konduit-run/konduit/internal/pkg/errors"
	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/logger"
	"github.com/konduit-run/konduit/internal/statemachine"
	"github.com/konduit-run/konduit/internal/workflow"
)

// Notifier wakes workers after new tasks are created, narrowed to
// what this package calls.
type Notifier interface {
	NotifyTasksAvailable()
}

// Reprocessor is the slice of queue.TaskQueue backing the dead-letter
// reprocessing entry point.
type Reprocessor interface {
	Reprocess(dbc dbctx.Context, deadLetterID uuid.UUID) (uuid.UUID, error)
}

// Service is the trigger API entry point.
type Service struct {
	db       *gorm.DB
	registry *workflow.Registry
	dispatch dispatcher.Dispatcher
	queue    Reprocessor
	notifier Notifier
	cfg      config.Config
	log      *logger.Logger
}

// New constructs the trigger service. queue and notifier may be nil
// (Reprocess then reports unsupported / notification degrades to
// polling).
func New(db *gorm.DB, registry *workflow.Registry, d dispatcher.Dispatcher, q Reprocessor, notifier Notifier, cfg config.Config, baseLog *logger.Logger) *Service {
	return &Service{
		db:       db,
		registry: registry,
		dispatch: d,
		queue:    q,
		notifier: notifier,
		cfg:      cfg,
		log:      baseLog.With("component", "Trigger"),
	}
}

// Trigger starts one execution of the named workflow's latest version:
// create the execution row, move it to RUNNING, and materialize the
// first element's tasks, all in one transaction. When idempotencyKey
// matches an existing execution, that execution is returned and
// nothing new is created.
func (s *Service) Trigger(dbc dbctx.Context, workflowName string, input interface{}, idempotencyKey *string) (*domain.Execution, error) {
	def, ok := s.registry.Latest(workflowName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", konerrors.ErrWorkflowNotFound, workflowName)
	}

	inputJSON, err := dispatcher.EncodeJSON(input)
	if err != nil {
		return nil, fmt.Errorf("encode execution input: %w", err)
	}

	var exec *domain.Execution
	run := func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		now := time.Now()

		if idempotencyKey != nil && *idempotencyKey != "" {
			var existing domain.Execution
			err := txx.Where("idempotency_key = ?", *idempotencyKey).First(&existing).Error
			if err == nil {
				exec = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		deadline := now.Add(s.cfg.ExecutionDefaultTimeout)
		exec = &domain.Execution{
			WorkflowName:    def.Name,
			WorkflowVersion: def.Version,
			Status:          domain.ExecutionPending,
			Input:           inputJSON,
			IdempotencyKey:  idempotencyKey,
			Deadline:        &deadline,
		}
		if err := txx.Create(exec).Error; err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		if err := statemachine.Transition(exec, domain.ExecutionRunning, now); err != nil {
			return err
		}

		decoded := decodeJSON(inputJSON)
		first := def.Elements[0]
		switch first.Type {
		case domain.StepSequential:
			if _, err := s.dispatch.DispatchSequential(inner, exec.ID, *first.Step, 0, decoded, nil); err != nil {
				return fmt.Errorf("dispatch first element: %w", err)
			}
		case domain.StepParallel:
			if _, err := s.dispatch.DispatchParallel(inner, exec.ID, first.ParallelSteps, 0, decoded); err != nil {
				return fmt.Errorf("dispatch first element: %w", err)
			}
		case domain.StepBranch:
			_, _, err := s.dispatch.DispatchBranch(inner, exec.ID, first, 0, decoded)
			if errors.Is(err, konerrors.ErrNoBranchMatched) {
				if terr := statemachine.Transition(exec, domain.ExecutionFailed, now); terr != nil {
					return terr
				}
				exec.Error = err.Error()
				return txx.Save(exec).Error
			}
			if err != nil {
				return fmt.Errorf("dispatch first element: %w", err)
			}
		default:
			return fmt.Errorf("first element: unknown type %q", first.Type)
		}

		exec.CurrentStep = "0"
		return txx.Save(exec).Error
	}

	if dbc.Tx != nil {
		err = run(dbc.Tx)
	} else {
		err = s.db.WithContext(dbc.Ctx).Transaction(run)
	}
	if err != nil {
		return nil, err
	}

	if s.notifier != nil && !exec.Status.IsTerminal() {
		s.notifier.NotifyTasksAvailable()
	}
	return exec, nil
}

// Cancel transitions an execution to CANCELLED. In-flight tasks run to
// completion and report normally; advancement stops when the advancer
// sees the terminal status. Cancelling an already-terminal execution
// returns ErrStateTransition.
func (s *Service) Cancel(dbc dbctx.Context, executionID uuid.UUID) error {
	run := func(txx *gorm.DB) error {
		var exec domain.Execution
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", executionID).First(&exec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return konerrors.ErrNotFound
			}
			return err
		}
		if err := statemachine.Transition(&exec, domain.ExecutionCancelled, time.Now()); err != nil {
			return err
		}
		exec.Error = "cancelled by operator"
		return txx.Save(&exec).Error
	}
	if dbc.Tx != nil {
		return run(dbc.Tx)
	}
	return s.db.WithContext(dbc.Ctx).Transaction(run)
}

// Reprocess re-enqueues a dead-lettered task as a fresh attempt and
// wakes the workers.
func (s *Service) Reprocess(dbc dbctx.Context, deadLetterID uuid.UUID) (uuid.UUID, error) {
	if s.queue == nil {
		return uuid.Nil, fmt.Errorf("reprocessing not wired")
	}
	taskID, err := s.queue.Reprocess(dbc, deadLetterID)
	if err != nil {
		return uuid.Nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyTasksAvailable()
	}
	return taskID, nil
}

// Get returns the execution by id.
func (s *Service) Get(dbc dbctx.Context, executionID uuid.UUID) (*domain.Execution, error) {
	tx := s.db
	if dbc.Tx != nil {
		tx = dbc.Tx
	}
	var exec domain.Execution
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", executionID).First(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, konerrors.ErrNotFound
		}
		return nil, err
	}
	return &exec, nil
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
