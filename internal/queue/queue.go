// Package queue implements the durable task queue: claim, complete,
// fail, reclaim, reprocess, and the sibling listing the advancer needs
// for fan-in. Acquisition relies on Postgres row locks with SKIP
// LOCKED so concurrent workers never block on or double-claim the same
// row; every state change is a guarded conditional update so lost
// races surface as zero-row updates instead of corrupted state.
package queue

import (
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	konerrors "github.com/konduit-run/konduit/internal/pkg/errors"
	"github.com/konduit-run/konduit/internal/platform/logger"
	"github.com/konduit-run/konduit/internal/retry"
)

// TaskQueue is the queue contract shared by workers, the advancer,
// and the background reclaimer.
type TaskQueue interface {
	Acquire(dbc dbctx.Context, workerID string, batchSize int, lockTimeout time.Duration) ([]*domain.Task, error)
	MarkRunning(dbc dbctx.Context, taskID uuid.UUID) error
	Complete(dbc dbctx.Context, taskID uuid.UUID, output datatypes.JSON) error
	Fail(dbc dbctx.Context, taskID uuid.UUID, errMsg string, rnd *rand.Rand) (domain.TaskStatus, error)
	ReclaimOrphans(dbc dbctx.Context, now time.Time) (int64, error)
	Reprocess(dbc dbctx.Context, deadLetterID uuid.UUID) (uuid.UUID, error)
	SiblingTasks(dbc dbctx.Context, executionID uuid.UUID, parallelGroup uuid.UUID) ([]*domain.Task, error)
}

type taskQueue struct {
	db  *gorm.DB
	log *logger.Logger
}

// New constructs the default GORM-backed TaskQueue.
func New(db *gorm.DB, baseLog *logger.Logger) TaskQueue {
	return &taskQueue{db: db, log: baseLog.With("component", "TaskQueue")}
}

func (q *taskQueue) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return q.db
}

// Acquire selects up to batchSize eligible rows, skipping any already
// locked by another transaction, then marks each LOCKED in the same
// transaction before returning them to the caller.
func (q *taskQueue) Acquire(dbc dbctx.Context, workerID string, batchSize int, lockTimeout time.Duration) ([]*domain.Task, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	tx := q.tx(dbc)
	now := time.Now()
	var claimed []*domain.Task

	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var rows []*domain.Task
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", domain.TaskPending, now).
			Order("created_at ASC").
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		timeoutAt := now.Add(lockTimeout)
		if err := txx.Model(&domain.Task{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":          domain.TaskLocked,
				"lock_holder":     workerID,
				"locked_at":       now,
				"lock_timeout_at": timeoutAt,
				"version":         gorm.Expr("version + 1"),
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}

		for _, r := range rows {
			r.Status = domain.TaskLocked
			r.LockHolder = &workerID
			r.LockedAt = &now
			r.LockTimeoutAt = &timeoutAt
			r.Version++
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkRunning transitions a claimed task LOCKED -> RUNNING and stamps
// started_at, immediately before the worker invokes the handler. A
// zero-row update means the task was reclaimed or resolved by another
// path in the meantime; the worker must not run it.
func (q *taskQueue) MarkRunning(dbc dbctx.Context, taskID uuid.UUID) error {
	tx := q.tx(dbc)
	now := time.Now()
	res := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", taskID, domain.TaskLocked).
		Updates(map[string]interface{}{
			"status":     domain.TaskRunning,
			"started_at": now,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return konerrors.ErrTaskNotTerminalOwner
	}
	return nil
}

// Complete asserts the task is LOCKED or RUNNING (owned by a worker)
// and transitions it to COMPLETED; a zero-row update means another
// path already resolved it and the caller treats the lost race as a
// no-op.
func (q *taskQueue) Complete(dbc dbctx.Context, taskID uuid.UUID, output datatypes.JSON) error {
	tx := q.tx(dbc)
	now := time.Now()
	res := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("id = ? AND status IN ?", taskID, []domain.TaskStatus{domain.TaskLocked, domain.TaskRunning}).
		Updates(map[string]interface{}{
			"status":          domain.TaskCompleted,
			"completed_at":    now,
			"output":          output,
			"lock_holder":     nil,
			"locked_at":       nil,
			"lock_timeout_at": nil,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return konerrors.ErrTaskNotTerminalOwner
	}
	return nil
}

// Fail records one failed attempt: re-read under lock, append the
// failed attempt to history, and either reschedule the task as PENDING
// at the next attempt number with a computed backoff or, once attempt
// has reached MaxAttempts, dead-letter it, inserting the dead-letter
// row in the same transaction. The task row's own
// BackoffStrategy/BackoffBaseMs/BackoffMaxMs/BackoffJitter are
// authoritative for the delay calculation, so policy edits on the
// workflow definition never retroactively change in-flight tasks.
func (q *taskQueue) Fail(dbc dbctx.Context, taskID uuid.UUID, errMsg string, rnd *rand.Rand) (domain.TaskStatus, error) {
	tx := q.tx(dbc)
	now := time.Now()
	var final domain.TaskStatus

	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task domain.Task
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", taskID).
			First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return konerrors.ErrTaskNotTerminalOwner
			}
			return err
		}
		if task.Status.IsTerminal() {
			return konerrors.ErrTaskNotTerminalOwner
		}

		history := task.ErrorHistory.Data()
		history = append(history, domain.ErrorEntry{Attempt: task.Attempt, Error: errMsg, Timestamp: now})
		task.ErrorHistory = datatypes.NewJSONType(history)
		task.Error = errMsg

		if task.Attempt < task.MaxAttempts {
			policy := domain.RetryPolicy{
				MaxAttempts: task.MaxAttempts,
				Strategy:    task.BackoffStrategy,
				BaseMs:      task.BackoffBaseMs,
				MaxMs:       task.BackoffMaxMs,
				Jitter:      task.BackoffJitter,
			}
			delayMs := retry.Compute(policy, task.Attempt, rnd)
			nextRetryAt := now.Add(time.Duration(delayMs) * time.Millisecond)
			final = domain.TaskPending
			return txx.Model(&domain.Task{}).
				Where("id = ?", taskID).
				Updates(map[string]interface{}{
					"status":          domain.TaskPending,
					"attempt":         task.Attempt + 1,
					"error":           errMsg,
					"error_history":   task.ErrorHistory,
					"next_retry_at":   nextRetryAt,
					"lock_holder":     nil,
					"locked_at":       nil,
					"lock_timeout_at": nil,
					"version":         gorm.Expr("version + 1"),
					"updated_at":      now,
				}).Error
		}

		final = domain.TaskDeadLetter
		if err := txx.Model(&domain.Task{}).
			Where("id = ?", taskID).
			Updates(map[string]interface{}{
				"status":        domain.TaskDeadLetter,
				"attempt":       task.Attempt,
				"error":         errMsg,
				"error_history": task.ErrorHistory,
				"completed_at":  now,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		var exec domain.Execution
		workflowName := ""
		if err := txx.Select("workflow_name").Where("id = ?", task.ExecutionID).First(&exec).Error; err == nil {
			workflowName = exec.WorkflowName
		}

		dl := &domain.DeadLetter{
			TaskID:        task.ID,
			ExecutionID:   task.ExecutionID,
			WorkflowName:  workflowName,
			StepName:      task.StepName,
			Input:         task.Input,
			ErrorHistory:  task.ErrorHistory,
			LastError:     errMsg,
			TotalAttempts: task.Attempt,
		}
		return txx.Create(dl).Error
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// ReclaimOrphans returns every task still LOCKED past its lock-timeout
// to PENDING with its attempt counter untouched. The "WHERE
// status=LOCKED" guard makes the update idempotent and safe to run
// concurrently from multiple reclaimer instances.
func (q *taskQueue) ReclaimOrphans(dbc dbctx.Context, now time.Time) (int64, error) {
	tx := q.tx(dbc)
	res := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("status = ? AND lock_timeout_at <= ?", domain.TaskLocked, now).
		Updates(map[string]interface{}{
			"status":          domain.TaskPending,
			"lock_holder":     nil,
			"locked_at":       nil,
			"lock_timeout_at": nil,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Reprocess re-enqueues a fresh PENDING task for a dead-lettered step
// (attempt reset to 1) and marks the dead letter reprocessed. A dead
// letter can be reprocessed at most once.
func (q *taskQueue) Reprocess(dbc dbctx.Context, deadLetterID uuid.UUID) (uuid.UUID, error) {
	tx := q.tx(dbc)
	now := time.Now()
	var newTaskID uuid.UUID

	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var dl domain.DeadLetter
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", deadLetterID).First(&dl).Error; err != nil {
			return err
		}
		if dl.Reprocessed {
			return konerrors.ErrAlreadyExists
		}

		var original domain.Task
		if err := txx.Where("id = ?", dl.TaskID).First(&original).Error; err != nil {
			return err
		}

		fresh := &domain.Task{
			ExecutionID:     original.ExecutionID,
			StepName:        original.StepName,
			StepType:        original.StepType,
			StepOrder:       original.StepOrder,
			Status:          domain.TaskPending,
			Input:           dl.Input,
			Attempt:         1,
			MaxAttempts:     original.MaxAttempts,
			ParallelGroup:   original.ParallelGroup,
			BranchKey:       original.BranchKey,
			BackoffStrategy: original.BackoffStrategy,
			BackoffBaseMs:   original.BackoffBaseMs,
			BackoffMaxMs:    original.BackoffMaxMs,
			BackoffJitter:   original.BackoffJitter,
		}
		if err := txx.Create(fresh).Error; err != nil {
			return err
		}
		newTaskID = fresh.ID

		return txx.Model(&domain.DeadLetter{}).
			Where("id = ?", deadLetterID).
			Updates(map[string]interface{}{
				"reprocessed":    true,
				"reprocessed_at": now,
			}).Error
	})
	if err != nil {
		return uuid.Nil, err
	}
	return newTaskID, nil
}

// SiblingTasks returns every task sharing (executionID, parallelGroup),
// used by the advancer to decide whether a parallel block has fully
// terminated and to gather successful siblings' outputs.
func (q *taskQueue) SiblingTasks(dbc dbctx.Context, executionID uuid.UUID, parallelGroup uuid.UUID) ([]*domain.Task, error) {
	tx := q.tx(dbc)
	var rows []*domain.Task
	err := tx.WithContext(dbc.Ctx).
		Where("execution_id = ? AND parallel_group = ?", executionID, parallelGroup).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
