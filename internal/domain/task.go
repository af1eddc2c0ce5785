package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskStatus is the lifecycle state of one task row.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskLocked     TaskStatus = "LOCKED"
	TaskRunning    TaskStatus = "RUNNING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskDeadLetter TaskStatus = "DEAD_LETTER"
)

// IsTerminal reports whether the status is absorbing. A failed attempt
// returns the task to PENDING with a scheduled retry (see queue.Fail),
// so in practice a task only terminates as COMPLETED or DEAD_LETTER;
// TaskFailed stays in the enum for a future non-retryable failure
// path.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskDeadLetter:
		return true
	default:
		return false
	}
}

// Task is one attempt-bearing unit of work inside an execution. The
// backoff fields are snapshotted from the step's policy at dispatch
// time so later policy edits never affect in-flight tasks; Version is
// a monotonic counter for optimistic concurrency on updates.
type Task struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ExecutionID uuid.UUID  `gorm:"type:uuid;column:execution_id;not null;index" json:"execution_id"`
	StepName    string     `gorm:"column:step_name;not null" json:"step_name"`
	StepType    StepType   `gorm:"column:step_type;not null" json:"step_type"`
	StepOrder   int        `gorm:"column:step_order;not null" json:"step_order"`
	Status      TaskStatus `gorm:"column:status;not null;index" json:"status"`

	Input  datatypes.JSON `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	Output datatypes.JSON `gorm:"column:output;type:jsonb" json:"output,omitempty"`
	Error  string         `gorm:"column:error" json:"error,omitempty"`

	// ErrorHistory accumulates one entry per failed attempt; copied onto
	// the DeadLetter row verbatim when the task exhausts its retry
	// budget.
	ErrorHistory datatypes.JSONType[[]ErrorEntry] `gorm:"column:error_history;type:jsonb" json:"error_history,omitempty"`

	Attempt     int `gorm:"column:attempt;not null;default:1" json:"attempt"`
	MaxAttempts int `gorm:"column:max_attempts;not null" json:"max_attempts"`

	NextRetryAt *time.Time `gorm:"column:next_retry_at;index" json:"next_retry_at,omitempty"`

	LockHolder    *string    `gorm:"column:lock_holder" json:"lock_holder,omitempty"`
	LockedAt      *time.Time `gorm:"column:locked_at" json:"locked_at,omitempty"`
	LockTimeoutAt *time.Time `gorm:"column:lock_timeout_at;index" json:"lock_timeout_at,omitempty"`

	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	DeadlineAt *time.Time `gorm:"column:deadline_at" json:"deadline_at,omitempty"`

	ParallelGroup *uuid.UUID `gorm:"type:uuid;column:parallel_group;index" json:"parallel_group,omitempty"`
	BranchKey     *string    `gorm:"column:branch_key" json:"branch_key,omitempty"`

	BackoffStrategy BackoffStrategy `gorm:"column:backoff_strategy;not null" json:"backoff_strategy"`
	BackoffBaseMs   int64           `gorm:"column:backoff_base_ms;not null" json:"backoff_base_ms"`
	BackoffMaxMs    int64           `gorm:"column:backoff_max_ms;not null" json:"backoff_max_ms"`
	BackoffJitter   bool            `gorm:"column:backoff_jitter;not null" json:"backoff_jitter"`

	Version int `gorm:"column:version;not null;default:0" json:"version"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Task) TableName() string { return "tasks" }
