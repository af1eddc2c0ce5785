package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
)

// Execution is one instance of a running workflow. CurrentStep is an
// advisory cursor (the element index last dispatched); Output is set
// only on COMPLETED, Error only on a failed terminal state.
type Execution struct {
	ID              uuid.UUID       `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	WorkflowName    string          `gorm:"column:workflow_name;not null;index" json:"workflow_name"`
	WorkflowVersion string          `gorm:"column:workflow_version;not null;index" json:"workflow_version"`
	Status          ExecutionStatus `gorm:"column:status;not null;index" json:"status"`
	Input           datatypes.JSON  `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	Output          datatypes.JSON  `gorm:"column:output;type:jsonb" json:"output,omitempty"`
	CurrentStep     string          `gorm:"column:current_step" json:"current_step,omitempty"`
	IdempotencyKey  *string         `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key,omitempty"`
	Deadline        *time.Time      `gorm:"column:deadline;index" json:"deadline,omitempty"`
	Error           string          `gorm:"column:error" json:"error,omitempty"`
	StartedAt       *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt       gorm.DeletedAt  `gorm:"index" json:"deleted_at,omitempty"`
}

func (Execution) TableName() string { return "executions" }

// IsTerminal reports whether the status is one of the four absorbing
// terminal states.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}
