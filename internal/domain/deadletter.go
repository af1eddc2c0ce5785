package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrorEntry is one attempt's recorded failure.
type ErrorEntry struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetter is the terminal record for a task that exhausted its
// retry budget, carrying the full ordered error history for
// post-mortem. TaskID is unique: one dead letter per task, ever.
type DeadLetter struct {
	ID            uuid.UUID                        `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID        uuid.UUID                        `gorm:"type:uuid;column:task_id;not null;uniqueIndex" json:"task_id"`
	ExecutionID   uuid.UUID                        `gorm:"type:uuid;column:execution_id;not null;index" json:"execution_id"`
	WorkflowName  string                           `gorm:"column:workflow_name;not null" json:"workflow_name"`
	StepName      string                           `gorm:"column:step_name;not null" json:"step_name"`
	Input         datatypes.JSON                   `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	ErrorHistory  datatypes.JSONType[[]ErrorEntry] `gorm:"column:error_history;type:jsonb" json:"error_history"`
	LastError     string                           `gorm:"column:last_error" json:"last_error"`
	TotalAttempts int                              `gorm:"column:total_attempts;not null" json:"total_attempts"`
	Reprocessed   bool                             `gorm:"column:reprocessed;not null;default:false" json:"reprocessed"`
	ReprocessedAt *time.Time                       `gorm:"column:reprocessed_at" json:"reprocessed_at,omitempty"`
	CreatedAt     time.Time                        `gorm:"not null;default:now();index" json:"created_at"`
	DeletedAt     gorm.DeletedAt                   `gorm:"index" json:"deleted_at,omitempty"`
}

func (DeadLetter) TableName() string { return "dead_letters" }
