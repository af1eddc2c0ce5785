package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the lifecycle state of one worker process.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "STARTING"
	WorkerActive   WorkerStatus = "ACTIVE"
	WorkerDraining WorkerStatus = "DRAINING"
	WorkerStopped  WorkerStatus = "STOPPED"
	WorkerStale    WorkerStatus = "STALE"
)

// WorkerRecord persists one worker process's lifecycle and heartbeat.
// Heartbeats are informational only; the lock timeout on tasks is what
// drives safety.
type WorkerRecord struct {
	ID              string       `gorm:"column:id;primaryKey" json:"id"`
	Status          WorkerStatus `gorm:"column:status;not null;index" json:"status"`
	Hostname        string       `gorm:"column:hostname" json:"hostname"`
	Concurrency     int          `gorm:"column:concurrency;not null" json:"concurrency"`
	ActiveTaskCount int          `gorm:"column:active_task_count;not null;default:0" json:"active_task_count"`
	LastHeartbeat   *time.Time   `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	StartedAt       time.Time    `gorm:"column:started_at;not null" json:"started_at"`
	StoppedAt       *time.Time   `gorm:"column:stopped_at" json:"stopped_at,omitempty"`
}

func (WorkerRecord) TableName() string { return "workers" }

// NewWorkerID produces a stable-per-process id.
func NewWorkerID() string { return uuid.NewString() }
