package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/konduit-run/konduit/internal/coordination"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/retention"
	"github.com/konduit-run/konduit/internal/testutil"
)

func TestPurgeRemovesOnlyAgedTerminalExecutions(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	log := testutil.Logger(t)
	cfg := config.Load(nil)

	svc := retention.New(tx, coordination.NoopLeader("test"), cfg, log)

	now := time.Now()
	old := now.Add(-cfg.RetentionTTL - time.Hour)
	recent := now.Add(-time.Minute)

	aged := &domain.Execution{ID: uuid.New(), WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionCompleted, CompletedAt: &old}
	fresh := &domain.Execution{ID: uuid.New(), WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionFailed, CompletedAt: &recent}
	running := &domain.Execution{ID: uuid.New(), WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionRunning}
	for _, e := range []*domain.Execution{aged, fresh, running} {
		if err := tx.Create(e).Error; err != nil {
			t.Fatalf("seed execution: %v", err)
		}
	}

	agedTask := &domain.Task{
		ExecutionID: aged.ID, StepName: "s", StepType: domain.StepSequential, StepOrder: 0,
		Status: domain.TaskDeadLetter, Attempt: 2, MaxAttempts: 2,
		BackoffStrategy: domain.BackoffFixed, BackoffBaseMs: 10, BackoffMaxMs: 100,
	}
	if err := tx.Create(agedTask).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := tx.Create(&domain.DeadLetter{
		TaskID: agedTask.ID, ExecutionID: aged.ID, WorkflowName: "wf", StepName: "s",
		LastError: "boom", TotalAttempts: 2,
	}).Error; err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	n, err := svc.Purge(dbctx.Context{Ctx: ctx, Tx: tx}, now)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged execution, got %d", n)
	}

	var count int64
	if err := tx.Unscoped().Model(&domain.Execution{}).Where("id = ?", aged.ID).Count(&count).Error; err != nil || count != 0 {
		t.Fatalf("aged execution must be hard-deleted (count=%d, err=%v)", count, err)
	}
	if err := tx.Unscoped().Model(&domain.Task{}).Where("execution_id = ?", aged.ID).Count(&count).Error; err != nil || count != 0 {
		t.Fatalf("aged tasks must be hard-deleted (count=%d, err=%v)", count, err)
	}
	if err := tx.Unscoped().Model(&domain.DeadLetter{}).Where("execution_id = ?", aged.ID).Count(&count).Error; err != nil || count != 0 {
		t.Fatalf("aged dead letters must be hard-deleted (count=%d, err=%v)", count, err)
	}

	for _, keep := range []uuid.UUID{fresh.ID, running.ID} {
		if err := tx.Model(&domain.Execution{}).Where("id = ?", keep).Count(&count).Error; err != nil || count != 1 {
			t.Fatalf("execution %s must survive the purge (count=%d, err=%v)", keep, count, err)
		}
	}
}
