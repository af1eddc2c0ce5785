package dispatcher_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/konduit-run/konduit/internal/dispatcher"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	"github.com/konduit-run/konduit/internal/testutil"
)

func TestDispatchSequentialCreatesOneTask(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	d := dispatcher.New(tx, testutil.Logger(t))

	execID := uuid.New()
	if err := tx.Create(&domain.Execution{ID: execID, WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionRunning}).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	step := domain.StepDefinition{Name: "send-email", Handler: "send-email"}
	task, err := d.DispatchSequential(dbctx.Context{Ctx: ctx, Tx: tx}, execID, step, 0, map[string]interface{}{"to": "a@example.com"}, nil)
	if err != nil {
		t.Fatalf("DispatchSequential: %v", err)
	}
	if task.StepType != domain.StepSequential {
		t.Fatalf("step type = %s, want SEQUENTIAL", task.StepType)
	}
	if task.MaxAttempts != domain.DefaultRetryPolicy().MaxAttempts {
		t.Fatalf("expected default retry policy to apply, got max attempts %d", task.MaxAttempts)
	}
	if task.BranchKey != nil {
		t.Fatal("sequential dispatch outside a branch should not tag branch_key")
	}
}

func TestDispatchParallelCreatesSharedGroup(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	d := dispatcher.New(tx, testutil.Logger(t))

	execID := uuid.New()
	if err := tx.Create(&domain.Execution{ID: execID, WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionRunning}).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	steps := []domain.StepDefinition{{Name: "a", Handler: "a"}, {Name: "b", Handler: "b"}, {Name: "c", Handler: "c"}}
	tasks, err := d.DispatchParallel(dbctx.Context{Ctx: ctx, Tx: tx}, execID, steps, 1, nil)
	if err != nil {
		t.Fatalf("DispatchParallel: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	group := tasks[0].ParallelGroup
	if group == nil {
		t.Fatal("expected a parallel group id")
	}
	for _, task := range tasks {
		if task.ParallelGroup == nil || *task.ParallelGroup != *group {
			t.Fatalf("expected all tasks to share one parallel group, got %+v", task)
		}
		if task.StepType != domain.StepParallel {
			t.Fatalf("step type = %s, want PARALLEL", task.StepType)
		}
	}
}

func TestDispatchParallelRejectsEmptyBlock(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	d := dispatcher.New(tx, testutil.Logger(t))

	execID := uuid.New()
	if err := tx.Create(&domain.Execution{ID: execID, WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionRunning}).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	if _, err := d.DispatchParallel(dbctx.Context{Ctx: ctx, Tx: tx}, execID, nil, 0, nil); err == nil {
		t.Fatal("expected an error for an empty parallel block")
	}
}

func TestDispatchBranchMaterializesOnlyMatchedArmsFirstStep(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	d := dispatcher.New(tx, testutil.Logger(t))

	execID := uuid.New()
	if err := tx.Create(&domain.Execution{ID: execID, WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionRunning}).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	high := "HIGH"
	branch := domain.ElementDefinition{
		Type: domain.StepBranch,
		Arms: []domain.BranchArm{
			{
				MatchValue: &high,
				Sequence: []domain.ElementDefinition{
					{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "escalate", Handler: "escalate"}},
					{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "notify", Handler: "notify"}},
				},
			},
		},
	}

	key, task, err := d.DispatchBranch(dbctx.Context{Ctx: ctx, Tx: tx}, execID, branch, 2, "HIGH")
	if err != nil {
		t.Fatalf("DispatchBranch: %v", err)
	}
	if key != "HIGH" {
		t.Fatalf("key = %q, want HIGH", key)
	}
	if task.StepName != "escalate" {
		t.Fatalf("expected only the arm's first step to be materialized, got %q", task.StepName)
	}
	if task.BranchKey == nil || *task.BranchKey != "HIGH" {
		t.Fatalf("expected branch_key=HIGH, got %+v", task.BranchKey)
	}

	var count int64
	if err := tx.Model(&domain.Task{}).Where("execution_id = ?", execID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one task materialized (the arm's first step only), got %d", count)
	}
}

func TestDispatchBranchFailsWithoutMatchOrFallback(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	d := dispatcher.New(tx, testutil.Logger(t))

	execID := uuid.New()
	if err := tx.Create(&domain.Execution{ID: execID, WorkflowName: "wf", WorkflowVersion: "v1", Status: domain.ExecutionRunning}).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	branch := domain.ElementDefinition{Type: domain.StepBranch, Arms: nil, FallbackArm: nil}
	if _, _, err := d.DispatchBranch(dbctx.Context{Ctx: ctx, Tx: tx}, execID, branch, 0, "anything"); err == nil {
		t.Fatal("expected an error when no arm matches and no fallback exists")
	}
}
