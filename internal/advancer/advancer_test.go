package advancer_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/konduit-run/konduit/internal/advancer"
	"github.com/konduit-run/konduit/internal/dispatcher"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	"github.com/konduit-run/konduit/internal/queue"
	"github.com/konduit-run/konduit/internal/testutil"
	"github.com/konduit-run/konduit/internal/workflow"
)

func seqStep(name string) domain.ElementDefinition {
	return domain.ElementDefinition{
		Type: domain.StepSequential,
		Step: &domain.StepDefinition{Name: name, Handler: name},
	}
}

func newAdvancer(t *testing.T, tx *gorm.DB, def domain.WorkflowDefinition) advancer.Advancer {
	t.Helper()
	registry := workflow.NewRegistry()
	if err := registry.Register(def); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	log := testutil.Logger(t)
	return advancer.New(tx, dispatcher.New(tx, log), nil, registry, nil, log)
}

func newAdvancerWithQueue(t *testing.T, tx *gorm.DB, def domain.WorkflowDefinition) advancer.Advancer {
	t.Helper()
	registry := workflow.NewRegistry()
	if err := registry.Register(def); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	log := testutil.Logger(t)
	return advancer.New(tx, dispatcher.New(tx, log), queue.New(tx, log), registry, nil, log)
}

func seedExecution(t *testing.T, tx *gorm.DB, def domain.WorkflowDefinition) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{
		ID:              uuid.New(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          domain.ExecutionRunning,
	}
	if err := tx.Create(exec).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return exec
}

func seedTask(t *testing.T, tx *gorm.DB, task *domain.Task) *domain.Task {
	t.Helper()
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 3
	}
	if task.BackoffStrategy == "" {
		task.BackoffStrategy = domain.BackoffFixed
		task.BackoffBaseMs = 10
		task.BackoffMaxMs = 1000
	}
	if err := tx.Create(task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func TestAdvanceSequentialDispatchesNextWithPreviousOutput(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	def := domain.WorkflowDefinition{Name: "seq-wf", Version: "v1", Elements: []domain.ElementDefinition{seqStep("a"), seqStep("b")}}
	adv := newAdvancer(t, tx, def)
	exec := seedExecution(t, tx, def)

	taskA := seedTask(t, tx, &domain.Task{
		ExecutionID: exec.ID,
		StepName:    "a",
		StepType:    domain.StepSequential,
		StepOrder:   0,
		Status:      domain.TaskCompleted,
		Output:      datatypes.JSON([]byte(`"a-out"`)),
	})

	if err := adv.Advance(dbc, taskA.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	var next domain.Task
	if err := tx.Where("execution_id = ? AND step_name = ?", exec.ID, "b").First(&next).Error; err != nil {
		t.Fatalf("expected step b to be dispatched: %v", err)
	}
	if next.Status != domain.TaskPending || next.StepOrder != 1 {
		t.Fatalf("unexpected next task %+v", next)
	}
	if string(next.Input) != `"a-out"` {
		t.Fatalf("next input = %s, want a's output", next.Input)
	}
}

func TestAdvanceLastElementCompletesExecution(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	def := domain.WorkflowDefinition{Name: "one-wf", Version: "v1", Elements: []domain.ElementDefinition{seqStep("only")}}
	adv := newAdvancer(t, tx, def)
	exec := seedExecution(t, tx, def)

	task := seedTask(t, tx, &domain.Task{
		ExecutionID: exec.ID,
		StepName:    "only",
		StepType:    domain.StepSequential,
		StepOrder:   0,
		Status:      domain.TaskCompleted,
		Output:      datatypes.JSON([]byte(`"done"`)),
	})

	if err := adv.Advance(dbc, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	var reread domain.Execution
	if err := tx.Where("id = ?", exec.ID).First(&reread).Error; err != nil {
		t.Fatalf("reread execution: %v", err)
	}
	if reread.Status != domain.ExecutionCompleted {
		t.Fatalf("execution status = %s, want COMPLETED", reread.Status)
	}
	if string(reread.Output) != `"done"` {
		t.Fatalf("execution output = %s, want last step's output", reread.Output)
	}
	if reread.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}
}

func TestAdvanceParallelWaitsForAllSiblings(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	def := domain.WorkflowDefinition{Name: "par-wf", Version: "v1", Elements: []domain.ElementDefinition{
		{Type: domain.StepParallel, ParallelSteps: []domain.StepDefinition{
			{Name: "p1", Handler: "p1"}, {Name: "p2", Handler: "p2"}, {Name: "p3", Handler: "p3"},
		}},
		seqStep("merge"),
	}}
	adv := newAdvancerWithQueue(t, tx, def)
	exec := seedExecution(t, tx, def)

	group := uuid.New()
	p1 := seedTask(t, tx, &domain.Task{ExecutionID: exec.ID, StepName: "p1", StepType: domain.StepParallel, StepOrder: 0, Status: domain.TaskCompleted, ParallelGroup: &group, Output: datatypes.JSON([]byte(`{"i":1}`))})
	p2 := seedTask(t, tx, &domain.Task{ExecutionID: exec.ID, StepName: "p2", StepType: domain.StepParallel, StepOrder: 0, Status: domain.TaskCompleted, ParallelGroup: &group, Output: datatypes.JSON([]byte(`{"i":2}`))})
	p3 := seedTask(t, tx, &domain.Task{ExecutionID: exec.ID, StepName: "p3", StepType: domain.StepParallel, StepOrder: 0, Status: domain.TaskRunning, ParallelGroup: &group})

	if err := adv.Advance(dbc, p1.ID); err != nil {
		t.Fatalf("Advance p1: %v", err)
	}
	if err := adv.Advance(dbc, p2.ID); err != nil {
		t.Fatalf("Advance p2: %v", err)
	}
	var count int64
	if err := tx.Model(&domain.Task{}).Where("execution_id = ? AND step_name = ?", exec.ID, "merge").Count(&count).Error; err != nil {
		t.Fatalf("count merge: %v", err)
	}
	if count != 0 {
		t.Fatalf("merge dispatched before all siblings terminal, count=%d", count)
	}

	if err := tx.Model(&domain.Task{}).Where("id = ?", p3.ID).Updates(map[string]interface{}{
		"status": domain.TaskCompleted,
		"output": datatypes.JSON([]byte(`{"i":3}`)),
	}).Error; err != nil {
		t.Fatalf("complete p3: %v", err)
	}
	if err := adv.Advance(dbc, p3.ID); err != nil {
		t.Fatalf("Advance p3: %v", err)
	}

	var merge domain.Task
	if err := tx.Where("execution_id = ? AND step_name = ?", exec.ID, "merge").First(&merge).Error; err != nil {
		t.Fatalf("expected merge to be dispatched exactly once: %v", err)
	}
	for _, want := range []string{`"p1"`, `"p2"`, `"p3"`, `"i":1`, `"i":2`, `"i":3`} {
		if !containsJSON(merge.Input, want) {
			t.Fatalf("merge input %s missing %s", merge.Input, want)
		}
	}
}

func TestAdvanceParallelDeadLetterFailsExecutionWithoutDispatch(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	def := domain.WorkflowDefinition{Name: "par-fail-wf", Version: "v1", Elements: []domain.ElementDefinition{
		{Type: domain.StepParallel, ParallelSteps: []domain.StepDefinition{
			{Name: "ok", Handler: "ok"}, {Name: "bad", Handler: "bad"},
		}},
		seqStep("merge"),
	}}
	adv := newAdvancerWithQueue(t, tx, def)
	exec := seedExecution(t, tx, def)

	group := uuid.New()
	seedTask(t, tx, &domain.Task{ExecutionID: exec.ID, StepName: "ok", StepType: domain.StepParallel, StepOrder: 0, Status: domain.TaskCompleted, ParallelGroup: &group, Output: datatypes.JSON([]byte(`1`))})
	bad := seedTask(t, tx, &domain.Task{ExecutionID: exec.ID, StepName: "bad", StepType: domain.StepParallel, StepOrder: 0, Status: domain.TaskDeadLetter, ParallelGroup: &group})

	if err := adv.Advance(dbc, bad.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	var reread domain.Execution
	if err := tx.Where("id = ?", exec.ID).First(&reread).Error; err != nil {
		t.Fatalf("reread execution: %v", err)
	}
	if reread.Status != domain.ExecutionFailed {
		t.Fatalf("execution status = %s, want FAILED", reread.Status)
	}
	if reread.Error == "" {
		t.Fatal("expected a dead-letter summary on the execution error")
	}

	var count int64
	if err := tx.Model(&domain.Task{}).Where("execution_id = ? AND step_name = ?", exec.ID, "merge").Count(&count).Error; err != nil {
		t.Fatalf("count merge: %v", err)
	}
	if count != 0 {
		t.Fatalf("no post-parallel task may exist after fan-in failure, count=%d", count)
	}
}

func TestAdvanceBranchWalksArmThenResumesOuterSequence(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	low := "LOW"
	def := domain.WorkflowDefinition{Name: "branch-wf", Version: "v1", Elements: []domain.ElementDefinition{
		seqStep("evaluate"),
		{Type: domain.StepBranch, Arms: []domain.BranchArm{
			{MatchValue: &low, Sequence: []domain.ElementDefinition{seqStep("f"), seqStep("g")}},
		}},
		seqStep("z"),
	}}
	adv := newAdvancer(t, tx, def)
	exec := seedExecution(t, tx, def)

	f := seedTask(t, tx, &domain.Task{
		ExecutionID: exec.ID, StepName: "f", StepType: domain.StepSequential, StepOrder: 1,
		Status: domain.TaskCompleted, BranchKey: &low, Output: datatypes.JSON([]byte(`"f-out"`)),
	})

	if err := adv.Advance(dbc, f.ID); err != nil {
		t.Fatalf("Advance f: %v", err)
	}

	var g domain.Task
	if err := tx.Where("execution_id = ? AND step_name = ?", exec.ID, "g").First(&g).Error; err != nil {
		t.Fatalf("expected arm step g to be dispatched: %v", err)
	}
	if g.BranchKey == nil || *g.BranchKey != "LOW" {
		t.Fatalf("arm step must carry the branch key, got %+v", g.BranchKey)
	}
	if g.StepOrder != 1 {
		t.Fatalf("arm step keeps the branch element's order, got %d", g.StepOrder)
	}

	var zCount int64
	if err := tx.Model(&domain.Task{}).Where("execution_id = ? AND step_name = ?", exec.ID, "z").Count(&zCount).Error; err != nil {
		t.Fatalf("count z: %v", err)
	}
	if zCount != 0 {
		t.Fatal("z must not be dispatched until the arm finishes")
	}

	if err := tx.Model(&domain.Task{}).Where("id = ?", g.ID).Updates(map[string]interface{}{
		"status": domain.TaskCompleted,
		"output": datatypes.JSON([]byte(`"g-out"`)),
	}).Error; err != nil {
		t.Fatalf("complete g: %v", err)
	}
	if err := adv.Advance(dbc, g.ID); err != nil {
		t.Fatalf("Advance g: %v", err)
	}

	var z domain.Task
	if err := tx.Where("execution_id = ? AND step_name = ?", exec.ID, "z").First(&z).Error; err != nil {
		t.Fatalf("expected z after arm completion: %v", err)
	}
	if string(z.Input) != `"g-out"` {
		t.Fatalf("z input = %s, want the arm's last output", z.Input)
	}
}

func TestAdvanceIsNoopOnTerminalExecution(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	def := domain.WorkflowDefinition{Name: "cancelled-wf", Version: "v1", Elements: []domain.ElementDefinition{seqStep("a"), seqStep("b")}}
	adv := newAdvancer(t, tx, def)
	exec := seedExecution(t, tx, def)
	if err := tx.Model(&domain.Execution{}).Where("id = ?", exec.ID).Update("status", domain.ExecutionCancelled).Error; err != nil {
		t.Fatalf("cancel execution: %v", err)
	}

	task := seedTask(t, tx, &domain.Task{
		ExecutionID: exec.ID, StepName: "a", StepType: domain.StepSequential, StepOrder: 0,
		Status: domain.TaskCompleted, Output: datatypes.JSON([]byte(`"a-out"`)),
	})

	if err := adv.Advance(dbc, task.ID); err != nil {
		t.Fatalf("Advance on terminal execution should be a no-op: %v", err)
	}
	var count int64
	if err := tx.Model(&domain.Task{}).Where("execution_id = ? AND step_name = ?", exec.ID, "b").Count(&count).Error; err != nil {
		t.Fatalf("count b: %v", err)
	}
	if count != 0 {
		t.Fatal("advancement must stop once the execution is terminal")
	}
}

func containsJSON(raw datatypes.JSON, substr string) bool {
	return len(raw) > 0 && strings.Contains(string(raw), substr)
}
