package worker

import (
	"testing"

	"github.com/google/uuid"

	"github.com/konduit-run/konduit/internal/dispatcher"
	"github.com/konduit-run/konduit/internal/domain"
)

func strPtr(s string) *string { return &s }

func testDefinition() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name:    "wf",
		Version: "v1",
		Elements: []domain.ElementDefinition{
			{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "extract", Handler: "extract"}},
			{Type: domain.StepParallel, ParallelSteps: []domain.StepDefinition{
				{Name: "p1", Handler: "p1"},
				{Name: "p2", Handler: "p2"},
			}},
			{Type: domain.StepBranch,
				Arms: []domain.BranchArm{
					{MatchValue: strPtr("LOW"), Sequence: []domain.ElementDefinition{
						{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "flag", Handler: "flag"}},
					}},
				},
				FallbackArm: &domain.BranchArm{Sequence: []domain.ElementDefinition{
					{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "manual", Handler: "manual"}},
				}},
			},
		},
	}
}

func TestStepDefinitionResolvesEachElementKind(t *testing.T) {
	def := testDefinition()

	cases := []struct {
		name        string
		task        *domain.Task
		wantHandler string
	}{
		{"sequential", &domain.Task{StepName: "extract", StepOrder: 0, StepType: domain.StepSequential}, "extract"},
		{"parallel sibling", &domain.Task{StepName: "p2", StepOrder: 1, StepType: domain.StepParallel}, "p2"},
		{"branch arm step", &domain.Task{StepName: "flag", StepOrder: 2, StepType: domain.StepSequential, BranchKey: strPtr("LOW")}, "flag"},
		{"fallback arm step", &domain.Task{StepName: "manual", StepOrder: 2, StepType: domain.StepSequential, BranchKey: strPtr(dispatcher.FallbackKey)}, "manual"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.task.ID = uuid.New()
			got, err := stepDefinition(def, tc.task)
			if err != nil {
				t.Fatalf("stepDefinition: %v", err)
			}
			if got.Handler != tc.wantHandler {
				t.Fatalf("handler = %q, want %q", got.Handler, tc.wantHandler)
			}
		})
	}
}

func TestStepDefinitionRejectsUnknownTask(t *testing.T) {
	def := testDefinition()

	bad := []*domain.Task{
		{ID: uuid.New(), StepName: "ghost", StepOrder: 0, StepType: domain.StepSequential},
		{ID: uuid.New(), StepName: "extract", StepOrder: 9, StepType: domain.StepSequential},
		{ID: uuid.New(), StepName: "flag", StepOrder: 2, StepType: domain.StepSequential}, // missing branch key
		{ID: uuid.New(), StepName: "flag", StepOrder: 2, StepType: domain.StepSequential, BranchKey: strPtr("HIGH")},
	}
	for _, task := range bad {
		if _, err := stepDefinition(def, task); err == nil {
			t.Fatalf("expected an error for task %+v", task)
		}
	}
}
