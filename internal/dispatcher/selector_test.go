package dispatcher

import (
	"testing"

	"github.com/konduit-run/konduit/internal/domain"
	konerrors "github.com/konduit-run/konduit/internal/pkg/errors"
)

func strp(s string) *string { return &s }

func sampleBranch() domain.ElementDefinition {
	return domain.ElementDefinition{
		Type: domain.StepBranch,
		Arms: []domain.BranchArm{
			{
				MatchValue: strp("HIGH"),
				Sequence: []domain.ElementDefinition{
					{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "escalate", Handler: "escalate"}},
				},
			},
			{
				MatchValue: strp("LOW"),
				Sequence: []domain.ElementDefinition{
					{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "archive", Handler: "archive"}},
				},
			},
		},
		FallbackArm: &domain.BranchArm{
			Sequence: []domain.ElementDefinition{
				{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "review", Handler: "review"}},
			},
		},
	}
}

func TestSelectArmMatchesStringOutput(t *testing.T) {
	arm, key, err := SelectArm(sampleBranch(), "HIGH")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "HIGH" {
		t.Fatalf("key = %q, want HIGH", key)
	}
	if arm.Sequence[0].Step.Name != "escalate" {
		t.Fatalf("matched wrong arm: %+v", arm)
	}
}

func TestSelectArmStringifiesNumberAndBool(t *testing.T) {
	branch := sampleBranch()
	branch.Arms = append(branch.Arms,
		domain.BranchArm{MatchValue: strp("true"), Sequence: []domain.ElementDefinition{
			{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "yes", Handler: "yes"}},
		}},
		domain.BranchArm{MatchValue: strp("42"), Sequence: []domain.ElementDefinition{
			{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "answer", Handler: "answer"}},
		}},
	)

	_, key, err := SelectArm(branch, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "true" {
		t.Fatalf("key = %q, want true", key)
	}

	_, key, err = SelectArm(branch, float64(42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "42" {
		t.Fatalf("key = %q, want 42", key)
	}
}

func TestSelectArmFallsBackWhenNoMatch(t *testing.T) {
	arm, key, err := SelectArm(sampleBranch(), "UNKNOWN")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != FallbackKey {
		t.Fatalf("key = %q, want fallback sentinel", key)
	}
	if arm.Sequence[0].Step.Name != "review" {
		t.Fatalf("matched wrong arm: %+v", arm)
	}
}

func TestSelectArmFailsWithoutFallback(t *testing.T) {
	branch := sampleBranch()
	branch.FallbackArm = nil
	_, _, err := SelectArm(branch, "UNKNOWN")
	if err != konerrors.ErrNoBranchMatched {
		t.Fatalf("err = %v, want ErrNoBranchMatched", err)
	}
}

func TestSelectArmMatchesStructuredOutputByCanonicalJSON(t *testing.T) {
	branch := sampleBranch()
	branch.Arms = append(branch.Arms, domain.BranchArm{
		MatchValue: strp(`{"severity":"HIGH"}`),
		Sequence: []domain.ElementDefinition{
			{Type: domain.StepSequential, Step: &domain.StepDefinition{Name: "page", Handler: "page"}},
		},
	})

	arm, key, err := SelectArm(branch, map[string]interface{}{"severity": "HIGH"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != `{"severity":"HIGH"}` {
		t.Fatalf("key = %q, want canonical JSON of the map", key)
	}
	if arm.Sequence[0].Step.Name != "page" {
		t.Fatalf("matched wrong arm: %+v", arm)
	}
}

func TestSelectArmFailsOnNilOutputWithoutFallback(t *testing.T) {
	branch := sampleBranch()
	branch.FallbackArm = nil
	_, _, err := SelectArm(branch, nil)
	if err != konerrors.ErrNoBranchMatched {
		t.Fatalf("err = %v, want ErrNoBranchMatched", err)
	}
}

func TestSelectArmFailsOnUnmarshalableOutputWithoutFallback(t *testing.T) {
	branch := sampleBranch()
	branch.FallbackArm = nil
	_, _, err := SelectArm(branch, make(chan struct{}))
	if err != konerrors.ErrNoBranchMatched {
		t.Fatalf("err = %v, want ErrNoBranchMatched", err)
	}
}
