package domain

// StepType tags a workflow element: sequential step, parallel block,
// or branch block. Elements are tagged variants, not an interface
// hierarchy; the type switches live in the dispatcher ("materialize")
// and the advancer ("what comes next").
type StepType string

const (
	StepSequential StepType = "SEQUENTIAL"
	StepParallel   StepType = "PARALLEL"
	StepBranch     StepType = "BRANCH"
)

// BackoffStrategy names one of the three retry-delay shapes.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
)

// RetryPolicy controls how a step's failed attempts are retried.
type RetryPolicy struct {
	MaxAttempts int             `json:"maxAttempts" yaml:"maxAttempts"`
	Strategy    BackoffStrategy `json:"strategy" yaml:"strategy"`
	BaseMs      int64           `json:"baseMs" yaml:"baseMs"`
	MaxMs       int64           `json:"maxMs" yaml:"maxMs"`
	Jitter      bool            `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy is applied when a step omits its own policy:
// 3 attempts, fixed 1s delay, 5min cap, no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Strategy:    BackoffFixed,
		BaseMs:      1000,
		MaxMs:       300_000,
		Jitter:      false,
	}
}

// Validate enforces the policy's construction-time invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errInvalidPolicy("maxAttempts must be >= 1")
	}
	if p.BaseMs < 0 {
		return errInvalidPolicy("base delay must be >= 0")
	}
	if p.MaxMs < p.BaseMs {
		return errInvalidPolicy("max delay must be >= base delay")
	}
	switch p.Strategy {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return errInvalidPolicy("unknown backoff strategy: " + string(p.Strategy))
	}
	return nil
}

type policyError string

func (e policyError) Error() string { return string(e) }

func errInvalidPolicy(msg string) error { return policyError(msg) }

// StepDefinition is a single sequential step: a handler reference plus
// its retry policy and optional per-attempt timeout.
type StepDefinition struct {
	Name        string       `json:"name" yaml:"name"`
	Handler     string       `json:"handler" yaml:"handler"`
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	TimeoutMs   int64        `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// BranchArm maps one selector match-value to a sub-sequence of
// elements. A nil MatchValue marks the fallback arm.
type BranchArm struct {
	MatchValue *string             `json:"matchValue,omitempty" yaml:"matchValue,omitempty"`
	Sequence   []ElementDefinition `json:"sequence" yaml:"sequence"`
}

// ElementDefinition is one node of a workflow: exactly one of Step,
// ParallelSteps, or Arms/FallbackArm is populated, selected by Type. A
// flat struct with a type tag round-trips through YAML/JSON directly,
// which an interface hierarchy would not.
type ElementDefinition struct {
	Type StepType `json:"type" yaml:"type"`

	// Sequential
	Step *StepDefinition `json:"step,omitempty" yaml:"step,omitempty"`

	// Parallel: an unordered set of steps. Only sequential steps may
	// nest inside a parallel block.
	ParallelSteps []StepDefinition `json:"parallelSteps,omitempty" yaml:"parallelSteps,omitempty"`

	// Branch: previous step's output reduced to a string selects an arm.
	Arms        []BranchArm `json:"arms" yaml:"arms"`
	FallbackArm *BranchArm  `json:"fallbackArm,omitempty" yaml:"fallbackArm,omitempty"`
}

// WorkflowDefinition is identified by (Name, Version) and carries an
// ordered list of elements.
type WorkflowDefinition struct {
	Name     string              `json:"name" yaml:"name"`
	Version  string              `json:"version" yaml:"version"`
	Elements []ElementDefinition `json:"elements" yaml:"elements"`
}

// Key is the (name, version) identity used by the registry.
func (w WorkflowDefinition) Key() string {
	return w.Name + "@" + w.Version
}
