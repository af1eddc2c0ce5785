// Package worker hosts the in-process worker pool: the
// poll/notify-driven loop that claims tasks up to a concurrency cap,
// runs handlers, reports outcomes to the queue, and advances the
// owning execution.
//
// The pool is infrastructure. It knows nothing of what a step does;
// all business logic lives in handlers, which interact with the engine
// only through runtime.StepContext. Retries are durable, not
// in-process: a failed task stays in the database with its attempt
// count and next-retry-at, and the claim query decides when it runs
// again, so retries survive process restarts.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/konduit-run/konduit/internal/advancer"
	"github.com/konduit-run/konduit/internal/coordination"
	"github.com/konduit-run/konduit/internal/dispatcher"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	konerrors "github.com/konduit-run/konduit/internal/pkg/errors"
	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/logger"
	"github.com/konduit-run/konduit/internal/queue"
	"github.com/konduit-run/konduit/internal/runtime"
	"github.com/konduit-run/konduit/internal/workflow"
)

// Pool is one process's worker: it owns a stable worker id, a bounded
// executor, and the background heartbeat.
type Pool struct {
	db        *gorm.DB
	log       *logger.Logger
	cfg       config.Config
	queue     queue.TaskQueue
	advance   advancer.Advancer
	handlers  *runtime.HandlerRegistry
	workflows *workflow.Registry
	records   *RecordStore
	notifier  coordination.TaskNotifier

	id          string
	concurrency int
	sem         *semaphore.Weighted
	active      atomic.Int64
	wake        chan struct{}
}

// NewPool wires the pool with its infrastructure dependencies. The
// pool is infrastructure: it knows nothing of what a step does, only
// how to claim, run, and report it.
func NewPool(
	db *gorm.DB,
	cfg config.Config,
	q queue.TaskQueue,
	adv advancer.Advancer,
	handlers *runtime.HandlerRegistry,
	workflows *workflow.Registry,
	records *RecordStore,
	notifier coordination.TaskNotifier,
	baseLog *logger.Logger,
) *Pool {
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	id := domain.NewWorkerID()
	return &Pool{
		db:          db,
		log:         baseLog.With("component", "WorkerPool", "worker_id", id),
		cfg:         cfg,
		queue:       q,
		advance:     adv,
		handlers:    handlers,
		workflows:   workflows,
		records:     records,
		notifier:    notifier,
		id:          id,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		wake:        make(chan struct{}, 1),
	}
}

// ID returns the pool's stable per-process worker id.
func (p *Pool) ID() string { return p.id }

// Run registers the worker record, starts the poll and heartbeat
// loops, and blocks until ctx is done, then drains: no new claims,
// wait up to drainTimeout for in-flight tasks, mark STOPPED.
func (p *Pool) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	rec := &domain.WorkerRecord{
		ID:          p.id,
		Status:      domain.WorkerActive,
		Hostname:    hostname,
		Concurrency: p.concurrency,
		StartedAt:   time.Now(),
	}
	if err := p.records.Register(dbctx.Context{Ctx: ctx}, rec); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	p.log.Info("worker pool starting", "concurrency", p.concurrency)

	if err := p.notifier.StartForwarder(ctx, p.poke); err != nil {
		// Notification is best-effort; polling remains the baseline.
		p.log.Warn("task notification forwarder unavailable, polling only", "error", err)
	}

	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pollLoop(loopCtx) })
	g.Go(func() error { return p.heartbeatLoop(loopCtx) })
	err := g.Wait()

	p.drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// poke is the notifier callback: a non-blocking send so a burst of
// notifications collapses into one wake.
func (p *Pool) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pollLoop wakes on timer tick or notification, computes free
// capacity, and claims at most min(batchSize, available) tasks.
func (p *Pool) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
		p.claimAndRun(ctx)
	}
}

func (p *Pool) claimAndRun(ctx context.Context) {
	available := p.concurrency - int(p.active.Load())
	if available <= 0 {
		return
	}
	batch := p.cfg.QueueBatchSize
	if batch > available {
		batch = available
	}

	tasks, err := p.queue.Acquire(dbctx.Context{Ctx: ctx}, p.id, batch, p.cfg.QueueLockTimeout)
	if err != nil {
		p.log.Warn("task acquisition failed", "error", err)
		return
	}

	for _, task := range tasks {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		p.active.Add(1)
		go func(t *domain.Task) {
			defer func() {
				p.active.Add(-1)
				p.sem.Release(1)
			}()
			p.runTask(ctx, t)
		}(task)
	}
}

// runTask executes one claimed task: LOCKED -> RUNNING, handler run
// with panic recovery and the per-step watchdog, then complete or fail
// plus advancement. Completion is persisted before the advancer runs
// so fan-in counting observes this task as terminal.
func (p *Pool) runTask(ctx context.Context, task *domain.Task) {
	dbc := dbctx.Context{Ctx: ctx}

	if err := p.queue.MarkRunning(dbc, task.ID); err != nil {
		if errors.Is(err, konerrors.ErrTaskNotTerminalOwner) {
			// Reclaimed or resolved by another path since we claimed it.
			p.log.Debug("lost task before start", "task_id", task.ID)
			return
		}
		p.log.Warn("failed to mark task running", "task_id", task.ID, "error", err)
		return
	}

	sc, stepDef, err := p.buildStepContext(dbc, task)
	if err != nil {
		p.reportFailure(dbc, task, err.Error())
		return
	}

	handler, ok := p.handlers.Get(stepDef.Handler)
	if !ok {
		p.log.Warn("no handler registered", "handler", stepDef.Handler, "step", task.StepName, "task_id", task.ID)
		p.reportFailure(dbc, task, (&missingHandlerError{Handler: stepDef.Handler}).Error())
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if stepDef.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(stepDef.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, runErr := p.invoke(runCtx, handler, sc, task)
	if runErr != nil {
		p.reportFailure(dbc, task, runErr.Error())
		return
	}

	outJSON, err := dispatcher.EncodeJSON(output)
	if err != nil {
		p.reportFailure(dbc, task, fmt.Sprintf("encode step output: %v", err))
		return
	}
	if err := p.queue.Complete(dbc, task.ID, outJSON); err != nil {
		if errors.Is(err, konerrors.ErrTaskNotTerminalOwner) {
			p.log.Warn("task completed elsewhere, dropping result", "task_id", task.ID)
			return
		}
		p.log.Error("failed to persist task completion", "task_id", task.ID, "error", err)
		return
	}
	if err := p.advance.Advance(dbc, task.ID); err != nil {
		p.log.Error("advancement failed after completion", "task_id", task.ID, "error", err)
	}
}

// invoke runs the handler on its own goroutine so a wall-clock abort
// fires even if the handler never checks the cancel flag. A handler
// left running past its deadline eventually returns into a drained
// channel; its result is discarded.
func (p *Pool) invoke(ctx context.Context, h runtime.Handler, sc *runtime.StepContext, task *domain.Task) (interface{}, error) {
	type result struct {
		out interface{}
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("step handler panic",
					"task_id", task.ID,
					"step", task.StepName,
					"panic", r,
				)
				ch <- result{err: errFromRecover(r)}
			}
		}()
		out, err := h.Run(ctx, sc)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.New("task timed out")
		}
		return nil, ctx.Err()
	}
}

// reportFailure routes a failed attempt into the retry/dead-letter
// pipeline; the advancer runs only when the task dead-lettered, so a
// parallel fan-in containing it can proceed to evaluate.
func (p *Pool) reportFailure(dbc dbctx.Context, task *domain.Task, errMsg string) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	status, err := p.queue.Fail(dbc, task.ID, errMsg, rnd)
	if err != nil {
		if errors.Is(err, konerrors.ErrTaskNotTerminalOwner) {
			p.log.Warn("task resolved elsewhere, dropping failure", "task_id", task.ID)
			return
		}
		p.log.Error("failed to persist task failure", "task_id", task.ID, "error", err)
		return
	}
	if status == domain.TaskDeadLetter {
		if err := p.advance.Advance(dbc, task.ID); err != nil {
			p.log.Error("advancement failed after dead-letter", "task_id", task.ID, "error", err)
		}
	}
}

// buildStepContext loads the execution and workflow definition and
// assembles the handler's view of this attempt. A post-parallel step
// receives the sibling-output map through ParallelOutputs while its
// Input is the original execution input.
func (p *Pool) buildStepContext(dbc dbctx.Context, task *domain.Task) (*runtime.StepContext, *domain.StepDefinition, error) {
	var exec domain.Execution
	if err := p.db.WithContext(dbc.Ctx).Where("id = ?", task.ExecutionID).First(&exec).Error; err != nil {
		return nil, nil, fmt.Errorf("load execution %s: %w", task.ExecutionID, err)
	}
	def, ok := p.workflows.Get(exec.WorkflowName, exec.WorkflowVersion)
	if !ok {
		return nil, nil, fmt.Errorf("workflow %s@%s not registered", exec.WorkflowName, exec.WorkflowVersion)
	}
	stepDef, err := stepDefinition(def, task)
	if err != nil {
		return nil, nil, err
	}

	execInput := decodeJSON(exec.Input)
	taskInput := decodeJSON(task.Input)

	sc := &runtime.StepContext{
		ExecutionID:     exec.ID.String(),
		ExecutionInput:  execInput,
		Attempt:         task.Attempt,
		StepName:        task.StepName,
		WorkflowName:    exec.WorkflowName,
		ParallelOutputs: map[string]interface{}{},
	}

	afterParallel := task.StepType != domain.StepParallel &&
		task.StepOrder > 0 &&
		task.StepOrder-1 < len(def.Elements) &&
		def.Elements[task.StepOrder-1].Type == domain.StepParallel
	if afterParallel {
		if m, ok := taskInput.(map[string]interface{}); ok {
			sc.ParallelOutputs = m
		}
		sc.Input = execInput
		sc.PreviousOutput = taskInput
	} else {
		sc.Input = taskInput
		sc.PreviousOutput = taskInput
	}
	return sc, stepDef, nil
}

// stepDefinition resolves the task back to its step definition inside
// the element it was dispatched from: the element itself for a
// sequential step, the matching child for a parallel sibling, or the
// matching step of the chosen arm for a branch task.
func stepDefinition(def domain.WorkflowDefinition, task *domain.Task) (*domain.StepDefinition, error) {
	if task.StepOrder < 0 || task.StepOrder >= len(def.Elements) {
		return nil, fmt.Errorf("task %s has out-of-range step order %d", task.ID, task.StepOrder)
	}
	el := def.Elements[task.StepOrder]
	switch el.Type {
	case domain.StepSequential:
		if el.Step != nil && el.Step.Name == task.StepName {
			return el.Step, nil
		}
	case domain.StepParallel:
		for i := range el.ParallelSteps {
			if el.ParallelSteps[i].Name == task.StepName {
				return &el.ParallelSteps[i], nil
			}
		}
	case domain.StepBranch:
		if task.BranchKey == nil {
			return nil, fmt.Errorf("branch task %s missing branch_key", task.ID)
		}
		arm := matchedArm(el, *task.BranchKey)
		if arm == nil {
			return nil, fmt.Errorf("no arm found for branch key %q", *task.BranchKey)
		}
		for i := range arm.Sequence {
			s := arm.Sequence[i].Step
			if arm.Sequence[i].Type == domain.StepSequential && s != nil && s.Name == task.StepName {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("step %q not found in element %d", task.StepName, task.StepOrder)
}

func matchedArm(branch domain.ElementDefinition, key string) *domain.BranchArm {
	for i := range branch.Arms {
		arm := &branch.Arms[i]
		if arm.MatchValue != nil && *arm.MatchValue == key {
			return arm
		}
	}
	if key == dispatcher.FallbackKey {
		return branch.FallbackArm
	}
	return nil
}

// heartbeatLoop stamps last_heartbeat and the in-flight count every
// heartbeatInterval. Informational only; task safety rests on lock
// timeouts.
func (p *Pool) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(p.cfg.WorkerHeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := p.records.Heartbeat(dbctx.Context{Ctx: ctx}, p.id, int(p.active.Load())); err != nil {
				p.log.Warn("heartbeat write failed", "error", err)
			}
		}
	}
}

// drain stops accepting work, waits up to drainTimeout for in-flight
// tasks (acquiring the full semaphore weight), then marks the worker
// STOPPED. Tasks still running past the deadline are abandoned to
// lock-timeout reclamation.
func (p *Pool) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WorkerDrainTimeout)
	defer cancel()
	dbc := dbctx.Context{Ctx: ctx}

	if err := p.records.UpdateStatus(dbc, p.id, domain.WorkerDraining); err != nil {
		p.log.Warn("failed to mark worker draining", "error", err)
	}
	p.log.Info("draining", "in_flight", p.active.Load())

	full := int64(p.concurrency)
	if err := p.sem.Acquire(ctx, full); err != nil {
		p.log.Warn("drain timeout elapsed with tasks still in flight", "in_flight", p.active.Load())
	} else {
		p.sem.Release(full)
	}

	if err := p.records.UpdateStatus(dbc, p.id, domain.WorkerStopped); err != nil {
		p.log.Warn("failed to mark worker stopped", "error", err)
	}
	p.log.Info("worker pool stopped")
}

func decodeJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// missingHandlerError marks a claimed task whose handler reference was
// never registered — a wiring error, surfaced through the normal
// retry/dead-letter path so the execution fails visibly.
type missingHandlerError struct{ Handler string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for handler=" + e.Handler
}

func errFromRecover(v any) error { return &panicError{Val: v} }

// panicError keeps panic internals out of the persisted error string;
// the real value is logged by the worker.
type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }
