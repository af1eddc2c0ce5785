// Package reclaim runs the background maintenance jobs: orphaned-lock
// reclamation, execution-deadline enforcement, and the stale-worker
// scan. Every job is an idempotent guarded update, so running on
// multiple instances is safe; leader gating on the worker scan is a
// de-duplication optimization, not a correctness requirement.
package reclaim

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/konduit-run/konduit/internal/coordination"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/logger"
	"github.com/konduit-run/konduit/internal/statemachine"
)

// orphanReclaimer is the narrow slice of queue.TaskQueue this service
// needs.
type orphanReclaimer interface {
	ReclaimOrphans(dbc dbctx.Context, now time.Time) (int64, error)
}

// staleMarker is the narrow slice of worker.RecordStore this service
// needs.
type staleMarker interface {
	MarkStale(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

// Service owns the periodic reclamation jobs.
type Service struct {
	db      *gorm.DB
	queue   orphanReclaimer
	workers staleMarker
	leader  coordination.LeaderElection
	cfg     config.Config
	log     *logger.Logger
}

// New constructs the reclaim service.
func New(db *gorm.DB, q orphanReclaimer, workers staleMarker, leader coordination.LeaderElection, cfg config.Config, baseLog *logger.Logger) *Service {
	return &Service{
		db:      db,
		queue:   q,
		workers: workers,
		leader:  leader,
		cfg:     cfg,
		log:     baseLog.With("component", "Reclaimer"),
	}
}

// Schedule registers the three jobs on c at their configured cadences.
func (s *Service) Schedule(ctx context.Context, c *cron.Cron) error {
	if _, err := c.AddFunc("@every "+s.cfg.QueueReaperInterval.String(), func() {
		s.runOrphanReclaim(ctx)
	}); err != nil {
		return fmt.Errorf("schedule orphan reclaimer: %w", err)
	}
	if _, err := c.AddFunc("@every "+s.cfg.ExecutionTimeoutCheckInterval.String(), func() {
		s.runTimeoutCheck(ctx)
	}); err != nil {
		return fmt.Errorf("schedule execution timeout checker: %w", err)
	}
	if _, err := c.AddFunc("@every "+s.cfg.QueueReaperInterval.String(), func() {
		s.runStaleWorkerScan(ctx)
	}); err != nil {
		return fmt.Errorf("schedule stale worker scan: %w", err)
	}
	return nil
}

func (s *Service) runOrphanReclaim(ctx context.Context) {
	n, err := s.queue.ReclaimOrphans(dbctx.Context{Ctx: ctx}, time.Now())
	if err != nil {
		s.log.Warn("orphan reclaim failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("reclaimed orphaned tasks", "count", n)
	}
}

func (s *Service) runTimeoutCheck(ctx context.Context) {
	n, err := s.CheckExecutionTimeouts(dbctx.Context{Ctx: ctx}, time.Now())
	if err != nil {
		s.log.Warn("execution timeout check failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("timed out executions past their deadline", "count", n)
	}
}

func (s *Service) runStaleWorkerScan(ctx context.Context) {
	if !s.leader.IsLeader() {
		return
	}
	cutoff := time.Now().Add(-s.cfg.WorkerStaleThreshold)
	n, err := s.workers.MarkStale(dbctx.Context{Ctx: ctx}, cutoff)
	if err != nil {
		s.log.Warn("stale worker scan failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Warn("marked stale workers", "count", n)
	}
}

// CheckExecutionTimeouts transitions every RUNNING execution whose
// deadline has passed to TIMED_OUT. In-flight tasks are not cancelled;
// the terminal status blocks further advancement when the advancer
// next sees the execution. Rows are selected with SKIP LOCKED so
// concurrent checker instances partition the work instead of
// serializing on it.
func (s *Service) CheckExecutionTimeouts(dbc dbctx.Context, now time.Time) (int64, error) {
	tx := s.db
	if dbc.Tx != nil {
		tx = dbc.Tx
	}

	var count int64
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var expired []*domain.Execution
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND deadline IS NOT NULL AND deadline <= ?", domain.ExecutionRunning, now).
			Find(&expired).Error
		if err != nil {
			return err
		}
		for _, exec := range expired {
			if err := statemachine.Transition(exec, domain.ExecutionTimedOut, now); err != nil {
				s.log.Error("illegal timeout transition", "execution_id", exec.ID, "error", err)
				continue
			}
			exec.Error = fmt.Sprintf("execution exceeded its deadline (%s)", exec.Deadline.Format(time.RFC3339))
			if err := txx.Save(exec).Error; err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
