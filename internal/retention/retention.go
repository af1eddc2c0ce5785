// Package retention purges terminal executions and their task and
// dead-letter rows once they age past the configured TTL (C10). The
// delete is a hard delete: retention exists to bound table growth, so
// soft-delete tombstones would defeat it.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/konduit-run/konduit/internal/coordination"
	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/pkg/dbctx"
	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/logger"
)

// Service owns the periodic purge job.
type Service struct {
	db     *gorm.DB
	leader coordination.LeaderElection
	cfg    config.Config
	log    *logger.Logger
}

// New constructs the retention service.
func New(db *gorm.DB, leader coordination.LeaderElection, cfg config.Config, baseLog *logger.Logger) *Service {
	return &Service{
		db:     db,
		leader: leader,
		cfg:    cfg,
		log:    baseLog.With("component", "Retention"),
	}
}

// Schedule registers the purge on c. Leader-gated: purging from one
// instance at a time avoids pointless delete contention, though the
// operation itself is idempotent.
func (s *Service) Schedule(ctx context.Context, c *cron.Cron) error {
	_, err := c.AddFunc("@every "+s.cfg.RetentionInterval.String(), func() {
		if !s.leader.IsLeader() {
			return
		}
		n, err := s.Purge(dbctx.Context{Ctx: ctx}, time.Now())
		if err != nil {
			s.log.Warn("retention purge failed", "error", err)
			return
		}
		if n > 0 {
			s.log.Info("purged terminal executions", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention purge: %w", err)
	}
	return nil
}

// Purge hard-deletes every execution that reached a terminal state
// before now-TTL, along with its tasks and dead letters, and returns
// the number of executions removed.
func (s *Service) Purge(dbc dbctx.Context, now time.Time) (int64, error) {
	tx := s.db
	if dbc.Tx != nil {
		tx = dbc.Tx
	}
	cutoff := now.Add(-s.cfg.RetentionTTL)

	var purged int64
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var ids []uuid.UUID
		err := txx.Model(&domain.Execution{}).
			Where("status IN ? AND completed_at IS NOT NULL AND completed_at <= ?",
				[]domain.ExecutionStatus{
					domain.ExecutionCompleted,
					domain.ExecutionFailed,
					domain.ExecutionCancelled,
					domain.ExecutionTimedOut,
				}, cutoff).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := txx.Unscoped().Where("execution_id IN ?", ids).Delete(&domain.DeadLetter{}).Error; err != nil {
			return err
		}
		if err := txx.Unscoped().Where("execution_id IN ?", ids).Delete(&domain.Task{}).Error; err != nil {
			return err
		}
		res := txx.Unscoped().Where("id IN ?", ids).Delete(&domain.Execution{})
		if res.Error != nil {
			return res.Error
		}
		purged = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
