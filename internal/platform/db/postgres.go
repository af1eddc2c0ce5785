// Package db wires the Postgres connection and schema migration for
// the durable store: env-sourced DSN, a gorm logger routed through the
// application logger, uuid-ossp bootstrap, and AutoMigrate plus the
// partial indexes the queue depends on.
package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/konduit-run/konduit/internal/domain"
	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/logger"
)

// Service owns the pooled Postgres connection backing the durable
// store.
type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to Postgres using cfg's connection settings and enables
// the uuid-ossp extension (the uuid_generate_v4() column defaults rely
// on it for every row inserted without an explicit id).
func Open(cfg config.Config, log *logger.Logger) (*Service, error) {
	svcLog := log.With("service", "PostgresService")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresName,
	)

	gormLog := &gormLoggerAdapter{log: svcLog}

	svcLog.Info("connecting to postgres")
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog.LogMode(gormLogger.Warn),
	})
	if err != nil {
		svcLog.Error("failed to connect to postgres", "error", err)
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := conn.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		svcLog.Error("failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("enable uuid-ossp: %w", err)
	}

	return &Service{db: conn, log: svcLog}, nil
}

// AutoMigrate creates or updates every table the durable store owns.
func (s *Service) AutoMigrate() error {
	s.log.Info("auto migrating tables")
	err := s.db.AutoMigrate(
		&domain.Execution{},
		&domain.Task{},
		&domain.DeadLetter{},
		&domain.WorkerRecord{},
	)
	if err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	return s.createIndexes()
}

// createIndexes adds the partial/composite indexes the acquisition,
// reclamation, and fan-in queries depend on; AutoMigrate alone cannot
// express partial-index predicates.
func (s *Service) createIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_pending_retry ON tasks (status, next_retry_at) WHERE status = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_locked_timeout ON tasks (status, lock_timeout_at) WHERE status = 'LOCKED'`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_execution_group ON tasks (execution_id, parallel_group)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// DB returns the underlying *gorm.DB handle for repo construction.
func (s *Service) DB() *gorm.DB { return s.db }

// gormLoggerAdapter routes GORM's own log lines through the
// application's zap-backed logger instead of GORM's stdlib logger,
// ignoring record-not-found noise (critical for a polling queue).
type gormLoggerAdapter struct {
	log      *logger.Logger
	logLevel gormLogger.LogLevel
}

func (a *gormLoggerAdapter) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *a
	clone.logLevel = level
	return &clone
}

func (a *gormLoggerAdapter) Info(_ context.Context, msg string, args ...interface{}) {
	if a.logLevel >= gormLogger.Info {
		a.log.Info(msg, args...)
	}
}

func (a *gormLoggerAdapter) Warn(_ context.Context, msg string, args ...interface{}) {
	if a.logLevel >= gormLogger.Warn {
		a.log.Warn(msg, args...)
	}
}

func (a *gormLoggerAdapter) Error(_ context.Context, msg string, args ...interface{}) {
	if a.logLevel >= gormLogger.Error {
		a.log.Error(msg, args...)
	}
}

func (a *gormLoggerAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if a.logLevel <= gormLogger.Silent {
		return
	}
	sql, rows := fc()
	elapsed := time.Since(begin)
	fields := []interface{}{"elapsed", elapsed, "rows", rows, "sql", sql}
	switch {
	case err != nil && !isRecordNotFound(err) && a.logLevel >= gormLogger.Error:
		a.log.Error("gorm query error", append(fields, "error", err)...)
	case elapsed > time.Second && a.logLevel >= gormLogger.Warn:
		a.log.Warn("slow gorm query", fields...)
	}
}

func isRecordNotFound(err error) bool {
	return err != nil && err.Error() == "record not found"
}
