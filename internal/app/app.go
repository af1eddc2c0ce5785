// Package app wires the engine: config, logger, store, registries,
// queue, dispatcher, advancer, worker pool, coordination, and the
// background jobs. New builds everything, Start launches the
// background components, Close tears down in reverse.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/konduit-run/konduit/internal/advancer"
	"github.com/konduit-run/konduit/internal/coordination"
	"github.com/konduit-run/konduit/internal/dispatcher"
	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/db"
	"github.com/konduit-run/konduit/internal/platform/logger"
	"github.com/konduit-run/konduit/internal/queue"
	"github.com/konduit-run/konduit/internal/reclaim"
	"github.com/konduit-run/konduit/internal/retention"
	"github.com/konduit-run/konduit/internal/runtime"
	"github.com/konduit-run/konduit/internal/trigger"
	"github.com/konduit-run/konduit/internal/worker"
	"github.com/konduit-run/konduit/internal/workflow"
)

// App is the assembled engine.
type App struct {
	Log       *logger.Logger
	Cfg       config.Config
	DB        *gorm.DB
	Workflows *workflow.Registry
	Handlers  *runtime.HandlerRegistry
	Queue     queue.TaskQueue
	Trigger   *trigger.Service
	Pool      *worker.Pool

	notifier  coordination.TaskNotifier
	leader    coordination.LeaderElection
	reclaimer *reclaim.Service
	retention *retention.Service
	cron      *cron.Cron

	cancel   context.CancelFunc
	poolDone chan struct{}
}

// New builds the engine from the environment. Workflow bundles are
// loaded from WORKFLOW_BUNDLE_DIR when set; handlers are registered by
// the embedding process on the returned Handlers registry before
// Start.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration")
	cfg := config.Load(log)

	pg, err := db.Open(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	workflows := workflow.NewRegistry()
	if dir := strings.TrimSpace(os.Getenv("WORKFLOW_BUNDLE_DIR")); dir != "" {
		if err := workflows.LoadBundleDir(dir); err != nil {
			log.Sync()
			return nil, fmt.Errorf("load workflow bundles: %w", err)
		}
	}
	handlers := runtime.NewHandlerRegistry()

	q := queue.New(theDB, log)
	disp := dispatcher.New(theDB, log)
	notifier := coordination.NewNotifier(cfg, log)
	adv := advancer.New(theDB, disp, q, workflows, notifier, log)
	records := worker.NewRecordStore(theDB, log)
	pool := worker.NewPool(theDB, cfg, q, adv, handlers, workflows, records, notifier, log)
	leader := coordination.NewLeaderElection(cfg, pool.ID(), log)

	return &App{
		Log:       log,
		Cfg:       cfg,
		DB:        theDB,
		Workflows: workflows,
		Handlers:  handlers,
		Queue:     q,
		Trigger:   trigger.New(theDB, workflows, disp, q, notifier, cfg, log),
		Pool:      pool,
		notifier:  notifier,
		leader:    leader,
		reclaimer: reclaim.New(theDB, q, records, leader, cfg, log),
		retention: retention.New(theDB, leader, cfg, log),
	}, nil
}

// Start launches the background components: leader election, the cron
// jobs, and the worker pool. Idempotent; a second call is a no-op.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.leader.Start(ctx)

	a.cron = cron.New()
	if err := a.reclaimer.Schedule(ctx, a.cron); err != nil {
		return err
	}
	if err := a.retention.Schedule(ctx, a.cron); err != nil {
		return err
	}
	a.cron.Start()

	a.poolDone = make(chan struct{})
	go func() {
		defer close(a.poolDone)
		if err := a.Pool.Run(ctx); err != nil {
			a.Log.Error("worker pool exited with error", "error", err)
		}
	}()
	return nil
}

// Close signals shutdown and waits for the pool to drain (the pool
// bounds the wait by drainTimeout itself).
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.poolDone != nil {
		<-a.poolDone
		a.poolDone = nil
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
		a.cron = nil
	}
	if a.notifier != nil {
		_ = a.notifier.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
