package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/logger"
)

// redisNotifier pushes "tasks available" wakeups over a Redis pub/sub
// channel. The payload carries no information; receipt alone is the
// signal, and a missed message costs at most one poll interval.
type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewNotifier returns a Redis-backed TaskNotifier, or the no-op
// notifier when REDIS_ADDR is unset or the server cannot be reached at
// startup. Unreachability is a warning, never fatal.
func NewNotifier(cfg config.Config, log *logger.Logger) TaskNotifier {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("REDIS_ADDR not set, task notification disabled (polling only)")
		return NoopNotifier()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		log.Warn("redis unreachable, task notification disabled (polling only)", "error", err)
		return NoopNotifier()
	}

	return &redisNotifier{
		log:     log.With("component", "TaskNotifier"),
		rdb:     rdb,
		channel: cfg.RedisChannel,
	}
}

func (n *redisNotifier) NotifyTasksAvailable() {
	if n == nil || n.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, n.channel, "wake").Err(); err != nil {
		n.log.Warn("task notification publish failed", "error", err)
	}
}

func (n *redisNotifier) StartForwarder(ctx context.Context, onWake func()) error {
	if n == nil || n.rdb == nil {
		return fmt.Errorf("notifier not initialized")
	}
	if onWake == nil {
		return fmt.Errorf("onWake callback required")
	}

	sub := n.rdb.Subscribe(ctx, n.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				onWake()
			}
		}
	}()

	return nil
}

func (n *redisNotifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Close()
}
