package coordination

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/konduit-run/konduit/internal/platform/config"
	"github.com/konduit-run/konduit/internal/platform/logger"
)

// renewScript extends the lock TTL iff the lock still holds this
// instance's id; releaseScript deletes it under the same condition.
// Both are atomic check-then-act on the server, so a lock that expired
// and was re-acquired by another instance is never touched.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`

const leaderKey = "konduit:leader"

// redisLeader is a SET-if-absent-with-TTL lock. Leadership is held
// from a successful SETNX until a renewal fails or Start's ctx ends.
type redisLeader struct {
	log      *logger.Logger
	rdb      *goredis.Client
	id       string
	ttl      time.Duration
	renew    time.Duration
	isLeader atomic.Bool
}

// NewLeaderElection returns a Redis-backed LeaderElection for localID,
// or the no-op fallback when REDIS_ADDR is unset or unreachable.
func NewLeaderElection(cfg config.Config, localID string, log *logger.Logger) LeaderElection {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("REDIS_ADDR not set, leader election disabled (all instances run background jobs)")
		return NoopLeader(localID)
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		log.Warn("redis unreachable, leader election disabled (all instances run background jobs)", "error", err)
		return NoopLeader(localID)
	}

	return &redisLeader{
		log:   log.With("component", "LeaderElection"),
		rdb:   rdb,
		id:    localID,
		ttl:   cfg.LeaderLockTTL,
		renew: cfg.LeaderRenewInterval,
	}
}

func (l *redisLeader) IsLeader() bool   { return l.isLeader.Load() }
func (l *redisLeader) LeaderID() string { return l.id }

// Start runs the acquire/renew loop. Each tick either tries to take
// the lock (SET NX PX) or, if already leader, renews it via the
// compare-and-swap script; a failed renewal relinquishes leadership
// immediately rather than waiting out the TTL.
func (l *redisLeader) Start(ctx context.Context) {
	l.tick(ctx)
	t := time.NewTicker(l.renew)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-t.C:
			l.tick(ctx)
		}
	}
}

func (l *redisLeader) tick(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if l.isLeader.Load() {
		n, err := l.rdb.Eval(opCtx, renewScript, []string{leaderKey}, l.id, l.ttl.Milliseconds()).Int64()
		if err != nil || n == 0 {
			l.isLeader.Store(false)
			l.log.Warn("leadership lost", "error", err)
		}
		return
	}

	ok, err := l.rdb.SetNX(opCtx, leaderKey, l.id, l.ttl).Result()
	if err != nil {
		l.log.Warn("leader acquire failed", "error", err)
		return
	}
	if ok {
		l.isLeader.Store(true)
		l.log.Info("leadership acquired", "leader_id", l.id)
	}
}

func (l *redisLeader) release() {
	if !l.isLeader.Swap(false) {
		_ = l.rdb.Close()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = l.rdb.Eval(ctx, releaseScript, []string{leaderKey}, l.id).Result()
	_ = l.rdb.Close()
}
