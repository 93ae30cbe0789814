package worker

import (
	"context"
	"fmt"
	"time"

	"payment-service/internal/pkg/log"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepLockName = "payment:sweeper"

type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// Locker grants the right to run one sweep. Unlock is called when it is done.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

type redisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	log    log.Logger
}

// NewRedisLocker returns a Locker backed by a redsync mutex, so only one
// worker replica sweeps per tick.
func NewRedisLocker(client *redis.Client, expiry time.Duration, log log.Logger) Locker {
	return &redisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		log:    log,
	}
}

func (l *redisLocker) Lock(ctx context.Context) (func(), error) {
	mutex := l.rs.NewMutex(sweepLockName, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", sweepLockName, err)
	}
	return func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			l.log.Warn(ctx, "error release sweep lock", zap.Error(err))
		}
	}, nil
}

type Sweeper struct {
	usecase  StaleSweeper
	locker   Locker
	interval time.Duration
	log      log.Logger
}

func NewSweeper(usecase StaleSweeper, locker Locker, interval time.Duration, log log.Logger) *Sweeper {
	return &Sweeper{
		usecase:  usecase,
		locker:   locker,
		interval: interval,
		log:      log,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info(ctx, "stale transaction sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "stale transaction sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error(ctx, "error sweep stale transactions", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep if no other worker holds the lock. It
// returns the number of newly flagged transactions.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		s.log.Info(ctx, "sweep skipped, lock held elsewhere", zap.Error(err))
		return 0, nil
	}
	defer unlock()

	return s.usecase.SweepStale(ctx)
}
