// Package lock provides a Redis-backed ledger.OwnerLocker for running more
// than one settlement process against the same database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/warp/settlement-engine/ledger"
)

const keyPrefix = "settle:owner:"

// RedisLocker serializes settlements per owner across processes.
//
// The TTL bounds how long a crashed holder can block an owner. While the
// lock is held it is refreshed every TTL/2, so a slow settlement keeps it.
// Obtain retries with linear backoff and gives up with
// ledger.ErrConcurrencyConflict.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

type Options struct {
	TTL     time.Duration
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger
}

var _ ledger.OwnerLocker = (*RedisLocker)(nil)

func NewRedisLocker(rdb redis.UniversalClient, opts Options) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 20
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisLocker{
		client:  redislock.New(rdb),
		ttl:     opts.TTL,
		retries: opts.Retries,
		backoff: opts.Backoff,
		logger:  opts.Logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, ownerID ledger.OwnerID) (func(), error) {
	key := keyPrefix + string(ownerID)
	lk, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: owner %s is locked", ledger.ErrConcurrencyConflict, ownerID)
		}
		return nil, fmt.Errorf("%w: obtain %s: %v", ledger.ErrConcurrencyConflict, key, err)
	}

	log := l.logger.With("owner_id", ownerID)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lk, log, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// Released with a fresh context: the caller's may already be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lk.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warn("release owner lock", "error", err)
			}
		})
	}, nil
}

// keepAlive extends the lock every ttl/2 until stop is closed. If a refresh
// fails the lock may be lost; that is logged and refreshing stops.
func (l *RedisLocker) keepAlive(lk *redislock.Lock, log *slog.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 2
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := lk.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				log.Warn("refresh owner lock failed, lock may be lost", "key", lk.Key(), "error", err)
				return
			}
		}
	}
}
