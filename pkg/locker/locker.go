// Package locker provides the distributed mutex and the request rate
// limiter. With Redis configured both are cluster-wide; without it the
// mutex degrades to never-acquired (callers decide whether to proceed)
// and the limiter to an in-process bucket, unless strict mode forbids
// the degradation.
package locker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendvault/sendvault/pkg/config"
)

// ErrBackendUnavailable is returned by strict-mode limiters when the
// external backend cannot serve the request.
var ErrBackendUnavailable = errors.New("locker: lock backend unavailable")

// Decision is one rate-limit verdict.
type Decision struct {
	OK           bool
	Count        int64 // -1 when rejected by the backend script
	Remaining    int64
	RetryAfterMs int64
}

// Mutex is the cluster-wide try-lock. TryAcquire returns an empty token
// when the lock is held elsewhere or no backend exists.
type Mutex interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Limiter enforces a fixed-window budget per key.
type Limiter interface {
	Allow(ctx context.Context, key string, max int64, window time.Duration) (Decision, error)
}

// Backend bundles both concerns over one connection.
type Backend struct {
	Mutex   Mutex
	Limiter Limiter

	client *redis.Client
}

// Distributed reports whether the mutex is cluster-wide.
func (b *Backend) Distributed() bool { return b.client != nil }

// Ping probes backend liveness. The in-process fallback reports
// ErrBackendUnavailable so readiness checks can tell the modes apart.
func (b *Backend) Ping(ctx context.Context) error {
	if b.client == nil {
		return ErrBackendUnavailable
	}
	return b.client.Ping(ctx).Err()
}

// Close disconnects the backend; safe on the in-process fallback.
func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// New selects the backend from configuration. Strict mode refuses to
// degrade to the in-process fallback.
func New(ctx context.Context, cfg *config.Config) (*Backend, error) {
	logger := slog.Default().With("component", "locker")

	if cfg.RedisAddr == "" {
		if cfg.StrictMode {
			return nil, ErrBackendUnavailable
		}
		logger.Warn("no lock backend configured; using in-process fallback")
		return &Backend{Mutex: noopMutex{}, Limiter: newMemoryLimiter()}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.LockTimeout,
		ReadTimeout:  cfg.LockTimeout,
		WriteTimeout: cfg.LockTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.LockTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if cfg.StrictMode {
			return nil, errors.Join(ErrBackendUnavailable, err)
		}
		logger.Warn("lock backend unreachable; using in-process fallback", "addr", cfg.RedisAddr, "err", err)
		return &Backend{Mutex: noopMutex{}, Limiter: newMemoryLimiter()}, nil
	}

	logger.Info("lock backend connected", "addr", cfg.RedisAddr)
	r := newRedisBackend(client)
	return &Backend{Mutex: r, Limiter: r, client: client}, nil
}

// noopMutex never acquires. Single-instance callers treat the missing
// lock as theirs; distributed callers skip the tick.
type noopMutex struct{}

func (noopMutex) TryAcquire(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (noopMutex) Release(context.Context, string, string) (bool, error) { return false, nil }
