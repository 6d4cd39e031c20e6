package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/config"
)

const (
	keyPrefix  = "gotrs-mail:lock:"
	defaultTTL = time.Minute
)

// release deletes the key only while it still holds our token
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extend pushes the expiry out only while the key still holds our token
var extend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// NewRedisClient connects to the configured Redis server
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.GetRedisAddr()},
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Redis is a lock shared by every process using the same Redis server
type Redis struct {
	client client
	logger *zap.Logger
}

// NewRedis creates a Redis backed locker
func NewRedis(rdb redis.UniversalClient, logger *zap.Logger) *Redis {
	return newRedis(rdb, logger)
}

func newRedis(c client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: c, logger: logger.Named("lock")}
}

// Lock is a held lock
type Lock struct {
	r     *Redis
	key   string
	token string
}

// Acquire takes the named lock for ttl or returns ErrNotAcquired
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	key := keyPrefix + name

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{r: r, key: key, token: token}, nil
}

// Release frees the lock. Releasing an expired lock is not an error.
func (l *Lock) Release(ctx context.Context) error {
	if err := release.Run(ctx, l.r.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// Refresh extends a held lock. It fails with ErrNotAcquired once the lock has
// expired and been taken by someone else.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := extend.Run(ctx, l.r.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotAcquired
	}
	return nil
}

// TryRun implements Locker. The lock is refreshed at half its ttl while fn
// runs.
func (r *Redis) TryRun(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	l, err := r.Acquire(ctx, name, ttl)
	if errors.Is(err, ErrNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(runCtx, ttl); err != nil {
					r.logger.Warn("lost lock while running", zap.String("lock", name), zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	runErr := fn(runCtx)
	cancel()
	<-done

	// release with a fresh context so a cancelled job still frees its lock
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if err := l.Release(releaseCtx); err != nil {
		r.logger.Warn("failed to release lock", zap.String("lock", name), zap.Error(err))
	}
	return true, runErr
}
