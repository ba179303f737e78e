package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ticketstack/internal/config"
)

const leaseKey = "ticketstack:scheduler:tick"

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Leaser keeps ticks from overlapping across instances. It only saves
// duplicate work; the conditional updates in the raffle store stay the
// source of truth when two ticks do overlap.
type Leaser interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// RedisLease holds the tick lease as a Redis key owned by a random token.
type RedisLease struct {
	client *redis.Client
	script *redis.Script
	key    string
}

func NewRedisLease(client *redis.Client) *RedisLease {
	if client == nil {
		return nil
	}
	return &RedisLease{
		client: client,
		script: redis.NewScript(leaseReleaseScript),
		key:    leaseKey,
	}
}

// ProvideLeaser returns nil when Redis is not configured, in which case
// every tick runs.
func ProvideLeaser(cfg config.Config) Leaser {
	if !cfg.Redis.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	return NewRedisLease(client)
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (func(context.Context), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lease client not configured")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func(ctx context.Context) {
		_ = l.script.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}
