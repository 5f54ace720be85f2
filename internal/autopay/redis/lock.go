package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-raffle/internal/logger"
)

// Redis provides the draw-scoped orchestration lock. Only one autopay run
// may process a draw at a time; the TTL guarantees the lock dies with a
// crashed orchestrator.
type Redis struct {
	Client *redis.Client
	Log    *logger.Logger
	TTL    time.Duration
}

func NewRedis(client *redis.Client, log *logger.Logger, ttl time.Duration) *Redis {
	return &Redis{Client: client, Log: log, TTL: ttl}
}

// AcquireDrawLock takes the orchestration lock for a draw. Returns false
// when another run already holds it.
func (r *Redis) AcquireDrawLock(ctx context.Context, drawID, runnerID string) (bool, error) {
	key := "autopay_lock:" + drawID
	ok, err := r.Client.SetNX(ctx, key, runnerID, r.TTL).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.Log.Info("REDIS", "Acquired autopay lock for draw "+drawID)
	}
	return ok, nil
}

// ReleaseDrawLock frees the lock, but only for the runner that holds it.
// A lock that expired and was re-acquired by another runner stays put.
func (r *Redis) ReleaseDrawLock(ctx context.Context, drawID, runnerID string) error {
	key := "autopay_lock:" + drawID
	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val == runnerID {
		_, err := r.Client.Del(ctx, key).Result()
		if err == nil {
			r.Log.Info("REDIS", "Released autopay lock for draw "+drawID)
		}
		return err
	}
	return nil
}
