package config

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// RedisHandles bundles the cache client and the lock client built on top of
// it. Redis is optional: a POS device running fully offline has no Redis, so
// every helper is nil-safe and degrades to a no-op.
type RedisHandles struct {
	Client *redis.Client
	Locker *redislock.Client
}

// ConnectRedis dials Redis if REDIS_ADDRESS is set. Absent address or an
// unreachable server both return empty handles rather than an error; read
// model caching and cross-process lease locks are an optimization, not a
// correctness requirement.
func ConnectRedis(ctx context.Context) RedisHandles {
	address := strings.TrimSpace(os.Getenv("REDIS_ADDRESS"))
	if address == "" {
		return RedisHandles{}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("redis unreachable at %s: %v; continuing without cache", address, err)
		return RedisHandles{}
	}
	return RedisHandles{
		Client: rdb,
		Locker: redislock.New(rdb),
	}
}

func (r RedisHandles) Enabled() bool { return r.Client != nil }

func (r RedisHandles) GetObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	if r.Client == nil {
		return false, nil
	}
	val, err := r.Client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (r RedisHandles) SetObject(ctx context.Context, key string, obj interface{}, exp time.Duration) error {
	if r.Client == nil {
		return nil
	}
	payload, err := utils.MarshalToJSON(obj)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, key, payload, exp).Err()
}

func (r RedisHandles) RemoveKeys(ctx context.Context, keys ...string) error {
	if r.Client == nil || len(keys) == 0 {
		return nil
	}
	return r.Client.Del(ctx, keys...).Err()
}

// ObtainLock wraps redislock.Obtain with retry suited for short grant
// critical sections. Returns nil lock when Redis is not configured; the
// caller falls back to database-level serialization.
func (r RedisHandles) ObtainLock(ctx context.Context, key string, ttl time.Duration) (*redislock.Lock, error) {
	if r.Locker == nil {
		return nil, nil
	}
	return r.Locker.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
}
