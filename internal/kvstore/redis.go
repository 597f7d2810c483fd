package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
)

// RedisConfig mirrors third_party/cache.RedisConfig; kept as a plain value
// rather than a package-level singleton, threaded explicitly through
// kvstore.NewRedis instead.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// redisStore implements KVStore against a single go-redis client. It carries
// no other state: the handler table, the session registry, and the auth
// revocation set never own a pointer back into this struct, only this
// interface.
type redisStore struct {
	client *redis.Client
}

// NewRedis dials Redis and verifies connectivity before returning, the same
// construction-time health check NewRedisConnection performs.
func NewRedis(cfg RedisConfig) (KVStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logx.Errorf("failed to connect to redis: %v", err)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logx.Info("connected to redis kv store")
	return &redisStore{client: rdb}, nil
}

// NewRedisFromClient wraps an already-constructed client, used by tests that
// point go-redis at a miniredis instance.
func NewRedisFromClient(client *redis.Client) KVStore {
	return &redisStore{client: client}
}

func (r *redisStore) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *redisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *redisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.client.HDel(ctx, key, fields...).Err()
}

func (r *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]any, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	return r.client.SAdd(ctx, key, anyMembers...).Err()
}

func (r *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]any, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	return r.client.SRem(ctx, key, anyMembers...).Err()
}

func (r *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *redisStore) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

func (r *redisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// SetNX is the primitive the auth core builds at-most-once refresh-token
// rotation on top of, the same
// SETNX-based approach the vendored gourdiantoken Redis repository
// documents for its own rotation bookkeeping.
func (r *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// scripts are small atomic compositions of the primitives above, run via
// EVAL so a caller never observes a partially-applied mutation.
var scripts = map[string]*redis.Script{
	// evictSession atomically removes a device-session's hash field and
	// platform-set entry, and clears online:users membership if the user
	// has no remaining sessions. KEYS: sessionsKey, platformKey, onlineKey.
	// ARGV: field, userID.
	"evict_session": redis.NewScript(`
		redis.call('HDEL', KEYS[1], ARGV[1])
		redis.call('SREM', KEYS[2], ARGV[1])
		if redis.call('HLEN', KEYS[1]) == 0 then
			redis.call('SREM', KEYS[3], ARGV[2])
		end
		return 1
	`),
}

func (r *redisStore) Execute(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	s, ok := scripts[script]
	if !ok {
		return nil, fmt.Errorf("kvstore: unknown script %q", script)
	}
	return s.Run(ctx, r.client, keys, args...).Result()
}

func (r *redisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
