// Package kvstore defines the KVStore capability the registry and auth core
// consume, and provides a Redis-backed implementation adapted from
// third_party/cache's Redis wrapper and from the Redis repository patterns
// in pkg/gourdiantoken-master.
package kvstore

import (
	"context"
	"time"
)

// KVStore is the only cross-node shared state the core depends on. All
// operations may fail transiently; the auth core translates failure into
// gatewayerr.StoreUnavailable, while the registry wraps it with fmt.Errorf.
type KVStore interface {
	// Hash operations.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Set operations.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Scalar operations, TTL optional (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error

	// SetNX atomically sets key only if absent, returning whether it won the
	// race. Used for at-most-once refresh-token rotation.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Execute runs a small atomic script against the store. Scripts are
	// identified by name; see redis.go for the registered set.
	Execute(ctx context.Context, script string, keys []string, args ...any) (any, error)

	Ping(ctx context.Context) error
}

// ObjectStore is consumed by the downstream microservices, not by the core
// itself. It is declared here only so embedders constructing the gateway
// alongside an ObjectStore-backed service have a shared capability name to
// depend on; the core never calls it.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
