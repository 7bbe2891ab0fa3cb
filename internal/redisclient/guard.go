package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Abraj743/opd-token-engine/internal/concurrency"
)

// Connect opens the client backing the operation guard. Guard traffic is
// one short SETNX or DEL per allocation, so the pool is sized for request
// bursts and the per command timeouts are kept tight: a guard that cannot
// answer quickly is treated as unavailable rather than waited on.
func Connect(ctx context.Context, addr, username, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     username,
		Password:     password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     32,
		MinIdleConns: 4,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// OperationGuard short-circuits duplicate concurrent operations across
// processes using a per operation Redis key. Keys left behind by crashed
// holders expire with the TTL, which doubles as the staleness bound.
type OperationGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewOperationGuard(client *redis.Client, ttl time.Duration) *OperationGuard {
	return &OperationGuard{
		client: client,
		ttl:    ttl,
	}
}

// Acquire claims the operation key and returns a release func. It fails
// with concurrency.ErrDuplicateOperation while another holder owns the key.
func (g *OperationGuard) Acquire(ctx context.Context, opKey string) (func(), error) {
	key := fmt.Sprintf("guard:op:%s", opKey)
	owner := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, owner, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire operation guard: %w", err)
	}
	if !ok {
		return nil, concurrency.ErrDuplicateOperation
	}

	release := func() {
		// The request context may already be done; the key must still go.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.release(relCtx, key, owner)
	}
	return release, nil
}

var releaseScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// release deletes the key only if owner still holds it.
func (g *OperationGuard) release(ctx context.Context, key, owner string) error {
	_, err := releaseScript.Run(ctx, g.client, []string{key}, owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release operation guard: %w", err)
	}
	return nil
}
