package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepGuard coordinates sweeps across scheduler instances: a lease so a
// sweep runs once at a time, and a cancellation flag keyed by sweep name.
type SweepGuard interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
	RequestCancel(ctx context.Context, name string, ttl time.Duration) error
	CancelRequested(ctx context.Context, name string) (bool, error)
	ClearCancel(ctx context.Context, name string) error
}

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSweepGuard implements SweepGuard on Redis.
type RedisSweepGuard struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSweepGuard creates a Redis-backed sweep guard.
func NewRedisSweepGuard(client redis.UniversalClient, prefix string) *RedisSweepGuard {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "billing"
	}
	return &RedisSweepGuard{client: client, prefix: trimmedPrefix}
}

func (g *RedisSweepGuard) lockKey(name string) string {
	return fmt.Sprintf("%s:sweep:lock:%s", g.prefix, name)
}

func (g *RedisSweepGuard) cancelKey(name string) string {
	return fmt.Sprintf("%s:sweep:cancel:%s", g.prefix, name)
}

func (g *RedisSweepGuard) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.lockKey(name), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		_ = releaseLeaseScript.Run(context.Background(), g.client, []string{g.lockKey(name)}, token).Err()
	}
	return release, true, nil
}

func (g *RedisSweepGuard) RequestCancel(ctx context.Context, name string, ttl time.Duration) error {
	return g.client.Set(ctx, g.cancelKey(name), "1", ttl).Err()
}

func (g *RedisSweepGuard) CancelRequested(ctx context.Context, name string) (bool, error) {
	n, err := g.client.Exists(ctx, g.cancelKey(name)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisSweepGuard) ClearCancel(ctx context.Context, name string) error {
	return g.client.Del(ctx, g.cancelKey(name)).Err()
}

// LocalSweepGuard is the in-process fallback used when Redis is unavailable.
// It only coordinates sweeps inside one process.
type LocalSweepGuard struct {
	mu      sync.Mutex
	leases  map[string]time.Time
	cancels map[string]time.Time
}

// NewLocalSweepGuard creates an in-process sweep guard.
func NewLocalSweepGuard() *LocalSweepGuard {
	return &LocalSweepGuard{leases: map[string]time.Time{}, cancels: map[string]time.Time{}}
}

func (g *LocalSweepGuard) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if expires, ok := g.leases[name]; ok && expires.After(now) {
		return nil, false, nil
	}
	expires := now.Add(ttl)
	g.leases[name] = expires
	release := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.leases[name].Equal(expires) {
			delete(g.leases, name)
		}
	}
	return release, true, nil
}

func (g *LocalSweepGuard) RequestCancel(ctx context.Context, name string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels[name] = time.Now().Add(ttl)
	return nil
}

func (g *LocalSweepGuard) CancelRequested(ctx context.Context, name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	expires, ok := g.cancels[name]
	return ok && expires.After(time.Now()), nil
}

func (g *LocalSweepGuard) ClearCancel(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cancels, name)
	return nil
}
