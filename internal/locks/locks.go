// Package locks provides keyed, non-blocking claims used to keep at most
// one sync per calendar source in flight.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gitea.jw6.us/james/calsync/internal/store"
)

// Locker hands out exclusive claims on keys. TryAcquire never waits: ok is
// false when another holder owns the key. Claims expire after ttl so a
// crashed holder cannot wedge a key.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Memory is a process-local Locker. It only serializes callers within one
// process; use Store or Redis when several processes share a database.
type Memory struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

type claim struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{claims: map[string]claim{}, now: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, held := m.claims[key]; held && now.Before(c.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.claims[key] = claim{token: token, expires: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.claims[key]; ok && c.token == token {
			delete(m.claims, key)
		}
	}, true, nil
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker shared by every process using the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// The caller's context may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("[WARN] release lock %s (left to expire): %v", full, err)
		}
	}, true, nil
}

// Store is a Locker backed by the database, so every process sharing it
// sees the same claims.
type Store struct {
	claims store.ClaimRepository
}

func NewStore(claims store.ClaimRepository) *Store {
	return &Store{claims: claims}
}

func (s *Store) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := s.claims.TryClaim(ctx, key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.claims.Release(ctx, key, token); err != nil {
			log.Printf("[WARN] release lock %s (left to expire): %v", key, err)
		}
	}, true, nil
}
