// Package session keeps pending disambiguations per conversation thread. Redis is the shared
// store when configured; an expiring in-process LRU fronts it and serves alone otherwise.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
)

const (
	keyPrefix  = "catalogrouter:pending:"
	lockPrefix = "catalogrouter:lock:"

	defaultCacheSize = 10000
	lockTTL          = 5 * time.Second
	lockWait         = 2 * time.Second
	lockStripes      = 64
)

// releaseScript deletes the lock only if we still own it.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// Store is safe for concurrent use. Different threads never contend; same-thread callers
// serialise through Lock.
type Store struct {
	client *circuitbreaker.RedisWrapper
	local  *expirable.LRU[string, *Pending]
	ttl    time.Duration
	logger *zap.Logger

	stripes [lockStripes]sync.Mutex
}

// NewStore creates a store. client may be nil for a process-local store.
func NewStore(client *circuitbreaker.RedisWrapper, ttl time.Duration, cacheSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	s := &Store{client: client, ttl: ttl, logger: logger}
	s.local = expirable.NewLRU[string, *Pending](cacheSize, func(string, *Pending) {
		metrics.SessionCacheEvictions.Inc()
	}, ttl)
	return s
}

// NewRedisStore connects to redis and fails when it is unreachable.
func NewRedisStore(addr, password string, db int, ttl time.Duration, cacheSize int, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	rw := circuitbreaker.NewRedisWrapper(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rw.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewStore(rw, ttl, cacheSize, logger), nil
}

// TTL returns the entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns a copy of the pending entry for threadID, or ErrNotFound. When redis fails the
// local cache answers.
func (s *Store) Get(ctx context.Context, threadID string) (*Pending, error) {
	if s.client != nil {
		p, err := s.getRemote(ctx, threadID)
		if err == nil || errors.Is(err, ErrNotFound) {
			return p, err
		}
		s.logger.Error("Session store read failed; using local cache", zap.String("thread_id", threadID), zap.Error(err))
	}
	if p, ok := s.local.Get(threadID); ok && !p.IsExpired() {
		metrics.SessionCacheHits.Inc()
		return p.clone(), nil
	}
	metrics.SessionCacheMisses.Inc()
	return nil, ErrNotFound
}

func (s *Store) getRemote(ctx context.Context, threadID string) (*Pending, error) {
	data, err := s.client.Get(ctx, keyPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		s.local.Remove(threadID)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending disambiguation: %w", err)
	}
	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending disambiguation: %w", err)
	}
	if p.IsExpired() {
		return nil, ErrNotFound
	}
	s.local.Add(threadID, p.clone())
	return &p, nil
}

// Set stores p under threadID with a fresh TTL.
func (s *Store) Set(ctx context.Context, threadID string, p *Pending) error {
	if err := p.validate(); err != nil {
		return err
	}
	now := time.Now()
	stored := p.clone()
	stored.ThreadID = threadID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.ExpiresAt = now.Add(s.ttl)
	return s.save(ctx, stored, s.ttl)
}

func (s *Store) save(ctx context.Context, p *Pending, ttl time.Duration) error {
	s.local.Add(p.ThreadID, p.clone())
	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending disambiguation: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+p.ThreadID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pending disambiguation: %w", err)
	}
	return nil
}

// Update applies mutate to the stored entry, keeping its remaining TTL. Callers that read and
// then write the same thread should hold Lock.
func (s *Store) Update(ctx context.Context, threadID string, mutate func(*Pending) error) error {
	p, err := s.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if err := mutate(p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	p.ThreadID = threadID
	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		ttl = s.ttl
		p.ExpiresAt = time.Now().Add(ttl)
	}
	return s.save(ctx, p, ttl)
}

// Delete removes the entry. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.local.Remove(threadID)
	if s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, keyPrefix+threadID).Err(); err != nil {
		return fmt.Errorf("failed to delete pending disambiguation: %w", err)
	}
	return nil
}

// Lock serialises work on one thread. The in-process stripe is always taken; with redis a
// SET NX lease is taken too so replicas also serialise. The returned func releases both.
func (s *Store) Lock(ctx context.Context, threadID string) (func(), error) {
	mu := &s.stripes[stripe(threadID)]
	mu.Lock()
	if s.client == nil {
		return mu.Unlock, nil
	}

	key := lockPrefix + threadID
	token := uuid.New().String()
	deadline := time.Now().Add(lockWait)
	backoff := 10 * time.Millisecond
	for {
		ok, err := s.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			// redis down: the in-process stripe still holds
			s.logger.Warn("Thread lock unavailable; using local lock only", zap.String("thread_id", threadID), zap.Error(err))
			return mu.Unlock, nil
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, threadID)
		}
		select {
		case <-ctx.Done():
			mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.client.Eval(rctx, releaseScript, []string{key}, token).Err(); err != nil {
			s.logger.Warn("Failed to release thread lock", zap.String("thread_id", threadID), zap.Error(err))
		}
		mu.Unlock()
	}, nil
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

// Close closes the redis client, if any.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// RedisWrapper returns the underlying redis wrapper for health checks, or nil.
func (s *Store) RedisWrapper() *circuitbreaker.RedisWrapper {
	return s.client
}
