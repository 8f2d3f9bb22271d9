// Package cache implements the two-tier cache that holds tenant context:
// a process-lifetime memory tier in front of a persistent KV tier.
//
// Persistent entries are written as a versioned JSON envelope. An envelope
// with a different schema version, a body that no longer decodes, or an
// elapsed TTL is treated as absent and removed when read.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"github.com/pedromerinno/mnnoschool/internal/store"
	"go.uber.org/zap"
)

const (
	// schemaVersion must be bumped whenever the shape of a cached value changes
	schemaVersion = 1

	// DefaultNamespace prefixes every persistent key written by a Store
	DefaultNamespace = "tenantctx:"

	tierMemory     = "memory"
	tierPersistent = "persistent"
)

type envelope struct {
	Version  int             `json:"v"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTLMs    int64           `json:"ttl_ms"`
}

func (e *envelope) expiresAt() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLMs) * time.Millisecond)
}

// Store is the cache service shared by the fetch orchestrator and the selection manager
type Store struct {
	// wipeMu is held exclusively by InvalidateAll, so a write or backfill
	// either lands before the wipe and is removed by it, or starts after it
	wipeMu sync.RWMutex

	memory     *MemoryTier
	persistent store.KV
	namespace  string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithNamespace sets the persistent key prefix
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock overrides the time source of the store and its memory tier
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a two-tier store
func NewStore(memory *MemoryTier, persistent store.KV, opts ...Option) *Store {
	s := &Store{
		memory:     memory,
		persistent: persistent,
		namespace:  DefaultNamespace,
		logger:     zap.NewNop(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	memory.mu.Lock()
	memory.now = s.now
	memory.mu.Unlock()

	return s
}

// Get decodes the cached value for key into dst.
// It reports false when neither tier holds a valid entry.
func (s *Store) Get(ctx context.Context, key string, dst any) bool {
	s.wipeMu.RLock()
	defer s.wipeMu.RUnlock()

	if raw, _, ok := s.memory.Get(key); ok {
		if err := json.Unmarshal(raw, dst); err == nil {
			s.metrics.RecordCacheHit(tierMemory)
			return true
		}
		s.logger.Warn("Dropping undecodable memory cache entry", zap.String("key", key))
		s.memory.Delete(key)
	}
	s.metrics.RecordCacheMiss(tierMemory)

	env, ok := s.loadPersistent(ctx, key)
	if !ok {
		s.metrics.RecordCacheMiss(tierPersistent)
		return false
	}

	if err := json.Unmarshal(env.Value, dst); err != nil {
		s.logger.Warn("Dropping undecodable persistent cache entry",
			zap.String("key", key),
			zap.Error(err))
		s.removePersistent(ctx, key)
		s.metrics.RecordCacheMiss(tierPersistent)
		return false
	}

	// Backfill the memory tier for the remaining lifetime of the entry
	s.memory.Set(key, env.Value, env.expiresAt())
	s.metrics.RecordCacheHit(tierPersistent)

	s.logger.Debug("Cache entry restored from persistent tier", zap.String("key", key))
	return true
}

// Set writes value to both tiers. Only an encoding failure is returned;
// a persistent write failure is logged and the memory tier still holds the value.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("invalid ttl %s for key %s", ttl, key)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}

	s.wipeMu.RLock()
	defer s.wipeMu.RUnlock()

	now := s.now()
	s.memory.Set(key, raw, now.Add(ttl))

	env := envelope{
		Version:  schemaVersion,
		Value:    raw,
		StoredAt: now,
		TTLMs:    ttl.Milliseconds(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode cache envelope for %s: %w", key, err)
	}

	if err := s.persistent.Set(ctx, s.namespace+key, string(data)); err != nil {
		s.logger.Warn("Failed to write persistent cache entry",
			zap.String("key", key),
			zap.Error(err))
		s.metrics.RecordCacheWriteFailure("set")
	}

	return nil
}

// Invalidate removes key from both tiers
func (s *Store) Invalidate(ctx context.Context, key string) {
	s.memory.Delete(key)
	s.removePersistent(ctx, key)
	s.metrics.RecordInvalidation("key")

	s.logger.Debug("Cache entry invalidated", zap.String("key", key))
}

// InvalidateAll clears the memory tier and every persistent key in the namespace.
// Used on sign-in and sign-out so nothing from a previous identity survives.
func (s *Store) InvalidateAll(ctx context.Context) error {
	s.wipeMu.Lock()
	defer s.wipeMu.Unlock()

	s.memory.Clear()
	s.metrics.RecordInvalidation("all")

	keys, err := s.persistent.Keys(ctx, s.namespace)
	if err != nil {
		s.metrics.RecordCacheWriteFailure("invalidate_all")
		return fmt.Errorf("failed to list persistent cache keys: %w", err)
	}

	var errs []error
	for _, k := range keys {
		if err := s.persistent.Remove(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", k, err))
		}
	}
	if len(errs) > 0 {
		s.metrics.RecordCacheWriteFailure("invalidate_all")
		return errors.Join(errs...)
	}

	s.logger.Info("Cache fully invalidated", zap.Int("persistent_keys", len(keys)))
	return nil
}

// IsFresh reports whether either tier holds an unexpired entry for key
func (s *Store) IsFresh(ctx context.Context, key string) bool {
	if _, _, ok := s.memory.Get(key); ok {
		return true
	}
	_, ok := s.loadPersistent(ctx, key)
	return ok
}

// loadPersistent reads and validates the envelope for key, deleting it when unusable
func (s *Store) loadPersistent(ctx context.Context, key string) (*envelope, bool) {
	data, err := s.persistent.Get(ctx, s.namespace+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Failed to read persistent cache entry",
				zap.String("key", key),
				zap.Error(err))
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil || env.Version != schemaVersion {
		s.logger.Info("Discarding persistent cache entry with unknown schema",
			zap.String("key", key),
			zap.Int("version", env.Version))
		s.removePersistent(ctx, key)
		return nil, false
	}

	if !s.now().Before(env.expiresAt()) {
		s.logger.Debug("Persistent cache entry expired", zap.String("key", key))
		s.removePersistent(ctx, key)
		return nil, false
	}

	return &env, true
}

func (s *Store) removePersistent(ctx context.Context, key string) {
	if err := s.persistent.Remove(ctx, s.namespace+key); err != nil {
		s.logger.Warn("Failed to remove persistent cache entry",
			zap.String("key", key),
			zap.Error(err))
		s.metrics.RecordCacheWriteFailure("remove")
	}
}
