// Package cache provides the response cache for the query client: a
// TTL-aware, size-bounded in-memory tier with strict LRU eviction, backed by
// an optional persistent tier (Redis, Firestore or GCS).
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// entryOverheadBytes approximates the per-entry bookkeeping cost (map slot,
// list element, timestamps) for the memory-usage stat.
const entryOverheadBytes = 128

// Entry is a single cached response value with its lifecycle timestamps.
// Every entry carries an expiry; a value with no TTL never enters the store.
type Entry struct {
	Value        json.RawMessage
	ExpiresAt    time.Time
	LastAccessed time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// StoreConfig holds configuration for the in-memory cache store.
type StoreConfig struct {
	// MaxEntries bounds the in-memory tier by entry count. Defaults to 1000.
	MaxEntries int
	// DefaultTTL is applied when a write specifies no TTL. Defaults to 5 minutes.
	DefaultTTL time.Duration
}

// Stats is the cache statistics surface.
type Stats struct {
	// TotalEntries is the current number of in-memory entries.
	TotalEntries int64 `json:"totalEntries"`
	// MemoryUsage is an approximate byte count for the in-memory tier.
	MemoryUsage int64 `json:"memoryUsage"`
	// Hits and Misses are approximate lookup counters; a read of an
	// expired entry counts as a miss.
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// storeItem is the internal structure held in the recency list.
type storeItem struct {
	key   string
	entry Entry
}

// Store is a thread-safe cache of response payloads keyed by operation
// digest. Lookups lazily evict expired entries; inserts at capacity evict the
// least recently accessed entry. When a Backing is configured, writes go
// through to it and in-memory misses attempt a load from it.
type Store struct {
	cfg     StoreConfig
	backing Backing
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	ll        *list.List               // recency order, most recent at front
	entries   map[string]*list.Element // key -> list element
	valueSize int64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewStore creates a cache store. The backing is optional; pass nil for a
// purely in-memory cache.
func NewStore(cfg StoreConfig, backing Backing, logger zerolog.Logger) (*Store, error) {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("MaxEntries must be greater than 0")
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("DefaultTTL must be greater than 0")
	}
	return &Store{
		cfg:     cfg,
		backing: backing,
		logger:  logger.With().Str("component", "CacheStore").Logger(),
		now:     time.Now,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}, nil
}

// Get retrieves the cached value for a key. The boolean reports presence: an
// expired or missing entry yields (nil, false, nil), and the expired entry is
// evicted as a side effect. On an in-memory miss with a backing configured,
// the store attempts a load and re-inserts a still-valid record.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	now := s.now()

	s.mu.Lock()
	if elem, ok := s.entries[key]; ok {
		item := elem.Value.(*storeItem)
		if !item.entry.expired(now) {
			item.entry.LastAccessed = now
			s.ll.MoveToFront(elem)
			value := item.entry.Value
			s.mu.Unlock()
			s.hits.Add(1)
			return value, true, nil
		}
		// Lazy expiry: drop the stale entry before reporting absent.
		s.removeLocked(elem)
		s.logger.Debug().Str("key", key).Msg("Evicted expired cache entry on read.")
	}
	s.mu.Unlock()

	if s.backing == nil {
		s.misses.Add(1)
		return nil, false, nil
	}

	record, err := s.backing.Load(ctx, key)
	if err != nil {
		s.misses.Add(1)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load key %s from persistent cache: %w", key, err)
	}
	if now.After(record.Metadata.ExpiresAt) {
		s.misses.Add(1)
		return nil, false, nil
	}

	// Re-insert the loaded record into the in-memory tier.
	s.mu.Lock()
	s.insertLocked(key, Entry{
		Value:        record.Value,
		ExpiresAt:    record.Metadata.ExpiresAt,
		LastAccessed: now,
	})
	s.mu.Unlock()

	s.hits.Add(1)
	s.logger.Debug().Str("key", key).Msg("Cache entry restored from persistent tier.")
	return record.Value, true, nil
}

// Set stores a value under a key. A zero ttl applies the configured default;
// the entry's expiry is always set at creation. At capacity, the least
// recently accessed entry is evicted first. When a backing is configured the
// write goes through to it synchronously.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := s.now()
	entry := Entry{
		Value:        value,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}

	s.mu.Lock()
	s.insertLocked(key, entry)
	s.mu.Unlock()

	if s.backing == nil {
		return nil
	}
	record := &Record{
		Value: value,
		Metadata: RecordMetadata{
			ExpiresAt:    entry.ExpiresAt,
			LastAccessed: entry.LastAccessed,
		},
	}
	if err := s.backing.Save(ctx, key, record); err != nil {
		return fmt.Errorf("failed to persist key %s: %w", key, err)
	}
	return nil
}

// Invalidate removes a key from memory and the persistent tier. Invalidating
// an absent key is not an error.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	s.mu.Lock()
	if elem, ok := s.entries[key]; ok {
		s.removeLocked(elem)
	}
	s.mu.Unlock()

	if s.backing == nil {
		return nil
	}
	if err := s.backing.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key %s from persistent cache: %w", key, err)
	}
	return nil
}

// Clear removes every entry from memory and the persistent tier.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.ll.Init()
	s.entries = make(map[string]*list.Element)
	s.valueSize = 0
	s.mu.Unlock()

	if s.backing == nil {
		return nil
	}
	if err := s.backing.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear persistent cache: %w", err)
	}
	return nil
}

// Stats returns the current entry count and an approximate memory size.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	count := int64(s.ll.Len())
	size := s.valueSize + count*entryOverheadBytes
	s.mu.Unlock()

	return Stats{
		TotalEntries: count,
		MemoryUsage:  size,
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
	}
}

// Close releases the persistent tier, if any.
func (s *Store) Close() error {
	if s.backing != nil {
		return s.backing.Close()
	}
	return nil
}

// insertLocked adds or replaces an entry and evicts the least recently
// accessed entry when over capacity. Must be called with the mutex held.
func (s *Store) insertLocked(key string, entry Entry) {
	if elem, ok := s.entries[key]; ok {
		item := elem.Value.(*storeItem)
		s.valueSize += int64(len(entry.Value)) - int64(len(item.entry.Value))
		item.entry = entry
		s.ll.MoveToFront(elem)
		return
	}

	if s.ll.Len() >= s.cfg.MaxEntries {
		s.evictLocked()
	}
	elem := s.ll.PushFront(&storeItem{key: key, entry: entry})
	s.entries[key] = elem
	s.valueSize += int64(len(entry.Value))
}

// evictLocked removes the least recently accessed entry. Must be called with
// the mutex held.
func (s *Store) evictLocked() {
	elem := s.ll.Back()
	if elem == nil {
		return
	}
	item := elem.Value.(*storeItem)
	s.removeLocked(elem)
	s.logger.Debug().Str("key", item.key).Msg("Evicted least recently used cache entry.")
}

// removeLocked drops an element from both the list and the map. Must be
// called with the mutex held.
func (s *Store) removeLocked(elem *list.Element) {
	item := elem.Value.(*storeItem)
	s.ll.Remove(elem)
	delete(s.entries, item.key)
	s.valueSize -= int64(len(item.entry.Value))
}

// SetNowFunc overrides the store's clock. Intended for tests that exercise
// TTL expiry without sleeping.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}
