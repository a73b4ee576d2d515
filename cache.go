package helpx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Store backends
// ============================================================================

// ErrCacheMiss is returned by a Store when a key has no value.
var ErrCacheMiss = errors.New("cache miss")

// Store is a byte-oriented key/value backend for the message cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore is a goroutine-safe in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// Cache
// ============================================================================

const cacheTimeout = 2 * time.Second

// Cache persists per-room message snapshots. It is an optimization only:
// every failure is logged and swallowed, a broken entry reads as empty.
type Cache struct {
	store Store
}

// NewCache wraps store. A nil store falls back to memory.
func NewCache(store Store) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cache{store: store}
}

// CacheKey namespaces a room id by surface so a post id and a group id never
// collide.
func CacheKey(namespace, roomID string) string {
	return "helpx:chat:" + namespace + ":" + roomID
}

// Load returns the cached messages for a room, or nil.
func (c *Cache) Load(namespace, roomID string) []Message {
	if c == nil || roomID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()

	data, err := c.store.Get(ctx, CacheKey(namespace, roomID))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			cacheErrors.WithLabelValues("load").Inc()
			jww.WARN.Printf("cache load %s/%s: %v", namespace, roomID, err)
		}
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		cacheErrors.WithLabelValues("decode").Inc()
		jww.WARN.Printf("cache decode %s/%s: %v", namespace, roomID, err)
		return nil
	}
	return msgs
}

// Save overwrites the snapshot for a room.
func (c *Cache) Save(namespace, roomID string, msgs []Message) {
	if c == nil || roomID == "" {
		return
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		cacheErrors.WithLabelValues("encode").Inc()
		jww.WARN.Printf("cache encode %s/%s: %v", namespace, roomID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := c.store.Put(ctx, CacheKey(namespace, roomID), data); err != nil {
		cacheErrors.WithLabelValues("save").Inc()
		jww.WARN.Printf("cache save %s/%s: %v", namespace, roomID, err)
	}
}

// Clear drops the snapshot for a room.
func (c *Cache) Clear(namespace, roomID string) {
	if c == nil || roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, CacheKey(namespace, roomID)); err != nil {
		cacheErrors.WithLabelValues("clear").Inc()
		jww.WARN.Printf("cache clear %s/%s: %v", namespace, roomID, err)
	}
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.store.Close()
}
