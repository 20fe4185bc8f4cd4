package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key returns the storage key for a cart
func Key(owner string, eventID int64) string {
	return fmt.Sprintf("cart:%s:%d", owner, eventID)
}

// MemoryBackend keeps carts in process memory
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

// Load returns a copy of the stored entry
func (b *MemoryBackend) Load(ctx context.Context, owner string, eventID int64) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[Key(owner, eventID)]
	if !ok {
		return nil, nil
	}
	return &Entry{Selection: entry.Selection.Clone(), UpdatedAt: entry.UpdatedAt}, nil
}

// Save stores a copy of entry. Expiry is left to the store.
func (b *MemoryBackend) Save(ctx context.Context, owner string, eventID int64, entry *Entry, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[Key(owner, eventID)] = Entry{Selection: entry.Selection.Clone(), UpdatedAt: entry.UpdatedAt}
	return nil
}

// Delete removes the entry if present
func (b *MemoryBackend) Delete(ctx context.Context, owner string, eventID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, Key(owner, eventID))
	return nil
}

// RedisBackend mirrors carts in redis as JSON with a key TTL
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a redis cart backend
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Load reads and decodes the cart
func (b *RedisBackend) Load(ctx context.Context, owner string, eventID int64) (*Entry, error) {
	data, err := b.client.Get(ctx, Key(owner, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}
	return &entry, nil
}

// Save writes the cart. The redis TTL is a second bound behind the store's
// read-time expiry.
func (b *RedisBackend) Save(ctx context.Context, owner string, eventID int64, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return b.client.Set(ctx, Key(owner, eventID), data, ttl).Err()
}

// Delete removes the cart key
func (b *RedisBackend) Delete(ctx context.Context, owner string, eventID int64) error {
	return b.client.Del(ctx, Key(owner, eventID)).Err()
}
