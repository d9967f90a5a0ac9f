package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper drops inbound messages that were already processed. Seen marks id
// and reports whether it was marked before.
type Deduper interface {
	Seen(ctx context.Context, id string) bool
}

const (
	memoryDedupeMax  = 1000
	memoryDedupeKeep = 500
)

// MemoryDedupe keeps recent message IDs in process. Once it holds more than
// 1000 IDs it forgets all but the newest 500.
type MemoryDedupe struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewMemoryDedupe creates an empty in-process deduper.
func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{seen: make(map[string]struct{})}
}

func (d *MemoryDedupe) Seen(_ context.Context, id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > memoryDedupeMax {
		drop := d.order[:len(d.order)-memoryDedupeKeep]
		for _, old := range drop {
			delete(d.seen, old)
		}
		d.order = append([]string(nil), d.order[len(d.order)-memoryDedupeKeep:]...)
	}
	return false
}

// Len returns how many IDs are remembered.
func (d *MemoryDedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// RedisDedupe shares dedupe state across replicas with SETNX. Redis errors
// fail open: the message is processed.
type RedisDedupe struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisDedupe parses url (redis://...) and returns a deduper.
func NewRedisDedupe(url string, ttl time.Duration, logger *slog.Logger) (*RedisDedupe, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisDedupeFromClient(redis.NewClient(opts), ttl, logger), nil
}

// NewRedisDedupeFromClient wraps an existing client.
func NewRedisDedupeFromClient(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisDedupe {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupe{
		client: client,
		prefix: "pocketclaw:inbound:",
		ttl:    ttl,
		logger: logger.With("component", "dedupe"),
	}
}

func (d *RedisDedupe) Seen(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	ok, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("dedupe check failed, processing message", "id", id, "error", err)
		return false
	}
	return !ok
}

// Close closes the Redis client.
func (d *RedisDedupe) Close() error { return d.client.Close() }
