// Package cache mirrors per-stream process identity in a fast store so status
// lookups can skip the durable record. The mirror is advisory: reads that
// fail report a miss and writes that fail are dropped.
package cache

import (
	"context"
	"sync"
	"time"

	"loopcast/internal/models"
)

// KeyPrefix namespaces stream entries.
const KeyPrefix = "stream:"

// Entry is the mirrored process identity for one stream.
type Entry struct {
	PID     int                 `json:"pid"`
	Status  models.StreamStatus `json:"status"`
	Started time.Time           `json:"started"`
}

// ProcessCache is the cache mirror contract.
type ProcessCache interface {
	Set(ctx context.Context, streamID string, entry Entry, ttl time.Duration)
	Get(ctx context.Context, streamID string) (Entry, bool)
	Delete(ctx context.Context, streamID string)
	Ping(ctx context.Context) error
	Close() error
}

// Key returns the cache key for a stream.
func Key(streamID string) string {
	return KeyPrefix + streamID
}

// Noop discards writes and always misses.
type Noop struct{}

func (Noop) Set(context.Context, string, Entry, time.Duration) {}
func (Noop) Get(context.Context, string) (Entry, bool)         { return Entry{}, false }
func (Noop) Delete(context.Context, string)                    {}
func (Noop) Ping(context.Context) error                        { return nil }
func (Noop) Close() error                                      { return nil }

type memoryItem struct {
	entry  Entry
	expiry time.Time
}

// Memory is an in-process ProcessCache used when no Redis is configured.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem), now: time.Now}
}

func (m *Memory) Set(_ context.Context, streamID string, entry Entry, ttl time.Duration) {
	item := memoryItem{entry: entry}
	if ttl > 0 {
		item.expiry = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[Key(streamID)] = item
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, streamID string) (Entry, bool) {
	key := Key(streamID)
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return Entry{}, false
	}
	if !item.expiry.IsZero() && m.now().After(item.expiry) {
		delete(m.items, key)
		return Entry{}, false
	}
	return item.entry, true
}

func (m *Memory) Delete(_ context.Context, streamID string) {
	m.mu.Lock()
	delete(m.items, Key(streamID))
	m.mu.Unlock()
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
