// Package store provides the timed, timestamp-keyed data containers used by
// channels and readers. It is a direct generalization of
// original_source/stm/data.py's _Timed_Data: a mapping from Timestamp to
// Item where reading an absent timestamp yields a null and deleting an
// absent timestamp is a no-op.
package store

import (
	"sync"

	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// TimedStore is a mapping timestamp -> item. At most one item per
// timestamp; reading an absent timestamp returns (nil, false); deleting an
// absent timestamp is a no-op.
type TimedStore interface {
	// Get returns the item at ts and whether it was present.
	Get(ts types.Timestamp) (types.Item, bool)

	// Set stores item at ts, overwriting any previous value.
	Set(ts types.Timestamp, item types.Item) error

	// Delete removes ts, a no-op if absent.
	Delete(ts types.Timestamp) error

	// Close releases any resources backing the store.
	Close() error
}

// MemoryStore is the default in-memory TimedStore, a plain map guarded by
// its own mutex so it can be shared between a client goroutine and the
// dispatcher.
type MemoryStore struct {
	mu   sync.Mutex
	data map[types.Timestamp]types.Item
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[types.Timestamp]types.Item)}
}

func (m *MemoryStore) Get(ts types.Timestamp) (types.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.data[ts]
	return item, ok
}

func (m *MemoryStore) Set(ts types.Timestamp, item types.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ts] = item
	return nil
}

func (m *MemoryStore) Delete(ts types.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ts)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
