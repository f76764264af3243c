package datamanager

import (
	"bytes"
	"fmt"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/streamcache"
)

// NewCache builds a stream cache wired into the manager: unset tuning
// fields are filled from the manager's configuration (capacity, index
// LRU size, default cursor epsilon) along with its logger and hook
// manager, and the cache is registered with the store's coordinator.
// The store must have been registered first.
func NewCache[T any](m *DataManager, storeName string, opts streamcache.Options[T]) (*streamcache.StreamCache[T], error) {
	coord, ok := m.Coordinator(storeName)
	if !ok {
		return nil, fmt.Errorf("store %q is not registered", storeName)
	}
	opts.StoreName = storeName
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	if opts.Hooks == nil {
		opts.Hooks = m.hooks
	}
	if opts.Capacity == 0 {
		opts.Capacity = m.cacheCapacity
	}
	if opts.IndexLRUCapacity == 0 {
		opts.IndexLRUCapacity = m.indexLRUCapacity
	}
	if opts.DefaultEpsilon == (core.RelativeTimeInterval{}) {
		opts.DefaultEpsilon = m.defaultEpsilon
	}
	cache, err := streamcache.New(opts)
	if err != nil {
		return nil, err
	}
	if err := coord.AddCache(cache); err != nil {
		cache.Close()
		return nil, err
	}
	return cache, nil
}

// NewRawCache builds an editable, unadapted []byte cache over a stream.
// Payload copies are drawn from the manager's message buffer pool and
// returned to it when the cache evicts or closes them.
func NewRawCache(m *DataManager, storeName, streamName string) (*streamcache.StreamCache[[]byte], error) {
	pool := m.pool
	return NewCache(m, storeName, streamcache.Options[[]byte]{
		StreamName: streamName,
		Decoder: func(data []byte) ([]byte, error) {
			// The reader's buffer is transient; the cached copy lives in
			// pooled storage until released.
			buf := pool.Get()
			buf.Write(data)
			return buf.Bytes(), nil
		},
		Encoder: func(v []byte) ([]byte, error) { return v, nil },
		Release: func(v []byte) {
			pool.Put(bytes.NewBuffer(v[:0]))
		},
	})
}

// BufferPool exposes the manager's shared message buffer pool.
func (m *DataManager) BufferPool() *core.BufferPool { return m.pool }
