package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// GenericPool is a generic wrapper around sync.Pool.
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// BufferPool is a custom, GC-friendly pool using a mutex-protected slice.
// Unlike sync.Pool its contents are not cleared by the garbage collector,
// which makes it suitable for the payload buffers that caches hold on to
// for the lifetime of a view and return on eviction. It is not
// thread-affine; Get and Put may be called from any goroutine.
type BufferPool struct {
	mu      sync.Mutex
	items   []*bytes.Buffer
	newFunc func() *bytes.Buffer

	// Metrics
	hits        atomic.Uint64
	misses      atomic.Uint64
	created     atomic.Uint64
	currentSize atomic.Int64
}

// DefaultMessageBufferSize is the pre-allocated capacity for pooled
// message payload buffers.
const DefaultMessageBufferSize = 4 * 1024

// NewBufferPool creates a pool whose buffers are pre-sized to capacity
// bytes. A capacity <= 0 leaves buffers unsized.
func NewBufferPool(capacity int) *BufferPool {
	bp := &BufferPool{}
	bp.newFunc = func() *bytes.Buffer {
		bp.created.Add(1)
		if capacity > 0 {
			return bytes.NewBuffer(make([]byte, 0, capacity))
		}
		return &bytes.Buffer{}
	}
	return bp
}

// Get retrieves a buffer from the pool, creating one if the pool is empty.
func (bp *BufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newFunc()
	}
	bp.hits.Add(1)
	bp.currentSize.Add(-1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put resets the buffer and returns it to the pool.
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.currentSize.Add(1)
	bp.mu.Unlock()
}

// GetMetrics returns the current metrics for the pool.
func (bp *BufferPool) GetMetrics() (hits, misses, created uint64, currentSize int64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), bp.currentSize.Load()
}
