// Package streamcache implements the per-stream cache at the heart of
// the read-coalescing engine: an ordered, time-keyed in-memory cache of
// materialized messages with a parallel cache of lazy index entries,
// outstanding-request tracking with minimal-range subtraction, live
// views, epsilon-bounded instant lookup, and a staged edit overlay that
// shadows store reads until committed.
package streamcache

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/skiplist"
	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/hooks"
	"github.com/microsoft/psi-sub007/store"
)

// StreamUpdate is one staged edit: an Add, Replace or Delete of the
// message at Message.OriginatingTime.
type StreamUpdate[T any] struct {
	Type    core.UpdateType
	Message core.Message[T]
}

// entry is one slot in the visible cache. Deletes are tombstones rather
// than removals so the ordering structure never needs rebuilding on a
// staged delete.
type entry[T any] struct {
	msg       core.Message[T]
	tombstone bool
}

type pendingItem[T any] struct {
	isIndex bool
	msg     core.Message[T]
	index   store.IndexEntry
	env     core.Envelope
}

// Cache is the adapter-erased face of a StreamCache, used by the
// store-level coordinator which manages caches of heterogeneous payload
// types.
type Cache interface {
	StreamName() string
	BindingKey() string
	TakeSchedulableRequests() []ReadRequest
	CompleteRange(interval core.TimeInterval, indicesOnly bool)
	AbandonRange(interval core.TimeInterval, indicesOnly bool)
	OnReceive(data []byte, env core.Envelope)
	OnReceiveIndex(e store.IndexEntry, env core.Envelope)
	OnReadError(err error)
	DispatchPending() error
	HasInstantTargets() bool
	ResolveInstant(cursor time.Time, reader store.Reader)
	HasUncommittedUpdates() bool
	UncommittedUpdates() ([]store.StagedUpdate, error)
	ClearUncommittedUpdates()
	DrainUncommittedUpdates() ([]store.StagedUpdate, error)
	SetStreamMetadata(meta store.Metadata, live bool)
	Editable() bool
	Close()
}

var _ Cache = (*StreamCache[[]byte])(nil)

// Metrics holds the expvar counters a cache publishes.
type Metrics struct {
	RequestsComputed   *expvar.Int
	MessagesDispatched *expvar.Int
	Evictions          *expvar.Int
	IndexHits          *expvar.Int
	IndexMisses        *expvar.Int
}

// Options configures a StreamCache.
type Options[T any] struct {
	StoreName  string
	StreamName string
	// AdapterID distinguishes bindings of the same stream through
	// different adapters; empty for the raw binding.
	AdapterID string
	Decoder   Decoder[T]
	// Encoder is required for editable bindings. A nil Encoder marks the
	// binding as adapted/summarized: StageUpdate fails with a contract
	// violation.
	Encoder Encoder[T]
	// Release is called with each evicted value, e.g. to return pooled
	// buffers.
	Release func(T)
	// Capacity bounds the number of live entries; 0 means unbounded.
	Capacity int
	// IndexLRUCapacity bounds the materialized-thunk LRU; 0 disables it.
	IndexLRUCapacity int
	Logger           *slog.Logger
	// OnReadError receives deserialization-failure notifications.
	OnReadError func(err *core.StreamReadError)
	Metrics     *Metrics
	// Hooks receives read-error and eviction events; nil disables them.
	Hooks hooks.HookManager
	// DefaultEpsilon is the cursor window applied to instant targets
	// registered with a zero epsilon.
	DefaultEpsilon core.RelativeTimeInterval
}

// StreamCache is one per-(stream, adapter) cache instance. All visible
// mutation happens through StageUpdate (synchronous, caller thread) and
// DispatchPending (pump thread); background read passes only append to
// the pending buffer, which has its own lock, so a pass never contends
// with readers of the visible cache.
type StreamCache[T any] struct {
	storeName string
	stream    string
	adapterID string
	decoder   Decoder[T]
	encoder   Encoder[T]
	release   func(T)
	capacity  int
	logger    *slog.Logger
	onReadErr func(err *core.StreamReadError)
	metrics   *Metrics
	hooks     hooks.HookManager
	defEps    core.RelativeTimeInterval

	// mu protects the outstanding-request list, view extents, views and
	// instant targets.
	mu           sync.Mutex
	outstanding  []ReadRequest
	extents      []core.TimeInterval
	indexExtents []core.TimeInterval
	views        map[uint64]*View[T]
	nextViewID   uint64
	targets      map[uint64]*instantTarget[T]
	nextTargetID uint64

	// dataMu protects the visible cache, index cache and overlay.
	dataMu    sync.RWMutex
	data      *skiplist.SkipList[int64, *entry[T]]
	indexData *skiplist.SkipList[int64, store.IndexEntry]
	overlay   *skiplist.SkipList[int64, *StreamUpdate[T]]
	liveCount int
	readErr   error
	meta      store.Metadata
	metaValid bool
	live      bool

	// bufMu protects the pending buffer written by background passes.
	bufMu   sync.Mutex
	pending []pendingItem[T]

	thunkLRU *lruCache[int64, T]
}

func timeKeyCompare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// New creates a StreamCache.
func New[T any](opts Options[T]) (*StreamCache[T], error) {
	if opts.Decoder == nil {
		return nil, fmt.Errorf("stream %q: decoder is required", opts.StreamName)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &StreamCache[T]{
		storeName: opts.StoreName,
		stream:    opts.StreamName,
		adapterID: opts.AdapterID,
		decoder:   opts.Decoder,
		encoder:   opts.Encoder,
		release:   opts.Release,
		capacity:  opts.Capacity,
		logger:    logger.With("component", "StreamCache", "stream", opts.StreamName),
		onReadErr: opts.OnReadError,
		metrics:   opts.Metrics,
		hooks:     opts.Hooks,
		defEps:    opts.DefaultEpsilon,
		views:     make(map[uint64]*View[T]),
		targets:   make(map[uint64]*instantTarget[T]),
		data:      skiplist.NewWithComparator[int64, *entry[T]](timeKeyCompare),
		indexData: skiplist.NewWithComparator[int64, store.IndexEntry](timeKeyCompare),
		overlay:   skiplist.NewWithComparator[int64, *StreamUpdate[T]](timeKeyCompare),
	}
	if opts.IndexLRUCapacity > 0 {
		c.thunkLRU = newLRUCache[int64, T](opts.IndexLRUCapacity, nil)
		if opts.Metrics != nil {
			c.thunkLRU.SetMetrics(opts.Metrics.IndexHits, opts.Metrics.IndexMisses)
		}
	}
	return c, nil
}

func (c *StreamCache[T]) StreamName() string { return c.stream }

// BindingKey identifies this (stream, adapter) binding within its store.
func (c *StreamCache[T]) BindingKey() string {
	if c.adapterID == "" {
		return c.stream
	}
	return c.stream + "#" + c.adapterID
}

// Editable reports whether edits may be staged against this binding.
func (c *StreamCache[T]) Editable() bool { return c.encoder != nil }

// SetStreamMetadata records the stream's store metadata, used to resolve
// tail view bounds. live controls whether tail views re-evaluate their
// bounds on every dispatch.
func (c *StreamCache[T]) SetStreamMetadata(meta store.Metadata, live bool) {
	c.dataMu.Lock()
	c.meta = meta
	c.metaValid = true
	c.live = live
	c.dataMu.Unlock()
}

// Err returns the quarantine error if the stream has been marked
// unreadable.
func (c *StreamCache[T]) Err() error {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.readErr
}

// --- read requests ---

// ComputeReadRequests subtracts every outstanding request and view extent
// of the same kind from the interval, registers the minimal disjoint set
// of requests needed to cover the remainder, and returns it.
func (c *StreamCache[T]) ComputeReadRequests(interval core.TimeInterval, indicesOnly bool) []ReadRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computeReadRequestsLocked(interval, indicesOnly)
}

func (c *StreamCache[T]) computeReadRequestsLocked(interval core.TimeInterval, indicesOnly bool) []ReadRequest {
	covered := make([]core.TimeInterval, 0, len(c.outstanding)+len(c.extents))
	for _, r := range c.outstanding {
		if r.IndicesOnly == indicesOnly {
			covered = append(covered, r.Interval)
		}
	}
	extents := c.extents
	if indicesOnly {
		extents = c.indexExtents
	}
	covered = append(covered, extents...)

	var requests []ReadRequest
	for _, gap := range uncoveredRanges(interval, covered) {
		requests = append(requests, ReadRequest{Interval: gap, IndicesOnly: indicesOnly})
	}
	c.outstanding = append(c.outstanding, requests...)
	if c.metrics != nil && c.metrics.RequestsComputed != nil {
		c.metrics.RequestsComputed.Add(int64(len(requests)))
	}
	return requests
}

// TakeSchedulableRequests returns the outstanding requests not yet handed
// to a read pass, marking them scheduled. The requests stay on the
// outstanding list (still counting as pending coverage) until
// CompleteRange or AbandonRange.
func (c *StreamCache[T]) TakeSchedulableRequests() []ReadRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ReadRequest
	for i := range c.outstanding {
		if !c.outstanding[i].scheduled {
			c.outstanding[i].scheduled = true
			out = append(out, c.outstanding[i])
		}
	}
	return out
}

// CompleteRange records that a read pass over the interval finished: the
// range becomes a view extent and any outstanding requests it covers are
// retired.
func (c *StreamCache[T]) CompleteRange(interval core.TimeInterval, indicesOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if indicesOnly {
		c.indexExtents = mergeExtent(c.indexExtents, interval)
	} else {
		c.extents = mergeExtent(c.extents, interval)
	}
	c.retireRequestsLocked(interval, indicesOnly)
}

// AbandonRange removes outstanding requests covered by the interval
// without recording an extent, making the range requestable again. Used
// when a pass is canceled or faults. Everything the pass delivered for
// the range is dropped, whether still buffered or already dispatched:
// the range stays uncovered, so the retry re-reads those messages and
// committing the partial batch would collide with the retry's results.
// Staged edits inside the range survive; they came from the overlay, not
// the pass.
func (c *StreamCache[T]) AbandonRange(interval core.TimeInterval, indicesOnly bool) {
	c.mu.Lock()
	c.retireRequestsLocked(interval, indicesOnly)
	c.mu.Unlock()

	// Holding bufMu across the visible-cache sweep serializes with a
	// dispatch in flight on the pump: every delivered message is either
	// still in the pending buffer or already visible, never in between.
	var dropped []T
	c.bufMu.Lock()
	kept := c.pending[:0]
	for _, it := range c.pending {
		if it.isIndex == indicesOnly && interval.Contains(it.env.OriginatingTime) {
			if !it.isIndex {
				dropped = append(dropped, it.msg.Data)
			}
			continue
		}
		kept = append(kept, it)
	}
	c.pending = kept

	start := interval.Start.UnixNano()
	end := interval.End.UnixNano()
	c.dataMu.Lock()
	if indicesOnly {
		if c.indexData.Len() > 0 {
			rebuilt := skiplist.NewWithComparator[int64, store.IndexEntry](timeKeyCompare)
			c.indexData.Range(func(key int64, e store.IndexEntry) bool {
				if key < start || key >= end {
					rebuilt.Insert(key, e)
				}
				return true
			})
			c.indexData = rebuilt
		}
	} else if c.data.Len() > 0 {
		removed := 0
		rebuilt := skiplist.NewWithComparator[int64, *entry[T]](timeKeyCompare)
		c.data.Range(func(key int64, e *entry[T]) bool {
			if key >= start && key < end && !e.tombstone {
				if node, ok := c.overlay.Seek(key); !ok || node.Key() != key {
					dropped = append(dropped, e.msg.Data)
					removed++
					return true
				}
			}
			rebuilt.Insert(key, e)
			return true
		})
		if removed > 0 {
			c.data = rebuilt
			c.liveCount -= removed
		}
	}
	c.dataMu.Unlock()
	c.bufMu.Unlock()

	if c.release != nil {
		for _, v := range dropped {
			c.release(v)
		}
	}
}

func (c *StreamCache[T]) retireRequestsLocked(interval core.TimeInterval, indicesOnly bool) {
	keep := c.outstanding[:0]
	for _, r := range c.outstanding {
		if r.IndicesOnly == indicesOnly && interval.Covers(r.Interval) {
			continue
		}
		keep = append(keep, r)
	}
	c.outstanding = keep
}

// OutstandingRequests returns a snapshot of the outstanding request list.
func (c *StreamCache[T]) OutstandingRequests() []ReadRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ReadRequest, len(c.outstanding))
	copy(out, c.outstanding)
	return out
}

// ViewExtents returns a snapshot of the cached (already read) ranges.
func (c *StreamCache[T]) ViewExtents(indicesOnly bool) []core.TimeInterval {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.extents
	if indicesOnly {
		src = c.indexExtents
	}
	out := make([]core.TimeInterval, len(src))
	copy(out, src)
	return out
}

// --- receive & dispatch ---

// OnReceive is invoked by a read pass for each message streamed from the
// store. Messages shadowed by a staged edit at the same originating time
// are suppressed: the visible cache already reflects the overlay. The
// decoded message is buffered; it becomes visible on the next dispatch.
func (c *StreamCache[T]) OnReceive(data []byte, env core.Envelope) {
	key := env.OriginatingTime.UnixNano()

	c.dataMu.RLock()
	quarantined := c.readErr != nil
	shadowed := false
	if node, ok := c.overlay.Seek(key); ok && node.Key() == key {
		shadowed = true
	}
	c.dataMu.RUnlock()
	if quarantined || shadowed {
		return
	}

	value, err := c.decoder(data)
	if err != nil {
		c.markUnreadable(err)
		return
	}
	c.bufMu.Lock()
	c.pending = append(c.pending, pendingItem[T]{
		msg: core.Message[T]{Data: value, Envelope: env},
		env: env,
	})
	c.bufMu.Unlock()
}

// OnReceiveIndex buffers a lazy index entry for an indices-only pass.
func (c *StreamCache[T]) OnReceiveIndex(e store.IndexEntry, env core.Envelope) {
	c.bufMu.Lock()
	c.pending = append(c.pending, pendingItem[T]{isIndex: true, index: e, env: env})
	c.bufMu.Unlock()
}

// OnReadError marks the stream unreadable for subsequent queries and
// surfaces the failure as a notification; the in-flight pass continues
// for other streams.
func (c *StreamCache[T]) OnReadError(err error) {
	c.markUnreadable(err)
}

func (c *StreamCache[T]) markUnreadable(cause error) {
	readErr := &core.StreamReadError{Stream: c.stream, Cause: cause}
	c.dataMu.Lock()
	alreadyMarked := c.readErr != nil
	if !alreadyMarked {
		c.readErr = readErr
	}
	c.dataMu.Unlock()
	if alreadyMarked {
		return
	}
	c.logger.Error("stream marked unreadable", "error", cause)
	if c.onReadErr != nil {
		c.onReadErr(readErr)
	}
	if c.hooks != nil {
		_ = c.hooks.Trigger(context.Background(), hooks.NewOnStreamReadErrorEvent(hooks.StreamReadErrorPayload{
			Store:  c.storeName,
			Stream: c.stream,
			Err:    cause,
		}))
	}
}

// DispatchPending commits the buffered results of background passes into
// the visible cache. It is the only mutation path driven by the pump, so
// consumers observe cache changes exactly at pump boundaries. A buffered
// message whose originating time already exists in the visible cache is
// a contract violation (the coalescing invariant was broken upstream).
func (c *StreamCache[T]) DispatchPending() error {
	// bufMu is held until the batch is visible so AbandonRange never
	// observes messages in flight between buffer and cache.
	c.bufMu.Lock()
	items := c.pending
	c.pending = nil

	var violation error
	if len(items) > 0 {
		c.dataMu.Lock()
		for _, it := range items {
			if it.isIndex {
				c.indexData.Insert(it.index.OriginatingTime.UnixNano(), it.index)
				continue
			}
			key := it.msg.OriginatingTime.UnixNano()
			if node, ok := c.data.Seek(key); ok && node.Key() == key {
				if violation == nil {
					violation = &core.ContractViolationError{
						Op:      "dispatch",
						Stream:  c.stream,
						Message: fmt.Sprintf("duplicate originating time %s", it.msg.OriginatingTime),
					}
				}
				continue
			}
			c.data.Insert(key, &entry[T]{msg: it.msg})
			c.liveCount++
		}
		c.dataMu.Unlock()
		if c.metrics != nil && c.metrics.MessagesDispatched != nil {
			c.metrics.MessagesDispatched.Add(int64(len(items)))
		}
	}
	c.bufMu.Unlock()

	c.refreshTailViews()
	c.evict()
	return violation
}

// refreshTailViews re-derives bounds for live tail views and registers
// read requests for any newly exposed ranges.
func (c *StreamCache[T]) refreshTailViews() {
	c.dataMu.RLock()
	live, metaValid := c.live, c.metaValid
	last := c.meta.LastOriginatingTime
	c.dataMu.RUnlock()
	if !live || !metaValid {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.views {
		if v.mode == ViewFixed {
			continue
		}
		bounds := v.boundsAt(last)
		if bounds.IsEmpty() {
			continue
		}
		c.computeReadRequestsLocked(bounds, false)
	}
}

// --- staged edits ---

// StageUpdate applies an Add/Replace/Delete immediately to the visible
// cache for instant feedback and records it in the overlay, where it
// shadows store reads until committed. Duplicate adds and
// replace/delete of nonexistent entries fail fast: they mean the overlay
// and the store have diverged.
func (c *StreamCache[T]) StageUpdate(u StreamUpdate[T]) error {
	if c.encoder == nil {
		return &core.ContractViolationError{
			Op:      "update",
			Stream:  c.stream,
			Message: "binding is adapted or summarized; edits apply to raw streams only",
		}
	}

	key := u.Message.OriginatingTime.UnixNano()
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	node, found := c.data.Seek(key)
	exists := found && node.Key() == key && !node.Value().tombstone

	switch u.Type {
	case core.UpdateAdd:
		if exists {
			return &core.ContractViolationError{
				Op:      "add",
				Stream:  c.stream,
				Message: fmt.Sprintf("message already exists at %s", u.Message.OriginatingTime),
			}
		}
		if found && node.Key() == key {
			// Resurrecting a tombstoned slot.
			node.Value().msg = u.Message
			node.Value().tombstone = false
		} else {
			c.data.Insert(key, &entry[T]{msg: u.Message})
		}
		c.liveCount++
	case core.UpdateReplace:
		if !exists {
			return &core.ContractViolationError{
				Op:      "replace",
				Stream:  c.stream,
				Message: fmt.Sprintf("no message at %s", u.Message.OriginatingTime),
			}
		}
		node.Value().msg = u.Message
	case core.UpdateDelete:
		if !exists {
			return &core.ContractViolationError{
				Op:      "delete",
				Stream:  c.stream,
				Message: fmt.Sprintf("no message at %s", u.Message.OriginatingTime),
			}
		}
		node.Value().tombstone = true
		c.liveCount--
	default:
		return &core.ContractViolationError{
			Op:      "update",
			Stream:  c.stream,
			Message: fmt.Sprintf("unknown update type %v", u.Type),
		}
	}

	// The latest update per originating time wins; staged times are
	// always retained against eviction.
	uCopy := u
	c.overlay.Insert(key, &uCopy)
	return nil
}

// HasUncommittedUpdates reports whether the overlay is non-empty.
func (c *StreamCache[T]) HasUncommittedUpdates() bool {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.overlay.Len() > 0
}

// UncommittedUpdates encodes the overlay into commit form: (isUpsert,
// encoded data, originating time) tuples in time order. The overlay is
// not touched, so a failed commit retries against the same staged set.
func (c *StreamCache[T]) UncommittedUpdates() ([]store.StagedUpdate, error) {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	var out []store.StagedUpdate
	var encodeErr error
	c.overlay.Range(func(key int64, u *StreamUpdate[T]) bool {
		su := store.StagedUpdate{OriginatingTime: u.Message.OriginatingTime}
		if u.Type == core.UpdateDelete {
			out = append(out, su)
			return true
		}
		su.IsUpsert = true
		data, err := c.encoder(u.Message.Data)
		if err != nil {
			encodeErr = fmt.Errorf("encode staged update at %s: %w", u.Message.OriginatingTime, err)
			return false
		}
		su.Data = data
		out = append(out, su)
		return true
	})
	if encodeErr != nil {
		return nil, encodeErr
	}
	return out, nil
}

// ClearUncommittedUpdates discards the overlay after a successful
// commit. Subsequent reads no longer depend on it; the visible cache
// already reflects every staged edit.
func (c *StreamCache[T]) ClearUncommittedUpdates() {
	c.dataMu.Lock()
	c.overlay.Clear()
	c.dataMu.Unlock()
}

// DrainUncommittedUpdates encodes and clears the overlay in one step,
// for callers that own the commit outcome.
func (c *StreamCache[T]) DrainUncommittedUpdates() ([]store.StagedUpdate, error) {
	out, err := c.UncommittedUpdates()
	if err != nil {
		return nil, err
	}
	c.ClearUncommittedUpdates()
	return out, nil
}

// --- eviction ---

// evict trims the visible cache to capacity, oldest first, skipping
// entries inside any view's current bounds or with a staged edit.
// Evicted single-message ranges are subtracted from the view extents so
// they become fetchable again, and evicted values are handed to the
// release hook.
func (c *StreamCache[T]) evict() {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	retained := make([]core.TimeInterval, 0, len(c.views))
	for _, v := range c.views {
		b := v.currentBounds()
		if !b.IsEmpty() {
			retained = append(retained, b)
		}
	}
	c.mu.Unlock()

	c.dataMu.Lock()
	excess := c.liveCount - c.capacity
	if excess <= 0 {
		c.dataMu.Unlock()
		return
	}

	evictKeys := make(map[int64]struct{})
	var released []T
	c.data.Range(func(key int64, e *entry[T]) bool {
		if excess <= 0 {
			return false
		}
		if e.tombstone {
			return true
		}
		t := e.msg.OriginatingTime
		for _, r := range retained {
			if r.Contains(t) {
				return true
			}
		}
		if node, ok := c.overlay.Seek(key); ok && node.Key() == key {
			return true
		}
		evictKeys[key] = struct{}{}
		released = append(released, e.msg.Data)
		excess--
		return true
	})

	if len(evictKeys) > 0 {
		rebuilt := skiplist.NewWithComparator[int64, *entry[T]](timeKeyCompare)
		c.data.Range(func(key int64, e *entry[T]) bool {
			if _, gone := evictKeys[key]; !gone {
				rebuilt.Insert(key, e)
			}
			return true
		})
		c.data = rebuilt
		c.liveCount -= len(evictKeys)
	}
	c.dataMu.Unlock()

	if len(evictKeys) == 0 {
		return
	}

	c.mu.Lock()
	for key := range evictKeys {
		t := time.Unix(0, key).UTC()
		point := core.TimeInterval{Start: t, End: t.Add(time.Nanosecond)}
		c.extents = subtractExtent(c.extents, point)
	}
	c.mu.Unlock()

	if c.release != nil {
		for _, v := range released {
			c.release(v)
		}
	}
	if c.metrics != nil && c.metrics.Evictions != nil {
		c.metrics.Evictions.Add(int64(len(evictKeys)))
	}
	if c.hooks != nil {
		_ = c.hooks.Trigger(context.Background(), hooks.NewOnCacheEvictionEvent(hooks.CacheEvictionPayload{
			Store:   c.storeName,
			Stream:  c.stream,
			Evicted: len(evictKeys),
		}))
	}
}

// Len returns the number of live (non-tombstoned) entries in the visible
// cache.
func (c *StreamCache[T]) Len() int {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.liveCount
}

// Close releases the cache's structures. Pending buffers are dropped and
// pooled values returned through the release hook.
func (c *StreamCache[T]) Close() {
	c.bufMu.Lock()
	c.pending = nil
	c.bufMu.Unlock()

	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	if c.release != nil {
		c.data.Range(func(_ int64, e *entry[T]) bool {
			if !e.tombstone {
				c.release(e.msg.Data)
			}
			return true
		})
	}
	c.data = skiplist.NewWithComparator[int64, *entry[T]](timeKeyCompare)
	c.indexData = skiplist.NewWithComparator[int64, store.IndexEntry](timeKeyCompare)
	c.overlay.Clear()
	c.liveCount = 0
	if c.thunkLRU != nil {
		c.thunkLRU.Clear()
	}
}
