// Package datamanager coordinates background reads across the caches of
// each store and orchestrates the whole engine: a store-level
// coordinator coalesces identical read ranges into shared reader
// passes, and the top-level manager runs the pump that makes buffered
// results visible, resolves instant cursor reads, commits staged edits
// and tears down idle summary managers.
package datamanager

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/hooks"
	"github.com/microsoft/psi-sub007/store"
	"github.com/microsoft/psi-sub007/streamcache"
)

// passKey groups read requests that can share one store reader pass.
type passKey struct {
	start       int64
	end         int64
	indicesOnly bool
}

// passTarget is one cache's stake in a shared pass.
type passTarget struct {
	cache streamcache.Cache
	req   streamcache.ReadRequest
}

// readPass is one background read over a store: its own reader, its own
// cancellation, writing only to the target caches' pending buffers.
type readPass struct {
	interval    core.TimeInterval
	indicesOnly bool
	targets     []passTarget
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
	started     time.Time
}

// CoordinatorMetrics holds the expvar counters a coordinator publishes.
type CoordinatorMetrics struct {
	PassesStarted   *expvar.Int
	PassesCompleted *expvar.Int
	PassesCanceled  *expvar.Int
	PassesFaulted   *expvar.Int
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Hooks          hooks.HookManager
	Metrics        *CoordinatorMetrics
}

// Coordinator owns the caches of one store and turns their outstanding
// read requests into background reader passes. Requests from different
// caches with an identical (start, end, kind) share a single pass and a
// single reader, so ten synchronized streams over the same window cost
// one sequential sweep of the store.
type Coordinator struct {
	storeName string
	reader    store.Reader
	logger    *slog.Logger
	tracer    trace.Tracer
	hooks     hooks.HookManager
	metrics   *CoordinatorMetrics

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	caches map[string]streamcache.Cache
	passes []*readPass
	closed bool
}

// NewCoordinator creates a coordinator over the given root reader. The
// root reader is only used to derive per-pass readers and is released on
// Close.
func NewCoordinator(storeName string, reader store.Reader, opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		storeName: storeName,
		reader:    reader,
		logger:    logger.With("component", "Coordinator", "store", storeName),
		tracer:    tp.Tracer("datamanager"),
		hooks:     opts.Hooks,
		metrics:   opts.Metrics,
		ctx:       ctx,
		stop:      cancel,
		caches:    make(map[string]streamcache.Cache),
	}
}

// StoreName returns the identity of the store this coordinator serves.
func (c *Coordinator) StoreName() string { return c.storeName }

// AddCache registers a cache under its binding key. Re-adding an
// existing key is an error; the caller owns binding identity.
func (c *Coordinator) AddCache(cache streamcache.Cache) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	key := cache.BindingKey()
	if _, exists := c.caches[key]; exists {
		return fmt.Errorf("store %q: binding %q already registered", c.storeName, key)
	}
	if meta, ok := c.reader.StreamMetadata(cache.StreamName()); ok {
		cache.SetStreamMetadata(meta, c.reader.IsLive())
	}
	c.caches[key] = cache
	return nil
}

// Cache returns the cache registered under the binding key.
func (c *Coordinator) Cache(bindingKey string) (streamcache.Cache, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.caches[bindingKey]
	return cache, ok
}

// RemoveCache unregisters and closes the cache under the binding key.
func (c *Coordinator) RemoveCache(bindingKey string) {
	c.mu.Lock()
	cache, ok := c.caches[bindingKey]
	delete(c.caches, bindingKey)
	c.mu.Unlock()
	if ok {
		cache.Close()
	}
}

// CacheCount returns the number of registered bindings.
func (c *Coordinator) CacheCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.caches)
}

// Schedule drains every cache's schedulable requests, groups them by
// identical range and kind, and launches one background pass per group.
func (c *Coordinator) Schedule(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Schedule",
		trace.WithAttributes(attribute.String("store", c.storeName)))
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	groups := make(map[passKey][]passTarget)
	for _, cache := range c.caches {
		for _, req := range cache.TakeSchedulableRequests() {
			key := passKey{
				start:       req.Interval.Start.UnixNano(),
				end:         req.Interval.End.UnixNano(),
				indicesOnly: req.IndicesOnly,
			}
			groups[key] = append(groups[key], passTarget{cache: cache, req: req})
		}
	}

	started := 0
	for _, targets := range groups {
		pass := c.startPassLocked(targets)
		if pass != nil {
			c.passes = append(c.passes, pass)
			started++
		}
	}
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("passes_started", started))
	if c.metrics != nil && c.metrics.PassesStarted != nil {
		c.metrics.PassesStarted.Add(int64(started))
	}
}

// startPassLocked spawns the goroutine for one grouped pass. Callers
// hold c.mu.
func (c *Coordinator) startPassLocked(targets []passTarget) *readPass {
	if len(targets) == 0 {
		return nil
	}
	passCtx, cancel := context.WithCancel(c.ctx)
	pass := &readPass{
		interval:    targets[0].req.Interval,
		indicesOnly: targets[0].req.IndicesOnly,
		targets:     targets,
		cancel:      cancel,
		done:        make(chan struct{}),
		started:     time.Now(),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(pass.done)
		pass.err = c.runPass(passCtx, pass)
	}()
	return pass
}

// runPass executes one background read: a private reader sweeps the
// range once, fanning each message out to its stream's cache pending
// buffer. Completion promotes the range to a view extent on every
// target; cancellation or failure abandons it so it can be requested
// again.
func (c *Coordinator) runPass(ctx context.Context, pass *readPass) error {
	reader := c.reader.OpenNew()
	defer reader.Close()

	live := reader.IsLive()
	opened := pass.targets[:0:0]
	for _, t := range pass.targets {
		var meta store.Metadata
		var err error
		if pass.indicesOnly {
			meta, err = reader.OpenStreamIndex(t.cache.StreamName(), t.cache.OnReceiveIndex)
		} else {
			meta, err = reader.OpenStream(t.cache.StreamName(), t.cache.OnReceive, t.cache.OnReadError)
		}
		if err != nil {
			// The stream cannot be opened at all; quarantine its cache and
			// let the rest of the pass proceed.
			t.cache.OnReadError(err)
			t.cache.AbandonRange(t.req.Interval, t.req.IndicesOnly)
			continue
		}
		t.cache.SetStreamMetadata(meta, live)
		opened = append(opened, t)
	}
	if len(opened) == 0 {
		return nil
	}

	err := reader.ReadAll(ctx, pass.interval)
	canceled := err != nil && ctx.Err() != nil
	for _, t := range opened {
		if err == nil {
			t.cache.CompleteRange(t.req.Interval, t.req.IndicesOnly)
		} else {
			t.cache.AbandonRange(t.req.Interval, t.req.IndicesOnly)
		}
	}

	if c.hooks != nil {
		_ = c.hooks.Trigger(ctx, hooks.NewOnPassCompleteEvent(hooks.PassCompletePayload{
			Store:    c.storeName,
			Interval: pass.interval,
			Streams:  len(opened),
			Duration: time.Since(pass.started),
			Canceled: canceled,
		}))
	}
	if canceled {
		return context.Cause(ctx)
	}
	return err
}

// Dispatch flushes every cache's pending buffer into its visible cache
// and reaps finished passes. Runs once per pump tick, on the pump
// goroutine only.
func (c *Coordinator) Dispatch() error {
	c.mu.Lock()
	remaining := c.passes[:0]
	var finished []*readPass
	for _, p := range c.passes {
		select {
		case <-p.done:
			finished = append(finished, p)
		default:
			remaining = append(remaining, p)
		}
	}
	c.passes = remaining
	caches := make([]streamcache.Cache, 0, len(c.caches))
	for _, cache := range c.caches {
		caches = append(caches, cache)
	}
	c.mu.Unlock()

	for _, p := range finished {
		p.cancel()
		switch {
		case p.err == nil:
			if c.metrics != nil && c.metrics.PassesCompleted != nil {
				c.metrics.PassesCompleted.Add(1)
			}
		case context.Cause(c.ctx) != nil || errors.Is(p.err, context.Canceled):
			if c.metrics != nil && c.metrics.PassesCanceled != nil {
				c.metrics.PassesCanceled.Add(1)
			}
		default:
			c.logger.Warn("read pass faulted", "interval", p.interval.String(), "error", p.err)
			if c.metrics != nil && c.metrics.PassesFaulted != nil {
				c.metrics.PassesFaulted.Add(1)
			}
		}
	}

	var firstErr error
	for _, cache := range caches {
		if err := cache.DispatchPending(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InFlight returns the number of passes not yet reaped.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.passes)
}

// InstantRead resolves the nearest value at the cursor for every cache
// with instant subscribers, through one short-lived private reader.
func (c *Coordinator) InstantRead(ctx context.Context, cursor time.Time) {
	c.mu.Lock()
	var interested []streamcache.Cache
	for _, cache := range c.caches {
		if cache.HasInstantTargets() {
			interested = append(interested, cache)
		}
	}
	closed := c.closed
	c.mu.Unlock()
	if closed || len(interested) == 0 {
		return
	}

	_, span := c.tracer.Start(ctx, "Coordinator.InstantRead",
		trace.WithAttributes(
			attribute.String("store", c.storeName),
			attribute.Int("streams", len(interested)),
		))
	defer span.End()

	reader := c.reader.OpenNew()
	defer reader.Close()
	for _, cache := range interested {
		cache.ResolveInstant(cursor, reader)
	}
}

// Save commits every registered cache's staged edits to the writer in a
// single atomic rewrite. On failure the overlays are untouched so the
// commit can be retried.
func (c *Coordinator) Save(ctx context.Context, writer store.Writer) error {
	c.mu.Lock()
	dirty := make(map[string]streamcache.Cache)
	for _, cache := range c.caches {
		if cache.Editable() && cache.HasUncommittedUpdates() {
			dirty[cache.StreamName()] = cache
		}
	}
	c.mu.Unlock()
	if len(dirty) == 0 {
		return nil
	}

	updates := make(map[string][]store.StagedUpdate, len(dirty))
	for stream, cache := range dirty {
		ups, err := cache.UncommittedUpdates()
		if err != nil {
			return err
		}
		updates[stream] = ups
	}

	if c.hooks != nil {
		if err := c.hooks.Trigger(ctx, hooks.NewPreCommitStoreEvent(hooks.PreCommitStorePayload{
			Store:   c.storeName,
			Updates: &updates,
		})); err != nil {
			return err
		}
	}

	streams, err := writer.EditInPlace(updates)
	if c.hooks != nil {
		_ = c.hooks.Trigger(ctx, hooks.NewPostCommitStoreEvent(hooks.PostCommitStorePayload{
			Store:   c.storeName,
			Streams: streams,
			Error:   err,
		}))
	}
	if err != nil {
		return fmt.Errorf("commit store %q: %w", c.storeName, err)
	}
	for _, cache := range dirty {
		cache.ClearUncommittedUpdates()
	}
	return nil
}

// HasUncommittedUpdates reports whether any registered cache holds
// staged edits.
func (c *Coordinator) HasUncommittedUpdates() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cache := range c.caches {
		if cache.HasUncommittedUpdates() {
			return true
		}
	}
	return false
}

// Close cancels all in-flight passes, awaits them, then closes every
// cache and the root reader.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()

	c.mu.Lock()
	caches := c.caches
	c.caches = make(map[string]streamcache.Cache)
	c.passes = nil
	c.mu.Unlock()
	for _, cache := range caches {
		cache.Close()
	}
	return c.reader.Close()
}
