package datamanager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/psi-sub007/config"
	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/hooks"
	"github.com/microsoft/psi-sub007/store"
)

// SummaryManager is the type-erased face of a summary manager, which the
// orchestrator pumps and disposes without knowing the payload type.
type SummaryManager interface {
	BindingKey() string
	Dispatch()
	Close()
}

// Options configures a DataManager.
type Options struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Clock          clockwork.Clock
	Config         *config.Config
	Hooks          hooks.HookManager
}

type coordEntry struct {
	coordinator *Coordinator
	writer      store.Writer
	refs        int
	dirty       bool
}

type summaryEntry struct {
	manager   SummaryManager
	refs      int
	zeroSince time.Time
}

// DataManager is the top-level orchestrator: it owns one coordinator per
// registered store and one summary manager per summarized binding, and
// runs the pump that is the only place buffered background results
// become visible to readers.
type DataManager struct {
	logger       *slog.Logger
	logCloser    io.Closer
	tracer       trace.Tracer
	tp           trace.TracerProvider
	clock        clockwork.Clock
	hooks        hooks.HookManager
	pumpInterval time.Duration
	summaryGrace time.Duration
	instantLimit int

	// Cache tuning resolved from config, applied by NewCache.
	pool             *core.BufferPool
	cacheCapacity    int
	indexLRUCapacity int
	defaultEpsilon   core.RelativeTimeInterval

	mu           sync.Mutex
	coordinators map[string]*coordEntry
	summaries    map[string]*summaryEntry
	closed       bool

	wg           sync.WaitGroup
	shutdownChan chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once

	// instantMu guards cursor coalescing: at most one instant pass runs
	// at a time, with only the latest requested cursor remembered.
	instantMu      sync.Mutex
	instantPending *time.Time
	instantRunning bool
}

// New creates a DataManager. A nil Config means defaults; a nil Logger
// is built from the config's logging section.
func New(opts Options) *DataManager {
	cfg := opts.Config
	if cfg == nil {
		cfg, _ = config.Load(nil)
	}
	logger := opts.Logger
	var logCloser io.Closer
	if logger == nil {
		l, closer, err := config.NewLogger(cfg.Logging)
		if err != nil {
			logger = slog.Default()
			logger.Warn("invalid logging config, using default logger", "error", err)
		} else {
			logger = l
			logCloser = closer
		}
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	limit := cfg.Instant.MaxParallelStores
	if limit <= 0 {
		limit = 1
	}
	return &DataManager{
		logger:           logger.With("component", "DataManager"),
		logCloser:        logCloser,
		tracer:           tp.Tracer("datamanager"),
		tp:               tp,
		clock:            clk,
		hooks:            opts.Hooks,
		pumpInterval:     cfg.PumpInterval(logger),
		summaryGrace:     cfg.SummaryDisposalGrace(logger),
		instantLimit:     limit,
		pool:             core.NewBufferPool(cfg.Pools.MessageBufferSize),
		cacheCapacity:    cfg.Cache.Capacity,
		indexLRUCapacity: cfg.Cache.IndexLRUCapacity,
		defaultEpsilon:   cfg.DefaultEpsilon(logger),
		coordinators:     make(map[string]*coordEntry),
		summaries:        make(map[string]*summaryEntry),
		shutdownChan:     make(chan struct{}),
	}
}

// Start launches the pump goroutine. Safe to call once.
func (m *DataManager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.pumpLoop()
	})
}

func (m *DataManager) pumpLoop() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdownChan:
			return
		case <-ticker.Chan():
			m.Pump(context.Background())
		}
	}
}

// Pump advances scheduling and dispatch for every coordinator and
// summary manager, then reaps summary managers past their disposal
// grace. All visible-cache mutation funnels through here.
func (m *DataManager) Pump(ctx context.Context) {
	m.mu.Lock()
	coords := make([]*coordEntry, 0, len(m.coordinators))
	for _, e := range m.coordinators {
		coords = append(coords, e)
	}
	sums := make([]*summaryEntry, 0, len(m.summaries))
	for _, e := range m.summaries {
		sums = append(sums, e)
	}
	m.mu.Unlock()

	for _, e := range coords {
		e.coordinator.Schedule(ctx)
		if err := e.coordinator.Dispatch(); err != nil {
			m.logger.Error("dispatch failed", "store", e.coordinator.StoreName(), "error", err)
		}
		m.observeDirtyState(ctx, e)
	}
	for _, e := range sums {
		e.manager.Dispatch()
	}
	m.reapIdleSummaries()
}

// observeDirtyState fires OnStoreDirty/OnStoreClean on transitions of a
// store's uncommitted-edit state.
func (m *DataManager) observeDirtyState(ctx context.Context, e *coordEntry) {
	if m.hooks == nil {
		return
	}
	dirty := e.coordinator.HasUncommittedUpdates()
	m.mu.Lock()
	changed := dirty != e.dirty
	e.dirty = dirty
	m.mu.Unlock()
	if !changed {
		return
	}
	payload := hooks.StoreStatePayload{Store: e.coordinator.StoreName()}
	if dirty {
		_ = m.hooks.Trigger(ctx, hooks.NewOnStoreDirtyEvent(payload))
	} else {
		_ = m.hooks.Trigger(ctx, hooks.NewOnStoreCleanEvent(payload))
	}
}

func (m *DataManager) reapIdleSummaries() {
	now := m.clock.Now()
	var expired []SummaryManager
	m.mu.Lock()
	for key, e := range m.summaries {
		if e.refs == 0 && !e.zeroSince.IsZero() && now.Sub(e.zeroSince) >= m.summaryGrace {
			expired = append(expired, e.manager)
			delete(m.summaries, key)
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		m.logger.Debug("disposing idle summary manager", "binding", s.BindingKey())
		s.Close()
	}
}

// RegisterStore creates (or references) the coordinator for a store.
// The writer may be nil for read-only stores.
func (m *DataManager) RegisterStore(name string, reader store.Reader, writer store.Writer) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrClosed
	}
	if e, ok := m.coordinators[name]; ok {
		e.refs++
		return e.coordinator, nil
	}
	coord := NewCoordinator(name, reader, CoordinatorOptions{
		Logger:         m.logger,
		TracerProvider: m.tp,
		Hooks:          m.hooks,
	})
	m.coordinators[name] = &coordEntry{coordinator: coord, writer: writer, refs: 1}
	return coord, nil
}

// UnregisterStore drops one reference to a store's coordinator. The
// last drop disposes it: in-flight passes are canceled and awaited, and
// all of its caches close.
func (m *DataManager) UnregisterStore(name string) {
	m.mu.Lock()
	e, ok := m.coordinators[name]
	if ok {
		e.refs--
		if e.refs > 0 {
			e = nil
		} else {
			delete(m.coordinators, name)
		}
	}
	m.mu.Unlock()
	if e != nil {
		if err := e.coordinator.Close(); err != nil {
			m.logger.Warn("closing coordinator", "store", name, "error", err)
		}
	}
}

// Coordinator returns the coordinator for a registered store.
func (m *DataManager) Coordinator(storeName string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.coordinators[storeName]
	if !ok {
		return nil, false
	}
	return e.coordinator, true
}

func summaryKey(storeName, bindingKey string) string {
	return storeName + "/" + bindingKey
}

// RegisterSummary adds (or references) a summary manager for a binding.
// Re-registering inside the disposal grace revives the existing manager
// with its caches intact.
func (m *DataManager) RegisterSummary(storeName string, mgr SummaryManager) (SummaryManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrClosed
	}
	key := summaryKey(storeName, mgr.BindingKey())
	if e, ok := m.summaries[key]; ok {
		e.refs++
		e.zeroSince = time.Time{}
		return e.manager, nil
	}
	m.summaries[key] = &summaryEntry{manager: mgr, refs: 1}
	return mgr, nil
}

// ReleaseSummary drops one reference to a binding's summary manager.
// The manager survives for the configured grace before disposal, so
// consumers swapping bindings back to back reuse it.
func (m *DataManager) ReleaseSummary(storeName, bindingKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := summaryKey(storeName, bindingKey)
	e, ok := m.summaries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.refs = 0
		e.zeroSince = m.clock.Now()
	}
}

// SummaryRefs reports the live reference count of a binding's summary
// manager, for diagnostics.
func (m *DataManager) SummaryRefs(storeName, bindingKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.summaries[summaryKey(storeName, bindingKey)]; ok {
		return e.refs
	}
	return -1
}

// ReadAndPublishInstant requests resolution of instant values at the
// cursor across every store. Rapid cursor movement coalesces: at most
// one pass runs at a time, and only the newest cursor received during a
// running pass is served next.
func (m *DataManager) ReadAndPublishInstant(cursor time.Time) {
	m.instantMu.Lock()
	defer m.instantMu.Unlock()
	if m.instantRunning {
		c := cursor
		m.instantPending = &c
		return
	}

	// wg.Add must not race Stop's wg.Wait: m.mu orders it before the
	// closed flag flips.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	m.instantRunning = true
	go func() {
		defer m.wg.Done()
		next := cursor
		for {
			m.runInstantPass(next)

			m.instantMu.Lock()
			if m.instantPending == nil {
				m.instantRunning = false
				m.instantMu.Unlock()
				return
			}
			next = *m.instantPending
			m.instantPending = nil
			m.instantMu.Unlock()
		}
	}()
}

// runInstantPass fans the cursor out to every coordinator with bounded
// parallelism, each store using its own short-lived reader.
func (m *DataManager) runInstantPass(cursor time.Time) {
	select {
	case <-m.shutdownChan:
		return
	default:
	}

	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.coordinators))
	for _, e := range m.coordinators {
		coords = append(coords, e.coordinator)
	}
	m.mu.Unlock()

	ctx, span := m.tracer.Start(context.Background(), "DataManager.InstantPass")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.instantLimit)
	for _, coord := range coords {
		g.Go(func() error {
			coord.InstantRead(gctx, cursor)
			return nil
		})
	}
	_ = g.Wait()
}

// Save commits staged edits in every dirty store. Stores without a
// registered writer but with staged edits fail the save.
func (m *DataManager) Save(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*coordEntry, 0, len(m.coordinators))
	for _, e := range m.coordinators {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if !e.coordinator.HasUncommittedUpdates() {
			continue
		}
		if e.writer == nil {
			err := fmt.Errorf("store %q has staged edits but no writer", e.coordinator.StoreName())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.coordinator.Save(ctx, e.writer); err != nil {
			m.logger.Error("save failed", "store", e.coordinator.StoreName(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.observeDirtyState(ctx, e)
	}
	return firstErr
}

// Stop shuts the pump down, waits for in-flight work and disposes every
// coordinator and summary manager.
func (m *DataManager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.shutdownChan)
		m.wg.Wait()

		m.mu.Lock()
		coords := m.coordinators
		sums := m.summaries
		m.coordinators = make(map[string]*coordEntry)
		m.summaries = make(map[string]*summaryEntry)
		m.mu.Unlock()

		for _, e := range sums {
			e.manager.Close()
		}
		for name, e := range coords {
			if err := e.coordinator.Close(); err != nil {
				m.logger.Warn("closing coordinator", "store", name, "error", err)
			}
		}
		if m.hooks != nil {
			m.hooks.Stop()
		}
		if m.logCloser != nil {
			_ = m.logCloser.Close()
		}
	})
}
