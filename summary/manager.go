package summary

import (
	"log/slog"
	"sync"
	"time"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/streamcache"
)

// Manager maintains the summary caches of one stream binding, one cache
// per distinct bucket interval. Buckets are populated lazily: a query
// over an unsummarized window opens a view on the raw stream cache, and
// a later Dispatch folds the raw messages into buckets once the reads
// backing that view complete.
type Manager[T any] struct {
	cache      *streamcache.StreamCache[T]
	summarizer Summarizer[T]
	logger     *slog.Logger

	mu          sync.Mutex
	caches      map[time.Duration]*Cache
	maxInterval time.Duration
	pending     []*pendingWindow[T]
}

type pendingWindow[T any] struct {
	interval time.Duration
	window   core.TimeInterval
	view     *streamcache.View[T]
}

// NewManager builds a manager over the given raw stream cache. The
// summarizer must be non-nil.
func NewManager[T any](cache *streamcache.StreamCache[T], summarizer Summarizer[T], logger *slog.Logger) *Manager[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager[T]{
		cache:      cache,
		summarizer: summarizer,
		logger: logger.With(
			slog.String("component", "SummaryManager"),
			slog.String("stream", cache.StreamName()),
		),
		caches: make(map[time.Duration]*Cache),
	}
}

// BindingKey identifies the underlying stream binding.
func (m *Manager[T]) BindingKey() string { return m.cache.BindingKey() }

func (m *Manager[T]) cacheAtLocked(interval time.Duration) *Cache {
	c, ok := m.caches[interval]
	if !ok {
		c = NewCache(interval, m.summarizer.Combine)
		m.caches[interval] = c
		if interval > m.maxInterval {
			m.maxInterval = interval
		}
	}
	return c
}

// Summarize returns the buckets currently cached at the given interval
// inside the window and, when part of the window has not been
// summarized yet, queues a raw read so a later Dispatch can fill the
// gap. Callers poll after pump ticks for the remainder.
func (m *Manager[T]) Summarize(interval time.Duration, window core.TimeInterval) ([]IntervalData, error) {
	if err := m.cache.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cacheAtLocked(interval)
	if !c.Covers(window) && !m.pendingCoversLocked(interval, window) {
		view, err := m.cache.ReadView(streamcache.ViewFixed, window, 0, nil)
		if err != nil {
			return nil, err
		}
		m.pending = append(m.pending, &pendingWindow[T]{interval: interval, window: window, view: view})
	}
	return c.Range(window), nil
}

func (m *Manager[T]) pendingCoversLocked(interval time.Duration, window core.TimeInterval) bool {
	for _, p := range m.pending {
		if p.interval == interval && p.window.Covers(window) {
			return true
		}
	}
	return false
}

// Dispatch summarizes every queued window whose raw messages have all
// arrived. Runs on the pump, after the stream cache's own dispatch.
func (m *Manager[T]) Dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.pending[:0]
	for _, p := range m.pending {
		if !m.rawCoversLocked(p.window) {
			remaining = append(remaining, p)
			continue
		}
		msgs := p.view.Messages()
		data := m.summarizer.Summarize(msgs, p.interval)
		c := m.cacheAtLocked(p.interval)
		c.Absorb(data)
		c.MarkCovered(p.window)
		p.view.Close()
		m.logger.Debug("summarized window",
			"interval", p.interval.String(),
			"window", p.window.String(),
			"messages", len(msgs),
			"buckets", len(data))
	}
	m.pending = remaining
}

func (m *Manager[T]) rawCoversLocked(window core.TimeInterval) bool {
	for _, ext := range m.cache.ViewExtents(false) {
		if ext.Covers(window) {
			return true
		}
	}
	return false
}

// HasPending reports whether queued windows are still awaiting raw data.
func (m *Manager[T]) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// Search looks up the bucket nearest the cursor in the cache at exactly
// the given interval.
func (m *Manager[T]) Search(interval time.Duration, cursor time.Time, mode core.SearchMode) (IntervalData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[interval]
	if !ok {
		return IntervalData{}, false
	}
	return c.Search(cursor, mode)
}

// Neighbor finds the data point adjacent to the cursor in the given
// direction. The pivot first steps one requested interval away from the
// cursor, then the search widens by doubling the interval up to the
// coarsest cached resolution until some cache yields a hit. Widening
// reuses already-summarized coarse buckets instead of forcing a fine
// summary of distant data.
func (m *Manager[T]) Neighbor(interval time.Duration, cursor time.Time, mode core.SearchMode) (IntervalData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pivot := cursor
	switch mode {
	case core.SearchNext:
		pivot = cursor.Add(interval)
	case core.SearchPrevious:
		pivot = cursor.Add(-interval)
	}
	if interval <= 0 {
		if c, ok := m.caches[interval]; ok {
			return c.Search(pivot, mode)
		}
		return IntervalData{}, false
	}
	for iv := interval; iv <= m.maxInterval; iv *= 2 {
		c, ok := m.caches[iv]
		if !ok {
			continue
		}
		if d, found := c.Search(pivot, mode); found {
			return d, true
		}
	}
	return IntervalData{}, false
}

// Intervals returns the cached bucket intervals, for diagnostics.
func (m *Manager[T]) Intervals() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.caches))
	for iv := range m.caches {
		out = append(out, iv)
	}
	return out
}

// Close abandons queued windows and drops all bucket caches.
func (m *Manager[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		p.view.Close()
	}
	m.pending = nil
	m.caches = make(map[time.Duration]*Cache)
	m.maxInterval = 0
}
