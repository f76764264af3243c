package streamcache

import (
	"fmt"
	"time"

	"github.com/INLOpen/skiplist"
	"github.com/microsoft/psi-sub007/core"
)

// ViewMode selects how a view's bounds are derived.
type ViewMode int

const (
	// ViewFixed covers a static [start, end) range.
	ViewFixed ViewMode = iota
	// ViewTailCount follows the most recent N messages.
	ViewTailCount
	// ViewTailRange derives bounds from a function of the stream's latest
	// known time, for live-following windows.
	ViewTailRange
)

func (m ViewMode) String() string {
	switch m {
	case ViewFixed:
		return "fixed"
	case ViewTailCount:
		return "tail-count"
	case ViewTailRange:
		return "tail-range"
	default:
		return fmt.Sprintf("ViewMode(%d)", int(m))
	}
}

// View is a live window over a StreamCache. Its contents update as
// dispatches populate the cache; Messages returns the current snapshot.
// The ranges a view covers are protected from eviction until Close.
type View[T any] struct {
	id        uint64
	cache     *StreamCache[T]
	mode      ViewMode
	interval  core.TimeInterval
	tailCount int
	tailRange func(last time.Time) core.TimeInterval
	closed    bool
}

// ReadView registers the minimal set of read requests needed to cover the
// requested window and returns a live view over the cache. For
// ViewFixed, interval gives the bounds; for ViewTailCount, tailCount
// gives the message count; for ViewTailRange, tailRange derives bounds
// from the stream's latest known originating time. A quarantined stream
// returns its read error.
func (c *StreamCache[T]) ReadView(mode ViewMode, interval core.TimeInterval, tailCount int, tailRange func(last time.Time) core.TimeInterval) (*View[T], error) {
	c.dataMu.RLock()
	readErr := c.readErr
	metaValid := c.metaValid
	meta := c.meta
	c.dataMu.RUnlock()
	if readErr != nil {
		return nil, readErr
	}

	v := &View[T]{cache: c, mode: mode, tailCount: tailCount, tailRange: tailRange}
	switch mode {
	case ViewFixed:
		if interval.IsEmpty() {
			return nil, fmt.Errorf("stream %q: fixed view needs a non-empty interval", c.stream)
		}
		v.interval = interval
	case ViewTailCount:
		if tailCount <= 0 {
			return nil, fmt.Errorf("stream %q: tail view needs a positive count", c.stream)
		}
		if metaValid && meta.MessageCount > 0 {
			v.interval = core.TimeInterval{
				Start: meta.FirstOriginatingTime,
				End:   meta.LastOriginatingTime.Add(time.Nanosecond),
			}
		}
	case ViewTailRange:
		if tailRange == nil {
			return nil, fmt.Errorf("stream %q: tail-range view needs a range function", c.stream)
		}
		if metaValid {
			v.interval = tailRange(meta.LastOriginatingTime)
		}
	default:
		return nil, fmt.Errorf("stream %q: unknown view mode %v", c.stream, mode)
	}

	c.mu.Lock()
	c.nextViewID++
	v.id = c.nextViewID
	c.views[v.id] = v
	if !v.interval.IsEmpty() {
		c.computeReadRequestsLocked(v.interval, false)
	}
	c.mu.Unlock()
	return v, nil
}

// boundsAt returns the view's window given the stream's latest known
// originating time. For tail views on live streams this moves forward
// over time.
func (v *View[T]) boundsAt(last time.Time) core.TimeInterval {
	switch v.mode {
	case ViewTailRange:
		if v.tailRange != nil && !last.IsZero() {
			return v.tailRange(last)
		}
	case ViewTailCount:
		if !last.IsZero() {
			start := v.interval.Start
			if start.IsZero() {
				start = last
			}
			return core.TimeInterval{Start: start, End: last.Add(time.Nanosecond)}
		}
	}
	return v.interval
}

// currentBounds returns the window the view currently covers; used to
// protect it from eviction. Callers hold cache.mu.
func (v *View[T]) currentBounds() core.TimeInterval {
	if v.closed {
		return core.TimeInterval{}
	}
	v.cache.dataMu.RLock()
	last := v.cache.meta.LastOriginatingTime
	v.cache.dataMu.RUnlock()
	bounds := v.boundsAt(last)
	v.interval = bounds
	return bounds
}

// Interval returns the view's current bounds.
func (v *View[T]) Interval() core.TimeInterval {
	v.cache.mu.Lock()
	defer v.cache.mu.Unlock()
	return v.currentBounds()
}

// Messages returns the view's current contents in originating-time
// order, tombstones excluded. The slice is a snapshot; it does not alias
// cache internals.
func (v *View[T]) Messages() []core.Message[T] {
	v.cache.mu.Lock()
	bounds := v.currentBounds()
	tailCount := 0
	if v.mode == ViewTailCount {
		tailCount = v.tailCount
	}
	v.cache.mu.Unlock()
	if bounds.IsEmpty() {
		return nil
	}

	c := v.cache
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	if tailCount > 0 {
		return tailMessages(c.data, bounds, tailCount)
	}

	var out []core.Message[T]
	it := c.data.NewIterator()
	for ok := it.Seek(bounds.Start.UnixNano()); ok; ok = it.Next() {
		if it.Key() >= bounds.End.UnixNano() {
			break
		}
		e := it.Value()
		if e.tombstone {
			continue
		}
		out = append(out, e.msg)
	}
	return out
}

// tailMessages collects the last n live entries within bounds, in time
// order.
func tailMessages[T any](data *skiplist.SkipList[int64, *entry[T]], bounds core.TimeInterval, n int) []core.Message[T] {
	var collected []core.Message[T]
	it := data.NewIterator(skiplist.WithReverse[int64, *entry[T]]())
	// Last positions at the largest key; reverse Next then walks backward.
	for ok := it.Last(); ok && len(collected) < n; ok = it.Next() {
		key := it.Key()
		if key >= bounds.End.UnixNano() {
			continue
		}
		if key < bounds.Start.UnixNano() {
			break
		}
		e := it.Value()
		if e.tombstone {
			continue
		}
		collected = append(collected, e.msg)
	}
	// Reverse into ascending time order.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected
}

// Close releases the view and its eviction protection.
func (v *View[T]) Close() {
	v.cache.mu.Lock()
	defer v.cache.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	delete(v.cache.views, v.id)
}
