package streamcache

import (
	"time"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/store"
)

// instantTarget is one registered cursor consumer: a callback invoked with
// the message nearest the cursor, bounded by the target's epsilon window.
type instantTarget[T any] struct {
	id       uint64
	epsilon  core.RelativeTimeInterval
	mode     core.SearchMode
	callback func(msg core.Message[T], found bool)
}

// RegisterInstantTarget registers a cursor consumer. The epsilon window
// bounds which cached message counts as "at" a cursor time; edges are
// inclusive for nearest-match purposes. A zero epsilon takes the cache's
// configured default window. The returned id unregisters it.
func (c *StreamCache[T]) RegisterInstantTarget(epsilon core.RelativeTimeInterval, mode core.SearchMode, callback func(msg core.Message[T], found bool)) uint64 {
	if epsilon == (core.RelativeTimeInterval{}) {
		epsilon = c.defEps
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTargetID++
	c.targets[c.nextTargetID] = &instantTarget[T]{
		id:       c.nextTargetID,
		epsilon:  epsilon,
		mode:     mode,
		callback: callback,
	}
	return c.nextTargetID
}

// UnregisterInstantTarget removes a previously registered target.
func (c *StreamCache[T]) UnregisterInstantTarget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, id)
}

// HasInstantTargets reports whether any cursor consumers are registered.
func (c *StreamCache[T]) HasInstantTargets() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets) > 0
}

// ResolveInstant resolves every registered target against the cursor
// time: first from the visible cache, then from the index cache
// (materializing thunks through the supplied reader, memoized in the
// thunk LRU), and as a last resort by a direct seek-and-step over the
// reader. The reader must be a private, short-lived instance.
func (c *StreamCache[T]) ResolveInstant(cursor time.Time, reader store.Reader) {
	c.mu.Lock()
	targets := make([]*instantTarget[T], 0, len(c.targets))
	for _, t := range c.targets {
		targets = append(targets, t)
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var fallback *instantFallback[T]
	for _, t := range targets {
		msg, found := c.lookupNearest(cursor, t.epsilon, t.mode, reader)
		if !found {
			if fallback == nil {
				fallback = c.readFallback(cursor, targets, reader)
			}
			msg, found = fallback.nearest(cursor, t.epsilon, t.mode)
		}
		t.callback(msg, found)
	}
}

// lookupNearest searches the visible cache, then the index cache.
func (c *StreamCache[T]) lookupNearest(cursor time.Time, epsilon core.RelativeTimeInterval, mode core.SearchMode, reader store.Reader) (core.Message[T], bool) {
	left := cursor.Add(epsilon.Left).UnixNano()
	right := cursor.Add(epsilon.Right).UnixNano() // inclusive
	pivot := cursor.UnixNano()

	c.dataMu.RLock()
	key, found := nearestLiveKey(c, left, right, pivot, mode)
	if found {
		node, ok := c.data.Seek(key)
		if ok && node.Key() == key {
			msg := node.Value().msg
			c.dataMu.RUnlock()
			return msg, true
		}
	}

	// Index cache: nearest entry, then materialize.
	idxKey, idxFound := nearestIndexKey(c, left, right, pivot, mode)
	var idx store.IndexEntry
	if idxFound {
		if node, ok := c.indexData.Seek(idxKey); ok && node.Key() == idxKey {
			idx = node.Value()
		} else {
			idxFound = false
		}
	}
	c.dataMu.RUnlock()

	if idxFound {
		if value, ok := c.materialize(idx, reader); ok {
			return core.Message[T]{
				Data: value,
				Envelope: core.Envelope{
					OriginatingTime: idx.OriginatingTime,
					CreationTime:    idx.CreationTime,
				},
			}, true
		}
	}
	var zero core.Message[T]
	return zero, false
}

// nearestLiveKey finds the nearest non-tombstone key per the search mode
// within the closed window [left, right]. Callers hold dataMu.
func nearestLiveKey[T any](c *StreamCache[T], left, right, pivot int64, mode core.SearchMode) (int64, bool) {
	it := c.data.NewIterator()
	switch mode {
	case core.SearchExact:
		if ok := it.Seek(pivot); ok && it.Key() == pivot && !it.Value().tombstone {
			return pivot, true
		}
	case core.SearchPrevious:
		// Walk forward from the window's left edge, keeping the last live
		// key at or before the cursor. Epsilon windows are small, so the
		// scan is short.
		best := int64(0)
		found := false
		for ok := it.Seek(left); ok && it.Key() <= pivot; ok = it.Next() {
			if !it.Value().tombstone {
				best = it.Key()
				found = true
			}
		}
		if found {
			return best, true
		}
	case core.SearchNext:
		for ok := it.Seek(pivot); ok && it.Key() <= right; ok = it.Next() {
			if !it.Value().tombstone {
				return it.Key(), true
			}
		}
	}
	return 0, false
}

func nearestIndexKey[T any](c *StreamCache[T], left, right, pivot int64, mode core.SearchMode) (int64, bool) {
	it := c.indexData.NewIterator()
	switch mode {
	case core.SearchExact:
		if ok := it.Seek(pivot); ok && it.Key() == pivot {
			return pivot, true
		}
	case core.SearchPrevious:
		best := int64(0)
		found := false
		for ok := it.Seek(left); ok && it.Key() <= pivot; ok = it.Next() {
			best = it.Key()
			found = true
		}
		if found {
			return best, true
		}
	case core.SearchNext:
		if ok := it.Seek(pivot); ok && it.Key() <= right {
			return it.Key(), true
		}
	}
	return 0, false
}

// materialize reads the payload behind an index entry, memoized in the
// thunk LRU.
func (c *StreamCache[T]) materialize(idx store.IndexEntry, reader store.Reader) (T, bool) {
	var zero T
	if c.thunkLRU != nil {
		if v, ok := c.thunkLRU.Get(idx.Position); ok {
			return v, true
		}
	}
	if reader == nil {
		return zero, false
	}
	data, err := idx.Read(reader, c.stream)
	if err != nil {
		c.logger.Warn("thunk materialization failed", "position", idx.Position, "error", err)
		return zero, false
	}
	value, err := c.decoder(data)
	if err != nil {
		c.markUnreadable(err)
		return zero, false
	}
	if c.thunkLRU != nil {
		c.thunkLRU.Put(idx.Position, value)
	}
	return value, true
}

// instantFallback holds messages read directly from the store around a
// cursor, shared across the targets of one ResolveInstant call.
type instantFallback[T any] struct {
	msgs []core.Message[T]
}

// readFallback seeks-and-steps over the union of all target windows,
// decoding whatever the store holds there. The sweep runs on its own
// derived reader so the capture closure dies with it; opening the
// stream on the shared reader would leave the closure attached and
// re-deliver into it on every later sweep over the same reader.
// Results are not inserted into the visible cache; they serve this
// resolution only.
func (c *StreamCache[T]) readFallback(cursor time.Time, targets []*instantTarget[T], shared store.Reader) *instantFallback[T] {
	fb := &instantFallback[T]{}
	if shared == nil {
		return fb
	}

	window := core.TimeInterval{Start: cursor, End: cursor}
	for _, t := range targets {
		abs := core.TimeInterval{
			Start: cursor.Add(t.epsilon.Left),
			End:   cursor.Add(t.epsilon.Right).Add(time.Nanosecond),
		}
		window = window.Union(abs)
	}
	if window.IsEmpty() {
		return fb
	}

	reader := shared.OpenNew()
	defer reader.Close()

	_, err := reader.OpenStream(c.stream, func(data []byte, env core.Envelope) {
		value, derr := c.decoder(data)
		if derr != nil {
			c.markUnreadable(derr)
			return
		}
		fb.msgs = append(fb.msgs, core.Message[T]{Data: value, Envelope: env})
	}, func(err error) {
		c.markUnreadable(err)
	})
	if err != nil {
		c.logger.Warn("instant fallback open failed", "error", err)
		return fb
	}
	if err := reader.Seek(window, true); err != nil {
		return fb
	}
	for {
		if _, ok := reader.MoveNext(); !ok {
			break
		}
	}
	return fb
}

func (fb *instantFallback[T]) nearest(cursor time.Time, epsilon core.RelativeTimeInterval, mode core.SearchMode) (core.Message[T], bool) {
	left := cursor.Add(epsilon.Left)
	right := cursor.Add(epsilon.Right)
	var best core.Message[T]
	found := false
	for _, m := range fb.msgs {
		t := m.OriginatingTime
		if t.Before(left) || t.After(right) {
			continue
		}
		switch mode {
		case core.SearchExact:
			if t.Equal(cursor) {
				return m, true
			}
		case core.SearchPrevious:
			if !t.After(cursor) && (!found || t.After(best.OriginatingTime)) {
				best, found = m, true
			}
		case core.SearchNext:
			if !t.Before(cursor) && (!found || t.Before(best.OriginatingTime)) {
				best, found = m, true
			}
		}
	}
	return best, found
}
