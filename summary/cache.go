package summary

import (
	"time"

	"github.com/INLOpen/skiplist"
	"github.com/microsoft/psi-sub007/core"
)

// Cache holds the summarized buckets for one stream binding at one
// interval, keyed by bucket start. Buckets with the same start are
// merged with the binding's combiner. Callers serialize access; the
// cache itself carries no locks because all mutation happens on the
// owning manager's dispatch path.
type Cache struct {
	interval time.Duration
	combine  func(left, right IntervalData) IntervalData
	buckets  *skiplist.SkipList[int64, IntervalData]
	covered  []core.TimeInterval
}

func NewCache(interval time.Duration, combine func(left, right IntervalData) IntervalData) *Cache {
	return &Cache{
		interval: interval,
		combine:  combine,
		buckets:  skiplist.NewWithComparator[int64, IntervalData](timeKeyComparator),
	}
}

func timeKeyComparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (c *Cache) Interval() time.Duration { return c.interval }

func (c *Cache) Len() int { return c.buckets.Len() }

// Absorb merges the given buckets into the cache. Buckets whose start
// collides with an existing bucket are combined rather than replaced,
// so partially re-summarized windows converge rather than flicker.
func (c *Cache) Absorb(data []IntervalData) {
	for _, d := range data {
		key := BucketStart(d.OriginatingTime, c.interval).UnixNano()
		if node, ok := c.buckets.Seek(key); ok && node.Key() == key {
			d = c.combine(node.Value(), d)
		}
		c.buckets.Insert(key, d)
	}
}

// MarkCovered records that the given window has been summarized, so
// repeated queries over the same window return cached buckets without
// re-reading the raw stream.
func (c *Cache) MarkCovered(window core.TimeInterval) {
	c.covered = mergeIntervals(append(c.covered, window))
}

// Covers reports whether the window lies entirely inside summarized
// territory.
func (c *Cache) Covers(window core.TimeInterval) bool {
	for _, iv := range c.covered {
		if iv.Covers(window) {
			return true
		}
	}
	return false
}

func mergeIntervals(ivs []core.TimeInterval) []core.TimeInterval {
	if len(ivs) <= 1 {
		return ivs
	}
	for i := 1; i < len(ivs); i++ {
		for j := i; j > 0 && ivs[j].Start.Before(ivs[j-1].Start); j-- {
			ivs[j], ivs[j-1] = ivs[j-1], ivs[j]
		}
	}
	out := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Range returns the buckets intersecting the window in time order.
func (c *Cache) Range(window core.TimeInterval) []IntervalData {
	var out []IntervalData
	// Step back one bucket; a bucket starting before the window can
	// still reach into it.
	from := BucketStart(window.Start, c.interval).Add(-c.interval).UnixNano()
	it := c.buckets.NewIterator()
	for ok := it.Seek(from); ok; ok = it.Next() {
		d := it.Value()
		if !d.OriginatingTime.Before(window.End) {
			break
		}
		// Zero-span pass-through buckets count when their point falls in
		// the window.
		if d.Interval().Intersects(window) || window.Contains(d.OriginatingTime) {
			out = append(out, d)
		}
	}
	return out
}

// Search finds the bucket nearest the cursor under the given mode.
// Previous returns the latest bucket starting at or before the cursor,
// Next the earliest starting at or after it, Exact only a bucket whose
// start equals the cursor's bucket.
func (c *Cache) Search(cursor time.Time, mode core.SearchMode) (IntervalData, bool) {
	key := BucketStart(cursor, c.interval).UnixNano()
	node, ok := c.buckets.Seek(key)
	switch mode {
	case core.SearchExact:
		if ok && node.Key() == key {
			return node.Value(), true
		}
	case core.SearchNext:
		if ok {
			return node.Value(), true
		}
	case core.SearchPrevious:
		if ok && node.Key() == key {
			return node.Value(), true
		}
		// Step back from the cursor's bucket position. A failed Seek
		// leaves the reverse iterator before the largest key, so Next
		// lands on the last bucket; a Seek onto a later bucket steps
		// back past it.
		it := c.buckets.NewIterator(skiplist.WithReverse[int64, IntervalData]())
		it.Seek(key)
		if it.Next() {
			return it.Value(), true
		}
	}
	return IntervalData{}, false
}
