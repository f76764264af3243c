package streamcache

import (
	"time"

	"github.com/microsoft/psi-sub007/core"
)

// ReadRequest describes a range of a stream that must still be read from
// the store. Tail fields are carried for live-following views; grouping
// and coalescing operate on (Interval, IndicesOnly) only.
type ReadRequest struct {
	Interval    core.TimeInterval
	TailCount   int
	TailRange   func(last time.Time) core.TimeInterval
	IndicesOnly bool

	scheduled bool
}

// sameKind reports whether two requests coalesce, i.e. have identical
// (start, end, indicesOnly).
func (r ReadRequest) sameKind(other ReadRequest) bool {
	return r.IndicesOnly == other.IndicesOnly &&
		r.Interval.Start.Equal(other.Interval.Start) &&
		r.Interval.End.Equal(other.Interval.End)
}

// subtractInterval removes covered from each interval in pieces,
// returning the disjoint remainders in time order. The four overlap
// cases: full containment leaves nothing, a left overlap advances the
// start, a right overlap retracts the end, and a middle overlap splits
// the piece in two.
func subtractInterval(pieces []core.TimeInterval, covered core.TimeInterval) []core.TimeInterval {
	if covered.IsEmpty() {
		return pieces
	}
	out := pieces[:0:0]
	for _, p := range pieces {
		if !p.Intersects(covered) {
			out = append(out, p)
			continue
		}
		if covered.Covers(p) {
			continue
		}
		// Left remainder: [p.Start, covered.Start)
		if covered.Start.After(p.Start) {
			out = append(out, core.TimeInterval{Start: p.Start, End: covered.Start})
		}
		// Right remainder: [covered.End, p.End)
		if covered.End.Before(p.End) {
			out = append(out, core.TimeInterval{Start: covered.End, End: p.End})
		}
	}
	return out
}

// uncoveredRanges subtracts every interval in covered from target. The
// returned intervals are pairwise disjoint, in time order, and their
// union plus the covered intervals exactly equals target.
func uncoveredRanges(target core.TimeInterval, covered []core.TimeInterval) []core.TimeInterval {
	if target.IsEmpty() {
		return nil
	}
	pieces := []core.TimeInterval{target}
	for _, c := range covered {
		pieces = subtractInterval(pieces, c)
		if len(pieces) == 0 {
			return nil
		}
	}
	return pieces
}

// mergeExtent adds interval to the extent list, coalescing any extents it
// touches or overlaps. The list stays sorted by start time.
func mergeExtent(extents []core.TimeInterval, interval core.TimeInterval) []core.TimeInterval {
	if interval.IsEmpty() {
		return extents
	}
	merged := interval
	out := extents[:0:0]
	for _, e := range extents {
		// Adjacent extents ([a,b) + [b,c)) coalesce as well as overlapping
		// ones.
		if e.Intersects(merged) || e.End.Equal(merged.Start) || merged.End.Equal(e.Start) {
			merged = merged.Union(e)
		} else {
			out = append(out, e)
		}
	}
	// Insert in start order.
	pos := len(out)
	for i, e := range out {
		if merged.Start.Before(e.Start) {
			pos = i
			break
		}
	}
	out = append(out, core.TimeInterval{})
	copy(out[pos+1:], out[pos:])
	out[pos] = merged
	return out
}

// subtractExtent removes interval from the extent list, used when evicted
// ranges must become fetchable again.
func subtractExtent(extents []core.TimeInterval, interval core.TimeInterval) []core.TimeInterval {
	return subtractInterval(extents, interval)
}
