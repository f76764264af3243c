// Package summary maintains multi-resolution, time-bucketed summaries of
// raw stream messages for zoomed-out rendering: one bucket cache per
// distinct zoom interval, populated lazily through the per-stream cache,
// with nearest-bucket search and cross-zoom stitching.
package summary

import (
	"time"

	"github.com/microsoft/psi-sub007/core"
)

// IntervalData is one summarized bucket: an aggregate value with its
// pointwise extrema over the bucket's effective span. EndTime minus
// OriginatingTime is the bucket's effective interval.
type IntervalData struct {
	Value           float64
	Minimum         float64
	Maximum         float64
	OriginatingTime time.Time
	EndTime         time.Time
}

// Interval returns the bucket's effective span.
func (d IntervalData) Interval() core.TimeInterval {
	return core.NewTimeInterval(d.OriginatingTime, d.EndTime)
}

// Combine merges two overlapping buckets: minimum and maximum are
// pointwise, the value comes from whichever input originates later, the
// merged originating time is the earlier of the two and the merged end
// time the later.
func Combine(left, right IntervalData) IntervalData {
	out := IntervalData{
		Minimum: left.Minimum,
		Maximum: left.Maximum,
	}
	if right.Minimum < out.Minimum {
		out.Minimum = right.Minimum
	}
	if right.Maximum > out.Maximum {
		out.Maximum = right.Maximum
	}
	if left.OriginatingTime.After(right.OriginatingTime) {
		out.Value = left.Value
	} else {
		out.Value = right.Value
	}
	out.OriginatingTime = left.OriginatingTime
	if right.OriginatingTime.Before(out.OriginatingTime) {
		out.OriginatingTime = right.OriginatingTime
	}
	out.EndTime = left.EndTime
	if right.EndTime.After(out.EndTime) {
		out.EndTime = right.EndTime
	}
	return out
}

// BucketStart floors t to its bucket boundary. A non-positive interval
// means unbucketed pass-through: the raw time is its own bucket.
func BucketStart(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return t
	}
	ns := t.UnixNano()
	size := interval.Nanoseconds()
	floored := ns - (ns % size)
	if ns < 0 && ns%size != 0 {
		floored -= size
	}
	return time.Unix(0, floored).UTC()
}
