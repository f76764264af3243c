package summary

import (
	"math"
	"time"

	tdigest "github.com/caio/go-tdigest/v4"
	"github.com/microsoft/psi-sub007/core"
)

// Summarizer turns raw messages into bucketed aggregates. Summarizers
// are identified by ID so bindings of the same stream through different
// summarizers get distinct caches.
type Summarizer[T any] interface {
	ID() string
	// Summarize buckets the messages (which must be in originating-time
	// order) at the given interval. The returned buckets are keyed by
	// their bucket start and never overlap.
	Summarize(msgs []core.Message[T], interval time.Duration) []IntervalData
	// Combine merges two buckets covering overlapping time.
	Combine(left, right IntervalData) IntervalData
}

// bucketize groups messages by bucket start and folds each group with
// accumulate, emitting buckets in time order.
func bucketize[T any](msgs []core.Message[T], interval time.Duration, accumulate func(bucket *IntervalData, first bool, t time.Time, value float64), value func(T) float64) []IntervalData {
	var out []IntervalData
	var cur *IntervalData
	var curStart time.Time

	for _, m := range msgs {
		start := BucketStart(m.OriginatingTime, interval)
		if cur == nil || !start.Equal(curStart) {
			if cur != nil {
				out = append(out, *cur)
			}
			end := start.Add(interval)
			if interval <= 0 {
				end = m.OriginatingTime
			}
			cur = &IntervalData{OriginatingTime: m.OriginatingTime, EndTime: end}
			curStart = start
			accumulate(cur, true, m.OriginatingTime, value(m.Data))
			continue
		}
		accumulate(cur, false, m.OriginatingTime, value(m.Data))
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// RangeSummarizer is the default numeric summarizer: per bucket, the
// pointwise minimum and maximum and the latest value.
type RangeSummarizer[T any] struct {
	Name  string
	Value func(T) float64
}

func (s RangeSummarizer[T]) ID() string { return s.Name }

func (s RangeSummarizer[T]) Summarize(msgs []core.Message[T], interval time.Duration) []IntervalData {
	return bucketize(msgs, interval, func(b *IntervalData, first bool, _ time.Time, v float64) {
		if first {
			b.Value, b.Minimum, b.Maximum = v, v, v
			return
		}
		b.Value = v // messages arrive in time order; the last wins
		if v < b.Minimum {
			b.Minimum = v
		}
		if v > b.Maximum {
			b.Maximum = v
		}
	}, s.Value)
}

func (s RangeSummarizer[T]) Combine(left, right IntervalData) IntervalData {
	return Combine(left, right)
}

// StatisticalSummarizer aggregates each bucket into percentile statistics
// using a t-digest: Value is the median, Minimum and Maximum the
// configured low and high percentiles. Suited to plots of noisy
// high-rate streams where raw extrema overstate the envelope.
type StatisticalSummarizer[T any] struct {
	Name  string
	Value func(T) float64
	// LowPercentile and HighPercentile are in (0,1); defaults 0.05/0.95.
	LowPercentile  float64
	HighPercentile float64
}

func (s StatisticalSummarizer[T]) ID() string { return s.Name }

func (s StatisticalSummarizer[T]) percentiles() (lo, hi float64) {
	lo, hi = s.LowPercentile, s.HighPercentile
	if lo <= 0 || lo >= 1 {
		lo = 0.05
	}
	if hi <= 0 || hi >= 1 {
		hi = 0.95
	}
	return lo, hi
}

func (s StatisticalSummarizer[T]) Summarize(msgs []core.Message[T], interval time.Duration) []IntervalData {
	lo, hi := s.percentiles()

	type bucketAcc struct {
		data IntervalData
		td   *tdigest.TDigest
	}
	var out []IntervalData
	var cur *bucketAcc
	var curStart time.Time

	flush := func() {
		if cur == nil {
			return
		}
		cur.data.Value = cur.td.Quantile(0.5)
		cur.data.Minimum = cur.td.Quantile(lo)
		cur.data.Maximum = cur.td.Quantile(hi)
		out = append(out, cur.data)
	}
	for _, m := range msgs {
		v := s.Value(m.Data)
		if math.IsNaN(v) {
			continue
		}
		start := BucketStart(m.OriginatingTime, interval)
		if cur == nil || !start.Equal(curStart) {
			flush()
			td, err := tdigest.New()
			if err != nil {
				// tdigest.New only fails on invalid options; none are passed.
				continue
			}
			end := start.Add(interval)
			if interval <= 0 {
				end = m.OriginatingTime
			}
			cur = &bucketAcc{
				data: IntervalData{OriginatingTime: m.OriginatingTime, EndTime: end},
				td:   td,
			}
			curStart = start
		}
		if err := cur.td.AddWeighted(v, 1); err != nil {
			continue
		}
	}
	flush()
	return out
}

func (s StatisticalSummarizer[T]) Combine(left, right IntervalData) IntervalData {
	return Combine(left, right)
}
