package core

import (
	"fmt"
	"time"
)

// TimeInterval is a half-open range [Start, End). An interval with
// End <= Start is empty.
type TimeInterval struct {
	Start time.Time
	End   time.Time
}

// NewTimeInterval normalizes the pair so Start <= End.
func NewTimeInterval(a, b time.Time) TimeInterval {
	if b.Before(a) {
		a, b = b, a
	}
	return TimeInterval{Start: a, End: b}
}

func (ti TimeInterval) IsEmpty() bool {
	return !ti.End.After(ti.Start)
}

// Contains reports whether t falls inside [Start, End).
func (ti TimeInterval) Contains(t time.Time) bool {
	return !t.Before(ti.Start) && t.Before(ti.End)
}

// Intersects reports whether the two half-open intervals share any time.
func (ti TimeInterval) Intersects(other TimeInterval) bool {
	if ti.IsEmpty() || other.IsEmpty() {
		return false
	}
	return ti.Start.Before(other.End) && other.Start.Before(ti.End)
}

// Covers reports whether other lies entirely within ti.
func (ti TimeInterval) Covers(other TimeInterval) bool {
	return !other.Start.Before(ti.Start) && !other.End.After(ti.End)
}

// Intersection returns the overlapping part of the two intervals, which
// is empty when they do not intersect.
func (ti TimeInterval) Intersection(other TimeInterval) TimeInterval {
	start := ti.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := ti.End
	if other.End.Before(end) {
		end = other.End
	}
	if end.Before(start) {
		return TimeInterval{Start: start, End: start}
	}
	return TimeInterval{Start: start, End: end}
}

// Union returns the smallest interval covering both inputs. Empty inputs
// are ignored.
func (ti TimeInterval) Union(other TimeInterval) TimeInterval {
	if ti.IsEmpty() {
		return other
	}
	if other.IsEmpty() {
		return ti
	}
	start := ti.Start
	if other.Start.Before(start) {
		start = other.Start
	}
	end := ti.End
	if other.End.After(end) {
		end = other.End
	}
	return TimeInterval{Start: start, End: end}
}

func (ti TimeInterval) Duration() time.Duration {
	if ti.IsEmpty() {
		return 0
	}
	return ti.End.Sub(ti.Start)
}

func (ti TimeInterval) String() string {
	return fmt.Sprintf("[%s, %s)", ti.Start.Format(time.RFC3339Nano), ti.End.Format(time.RFC3339Nano))
}

// RelativeTimeInterval is a window expressed relative to a cursor time.
// Left is typically non-positive (the window opens before the cursor) and
// Right non-negative. The absolute window is half-open, matching
// TimeInterval.
type RelativeTimeInterval struct {
	Left  time.Duration
	Right time.Duration
}

// AbsoluteAt anchors the relative window at the given cursor.
func (r RelativeTimeInterval) AbsoluteAt(cursor time.Time) TimeInterval {
	return TimeInterval{Start: cursor.Add(r.Left), End: cursor.Add(r.Right)}
}
