package streamcache

import (
	"testing"
	"time"

	"github.com/microsoft/psi-sub007/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func iv(start, end int) core.TimeInterval {
	return core.TimeInterval{Start: at(start), End: at(end)}
}

func TestUncoveredRanges_SubtractionCases(t *testing.T) {
	target := iv(0, 100)

	testCases := []struct {
		name     string
		covered  []core.TimeInterval
		expected []core.TimeInterval
	}{
		{"no coverage", nil, []core.TimeInterval{iv(0, 100)}},
		{"full containment", []core.TimeInterval{iv(0, 100)}, nil},
		{"superset coverage", []core.TimeInterval{iv(-10, 200)}, nil},
		{"left overlap", []core.TimeInterval{iv(-10, 30)}, []core.TimeInterval{iv(30, 100)}},
		{"right overlap", []core.TimeInterval{iv(70, 200)}, []core.TimeInterval{iv(0, 70)}},
		{"middle overlap splits", []core.TimeInterval{iv(20, 40)}, []core.TimeInterval{iv(0, 20), iv(40, 100)}},
		{"two middle holes", []core.TimeInterval{iv(20, 40), iv(60, 80)}, []core.TimeInterval{iv(0, 20), iv(40, 60), iv(80, 100)}},
		{"touching edge is not coverage", []core.TimeInterval{iv(100, 200)}, []core.TimeInterval{iv(0, 100)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := uncoveredRanges(target, tc.covered)
			require.Len(t, got, len(tc.expected))
			for i := range got {
				assert.True(t, got[i].Start.Equal(tc.expected[i].Start), "piece %d start: got %v", i, got[i])
				assert.True(t, got[i].End.Equal(tc.expected[i].End), "piece %d end: got %v", i, got[i])
			}
		})
	}
}

func TestUncoveredRanges_ResultIsDisjointAndExact(t *testing.T) {
	target := iv(0, 1000)
	covered := []core.TimeInterval{iv(100, 150), iv(140, 300), iv(500, 501), iv(999, 2000)}

	got := uncoveredRanges(target, covered)

	// Pairwise disjoint and ordered.
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i-1].Intersects(got[i]))
		assert.True(t, got[i-1].End.Before(got[i].Start) || got[i-1].End.Equal(got[i].Start))
	}

	// Union of gaps plus covered must equal the target: total gap duration
	// equals target minus covered-within-target.
	var gapTotal time.Duration
	for _, g := range got {
		gapTotal += g.Duration()
		assert.True(t, target.Covers(g))
	}
	// Covered-within-target: [100,300) merged = 200s, [500,501) = 1s,
	// [999,2000) clipped = 1s.
	coveredWithin := 202 * time.Second
	assert.Equal(t, target.Duration()-coveredWithin, gapTotal)
}

func TestMergeExtent_CoalescesAdjacentAndOverlapping(t *testing.T) {
	var extents []core.TimeInterval
	extents = mergeExtent(extents, iv(0, 10))
	extents = mergeExtent(extents, iv(20, 30))
	require.Len(t, extents, 2)

	// Adjacent [10,20) bridges both.
	extents = mergeExtent(extents, iv(10, 20))
	require.Len(t, extents, 1)
	assert.True(t, extents[0].Start.Equal(at(0)) && extents[0].End.Equal(at(30)))

	// Overlapping extension.
	extents = mergeExtent(extents, iv(25, 40))
	require.Len(t, extents, 1)
	assert.True(t, extents[0].End.Equal(at(40)))
}

func TestMergeExtent_KeepsStartOrder(t *testing.T) {
	var extents []core.TimeInterval
	extents = mergeExtent(extents, iv(50, 60))
	extents = mergeExtent(extents, iv(0, 10))
	extents = mergeExtent(extents, iv(20, 30))
	require.Len(t, extents, 3)
	assert.True(t, extents[0].Start.Equal(at(0)))
	assert.True(t, extents[1].Start.Equal(at(20)))
	assert.True(t, extents[2].Start.Equal(at(50)))
}
