package summary

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/streamcache"
)

func floatDecoder(data []byte) (float64, error) {
	return strconv.ParseFloat(string(data), 64)
}

func newTestManager(t *testing.T) (*Manager[float64], *streamcache.StreamCache[float64]) {
	t.Helper()
	c, err := streamcache.New(streamcache.Options[float64]{
		StoreName:  "store",
		StreamName: "samples",
		Decoder:    floatDecoder,
	})
	require.NoError(t, err)
	s := RangeSummarizer[float64]{Name: "range", Value: func(v float64) float64 { return v }}
	return NewManager(c, s, nil), c
}

func receive(t *testing.T, c *streamcache.StreamCache[float64], samples map[int]float64) {
	t.Helper()
	for sec, v := range samples {
		c.OnReceive(
			[]byte(strconv.FormatFloat(v, 'f', -1, 64)),
			core.Envelope{OriginatingTime: at(sec), CreationTime: at(sec)},
		)
	}
	require.NoError(t, c.DispatchPending())
}

func TestManager_SummarizeFillsLazily(t *testing.T) {
	m, c := newTestManager(t)
	window := iv(0, 20)

	// First query: nothing summarized yet, a raw read gets queued.
	data, err := m.Summarize(10*time.Second, window)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, m.HasPending())
	require.NotEmpty(t, c.OutstandingRequests(), "the gap must be requested from the store")

	// The backing pass delivers and completes; the next dispatch buckets it.
	receive(t, c, map[int]float64{1: 4, 3: 2, 7: 9, 12: 5})
	c.CompleteRange(window, false)
	m.Dispatch()
	assert.False(t, m.HasPending())

	data, err = m.Summarize(10*time.Second, window)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, 2.0, data[0].Minimum)
	assert.Equal(t, 9.0, data[0].Maximum)
	assert.Equal(t, 5.0, data[1].Value)
}

func TestManager_DispatchWaitsForRawCoverage(t *testing.T) {
	m, c := newTestManager(t)
	window := iv(0, 20)

	_, err := m.Summarize(10*time.Second, window)
	require.NoError(t, err)

	// Only half the window has completed; the window stays queued.
	receive(t, c, map[int]float64{1: 4})
	c.CompleteRange(iv(0, 10), false)
	m.Dispatch()
	assert.True(t, m.HasPending())

	c.CompleteRange(iv(10, 20), false)
	m.Dispatch()
	assert.False(t, m.HasPending())
}

func TestManager_SummarizeDoesNotRequeueCoveredWindows(t *testing.T) {
	m, c := newTestManager(t)
	window := iv(0, 20)

	_, err := m.Summarize(10*time.Second, window)
	require.NoError(t, err)
	receive(t, c, map[int]float64{1: 4})
	c.CompleteRange(window, false)
	m.Dispatch()

	_, err = m.Summarize(10*time.Second, iv(5, 15))
	require.NoError(t, err)
	assert.False(t, m.HasPending(), "a sub-window of summarized territory needs no new read")
}

func TestManager_PendingWindowNotRequestedTwice(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Summarize(10*time.Second, iv(0, 20))
	require.NoError(t, err)
	_, err = m.Summarize(10*time.Second, iv(0, 20))
	require.NoError(t, err)

	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()
	assert.Equal(t, 1, pending)
}

func TestManager_NeighborStitchesAcrossZoomLevels(t *testing.T) {
	m, _ := newTestManager(t)

	// A fine cache with one bucket at the cursor and a coarse cache with
	// a distant bucket the fine resolution never summarized.
	m.mu.Lock()
	m.cacheAtLocked(10 * time.Second).Absorb([]IntervalData{bucket(10, 1)})
	m.cacheAtLocked(20 * time.Second).Absorb([]IntervalData{{
		Value: 6, Minimum: 6, Maximum: 6,
		OriginatingTime: at(60), EndTime: at(80),
	}})
	m.mu.Unlock()

	d, ok := m.Neighbor(10*time.Second, at(10), core.SearchNext)
	require.True(t, ok, "the coarse cache must satisfy the widened search")
	assert.Equal(t, 6.0, d.Value)

	_, ok = m.Neighbor(10*time.Second, at(80), core.SearchNext)
	assert.False(t, ok, "no data follows the last bucket at any resolution")
}

func TestManager_CloseAbandonsPending(t *testing.T) {
	m, c := newTestManager(t)
	_, err := m.Summarize(10*time.Second, iv(0, 20))
	require.NoError(t, err)

	m.Close()
	assert.False(t, m.HasPending())
	assert.Empty(t, m.Intervals())
	_ = c
}
