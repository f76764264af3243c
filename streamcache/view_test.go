package streamcache

import (
	"testing"
	"time"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadView_FixedRegistersMinimalRequests(t *testing.T) {
	c := newTestCache(t)
	c.CompleteRange(iv(2, 4), false)

	v, err := c.ReadView(ViewFixed, iv(0, 10), 0, nil)
	require.NoError(t, err)
	defer v.Close()

	reqs := c.OutstandingRequests()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].Interval.End.Equal(at(2)))
	assert.True(t, reqs[1].Interval.Start.Equal(at(4)))
}

func TestReadView_LiveUpdates(t *testing.T) {
	c := newTestCache(t)
	v, err := c.ReadView(ViewFixed, iv(0, 10), 0, nil)
	require.NoError(t, err)
	defer v.Close()

	assert.Empty(t, v.Messages())

	receiveAndDispatch(t, c, 1, 2)
	assert.Len(t, v.Messages(), 2)

	receiveAndDispatch(t, c, 3)
	assert.Len(t, v.Messages(), 3, "view reflects later dispatches")
}

func TestReadView_TailCount(t *testing.T) {
	c := newTestCache(t)
	c.SetStreamMetadata(store.Metadata{
		Name:                 "values",
		MessageCount:         5,
		FirstOriginatingTime: at(1),
		LastOriginatingTime:  at(5),
	}, false)

	v, err := c.ReadView(ViewTailCount, core.TimeInterval{}, 2, nil)
	require.NoError(t, err)
	defer v.Close()

	receiveAndDispatch(t, c, 1, 2, 3, 4, 5)
	msgs := v.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].OriginatingTime.Equal(at(4)))
	assert.True(t, msgs[1].OriginatingTime.Equal(at(5)))
}

func TestReadView_TailRangeFollowsLiveStore(t *testing.T) {
	c := newTestCache(t)
	c.SetStreamMetadata(store.Metadata{
		Name:                 "values",
		MessageCount:         3,
		FirstOriginatingTime: at(0),
		LastOriginatingTime:  at(3),
	}, true)

	window := func(last time.Time) core.TimeInterval {
		return core.TimeInterval{Start: last.Add(-2 * time.Second), End: last.Add(time.Nanosecond)}
	}
	v, err := c.ReadView(ViewTailRange, core.TimeInterval{}, 0, window)
	require.NoError(t, err)
	defer v.Close()

	receiveAndDispatch(t, c, 1, 2, 3)
	require.Len(t, v.Messages(), 3)

	// The store advances; the view follows.
	c.SetStreamMetadata(store.Metadata{
		Name:                 "values",
		MessageCount:         6,
		FirstOriginatingTime: at(0),
		LastOriginatingTime:  at(6),
	}, true)
	receiveAndDispatch(t, c, 4, 5, 6)

	msgs := v.Messages()
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].OriginatingTime.Equal(at(4)))
	assert.True(t, msgs[2].OriginatingTime.Equal(at(6)))
}

func TestReadView_TailRangeRegistersFollowupRequests(t *testing.T) {
	c := newTestCache(t)
	c.SetStreamMetadata(store.Metadata{
		Name:                "values",
		MessageCount:        1,
		LastOriginatingTime: at(3),
	}, true)

	window := func(last time.Time) core.TimeInterval {
		return core.TimeInterval{Start: last.Add(-2 * time.Second), End: last.Add(time.Nanosecond)}
	}
	v, err := c.ReadView(ViewTailRange, core.TimeInterval{}, 0, window)
	require.NoError(t, err)
	defer v.Close()

	// Initial request covers the window around t=3.
	require.NotEmpty(t, c.OutstandingRequests())
	c.CompleteRange(window(at(3)), false)

	// Store advances to t=6: the next dispatch must request the newly
	// exposed range.
	c.SetStreamMetadata(store.Metadata{
		Name:                "values",
		MessageCount:        2,
		LastOriginatingTime: at(6),
	}, true)
	require.NoError(t, c.DispatchPending())

	reqs := c.OutstandingRequests()
	require.NotEmpty(t, reqs, "live tail view must chase the advancing store")
	last := reqs[len(reqs)-1]
	assert.True(t, last.Interval.End.After(at(5)))
}

func TestView_CloseReleasesRetention(t *testing.T) {
	c := newTestCache(t)
	v, err := c.ReadView(ViewFixed, iv(0, 10), 0, nil)
	require.NoError(t, err)
	v.Close()
	v.Close() // idempotent

	assert.Empty(t, v.Messages())
}
