package streamcache

import (
	"testing"
	"time"

	"github.com/microsoft/psi-sub007/core"
	"github.com/microsoft/psi-sub007/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epsilon3s() core.RelativeTimeInterval {
	return core.RelativeTimeInterval{Left: -3 * time.Second, Right: 3 * time.Second}
}

func TestResolveInstant_EpsilonNearestMatch(t *testing.T) {
	c := newTestCache(t)
	receiveAndDispatch(t, c, 5, 10, 15)

	testCases := []struct {
		name      string
		mode      core.SearchMode
		wantFound bool
		wantSec   int
	}{
		{"previous", core.SearchPrevious, true, 10},
		{"next", core.SearchNext, true, 15},
		{"exact", core.SearchExact, false, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got core.Message[string]
			var found bool
			id := c.RegisterInstantTarget(epsilon3s(), tc.mode, func(m core.Message[string], ok bool) {
				got, found = m, ok
			})
			defer c.UnregisterInstantTarget(id)

			c.ResolveInstant(at(12), nil)
			require.Equal(t, tc.wantFound, found)
			if tc.wantFound {
				assert.True(t, got.OriginatingTime.Equal(at(tc.wantSec)),
					"want t=%d, got %v", tc.wantSec, got.OriginatingTime)
			}
		})
	}
}

func TestResolveInstant_EpsilonBoundsLookup(t *testing.T) {
	c := newTestCache(t)
	receiveAndDispatch(t, c, 5)

	// Cursor 12 with epsilon [-3,+3]: t=5 is outside the window, so
	// Previous finds nothing.
	var found bool
	id := c.RegisterInstantTarget(epsilon3s(), core.SearchPrevious, func(_ core.Message[string], ok bool) {
		found = ok
	})
	defer c.UnregisterInstantTarget(id)

	c.ResolveInstant(at(12), nil)
	assert.False(t, found)
}

func TestResolveInstant_SkipsTombstones(t *testing.T) {
	c := newTestCache(t)
	receiveAndDispatch(t, c, 10, 11)
	require.NoError(t, c.StageUpdate(StreamUpdate[string]{
		Type:    core.UpdateDelete,
		Message: core.Message[string]{Envelope: env(11)},
	}))

	var got core.Message[string]
	var found bool
	id := c.RegisterInstantTarget(epsilon3s(), core.SearchPrevious, func(m core.Message[string], ok bool) {
		got, found = m, ok
	})
	defer c.UnregisterInstantTarget(id)

	c.ResolveInstant(at(12), nil)
	require.True(t, found)
	assert.True(t, got.OriginatingTime.Equal(at(10)), "deleted message must not resolve")
}

func TestResolveInstant_FallbackSeeksStore(t *testing.T) {
	ms := store.NewMemStore("s", nil)
	require.NoError(t, ms.CreateStream("values", "string"))
	require.NoError(t, ms.Append("values", []byte("v10"), at(10), at(10)))
	require.NoError(t, ms.Append("values", []byte("v15"), at(15), at(15)))

	c := newTestCache(t) // cache is empty: lookups must fall back
	var got core.Message[string]
	var found bool
	id := c.RegisterInstantTarget(epsilon3s(), core.SearchPrevious, func(m core.Message[string], ok bool) {
		got, found = m, ok
	})
	defer c.UnregisterInstantTarget(id)

	reader := ms.OpenReader()
	defer reader.Close()
	c.ResolveInstant(at(12), reader)

	require.True(t, found)
	assert.Equal(t, "v10", got.Data)
}

func TestResolveInstant_MaterializesIndexEntries(t *testing.T) {
	ms := store.NewMemStore("s", nil)
	require.NoError(t, ms.CreateStream("values", "string"))
	require.NoError(t, ms.Append("values", []byte("v10"), at(10), at(10)))

	c, err := New(Options[string]{
		StreamName:       "values",
		Decoder:          stringDecoder,
		Encoder:          stringEncoder,
		IndexLRUCapacity: 8,
	})
	require.NoError(t, err)

	// Populate the index cache only.
	c.OnReceiveIndex(store.IndexEntry{
		OriginatingTime: at(10),
		CreationTime:    at(10),
		Position:        at(10).UnixNano(),
	}, env(10))
	require.NoError(t, c.DispatchPending())

	var got core.Message[string]
	var found bool
	id := c.RegisterInstantTarget(epsilon3s(), core.SearchPrevious, func(m core.Message[string], ok bool) {
		got, found = m, ok
	})
	defer c.UnregisterInstantTarget(id)

	reader := ms.OpenReader()
	defer reader.Close()
	c.ResolveInstant(at(12), reader)
	require.True(t, found)
	assert.Equal(t, "v10", got.Data)

	// Second resolution hits the thunk LRU; no reader needed.
	found = false
	c.ResolveInstant(at(12), nil)
	require.True(t, found)
	assert.Equal(t, "v10", got.Data)
}

func TestResolveInstant_FallbackDoesNotLeakIntoSharedReader(t *testing.T) {
	ms := store.NewMemStore("s", nil)
	require.NoError(t, ms.CreateStream("audio", "string"))
	require.NoError(t, ms.CreateStream("video", "string"))
	require.NoError(t, ms.Append("audio", []byte("a10"), at(10), at(10)))
	require.NoError(t, ms.Append("video", []byte("v10"), at(10), at(10)))

	audioDecodes := 0
	audio, err := New(Options[string]{
		StreamName: "audio",
		Decoder: func(data []byte) (string, error) {
			audioDecodes++
			return string(data), nil
		},
	})
	require.NoError(t, err)
	video, err := New(Options[string]{StreamName: "video", Decoder: stringDecoder})
	require.NoError(t, err)

	audio.RegisterInstantTarget(epsilon3s(), core.SearchPrevious, func(core.Message[string], bool) {})
	video.RegisterInstantTarget(epsilon3s(), core.SearchPrevious, func(core.Message[string], bool) {})

	reader := ms.OpenReader()
	defer reader.Close()

	audio.ResolveInstant(at(12), reader)
	require.Equal(t, 1, audioDecodes)

	// A second cache sweeping the same shared reader must not re-deliver
	// into the first cache's fallback capture.
	video.ResolveInstant(at(12), reader)
	assert.Equal(t, 1, audioDecodes)
}

func TestRegisterInstantTarget_ZeroEpsilonTakesDefault(t *testing.T) {
	c, err := New(Options[string]{
		StreamName:     "values",
		Decoder:        stringDecoder,
		DefaultEpsilon: epsilon3s(),
	})
	require.NoError(t, err)
	receiveAndDispatch(t, c, 10)

	var found bool
	c.RegisterInstantTarget(core.RelativeTimeInterval{}, core.SearchPrevious, func(_ core.Message[string], ok bool) {
		found = ok
	})

	c.ResolveInstant(at(12), nil)
	assert.True(t, found, "the configured default window admits t=10 at cursor t=12")
}
