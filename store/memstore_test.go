package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/microsoft/psi-sub007/compressors"
	"github.com/microsoft/psi-sub007/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ts(sec int) time.Time { return testEpoch.Add(time.Duration(sec) * time.Second) }

func newTestStore(t *testing.T) *MemStore {
	t.Helper()
	ms := NewMemStore("test-store", compressors.NewSnappyCompressor())
	require.NoError(t, ms.CreateStream("audio", "bytes"))
	require.NoError(t, ms.CreateStream("pose", "bytes"))
	for i := 0; i < 10; i++ {
		require.NoError(t, ms.Append("audio", []byte(fmt.Sprintf("a%d", i)), ts(i), ts(i)))
	}
	for i := 0; i < 10; i += 2 {
		require.NoError(t, ms.Append("pose", []byte(fmt.Sprintf("p%d", i)), ts(i), ts(i)))
	}
	return ms
}

func TestMemStore_SequentialMergedRead(t *testing.T) {
	ms := newTestStore(t)
	r := ms.OpenReader()
	defer r.Close()

	var got []string
	_, err := r.OpenStream("audio", func(data []byte, env core.Envelope) {
		got = append(got, "audio:"+string(data))
	}, nil)
	require.NoError(t, err)
	_, err = r.OpenStream("pose", func(data []byte, env core.Envelope) {
		got = append(got, "pose:"+string(data))
	}, nil)
	require.NoError(t, err)

	require.NoError(t, r.ReadAll(context.Background(), core.TimeInterval{Start: ts(0), End: ts(3)}))

	// Both streams delivered, merged in originating-time order; the tie at
	// t=0 and t=2 breaks by stream ID (audio was created first).
	assert.Equal(t, []string{"audio:a0", "pose:p0", "audio:a1", "audio:a2", "pose:p2"}, got)
}

func TestMemStore_SeekBoundsAreHalfOpen(t *testing.T) {
	ms := newTestStore(t)
	r := ms.OpenReader()
	defer r.Close()

	var times []time.Time
	_, err := r.OpenStream("audio", func(_ []byte, env core.Envelope) {
		times = append(times, env.OriginatingTime)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, r.ReadAll(context.Background(), core.TimeInterval{Start: ts(2), End: ts(5)}))
	require.Len(t, times, 3)
	assert.True(t, times[0].Equal(ts(2)))
	assert.True(t, times[2].Equal(ts(4)), "end bound must be exclusive")
}

func TestMemStore_IndependentReaders(t *testing.T) {
	ms := newTestStore(t)
	r1 := ms.OpenReader()
	r2 := r1.OpenNew()
	defer r1.Close()
	defer r2.Close()

	var n1, n2 int
	_, err := r1.OpenStream("audio", func([]byte, core.Envelope) { n1++ }, nil)
	require.NoError(t, err)
	_, err = r2.OpenStream("audio", func([]byte, core.Envelope) { n2++ }, nil)
	require.NoError(t, err)

	full := core.TimeInterval{Start: ts(0), End: ts(100)}
	require.NoError(t, r1.Seek(full, true))
	require.NoError(t, r2.Seek(full, true))

	// Interleave stepping; cursors must not interfere.
	for i := 0; i < 5; i++ {
		_, ok := r1.MoveNext()
		require.True(t, ok)
	}
	for {
		if _, ok := r2.MoveNext(); !ok {
			break
		}
	}
	assert.Equal(t, 5, n1)
	assert.Equal(t, 10, n2)
}

func TestMemStore_IndexDeliveryAndReadAt(t *testing.T) {
	ms := newTestStore(t)
	r := ms.OpenReader()
	defer r.Close()

	var entries []IndexEntry
	_, err := r.OpenStreamIndex("audio", func(e IndexEntry, _ core.Envelope) {
		entries = append(entries, e)
	})
	require.NoError(t, err)
	require.NoError(t, r.ReadAll(context.Background(), core.TimeInterval{Start: ts(0), End: ts(3)}))
	require.Len(t, entries, 3)

	data, err := entries[1].Read(r, "audio")
	require.NoError(t, err)
	assert.Equal(t, "a1", string(data))
}

func TestMemStore_ReadErrorDoesNotAbortPass(t *testing.T) {
	ms := newTestStore(t)
	cause := errors.New("corrupt record")
	ms.FailReadAt("audio", ts(3), cause)

	r := ms.OpenReader()
	defer r.Close()

	var got []string
	var readErr error
	_, err := r.OpenStream("audio", func(data []byte, _ core.Envelope) {
		got = append(got, string(data))
	}, func(err error) { readErr = err })
	require.NoError(t, err)

	require.NoError(t, r.ReadAll(context.Background(), core.TimeInterval{Start: ts(0), End: ts(6)}))
	require.ErrorIs(t, readErr, cause)
	assert.Equal(t, []string{"a0", "a1", "a2", "a4", "a5"}, got, "other messages still delivered")
}

func TestMemStore_ReadAllHonorsCancellation(t *testing.T) {
	ms := newTestStore(t)
	r := ms.OpenReader()
	defer r.Close()

	_, err := r.OpenStream("audio", func([]byte, core.Envelope) {}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.ReadAll(ctx, core.TimeInterval{Start: ts(0), End: ts(100)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemStore_EditInPlace(t *testing.T) {
	ms := newTestStore(t)

	affected, err := ms.EditInPlace(map[string][]StagedUpdate{
		"audio": {
			{IsUpsert: false, OriginatingTime: ts(1)},
			{IsUpsert: true, Data: []byte("a5'"), OriginatingTime: ts(5)},
			{IsUpsert: true, Data: []byte("a99"), OriginatingTime: ts(99)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"audio"}, affected)

	r := ms.OpenReader()
	defer r.Close()
	var got []string
	_, err = r.OpenStream("audio", func(data []byte, _ core.Envelope) {
		got = append(got, string(data))
	}, nil)
	require.NoError(t, err)
	require.NoError(t, r.ReadAll(context.Background(), core.TimeInterval{Start: ts(0), End: ts(200)}))

	assert.NotContains(t, got, "a1", "deleted message must be gone")
	assert.Contains(t, got, "a5'", "replaced payload must be visible")
	assert.Contains(t, got, "a99", "added message must be visible")

	meta, ok := r.StreamMetadata("audio")
	require.True(t, ok)
	assert.Equal(t, int64(10), meta.MessageCount) // 10 - 1 deleted + 1 added
	assert.True(t, meta.LastOriginatingTime.Equal(ts(99)))
}

func TestMemStore_EditInPlaceUnknownStreamLeavesStoreUntouched(t *testing.T) {
	ms := newTestStore(t)
	_, err := ms.EditInPlace(map[string][]StagedUpdate{
		"audio":  {{IsUpsert: false, OriginatingTime: ts(1)}},
		"ghosts": {{IsUpsert: true, Data: []byte("x"), OriginatingTime: ts(0)}},
	})
	require.ErrorIs(t, err, core.ErrStreamNotFound)

	r := ms.OpenReader()
	defer r.Close()
	meta, ok := r.StreamMetadata("audio")
	require.True(t, ok)
	assert.Equal(t, int64(10), meta.MessageCount, "failed commit must not change any stream")
}

func TestMemStore_DuplicateOriginatingTimeRejected(t *testing.T) {
	ms := newTestStore(t)
	err := ms.Append("audio", []byte("dup"), ts(3), ts(3))
	require.Error(t, err)
}
