// Package store defines the boundary to the underlying multi-stream
// store: a sequential, seekable Reader over named streams and a Writer
// supporting atomic in-place stream rewrites. MemStore is a reference
// in-memory implementation of both sides.
package store

import (
	"context"
	"time"

	"github.com/microsoft/psi-sub007/core"
)

// Metadata describes a named stream within a store.
type Metadata struct {
	Name                   string
	ID                     int
	TypeName               string
	MessageCount           int64
	FirstOriginatingTime   time.Time
	LastOriginatingTime    time.Time
	FirstCreationTime      time.Time
	LastCreationTime       time.Time
	AverageMessageSize     int64
	SupplementalMetadataID string
}

// IndexEntry is a lazy thunk: the position of one message within its
// store, sufficient to materialize the payload later against any Reader
// over the same store.
type IndexEntry struct {
	OriginatingTime time.Time
	CreationTime    time.Time
	Position        int64
}

// Read materializes the payload this entry refers to.
func (e IndexEntry) Read(r Reader, stream string) ([]byte, error) {
	return r.ReadAt(stream, e.Position)
}

// StagedUpdate is one element of a commit: an upsert (add or replace) or
// a delete of the message at OriginatingTime.
type StagedUpdate struct {
	IsUpsert        bool
	Data            []byte
	OriginatingTime time.Time
}

// Reader is a sequential cursor over one store. Multiple independent
// Reader instances over the same store may coexist and must not
// interfere; OpenNew creates such an instance. Implementations need not
// be safe for concurrent use of a single instance.
type Reader interface {
	// OpenStream opens the named stream for full-value delivery. Each
	// message stepped over by MoveNext is handed to onMessage; a message
	// that cannot be read is handed to onError instead and the pass
	// continues.
	OpenStream(name string, onMessage func(data []byte, env core.Envelope), onError func(err error)) (Metadata, error)

	// OpenStreamIndex opens the named stream for index-only delivery:
	// instead of payloads, lazy IndexEntry thunks are delivered.
	OpenStreamIndex(name string, onIndex func(entry IndexEntry, env core.Envelope)) (Metadata, error)

	// Seek positions the cursor at the first message of the interval.
	// When useOriginatingTime is false, creation times bound the seek.
	Seek(interval core.TimeInterval, useOriginatingTime bool) error

	// MoveNext advances to the next message across all open streams in
	// time order, invoking the per-stream callback, and returns its
	// envelope. ok is false when the cursor is exhausted.
	MoveNext() (env core.Envelope, ok bool)

	// ReadAll seeks to the interval and steps until exhaustion or ctx
	// cancellation, whichever comes first.
	ReadAll(ctx context.Context, interval core.TimeInterval) error

	// ReadAt materializes a payload previously delivered as an IndexEntry.
	ReadAt(stream string, position int64) ([]byte, error)

	// IsLive reports whether the store is still being written.
	IsLive() bool

	// StreamMetadata returns metadata for the named stream.
	StreamMetadata(name string) (Metadata, bool)

	// StreamNames lists the streams present in the store.
	StreamNames() []string

	// OpenNew returns an independent cursor over the same store.
	OpenNew() Reader

	Close() error
}

// Writer commits staged edits back to a store. A single EditInPlace
// invocation rewrites every affected stream atomically: either all
// updates apply or none do.
type Writer interface {
	// EditInPlace applies per-stream staged updates and returns the names
	// of the streams it rewrote.
	EditInPlace(updates map[string][]StagedUpdate) ([]string, error)
}
