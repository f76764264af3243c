package core

import (
	"fmt"
	"time"
)

// Envelope carries the per-message metadata delivered alongside every
// payload read from a store. OriginatingTime is the logical timestamp of
// the message within its source stream and is the ordering key used by
// all caches; CreationTime is the wall-clock time the message was
// written, which may differ arbitrarily from the originating time.
type Envelope struct {
	SourceID        int
	SequenceID      int
	OriginatingTime time.Time
	CreationTime    time.Time
}

// Message pairs a decoded payload with its envelope.
type Message[T any] struct {
	Data T
	Envelope
}

// SearchMode selects how a time-keyed lookup treats a cursor that falls
// between entries.
type SearchMode int

const (
	// SearchExact requires an entry (or bucket) containing the cursor.
	SearchExact SearchMode = iota
	// SearchPrevious returns the nearest entry at or before the cursor.
	SearchPrevious
	// SearchNext returns the nearest entry at or after the cursor.
	SearchNext
)

func (m SearchMode) String() string {
	switch m {
	case SearchExact:
		return "exact"
	case SearchPrevious:
		return "previous"
	case SearchNext:
		return "next"
	default:
		return fmt.Sprintf("SearchMode(%d)", int(m))
	}
}

// UpdateType tags a staged stream edit.
type UpdateType int

const (
	UpdateAdd UpdateType = iota
	UpdateReplace
	UpdateDelete
)

func (u UpdateType) String() string {
	switch u {
	case UpdateAdd:
		return "add"
	case UpdateReplace:
		return "replace"
	case UpdateDelete:
		return "delete"
	default:
		return fmt.Sprintf("UpdateType(%d)", int(u))
	}
}
