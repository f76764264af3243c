package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/skiplist"
	"github.com/microsoft/psi-sub007/core"
)

// record is one stored message. payload holds the compressed bytes;
// failErr, when set, simulates an unreadable record for tests.
type record struct {
	env     core.Envelope
	payload []byte
	failErr error
}

// memStream is one named stream, ordered by originating time. A message's
// Position is its originating-time unixnano key, which is stable across
// independent readers.
type memStream struct {
	meta    Metadata
	data    *skiplist.SkipList[int64, *record]
	nextSeq int
}

func timeKeyComparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func newStreamData() *skiplist.SkipList[int64, *record] {
	return skiplist.NewWithComparator[int64, *record](timeKeyComparator)
}

// MemStore is an in-memory multi-stream store implementing Reader (via
// OpenReader) and Writer. Payloads are held compressed using the
// configured Compressor. Creation-time ordering is assumed to follow
// originating-time ordering, so seeks by either time use the same key.
type MemStore struct {
	mu      sync.RWMutex
	name    string
	comp    core.Compressor
	streams map[string]*memStream
	nextID  int
	live    bool
}

var _ Writer = (*MemStore)(nil)

// NewMemStore creates an empty store. A nil compressor stores payloads
// uncompressed.
func NewMemStore(name string, comp core.Compressor) *MemStore {
	return &MemStore{
		name:    name,
		comp:    comp,
		streams: make(map[string]*memStream),
	}
}

// Name returns the store's identity, used to key coordinators.
func (ms *MemStore) Name() string { return ms.name }

// SetLive marks the store as still being written. Live stores cause tail
// views to re-evaluate their bounds on every dispatch.
func (ms *MemStore) SetLive(live bool) {
	ms.mu.Lock()
	ms.live = live
	ms.mu.Unlock()
}

// CreateStream registers a new named stream.
func (ms *MemStore) CreateStream(name, typeName string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.streams[name]; ok {
		return fmt.Errorf("stream %q already exists", name)
	}
	ms.nextID++
	ms.streams[name] = &memStream{
		meta: Metadata{Name: name, ID: ms.nextID, TypeName: typeName},
		data: newStreamData(),
	}
	return nil
}

// Append writes one message to the named stream. Originating times must
// be unique within a stream.
func (ms *MemStore) Append(name string, data []byte, originatingTime, creationTime time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.streams[name]
	if !ok {
		return fmt.Errorf("append to %q: %w", name, core.ErrStreamNotFound)
	}
	payload, err := ms.compress(data)
	if err != nil {
		return fmt.Errorf("append to %q: %w", name, err)
	}
	s.nextSeq++
	rec := &record{
		env: core.Envelope{
			SourceID:        s.meta.ID,
			SequenceID:      s.nextSeq,
			OriginatingTime: originatingTime,
			CreationTime:    creationTime,
		},
		payload: payload,
	}
	if old := s.data.Insert(originatingTime.UnixNano(), rec); old != nil {
		return fmt.Errorf("append to %q: duplicate originating time %s", name, originatingTime)
	}
	s.noteAppended(rec.env, int64(len(data)))
	return nil
}

// FailReadAt marks the record at the given originating time so delivery
// reports err instead of the payload. Test hook for read-error paths.
func (ms *MemStore) FailReadAt(name string, originatingTime time.Time, err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.streams[name]
	if !ok {
		return
	}
	if node, ok := s.data.Seek(originatingTime.UnixNano()); ok && node.Key() == originatingTime.UnixNano() {
		node.Value().failErr = err
	}
}

func (ms *MemStore) compress(data []byte) ([]byte, error) {
	if ms.comp == nil {
		return data, nil
	}
	return ms.comp.Compress(data)
}

func (ms *MemStore) decompress(data []byte) ([]byte, error) {
	if ms.comp == nil {
		return data, nil
	}
	return ms.comp.Decompress(data)
}

func (s *memStream) noteAppended(env core.Envelope, size int64) {
	m := &s.meta
	if m.MessageCount == 0 || env.OriginatingTime.Before(m.FirstOriginatingTime) {
		m.FirstOriginatingTime = env.OriginatingTime
		m.FirstCreationTime = env.CreationTime
	}
	if m.MessageCount == 0 || env.OriginatingTime.After(m.LastOriginatingTime) {
		m.LastOriginatingTime = env.OriginatingTime
		m.LastCreationTime = env.CreationTime
	}
	m.MessageCount++
	if m.MessageCount > 0 {
		m.AverageMessageSize = (m.AverageMessageSize*(m.MessageCount-1) + size) / m.MessageCount
	}
}

// rebuildMeta recomputes stream metadata after an in-place rewrite.
func (s *memStream) rebuildMeta() {
	m := &s.meta
	m.MessageCount = 0
	m.FirstOriginatingTime, m.LastOriginatingTime = time.Time{}, time.Time{}
	m.FirstCreationTime, m.LastCreationTime = time.Time{}, time.Time{}
	s.data.Range(func(_ int64, rec *record) bool {
		if m.MessageCount == 0 {
			m.FirstOriginatingTime = rec.env.OriginatingTime
			m.FirstCreationTime = rec.env.CreationTime
		}
		m.LastOriginatingTime = rec.env.OriginatingTime
		m.LastCreationTime = rec.env.CreationTime
		m.MessageCount++
		return true
	})
}

// EditInPlace implements Writer. All staged updates are validated and the
// replacement stream contents are built before anything becomes visible,
// so a failure leaves the store untouched.
func (ms *MemStore) EditInPlace(updates map[string][]StagedUpdate) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	type rewrite struct {
		s    *memStream
		data *skiplist.SkipList[int64, *record]
	}
	rewrites := make([]rewrite, 0, len(updates))
	affected := make([]string, 0, len(updates))

	for name, ups := range updates {
		if len(ups) == 0 {
			continue
		}
		s, ok := ms.streams[name]
		if !ok {
			return nil, fmt.Errorf("edit %q: %w", name, core.ErrStreamNotFound)
		}

		deletes := make(map[int64]struct{})
		for _, u := range ups {
			if !u.IsUpsert {
				deletes[u.OriginatingTime.UnixNano()] = struct{}{}
			}
		}

		replacement := newStreamData()
		s.data.Range(func(k int64, rec *record) bool {
			if _, del := deletes[k]; !del {
				replacement.Insert(k, rec)
			}
			return true
		})
		for _, u := range ups {
			if !u.IsUpsert {
				continue
			}
			payload, err := ms.compress(u.Data)
			if err != nil {
				return nil, fmt.Errorf("edit %q: %w", name, err)
			}
			s.nextSeq++
			replacement.Insert(u.OriginatingTime.UnixNano(), &record{
				env: core.Envelope{
					SourceID:        s.meta.ID,
					SequenceID:      s.nextSeq,
					OriginatingTime: u.OriginatingTime,
					CreationTime:    u.OriginatingTime,
				},
				payload: payload,
			})
		}
		rewrites = append(rewrites, rewrite{s: s, data: replacement})
		affected = append(affected, name)
	}

	// Point of no return: swap every rewritten stream at once.
	for _, rw := range rewrites {
		rw.s.data = rw.data
		rw.s.rebuildMeta()
	}
	return affected, nil
}

// --- Reader ---

type openStream struct {
	s         *memStream
	indexOnly bool
	onMessage func([]byte, core.Envelope)
	onIndex   func(IndexEntry, core.Envelope)
	onError   func(error)
	nextKey   int64
}

// memReader is a sequential cursor over a MemStore. Not safe for
// concurrent use of a single instance; open an independent instance per
// goroutine with OpenNew.
type memReader struct {
	store    *MemStore
	open     map[string]*openStream
	interval core.TimeInterval
	seeked   bool
	closed   bool
}

var _ Reader = (*memReader)(nil)

// OpenReader returns a fresh sequential cursor over the store.
func (ms *MemStore) OpenReader() Reader {
	return &memReader{store: ms, open: make(map[string]*openStream)}
}

func (r *memReader) lookup(name string) (*memStream, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.streams[name]
	if !ok {
		return nil, fmt.Errorf("open %q: %w", name, core.ErrStreamNotFound)
	}
	return s, nil
}

func (r *memReader) OpenStream(name string, onMessage func([]byte, core.Envelope), onError func(error)) (Metadata, error) {
	s, err := r.lookup(name)
	if err != nil {
		return Metadata{}, err
	}
	r.open[name] = &openStream{s: s, onMessage: onMessage, onError: onError}
	return s.meta, nil
}

func (r *memReader) OpenStreamIndex(name string, onIndex func(IndexEntry, core.Envelope)) (Metadata, error) {
	s, err := r.lookup(name)
	if err != nil {
		return Metadata{}, err
	}
	r.open[name] = &openStream{s: s, indexOnly: true, onIndex: onIndex}
	return s.meta, nil
}

func (r *memReader) Seek(interval core.TimeInterval, useOriginatingTime bool) error {
	if r.closed {
		return core.ErrClosed
	}
	// MemStore keys records by originating time only; creation-time seeks
	// resolve against the same key (see MemStore doc).
	_ = useOriginatingTime
	r.interval = interval
	r.seeked = true
	start := interval.Start.UnixNano()
	for _, os := range r.open {
		os.nextKey = start
	}
	return nil
}

// MoveNext advances to the earliest undelivered record across all open
// streams, bounded by the seeked interval. Ties between streams break by
// stream ID for a deterministic merge order.
func (r *memReader) MoveNext() (core.Envelope, bool) {
	if r.closed || !r.seeked {
		return core.Envelope{}, false
	}
	r.store.mu.RLock()

	end := r.interval.End.UnixNano()
	var best *openStream
	var bestKey int64
	var bestRec *record
	for _, os := range r.open {
		node, ok := os.s.data.Seek(os.nextKey)
		if !ok || node.Key() >= end {
			continue
		}
		if best == nil || node.Key() < bestKey ||
			(node.Key() == bestKey && os.s.meta.ID < best.s.meta.ID) {
			best, bestKey, bestRec = os, node.Key(), node.Value()
		}
	}
	if best == nil {
		r.store.mu.RUnlock()
		return core.Envelope{}, false
	}
	best.nextKey = bestKey + 1
	env := bestRec.env
	payload := bestRec.payload
	failErr := bestRec.failErr
	r.store.mu.RUnlock()

	switch {
	case best.indexOnly:
		if best.onIndex != nil {
			best.onIndex(IndexEntry{
				OriginatingTime: env.OriginatingTime,
				CreationTime:    env.CreationTime,
				Position:        bestKey,
			}, env)
		}
	case failErr != nil:
		if best.onError != nil {
			best.onError(failErr)
		}
	default:
		data, err := r.store.decompress(payload)
		if err != nil {
			if best.onError != nil {
				best.onError(err)
			}
		} else if best.onMessage != nil {
			best.onMessage(data, env)
		}
	}
	return env, true
}

func (r *memReader) ReadAll(ctx context.Context, interval core.TimeInterval) error {
	if err := r.Seek(interval, true); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, ok := r.MoveNext(); !ok {
			return nil
		}
	}
}

func (r *memReader) ReadAt(stream string, position int64) ([]byte, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.streams[stream]
	if !ok {
		return nil, fmt.Errorf("read %q: %w", stream, core.ErrStreamNotFound)
	}
	node, found := s.data.Seek(position)
	if !found || node.Key() != position {
		return nil, fmt.Errorf("read %q at %d: no record at position", stream, position)
	}
	rec := node.Value()
	if rec.failErr != nil {
		return nil, rec.failErr
	}
	return r.store.decompress(rec.payload)
}

func (r *memReader) IsLive() bool {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.live
}

func (r *memReader) StreamMetadata(name string) (Metadata, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.streams[name]
	if !ok {
		return Metadata{}, false
	}
	return s.meta, true
}

func (r *memReader) StreamNames() []string {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	names := make([]string, 0, len(r.store.streams))
	for name := range r.store.streams {
		names = append(names, name)
	}
	return names
}

func (r *memReader) OpenNew() Reader {
	return r.store.OpenReader()
}

func (r *memReader) Close() error {
	r.closed = true
	r.open = nil
	return nil
}
