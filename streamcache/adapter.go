package streamcache

import "fmt"

// Decoder turns a raw store payload into a typed value.
type Decoder[T any] func(data []byte) (T, error)

// Encoder turns a typed value back into its store payload. Only raw
// (unadapted) bindings carry an encoder; its absence marks a binding as
// read-only for edits.
type Encoder[T any] func(value T) ([]byte, error)

// RawDecoder passes payload bytes through, copying so the cache never
// aliases a reader's buffer.
func RawDecoder(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// RawEncoder is the identity encoder for raw bindings.
func RawEncoder(value []byte) ([]byte, error) {
	return value, nil
}

// Adapter converts stream values from one type to another. Adapters are
// identified by ID so bindings over the same stream with the same adapter
// share one cache.
type Adapter[TIn, TOut any] interface {
	ID() string
	Adapt(in TIn) TOut
}

// AdapterFunc builds an Adapter from a function.
type AdapterFunc[TIn, TOut any] struct {
	Name string
	Fn   func(TIn) TOut
}

func (a AdapterFunc[TIn, TOut]) ID() string        { return a.Name }
func (a AdapterFunc[TIn, TOut]) Adapt(in TIn) TOut { return a.Fn(in) }

// chainedAdapter composes two adapters. This replaces runtime-reflected
// adapter construction with a statically-typed chain.
type chainedAdapter[TIn, TMid, TOut any] struct {
	first  Adapter[TIn, TMid]
	second Adapter[TMid, TOut]
}

func (c chainedAdapter[TIn, TMid, TOut]) ID() string {
	return fmt.Sprintf("%s|%s", c.first.ID(), c.second.ID())
}

func (c chainedAdapter[TIn, TMid, TOut]) Adapt(in TIn) TOut {
	return c.second.Adapt(c.first.Adapt(in))
}

// Chain composes two adapters into one, left applied first.
func Chain[TIn, TMid, TOut any](first Adapter[TIn, TMid], second Adapter[TMid, TOut]) Adapter[TIn, TOut] {
	return chainedAdapter[TIn, TMid, TOut]{first: first, second: second}
}

// AdaptDecoder lifts a base decoder through an adapter, producing the
// decoder for an adapted binding's cache.
func AdaptDecoder[TIn, TOut any](base Decoder[TIn], adapter Adapter[TIn, TOut]) Decoder[TOut] {
	return func(data []byte) (TOut, error) {
		in, err := base(data)
		if err != nil {
			var zero TOut
			return zero, err
		}
		return adapter.Adapt(in), nil
	}
}
