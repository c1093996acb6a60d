// Package input turns raw examples into the batched, shuffled and split
// tensor streams consumed by the training engine.
package input

// Stream pulls successive values; the second return is false once the
// stream is exhausted.
type Stream[T any] func() (T, bool)

// Source is the tagged variant over example inputs: either a materialized
// slice or a factory producing fresh iterations of a streamed dataset. Both
// are consumed uniformly through Iterate.
type Source[T any] struct {
	items    []T
	factory  func() Stream[T]
	streamed bool
}

// FromSlice wraps a materialized slice.
func FromSlice[T any](items []T) Source[T] {
	return Source[T]{items: items}
}

// FromFactory wraps a zero-argument factory that yields a fresh iterable on
// every call, supporting unbounded or streaming datasets.
func FromFactory[T any](factory func() Stream[T]) Source[T] {
	return Source[T]{factory: factory, streamed: true}
}

func (s Source[T]) Streamed() bool {
	return s.streamed
}

// Len reports the number of examples when it is known.
func (s Source[T]) Len() (int, bool) {
	if s.streamed {
		return 0, false
	}
	return len(s.items), true
}

// Iterate starts a fresh pass over the source.
func (s Source[T]) Iterate() Stream[T] {
	if s.streamed {
		return s.factory()
	}
	return SliceStream(s.items)
}

// Head materializes up to n leading values from a fresh pass.
func (s Source[T]) Head(n int) []T {
	out := make([]T, 0, n)
	next := s.Iterate()
	for len(out) < n {
		v, ok := next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

// SliceStream iterates over a slice.
func SliceStream[T any](items []T) Stream[T] {
	i := 0
	return func() (T, bool) {
		if i >= len(items) {
			var zero T
			return zero, false
		}
		v := items[i]
		i++
		return v, true
	}
}
