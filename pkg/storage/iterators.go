package storage

import (
	"context"
	"errors"

	"github.com/permgraph/permgraph/pkg/tuple"
)

var ErrIteratorDone = errors.New("iterator done")

type Iterator[T any] interface {
	// Next will return the next available item. If the context is cancelled or
	// times out, it should return the context error.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying iterator.
	Stop()
}

// TupleIterator is an iterator for Tuples. It is closed by explicitly calling
// Stop() or by calling Next() until it returns an ErrIteratorDone error.
type TupleIterator = Iterator[*tuple.Tuple]

// TupleKeyIterator is an iterator for TupleKeys. It is closed by explicitly
// calling Stop() or by calling Next() until it returns an ErrIteratorDone error.
type TupleKeyIterator = Iterator[*tuple.TupleKey]

type emptyTupleIterator struct{}

var _ TupleIterator = (*emptyTupleIterator)(nil)

func (e *emptyTupleIterator) Next(ctx context.Context) (*tuple.Tuple, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrIteratorDone
}

func (e *emptyTupleIterator) Stop() {}

// NewEmptyTupleIterator returns an iterator that yields no tuples.
func NewEmptyTupleIterator() TupleIterator {
	return &emptyTupleIterator{}
}

type staticTupleIterator struct {
	tuples []*tuple.Tuple
}

var _ TupleIterator = (*staticTupleIterator)(nil)

// NewStaticTupleIterator returns a TupleIterator that iterates over the
// provided slice.
func NewStaticTupleIterator(tuples []*tuple.Tuple) TupleIterator {
	return &staticTupleIterator{tuples: tuples}
}

func (s *staticTupleIterator) Next(ctx context.Context) (*tuple.Tuple, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if len(s.tuples) == 0 {
		return nil, ErrIteratorDone
	}

	next, rest := s.tuples[0], s.tuples[1:]
	s.tuples = rest
	return next, nil
}

func (s *staticTupleIterator) Stop() {}

type tupleKeyIterator struct {
	iter TupleIterator
}

var _ TupleKeyIterator = (*tupleKeyIterator)(nil)

// NewTupleKeyIteratorFromTupleIterator takes a TupleIterator and yields the
// keys of its tuples.
func NewTupleKeyIteratorFromTupleIterator(iter TupleIterator) TupleKeyIterator {
	return &tupleKeyIterator{iter}
}

func (t *tupleKeyIterator) Next(ctx context.Context) (*tuple.TupleKey, error) {
	tup, err := t.iter.Next(ctx)
	if err != nil {
		return nil, err
	}
	return tup.Key, nil
}

func (t *tupleKeyIterator) Stop() {
	t.iter.Stop()
}

type combinedIterator[T any] struct {
	iters []Iterator[T]
}

func (c *combinedIterator[T]) Next(ctx context.Context) (T, error) {
	for len(c.iters) > 0 {
		item, err := c.iters[0].Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				c.iters = c.iters[1:]
				continue
			}

			var zero T
			return zero, err
		}

		return item, nil
	}

	var zero T
	return zero, ErrIteratorDone
}

func (c *combinedIterator[T]) Stop() {
	for _, iter := range c.iters {
		iter.Stop()
	}
}

// NewCombinedIterator takes a number of iterators and yields their items in
// sequence until all of them are exhausted.
func NewCombinedIterator[T any](iters ...Iterator[T]) Iterator[T] {
	return &combinedIterator[T]{iters}
}

// TupleKeyFilterFunc is a filter function that is used to filter out tuples
// from a TupleKeyIterator.
type TupleKeyFilterFunc func(tupleKey *tuple.TupleKey) bool

type filteredTupleKeyIterator struct {
	iter   TupleKeyIterator
	filter TupleKeyFilterFunc
}

var _ TupleKeyIterator = (*filteredTupleKeyIterator)(nil)

// NewFilteredTupleKeyIterator returns a TupleKeyIterator that yields only the
// tuples that pass the provided filter.
func NewFilteredTupleKeyIterator(iter TupleKeyIterator, filter TupleKeyFilterFunc) TupleKeyIterator {
	return &filteredTupleKeyIterator{iter, filter}
}

func (f *filteredTupleKeyIterator) Next(ctx context.Context) (*tuple.TupleKey, error) {
	for {
		tupleKey, err := f.iter.Next(ctx)
		if err != nil {
			return nil, err
		}

		if f.filter(tupleKey) {
			return tupleKey, nil
		}
	}
}

func (f *filteredTupleKeyIterator) Stop() {
	f.iter.Stop()
}
