// SPDX-License-Identifier: MIT

// Package arena provides the append-only growable tables the XML
// loader uses to build the model while parsing, before the parent
// element (and eventually the whole document) closes and the table is
// shrunk to its exact final size.
//
// A Table never removes an element: the loader's hierarchical freeing
// is implicit in Go's garbage collector once a Device/Path/Control
// tree becomes unreachable, so Table only needs to implement the
// growth side.
package arena

// Granule is the fixed growth unit: when a Table
// is full, its capacity grows by this many elements at a time.
const Granule = 16

// Table is an append-only growable table of fixed-size records T.
// The zero value is ready to use.
type Table[T any] struct {
	items []T
}

// Append adds v to the end of the table, growing capacity by Granule
// when the backing array is full.
func (t *Table[T]) Append(v T) int {
	if len(t.items) == cap(t.items) {
		grown := make([]T, len(t.items), cap(t.items)+Granule)
		copy(grown, t.items)
		t.items = grown
	}
	t.items = append(t.items, v)
	return len(t.items) - 1
}

// At returns a pointer to the record at index i so callers can mutate
// it in place (e.g. a Path appending Controls while its owning Device
// element is still open).
func (t *Table[T]) At(i int) *T {
	return &t.items[i]
}

// Len returns the number of elements appended so far.
func (t *Table[T]) Len() int {
	return len(t.items)
}

// Shrink releases any slack capacity accumulated by Granule-sized
// growth: once the enclosing element ends, the container is shrunk to
// its exact count.
func (t *Table[T]) Shrink() {
	if cap(t.items) == len(t.items) {
		return
	}
	exact := make([]T, len(t.items))
	copy(exact, t.items)
	t.items = exact
}

// Slice returns the accumulated elements. Callers must not retain the
// returned slice across a subsequent Append, which may reallocate.
func (t *Table[T]) Slice() []T {
	return t.items
}
