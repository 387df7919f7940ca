// Package values holds the tagged container that flows through a graph:
// either a concrete value already known at construction time, or a lazy
// reference to a not-yet-computed output. Keeping the two as one closed sum
// type, rather than as an interface every task author could extend, is what
// lets the builder detect a lazy field being mistakenly coerced to a
// concrete value ("lazy-in-condition").
package values

import (
	"fmt"

	"github.com/taskgraph-dev/taskgraph/typelattice"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindConcrete Kind = iota
	KindLazy
)

// LazyRef names a not-yet-computed output: the node that will produce it,
// the output field it will appear under, and the split axes the reference
// carries forward from its producer (used by the splitter to resolve shape).
type LazyRef struct {
	Node  string
	Field string
	Axes  []string
}

func (r LazyRef) String() string {
	return fmt.Sprintf("%s.%s", r.Node, r.Field)
}

// Value is either a concrete Go value of the declared Type, or a LazyRef
// awaiting resolution. Exactly one of the two payload fields is meaningful,
// selected by Kind; callers must check Kind before reading either.
type Value struct {
	Kind Kind
	Type typelattice.Type

	concrete any
	lazy     LazyRef
}

// Concrete wraps an already-known value of type t.
func Concrete(v any, t typelattice.Type) Value {
	return Value{Kind: KindConcrete, Type: t, concrete: v}
}

// Lazy wraps a reference to a not-yet-computed output declared as type t.
func Lazy(ref LazyRef, t typelattice.Type) Value {
	return Value{Kind: KindLazy, Type: t, lazy: ref}
}

// IsLazy reports whether v is a lazy reference.
func (v Value) IsLazy() bool { return v.Kind == KindLazy }

// AsConcrete returns the wrapped value and true, or false if v is lazy.
// Callers that need a concrete value unconditionally (e.g. resolving a
// worker's input tuple after the splitter has indexed lazy sources down to
// concrete ones) use this rather than panicking on the wrong variant.
func (v Value) AsConcrete() (any, bool) {
	if v.Kind != KindConcrete {
		return nil, false
	}
	return v.concrete, true
}

// AsLazy returns the wrapped reference and true, or false if v is concrete.
func (v Value) AsLazy() (LazyRef, bool) {
	if v.Kind != KindLazy {
		return LazyRef{}, false
	}
	return v.lazy, true
}

// MustConcrete panics if v is lazy. Reserved for call sites that have
// already checked IsLazy, e.g. after the scheduler resolves every input in
// a work unit's state coordinate.
func (v Value) MustConcrete() any {
	c, ok := v.AsConcrete()
	if !ok {
		panic("values: MustConcrete called on a lazy value " + v.lazy.String())
	}
	return c
}
