package graph

import (
	"github.com/taskgraph-dev/taskgraph/typelattice"
	"github.com/taskgraph-dev/taskgraph/values"
)

// OutputsProxy is returned by Builder.Add. Field access (via Field) yields a
// lazy value tagged with that node's declared output type and its current
// split-axis set, ready to be wired into a downstream input.
type OutputsProxy struct {
	node string
	task Task
	axes []string

	// gathers counts the axes this node both introduced and combined
	// itself; each one wraps the exposed output types in a sequence.
	gathers int
}

// Field returns the lazy value for one of the node's declared output
// fields. It panics if name is not a declared output: that is a
// programmer error in the constructor, analogous to a typo'd struct field,
// not a data-dependent condition callers should recover from.
func (p OutputsProxy) Field(name string) values.Value {
	f, ok := p.task.OutputField(name)
	if !ok {
		panic("graph: node " + p.node + " has no output field " + name)
	}
	ref := values.LazyRef{Node: p.node, Field: name, Axes: append([]string(nil), p.axes...)}
	t := f.Type
	for i := 0; i < p.gathers; i++ {
		t = typelattice.Sequence(t)
	}
	return values.Lazy(ref, t)
}

// Out is shorthand for Field, for tasks with exactly one declared output
// named "out" — the common case for simple callables.
func (p OutputsProxy) Out() values.Value { return p.Field("out") }

// Type returns the declared type of an output field without constructing a
// lazy reference, useful for introspection in sub-workflow constructors.
func (p OutputsProxy) Type(name string) typelattice.Type {
	f, ok := p.task.OutputField(name)
	if !ok {
		panic("graph: node " + p.node + " has no output field " + name)
	}
	return f.Type
}
