// Package split computes each node's state-array shape from upstream
// shapes and local split/combine operators, enumerates the coordinate of
// every cell, and orders combine gathers deterministically. Building the
// concrete input tuple for a cell is left to the scheduler.
package split

import (
	"fmt"
	"sort"

	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/graph"
	"github.com/taskgraph-dev/taskgraph/values"
)

// Shape is a node's state shape: an ordered list of axes, each with a
// resolved cardinality. Axis order is insertion order across the union of
// producer shapes followed by local splits.
type Shape struct {
	Axes []Axis
}

// Axis names one dimension of fan-out and its cardinality.
type Axis struct {
	ID          string
	Cardinality int
}

// Len returns the total number of state-array cells: the product of every
// axis's cardinality (1 for a scalar, i.e. an empty axis list).
func (s Shape) Len() int {
	n := 1
	for _, a := range s.Axes {
		n *= a.Cardinality
	}
	return n
}

func (s Shape) indexOf(id string) int {
	for i, a := range s.Axes {
		if a.ID == id {
			return i
		}
	}
	return -1
}

// IndexOf exposes indexOf for callers outside the package (the scheduler
// needs it to translate an axis-id-keyed coordinate map into the
// positional Coordinate a Shape's axis order expects).
func (s Shape) IndexOf(id string) int { return s.indexOf(id) }

// CardinalityOf returns the cardinality of axis id in s, or (0, false) if
// s has no such axis.
func (s Shape) CardinalityOf(id string) (int, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return 0, false
	}
	return s.Axes[i].Cardinality, true
}

// CoordinateFromMap builds a positional Coordinate in s.Axes order from a
// map keyed by axis id. Every axis in s must have an entry in coord; a
// missing entry is a caller bug (an axis CombineOrder/ExecutionShape
// enumeration should always have populated) and panics rather than
// silently defaulting to zero.
func (s Shape) CoordinateFromMap(coord map[string]int) Coordinate {
	out := make(Coordinate, len(s.Axes))
	for i, a := range s.Axes {
		v, ok := coord[a.ID]
		if !ok {
			panic("split: coordinate map missing axis " + a.ID)
		}
		out[i] = v
	}
	return out
}

// Coordinate is one cell of a Shape: a value per axis, in Shape.Axes order.
type Coordinate []int

// MapFromCoordinate is the inverse of CoordinateFromMap: it expands a
// positional Coordinate back into an axis-id-keyed map.
func (s Shape) MapFromCoordinate(c Coordinate) map[string]int {
	m := make(map[string]int, len(s.Axes))
	for i, a := range s.Axes {
		m[a.ID] = c[i]
	}
	return m
}

// Coordinates enumerates every cell of s in row-major (last axis fastest)
// order, which is also lexicographic order over the coordinate tuples,
// making combine gathers deterministic.
func (s Shape) Coordinates() []Coordinate {
	if len(s.Axes) == 0 {
		return []Coordinate{{}}
	}
	total := s.Len()
	coords := make([]Coordinate, total)
	for i := range coords {
		coords[i] = make(Coordinate, len(s.Axes))
	}
	stride := 1
	for axis := len(s.Axes) - 1; axis >= 0; axis-- {
		card := s.Axes[axis].Cardinality
		for i := 0; i < total; i++ {
			coords[i][axis] = (i / stride) % card
		}
		stride *= card
	}
	return coords
}

// Resolver computes shapes across a whole GraphSpec, resolving each node in
// topological (insertion) order since a node's shape depends only on its
// producers'.
type Resolver struct {
	spec       *graph.GraphSpec
	shapes     map[string]Shape
	execShapes map[string]Shape
	declaredAt map[string]int // axis id -> cardinality, fixed once observed
}

// NewResolver prepares a Resolver for spec. It does no work until
// ResolveAll, Shape or ExecutionShape is called.
func NewResolver(spec *graph.GraphSpec) *Resolver {
	return &Resolver{spec: spec, shapes: make(map[string]Shape), execShapes: make(map[string]Shape), declaredAt: make(map[string]int)}
}

// ResolveAll computes and caches every node's shape, in insertion order. It
// returns the first axis-mismatch error encountered, if any — two
// producers (or a producer and a local split) disagreeing on an axis's
// cardinality.
func (r *Resolver) ResolveAll() error {
	for _, n := range r.spec.Nodes {
		if _, err := r.Shape(n.Name); err != nil {
			return err
		}
	}
	return nil
}

// Shape returns node's resolved (post-combine) shape, computing and
// caching it (and its producers', transitively) on first access. This is
// the shape downstream nodes see: every axis in node.CombineAxes is
// already closed.
func (r *Resolver) Shape(node string) (Shape, error) {
	if s, ok := r.shapes[node]; ok {
		return s, nil
	}
	if err := r.resolve(node); err != nil {
		return Shape{}, err
	}
	return r.shapes[node], nil
}

// ExecutionShape returns the shape node's own task actually executes
// over: unlike Shape, an axis the node combines that it ALSO introduced
// itself via a local Split stays present, since the task still runs once
// per pre-combine cell; only the downstream-facing Shape collapses it.
// An axis combined here but introduced upstream is absent from both: the
// node runs once per remaining coordinate and gathers that axis's values
// from the producer at input-resolution time instead.
func (r *Resolver) ExecutionShape(node string) (Shape, error) {
	if s, ok := r.execShapes[node]; ok {
		return s, nil
	}
	if err := r.resolve(node); err != nil {
		return Shape{}, err
	}
	return r.execShapes[node], nil
}

func (r *Resolver) resolve(node string) error {
	if _, ok := r.shapes[node]; ok {
		return nil
	}
	n, ok := r.spec.NodeByName(node)
	if !ok {
		return fmt.Errorf("split: no such node %q", node)
	}

	var axes []Axis
	seen := make(map[string]bool)
	add := func(id string, card int) error {
		if declared, ok := r.declaredAt[id]; ok {
			if declared != card {
				return errs.New(errs.AxisMismatch, node, id, "axis %q cardinality %d conflicts with previously observed %d", id, card, declared)
			}
		} else {
			r.declaredAt[id] = card
		}
		if !seen[id] {
			seen[id] = true
			axes = append(axes, Axis{ID: id, Cardinality: card})
		}
		return nil
	}

	// Union of producer shapes' axes, in producer-then-axis-insertion order.
	for _, p := range r.spec.Producers(node) {
		pShape, err := r.Shape(p)
		if err != nil {
			return err
		}
		for _, a := range pShape.Axes {
			if err := add(a.ID, a.Cardinality); err != nil {
				return err
			}
		}
	}

	// Local splits: one axis per declared SplitDecl, cardinality taken from
	// the bound sequence length of its (possibly linked) fields.
	localSplit := make(map[string]bool, len(n.SplitAxes))
	for _, axisID := range n.SplitAxes {
		localSplit[axisID] = true
		fields := n.SplitFields[axisID]
		card, err := localSplitCardinality(node, axisID, fields, n.Inputs)
		if err != nil {
			return err
		}
		if err := add(axisID, card); err != nil {
			return err
		}
	}

	execAxes := append([]Axis(nil), axes...)

	// Combine axes close sequentially in declaration order, not as a joint
	// reduce. They are removed from Shape always; they are removed from
	// ExecutionShape only when not locally introduced.
	for _, axis := range n.CombineAxes {
		for i, a := range axes {
			if a.ID == axis {
				axes = append(axes[:i], axes[i+1:]...)
				break
			}
		}
		if !localSplit[axis] {
			for i, a := range execAxes {
				if a.ID == axis {
					execAxes = append(execAxes[:i], execAxes[i+1:]...)
					break
				}
			}
		}
	}

	r.shapes[node] = Shape{Axes: axes}
	r.execShapes[node] = Shape{Axes: execAxes}
	return nil
}

func localSplitCardinality(node, axisID string, fields []string, inputs map[string]values.Value) (int, error) {
	card := -1
	for _, f := range fields {
		v, ok := inputs[f]
		if !ok {
			return 0, errs.New(errs.MissingRequiredInput, node, f, "split field %q has no bound input", f)
		}
		c, ok := v.AsConcrete()
		if !ok {
			return 0, errs.New(errs.AxisMismatch, node, f, "split field %q is bound to a lazy value; splits require a concrete sequence", f)
		}
		n, err := sequenceLen(c)
		if err != nil {
			return 0, errs.New(errs.AxisMismatch, node, f, "%v", err)
		}
		if card == -1 {
			card = n
		} else if card != n {
			return 0, errs.New(errs.AxisMismatch, node, axisID, "linked split fields disagree on length: %d vs %d", card, n)
		}
	}
	return card, nil
}

func sequenceLen(v any) (int, error) {
	switch s := v.(type) {
	case []any:
		return len(s), nil
	case []int:
		return len(s), nil
	case []float64:
		return len(s), nil
	case []string:
		return len(s), nil
	default:
		return 0, fmt.Errorf("split: value is not a sequence: %T", v)
	}
}

// CombineOrder returns the gather order for axis's coordinates: the
// lexicographic order of the coordinate tuple along axis, ties (there are
// none once all other axes are held fixed per-cell) broken by the axis's
// insertion order relative to the other remaining axes. Callers pass the
// pre-combine shape (the node's shape before axis was removed) and the
// fixed coordinate of every other axis, and get back the cardinality-many
// source coordinates to gather in order.
func CombineOrder(preShape Shape, axis string, fixed Coordinate) ([]Coordinate, error) {
	idx := preShape.indexOf(axis)
	if idx < 0 {
		return nil, fmt.Errorf("split: shape has no axis %q", axis)
	}
	card := preShape.Axes[idx].Cardinality
	out := make([]Coordinate, card)
	for i := 0; i < card; i++ {
		c := make(Coordinate, len(preShape.Axes))
		copy(c, fixed)
		c[idx] = i
		out[i] = c
	}
	return out, nil
}

// SortAxisIDs returns ids in deterministic (lexicographic) order, used
// wherever axis iteration order must not depend on map iteration.
func SortAxisIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
