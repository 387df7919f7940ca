package scheduler

import (
	"fmt"

	"github.com/taskgraph-dev/taskgraph/graph"
	"github.com/taskgraph-dev/taskgraph/split"
	"github.com/taskgraph-dev/taskgraph/values"
)

// resolveUnitInputs resolves every declared input field of node for one
// execution-shape cell, identified by coordMap (an axis-id-keyed
// coordinate over node's ExecutionShape). An unbound field takes its
// declared default; an unbound field with no default is left out.
func (s *Scheduler) resolveUnitInputs(node graph.Node, execShape split.Shape, coordMap map[string]int) (map[string]any, error) {
	inputs := make(map[string]any, len(node.Inputs))
	for field, v := range node.Inputs {
		val, err := s.resolveField(node, field, v, coordMap)
		if err != nil {
			return nil, err
		}
		inputs[field] = val
	}
	for _, f := range node.Task.Inputs {
		if _, bound := inputs[f.Name]; !bound && f.Default != nil {
			inputs[f.Name] = f.Default
		}
	}
	return inputs, nil
}

// resolveField resolves one input field's value for the cell identified by
// coordMap. A concrete value bound to a field that is also this node's own
// split field is indexed by that axis's coordinate — a split field's bound
// sequence supplies one element per cell, not the whole sequence. A lazy
// value is read from the producer's Store entries, gathered across
// whichever of node's CombineAxes the producer hasn't already closed
// itself.
func (s *Scheduler) resolveField(node graph.Node, field string, v values.Value, coordMap map[string]int) (any, error) {
	if c, ok := v.AsConcrete(); ok {
		if axisID, ok := localSplitAxisForField(node, field); ok {
			idx, ok := coordMap[axisID]
			if !ok {
				return nil, fmt.Errorf("scheduler: node %q missing coordinate for split axis %q", node.Name, axisID)
			}
			return indexSequence(c, idx)
		}
		return c, nil
	}

	ref, _ := v.AsLazy()
	shape, err := s.resolver.Shape(ref.Node)
	if err != nil {
		return nil, err
	}

	inShape := make(map[string]bool, len(shape.Axes))
	for _, a := range shape.Axes {
		inShape[a.ID] = true
	}
	var combinedHere []string
	for _, axis := range node.CombineAxes {
		if inShape[axis] {
			combinedHere = append(combinedHere, axis)
		}
	}

	val, ok := s.gatherAxes(ref, shape, combinedHere, coordMap)
	if !ok {
		return nil, fmt.Errorf("scheduler: producer output %s.%s not yet materialized", ref.Node, ref.Field)
	}
	return val, nil
}

// gatherAxes reads Store entries for ref across every combination of the
// named axes (holding every other axis of shape fixed at its value in
// coordMap), nesting lists outermost-axis-first. With an empty axes list
// it reads a single Store cell directly — the base case that also serves
// plain (non-combining) lazy reads and, from Run's output-resolution pass,
// a workflow-level output whose node was never fully combined down to a
// scalar.
func (s *Scheduler) gatherAxes(ref values.LazyRef, shape split.Shape, axes []string, coordMap map[string]int) (any, bool) {
	if len(axes) == 0 {
		coord := shape.CoordinateFromMap(coordMap)
		return s.store.Get(values.Key(ref.Node, ref.Field, coord))
	}
	axis := axes[0]
	card, ok := shape.CardinalityOf(axis)
	if !ok {
		return nil, false
	}
	list := make([]any, card)
	for i := 0; i < card; i++ {
		cm := cloneCoordMap(coordMap)
		cm[axis] = i
		v, ok := s.gatherAxes(ref, shape, axes[1:], cm)
		if !ok {
			return nil, false
		}
		list[i] = v
	}
	return list, true
}

// finalKeyValue resolves a workflow-level output reference to its
// concrete value, gathering across every remaining axis of its producer's
// shape if the output was never fully combined to a scalar.
func (s *Scheduler) finalKeyValue(ref values.LazyRef) (any, bool) {
	shape, err := s.resolver.Shape(ref.Node)
	if err != nil {
		return nil, false
	}
	ids := make([]string, len(shape.Axes))
	for i, a := range shape.Axes {
		ids[i] = a.ID
	}
	return s.gatherAxes(ref, shape, ids, map[string]int{})
}

func localSplitAxisForField(node graph.Node, field string) (string, bool) {
	for _, axisID := range node.SplitAxes {
		for _, f := range node.SplitFields[axisID] {
			if f == field {
				return axisID, true
			}
		}
	}
	return "", false
}

func indexSequence(v any, idx int) (any, error) {
	switch s := v.(type) {
	case []any:
		if idx < 0 || idx >= len(s) {
			return nil, fmt.Errorf("split index %d out of range (len %d)", idx, len(s))
		}
		return s[idx], nil
	case []int:
		if idx < 0 || idx >= len(s) {
			return nil, fmt.Errorf("split index %d out of range (len %d)", idx, len(s))
		}
		return s[idx], nil
	case []float64:
		if idx < 0 || idx >= len(s) {
			return nil, fmt.Errorf("split index %d out of range (len %d)", idx, len(s))
		}
		return s[idx], nil
	case []string:
		if idx < 0 || idx >= len(s) {
			return nil, fmt.Errorf("split index %d out of range (len %d)", idx, len(s))
		}
		return s[idx], nil
	default:
		return nil, fmt.Errorf("scheduler: value is not a sequence: %T", v)
	}
}

func cloneCoordMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func selfCombineAxes(node graph.Node) []string {
	local := make(map[string]bool, len(node.SplitAxes))
	for _, a := range node.SplitAxes {
		local[a] = true
	}
	var out []string
	for _, a := range node.CombineAxes {
		if local[a] {
			out = append(out, a)
		}
	}
	return out
}

func unitIDFor(node string, coord split.Coordinate) string {
	if len(coord) == 0 {
		return node
	}
	return node + "#" + coordString(coord)
}
