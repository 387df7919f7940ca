package graph

import (
	"github.com/taskgraph-dev/taskgraph/values"
)

// SplitDecl is a pending .split(...) declarator captured on a node
// invocation before it is applied by Builder.Add. Fields lists the input
// field names that advance together (len > 1 means a linked axis: the
// fields' sequences must share cardinality). The axis id Builder.Add
// assigns to it is "<node>.<first field>".
type SplitDecl struct {
	Fields []string
}

// CombineDecl is a pending .combine(axis) declarator: axis is either an
// axis id produced by this same node's own split, or one inherited from an
// upstream producer.
type CombineDecl struct {
	Axis string
}

// Node is one frozen entry in a GraphSpec: a task definition bound to
// concrete or lazy inputs, plus any split/combine operators declared on it.
type Node struct {
	Name   string
	Task   Task
	Inputs map[string]values.Value
	Env    string

	// SplitAxes are the axis ids this node introduces locally, in
	// declaration order; CombineAxes are the axis ids this node closes.
	SplitAxes   []string
	CombineAxes []string

	// SplitFields maps an introduced axis id to the field names that
	// advance along it (len > 1 for a linked axis).
	SplitFields map[string][]string
}

// Edge is derived, not stored explicitly: FromNode/FromField (producer) and
// ToNode/ToField (consumer) identify one lazy-input wiring. GraphSpec.Edges() derives the full edge list from node
// inputs on demand; nothing needs it incrementally during construction.
type Edge struct {
	FromNode  string
	FromField string
	ToNode    string
	ToField   string
}

// GraphSpec is the frozen DAG a Builder produces: nodes in insertion order
// (insertion order is topological order, enforced by the builder), declared
// workflow outputs, and declared workflow inputs.
type GraphSpec struct {
	Nodes          []Node
	Outputs        map[string]values.Value
	DeclaredInputs map[string]Field
}

// NodeByName looks up a node by name; ok is false if no such node exists.
func (g *GraphSpec) NodeByName(name string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// Index returns the position of name in Nodes (== its topological rank),
// or -1 if absent.
func (g *GraphSpec) Index(name string) int {
	for i, n := range g.Nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// Edges derives the full edge list by scanning every node's lazy inputs.
func (g *GraphSpec) Edges() []Edge {
	var edges []Edge
	for _, n := range g.Nodes {
		for field, v := range n.Inputs {
			ref, ok := v.AsLazy()
			if !ok {
				continue
			}
			edges = append(edges, Edge{FromNode: ref.Node, FromField: ref.Field, ToNode: n.Name, ToField: field})
		}
	}
	return edges
}

// Producers returns the set of node names that node directly depends on via
// a lazy input.
func (g *GraphSpec) Producers(node string) []string {
	n, ok := g.NodeByName(node)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, v := range n.Inputs {
		ref, ok := v.AsLazy()
		if !ok {
			continue
		}
		if !seen[ref.Node] {
			seen[ref.Node] = true
			out = append(out, ref.Node)
		}
	}
	return out
}
