package graph

import (
	"fmt"
	"sort"

	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/typelattice"
	"github.com/taskgraph-dev/taskgraph/values"
)

// Builder is the construction context installed for the duration of a
// user's workflow constructor function. It is an explicit handle returned
// by New, not a package-level global, so nested sub-workflow constructors
// each get their own instance with no shared mutable state.
type Builder struct {
	id      string
	oracle  *typelattice.Oracle
	nodes   []Node
	names   map[string]int // base name -> count seen, for uniquing suffixes
	outputs map[string]values.Value
	inputs  map[string]Field

	errs []error
}

// New installs a fresh construction context. A nil oracle falls back to
// typelattice.NewOracle(nil) (the built-in format table).
func New(id string, oracle *typelattice.Oracle) *Builder {
	if oracle == nil {
		oracle = typelattice.NewOracle(nil)
	}
	return &Builder{
		id:      id,
		oracle:  oracle,
		names:   make(map[string]int),
		outputs: make(map[string]values.Value),
		inputs:  make(map[string]Field),
	}
}

// DeclareInput registers a workflow-level declared input as metadata only:
// a name and type recorded in GraphSpec.DeclaredInputs. It does not hand
// back a value — a workflow constructor is an ordinary Go function and
// receives its inputs as ordinary Go parameters, passed straight into
// Invocation.Value/Input by the constructor's own closure; DeclareInput
// exists so a workflow's interface is self-describing. Nothing checks the
// declared inputs at run time: scheduler.Run does not read them.
func (b *Builder) DeclareInput(name string, t typelattice.Type) {
	b.inputs[name] = Field{Name: name, Type: t, Role: RoleIn, Required: true}
}

// Invocation is a task bound to a node-to-be: the pending input bindings
// and split/combine declarators captured before Add materializes a Node.
// Constructed via Builder.Bind, configured fluently, then passed to Add.
type Invocation struct {
	task   Task
	name   string
	env    string
	inputs map[string]values.Value
	splits []SplitDecl
	combos []CombineDecl
}

// Bind starts an invocation of task. Supply a name to override the
// default-id/numeric-suffix naming rule.
func (b *Builder) Bind(task Task, name ...string) *Invocation {
	inv := &Invocation{task: task, inputs: make(map[string]values.Value)}
	if len(name) > 0 {
		inv.name = name[0]
	}
	return inv
}

// Input binds field to a concrete or lazy value.
func (i *Invocation) Input(field string, v values.Value) *Invocation {
	i.inputs[field] = v
	return i
}

// Value is shorthand for Input wrapping a plain Go value of type t.
func (i *Invocation) Value(field string, v any, t typelattice.Type) *Invocation {
	return i.Input(field, values.Concrete(v, t))
}

// Env sets the node's environment binding.
func (i *Invocation) Env(env string) *Invocation {
	i.env = env
	return i
}

// Split declares that the node iterates over the cross product of the
// named fields' sequences. A single field introduces a plain axis; multiple
// fields introduce one linked axis advancing all of them in lockstep
// (their cardinalities must match at resolution time).
func (i *Invocation) Split(fields ...string) *Invocation {
	i.splits = append(i.splits, SplitDecl{Fields: fields})
	return i
}

// Combine declares that axis (either introduced by this node's own Split,
// or inherited from an upstream producer) is closed on this node: its
// outputs are gathered into a sequence and the axis is removed from the
// downstream state shape.
func (i *Invocation) Combine(axis string) *Invocation {
	i.combos = append(i.combos, CombineDecl{Axis: axis})
	return i
}

// Add resolves an invocation into a frozen Node and appends it to the
// spec. It performs, in order: (1) name assignment, (2) split/combine axis
// recording, (3) per-input type assignability checking, (4) append.
// On success it returns an OutputsProxy for wiring this node's outputs into
// later invocations.
func (b *Builder) Add(inv *Invocation) (OutputsProxy, error) {
	name, err := b.assignName(inv)
	if err != nil {
		b.errs = append(b.errs, err)
		return OutputsProxy{}, err
	}

	axisIDs, splitFields, err := b.resolveSplits(name, inv)
	if err != nil {
		b.errs = append(b.errs, err)
		return OutputsProxy{}, err
	}

	combineAxes := make([]string, len(inv.combos))
	for idx, c := range inv.combos {
		combineAxes[idx] = c.Axis
	}

	if err := b.checkInputs(name, inv.task, inv.inputs, splitFields, combineAxes); err != nil {
		b.errs = append(b.errs, err)
		return OutputsProxy{}, err
	}

	node := Node{
		Name:        name,
		Task:        inv.task,
		Inputs:      inv.inputs,
		Env:         inv.env,
		SplitAxes:   axisIDs,
		CombineAxes: combineAxes,
		SplitFields: splitFields,
	}
	b.nodes = append(b.nodes, node)

	// An axis combined on the node that also introduced it gathers the
	// node's own outputs, so downstream consumers see sequences.
	local := make(map[string]bool, len(axisIDs))
	for _, a := range axisIDs {
		local[a] = true
	}
	gathers := 0
	for _, a := range combineAxes {
		if local[a] {
			gathers++
		}
	}

	return OutputsProxy{node: name, task: inv.task, axes: b.inheritedAxes(node), gathers: gathers}, nil
}

// assignName picks the node's name: user-supplied name, else the
// task's own id, else id with a numeric suffix to ensure uniqueness. An
// explicit, colliding user-supplied name is a hard error (duplicate-node-
// name); an un-named invocation instead gets the next free numeric suffix
// off its task id, since that path exists precisely to avoid collisions.
func (b *Builder) assignName(inv *Invocation) (string, error) {
	if inv.name != "" {
		if b.taken(inv.name) {
			return "", errs.New(errs.DuplicateNodeName, inv.name, "", "node name %q already used in this workflow", inv.name)
		}
		return inv.name, nil
	}

	base := inv.task.ID
	count := b.names[base]
	b.names[base] = count + 1
	if count == 0 && !b.taken(base) {
		return base, nil
	}
	for n := count; ; n++ {
		candidate := fmt.Sprintf("%s_%d", base, n+1)
		if !b.taken(candidate) {
			return candidate, nil
		}
	}
}

func (b *Builder) taken(name string) bool {
	for _, n := range b.nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

// checkInputs verifies every declared input field is either bound to an
// assignable concrete/lazy value, has a default, or is not marked Required
// (an unbound Required field with no default is missing-required-input),
// and that no
// unknown field names were supplied. Split and combine declarators shift
// what "assignable" means: a split field is bound to a whole sequence but
// each cell receives one element, and combining an upstream axis gathers
// that producer's values into a sequence before this node sees them.
func (b *Builder) checkInputs(node string, task Task, inputs map[string]values.Value, splitFields map[string][]string, combineAxes []string) error {
	for field := range inputs {
		if _, ok := task.InputField(field); !ok {
			return errs.New(errs.MissingRequiredInput, node, field, "unknown input field on task %q", task.ID)
		}
	}

	isSplit := make(map[string]bool)
	for _, fields := range splitFields {
		for _, f := range fields {
			isSplit[f] = true
		}
	}
	combined := make(map[string]bool, len(combineAxes))
	for _, a := range combineAxes {
		combined[a] = true
	}

	for _, f := range task.Inputs {
		v, bound := inputs[f.Name]
		if !bound {
			if f.Required && f.Default == nil {
				return errs.New(errs.MissingRequiredInput, node, f.Name, "required input not bound and has no default")
			}
			continue
		}
		srcType := v.Type
		if isSplit[f.Name] && srcType.Tag != typelattice.TagAny {
			if srcType.Tag != typelattice.TagSequence {
				return errs.New(errs.TypeMismatch, node, f.Name, "split field must be bound to a sequence, got %s", srcType)
			}
			srcType = *srcType.Elem
		} else if ref, ok := v.AsLazy(); ok {
			for _, axis := range ref.Axes {
				if combined[axis] {
					srcType = typelattice.Sequence(srcType)
				}
			}
		}
		compat := b.oracle.Assignable(srcType, f.Type)
		if !compat.Ok() {
			return errs.New(errs.TypeMismatch, node, f.Name, "cannot assign %s to input of type %s", srcType, f.Type)
		}
	}
	return nil
}

// resolveSplits applies pending .split(...) declarators, assigning each one
// an axis id of "<node>.<first field>".
func (b *Builder) resolveSplits(node string, inv *Invocation) (axisIDs []string, splitFields map[string][]string, err error) {
	splitFields = make(map[string][]string)
	for _, decl := range inv.splits {
		if len(decl.Fields) == 0 {
			continue
		}
		for _, f := range decl.Fields {
			if _, ok := inv.task.InputField(f); !ok {
				return nil, nil, errs.New(errs.MissingRequiredInput, node, f, "split field is not a declared input")
			}
		}
		axis := node + "." + decl.Fields[0]
		axisIDs = append(axisIDs, axis)
		splitFields[axis] = append([]string(nil), decl.Fields...)
	}
	return axisIDs, splitFields, nil
}

// inheritedAxes computes the axis set an OutputsProxy should tag its lazy
// outputs with: the node's own newly-introduced axes, plus every upstream
// axis reachable through its lazy inputs, minus anything this node closes
// via Combine. This is the builder-time approximation used purely for
// propagating axis identifiers through lazy references; the splitter
// (package split) is the authority on final per-node shapes.
func (b *Builder) inheritedAxes(node Node) []string {
	seen := make(map[string]bool)
	var axes []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			axes = append(axes, a)
		}
	}
	for _, v := range node.Inputs {
		ref, ok := v.AsLazy()
		if !ok {
			continue
		}
		for _, a := range ref.Axes {
			add(a)
		}
	}
	for _, a := range node.SplitAxes {
		add(a)
	}
	closed := make(map[string]bool)
	for _, a := range node.CombineAxes {
		closed[a] = true
	}
	out := axes[:0]
	for _, a := range axes {
		if !closed[a] {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// SetOutput assigns a workflow-level output.
func (b *Builder) SetOutput(name string, v values.Value) {
	b.outputs[name] = v
}

// NodeNames exposes the in-progress workflow's node names in insertion
// order, so a constructor can inspect prior nodes to build conditional
// wiring.
func (b *Builder) NodeNames() []string {
	names := make([]string, len(b.nodes))
	for i, n := range b.nodes {
		names[i] = n.Name
	}
	return names
}

// Node returns a copy of the in-progress node named name, for
// constructors that inspect earlier wiring before adding more nodes.
func (b *Builder) Node(name string) (Node, bool) {
	for _, n := range b.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// Static extracts a concrete value for use in a branch predicate. Lazy
// values cannot be evaluated at construction time; passing one raises
// lazy-in-condition rather than silently branching on a placeholder.
func (b *Builder) Static(v values.Value) (any, error) {
	c, ok := v.AsConcrete()
	if !ok {
		ref, _ := v.AsLazy()
		err := errs.New(errs.LazyInCondition, ref.Node, ref.Field, "branch predicate referenced a lazy field; only declared-input-derived static conditions are allowed")
		b.errs = append(b.errs, err)
		return nil, err
	}
	return c, nil
}

// Build freezes the construction context into a GraphSpec. It fails with
// the first error recorded during construction (each such error was also
// returned earlier, by the Add or Static call that raised it; Build is the
// final aggregation point for callers that continue past a recorded error
// before aborting).
func (b *Builder) Build() (*GraphSpec, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	return &GraphSpec{
		Nodes:          b.nodes,
		Outputs:        b.outputs,
		DeclaredInputs: b.inputs,
	}, nil
}
