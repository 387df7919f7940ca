// Package graph implements the task definition registry, the workflow
// builder's construction context, and the frozen graph specification it
// produces. The three live in one package because a sub-workflow task's
// constructor closure needs to build another Builder/GraphSpec, and
// splitting them across packages would create an import cycle.
package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskgraph-dev/taskgraph/typelattice"
)

// FieldRole distinguishes an input field from an output field.
type FieldRole int

const (
	RoleIn FieldRole = iota
	RoleOut
)

// Field describes one named input or output slot on a Task.
type Field struct {
	Name     string
	Type     typelattice.Type
	Default  any
	Required bool
	Role     FieldRole
}

// Kind tags which Exec variant a Task carries: a pure in-process function, an
// external command, or a reference to another workflow (nesting).
type Kind int

const (
	KindCallable Kind = iota
	KindShell
	KindWorkflow
)

func (k Kind) String() string {
	switch k {
	case KindCallable:
		return "callable"
	case KindShell:
		return "shell"
	case KindWorkflow:
		return "workflow"
	default:
		return "unknown"
	}
}

// Exec is the executable payload of a Task. Exactly one of Callable,
// Shell, or Workflow is meaningful for a given Task, selected by its
// Kind.
type Exec struct {
	Kind Kind

	// Callable runs in-process. Resolved inputs are concrete Go values keyed
	// by field name; the returned map must have an entry for every declared
	// output field.
	Callable func(resolved map[string]any, env string) (map[string]any, error)

	// Shell is a command template with typed placeholders, parsed once at
	// task-definition time (see ParseShellTemplate).
	Shell *ShellTemplate

	// Workflow is a constructor closure that builds a nested GraphSpec given
	// a fresh Builder. It is invoked by the scheduler at execution time
	// (after this node's own inputs are resolved to concrete values), not at
	// outer-builder time, so the constructor may branch on those values.
	Workflow func(b *Builder, resolved map[string]any) error
}

// Task is an immutable descriptor: input/output fields, the executable
// kind, and an optional environment binding. Tasks are constructed once via
// NewCallableTask/NewShellTask/NewWorkflowTask and registered with a builder
// by value; they carry no mutable state of their own.
type Task struct {
	ID      string
	Inputs  []Field
	Outputs []Field
	Env     string
	Exec    Exec

	// MaxRetries and RetryDelay are node-level retry attributes honored by
	// the scheduler: MaxRetries counts retries after the first attempt;
	// RetryDelay is the constant delay waited before each retry.
	MaxRetries int
	RetryDelay string // parsed by scheduler via time.ParseDuration; "" = no delay

	// Timeout is a per-unit wall-clock budget; zero means no timeout.
	Timeout string
}

// InputField looks up a declared input field by name.
func (t Task) InputField(name string) (Field, bool) {
	for _, f := range t.Inputs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// OutputField looks up a declared output field by name.
func (t Task) OutputField(name string) (Field, bool) {
	for _, f := range t.Outputs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// NewCallableTask builds a pure in-process task definition.
func NewCallableTask(id string, inputs, outputs []Field, fn func(map[string]any, string) (map[string]any, error)) Task {
	return Task{ID: id, Inputs: withRole(inputs, RoleIn), Outputs: withRole(outputs, RoleOut), Exec: Exec{Kind: KindCallable, Callable: fn}}
}

// NewShellTask parses template and builds an external-command task
// definition. The input/output field lists are derived entirely from the
// placeholders found in template; see ParseShellTemplate.
func NewShellTask(id, template string) (Task, error) {
	tmpl, err := ParseShellTemplate(template)
	if err != nil {
		return Task{}, fmt.Errorf("shell task %q: %w", id, err)
	}
	return Task{
		ID:      id,
		Inputs:  tmpl.Inputs,
		Outputs: tmpl.Outputs,
		Exec:    Exec{Kind: KindShell, Shell: tmpl},
	}, nil
}

// NewWorkflowTask builds a sub-workflow task definition: constructor runs
// under a fresh Builder at scheduling time, once this node's own inputs
// have resolved to concrete values.
func NewWorkflowTask(id string, inputs, outputs []Field, constructor func(*Builder, map[string]any) error) Task {
	return Task{ID: id, Inputs: withRole(inputs, RoleIn), Outputs: withRole(outputs, RoleOut), Exec: Exec{Kind: KindWorkflow, Workflow: constructor}}
}

func withRole(fields []Field, role FieldRole) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		f.Role = role
		out[i] = f
	}
	return out
}

// ShellTemplate is a parsed command-line template with typed placeholders:
// `<name[:type][?|*|+][=default]>` for inputs and `<out|name[:type][$path]>`
// for outputs. The grammar is deliberately small: it exists so the engine
// has something concrete to dispatch against. Exotic templating features
// belong to an external parser.
type ShellTemplate struct {
	Raw     string
	Inputs  []Field
	Outputs []Field

	// segments alternates literal text and placeholder indices into
	// Inputs/Outputs, in template order, for Render.
	segments []segment
}

type segment struct {
	literal string
	isInput bool // true => index into Inputs, false => index into Outputs (when placeholder)
	isPlace bool
	index   int
	path    string // output path template, only meaningful for output placeholders
}

var placeholderRe = regexp.MustCompile(`<(out\|)?([A-Za-z_][A-Za-z0-9_]*)(:[A-Za-z]+)?([?*+])?(=[^>$]*)?(\$[^>]*)?>`)

// ParseShellTemplate parses a command template string into input/output
// field declarations plus a segment list used to render a concrete command
// line from resolved values.
func ParseShellTemplate(template string) (*ShellTemplate, error) {
	t := &ShellTemplate{Raw: template}

	matches := placeholderRe.FindAllStringSubmatchIndex(template, -1)
	pos := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > pos {
			t.segments = append(t.segments, segment{literal: template[pos:start]})
		}
		isOutput := m[2] != -1
		name := template[m[4]:m[5]]
		typeTag := "string"
		if m[6] != -1 {
			typeTag = template[m[6]+1 : m[7]]
		}
		modifier := ""
		if m[8] != -1 {
			modifier = template[m[8]:m[9]]
		}
		var defaultVal *string
		if m[10] != -1 {
			s := template[m[10]+1 : m[11]]
			defaultVal = &s
		}
		pathTmpl := ""
		if m[12] != -1 {
			pathTmpl = template[m[12]+1 : m[13]]
		}

		ft := shellType(typeTag)
		if isOutput {
			idx := len(t.Outputs)
			t.Outputs = append(t.Outputs, Field{Name: name, Type: ft, Role: RoleOut, Required: true})
			t.segments = append(t.segments, segment{isPlace: true, isInput: false, index: idx, path: pathTmpl})
		} else {
			f := Field{Name: name, Type: ft, Role: RoleIn, Required: modifier != "?" && defaultVal == nil}
			if defaultVal != nil {
				f.Default = *defaultVal
				f.Required = false
			}
			idx := len(t.Inputs)
			t.Inputs = append(t.Inputs, f)
			t.segments = append(t.segments, segment{isPlace: true, isInput: true, index: idx})
		}
		pos = end
	}
	if pos < len(template) {
		t.segments = append(t.segments, segment{literal: template[pos:]})
	}
	return t, nil
}

func shellType(tag string) typelattice.Type {
	switch strings.ToLower(tag) {
	case "int":
		return typelattice.Int
	case "float":
		return typelattice.Float
	case "bool":
		return typelattice.Bool
	case "string", "":
		return typelattice.String
	default:
		return typelattice.Format(tag)
	}
}

// Render substitutes resolved input values and output paths (supplied by
// the cache layer, keyed by output field name) into the template, producing
// a literal command line the worker backend can execute.
func (t *ShellTemplate) Render(inputs map[string]any, outputPaths map[string]string) (string, error) {
	var sb strings.Builder
	for _, seg := range t.segments {
		if !seg.isPlace {
			sb.WriteString(seg.literal)
			continue
		}
		if seg.isInput {
			f := t.Inputs[seg.index]
			v, ok := inputs[f.Name]
			if !ok {
				if f.Default != nil {
					v = f.Default
				} else if f.Required {
					return "", fmt.Errorf("shell template: missing required input %q", f.Name)
				}
			}
			fmt.Fprintf(&sb, "%v", v)
		} else {
			f := t.Outputs[seg.index]
			path, ok := outputPaths[f.Name]
			if !ok {
				return "", fmt.Errorf("shell template: no output path bound for %q", f.Name)
			}
			sb.WriteString(path)
		}
	}
	return sb.String(), nil
}
