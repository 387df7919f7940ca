// Package worker implements the uniform worker-backend contract: accept a
// work unit, run it, return outputs or failure. Three backends are
// provided: local (in-process/subprocess), container (adapter around an
// external container runtime), and cluster (fire-and-forget submit +
// poll). The engine drives all three through the same Backend interface.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/graph"
)

// Unit is a single work-unit dispatch: a task definition bound to its
// already-resolved (concrete) inputs for one state coordinate.
type Unit struct {
	ID      string
	Task    graph.Task
	Inputs  map[string]any
	Env     string
	Timeout time.Duration
}

// Outcome is what a backend reports back for a Unit: either Outputs (on
// success) or Err (on failure), plus captured stdout/stderr for shell
// tasks.
type Outcome struct {
	Outputs map[string]any
	Err     error
	Stdout  string
	Stderr  string
}

// Backend is the uniform contract every worker implementation satisfies.
// Submit returns a channel that receives exactly one Outcome; Cancel
// requests abort of a previously submitted unit, best-effort.
type Backend interface {
	Submit(ctx context.Context, unit Unit) (<-chan Outcome, error)
	Cancel(id string)
}

// Local runs Callable tasks in-process (in a goroutine, under the
// Submit ctx's timeout/cancellation) and Shell tasks as a real subprocess
// via os/exec. It is the default backend a scheduler uses when a node
// declares no environment.
type Local struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewLocal constructs a Local backend.
func NewLocal() *Local {
	return &Local{cancels: make(map[string]context.CancelFunc)}
}

func (l *Local) Submit(ctx context.Context, unit Unit) (<-chan Outcome, error) {
	if unit.Task.Exec.Kind == graph.KindWorkflow {
		return nil, errs.New(errs.WorkerFailure, "", "", "worker: sub-workflow tasks are expanded by the scheduler, not dispatched to a Backend")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if unit.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, unit.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	l.mu.Lock()
	l.cancels[unit.ID] = cancel
	l.mu.Unlock()

	out := make(chan Outcome, 1)
	go func() {
		defer func() {
			cancel()
			l.mu.Lock()
			delete(l.cancels, unit.ID)
			l.mu.Unlock()
		}()

		switch unit.Task.Exec.Kind {
		case graph.KindCallable:
			out <- l.runCallable(runCtx, unit)
		case graph.KindShell:
			out <- l.runShell(runCtx, unit)
		default:
			out <- Outcome{Err: errs.New(errs.WorkerFailure, "", "", "worker: unknown task kind %v", unit.Task.Exec.Kind)}
		}
		close(out)
	}()
	return out, nil
}

func (l *Local) runCallable(ctx context.Context, unit Unit) Outcome {
	type result struct {
		outputs map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		// A panicking callable (e.g. a type assertion on an input that
		// passed construction as Any but arrived as something else) is a
		// worker failure, not a process crash.
		defer func() {
			if r := recover(); r != nil {
				done <- result{nil, fmt.Errorf("callable panicked: %v", r)}
			}
		}()
		outputs, err := unit.Task.Exec.Callable(unit.Inputs, unit.Env)
		done <- result{outputs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Outcome{Err: errs.Wrap(errs.WorkerFailure, unit.ID, r.err, "callable task %q failed", unit.Task.ID)}
		}
		return Outcome{Outputs: r.outputs}
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Outcome{Err: errs.Wrap(errs.Timeout, unit.ID, ctx.Err(), "callable task %q timed out", unit.Task.ID)}
		}
		return Outcome{Err: errs.Wrap(errs.Cancelled, unit.ID, ctx.Err(), "callable task %q cancelled", unit.Task.ID)}
	}
}

func (l *Local) runShell(ctx context.Context, unit Unit) Outcome {
	outputPaths := make(map[string]string)
	for _, f := range unit.Task.Exec.Shell.Outputs {
		outputPaths[f.Name] = fmt.Sprintf("%s.%s.out", unit.ID, f.Name)
	}
	cmdLine, err := unit.Task.Exec.Shell.Render(unit.Inputs, outputPaths)
	if err != nil {
		return Outcome{Err: errs.Wrap(errs.WorkerFailure, unit.ID, err, "rendering shell template for %q", unit.Task.ID)}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdLine)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return Outcome{Stdout: stdout.String(), Stderr: stderr.String(),
			Err: errs.Wrap(errs.Timeout, unit.ID, ctx.Err(), "shell task %q timed out", unit.Task.ID)}
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return Outcome{Stdout: stdout.String(), Stderr: stderr.String(),
				Err: errs.Wrap(errs.Cancelled, unit.ID, runErr, "shell task %q cancelled", unit.Task.ID)}
		}
		return Outcome{Stdout: stdout.String(), Stderr: stderr.String(),
			Err: errs.Wrap(errs.WorkerFailure, unit.ID, runErr, "shell task %q exited with error", unit.Task.ID)}
	}

	outputs := make(map[string]any, len(outputPaths))
	for name, path := range outputPaths {
		outputs[name] = path
	}
	return Outcome{Outputs: outputs, Stdout: stdout.String(), Stderr: stderr.String()}
}

func (l *Local) Cancel(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.cancels[id]; ok {
		cancel()
	}
}

// Container is an adapter around an external container runtime
// (Docker, Singularity, ...): it renders the same shell command a Local
// backend would, then wraps it in
// a configurable runtime invocation template (e.g. "docker run --rm
// %IMAGE% sh -c %CMD%") and executes that as a real subprocess. A
// production deployment swaps RuntimeCmd for its actual container CLI or
// SDK call.
type Container struct {
	Local
	// RuntimeCmd renders the outer invocation given the environment tag
	// (used as the image/container name) and the inner command line. The
	// default wraps with `docker run --rm <env> sh -c '<cmd>'`.
	RuntimeCmd func(env, innerCmd string) []string
}

// NewContainer constructs a Container backend with the default Docker-style
// RuntimeCmd.
func NewContainer() *Container {
	c := &Container{Local: Local{cancels: make(map[string]context.CancelFunc)}}
	c.RuntimeCmd = func(env, innerCmd string) []string {
		if env == "" {
			env = "scratch"
		}
		return []string{"docker", "run", "--rm", env, "sh", "-c", innerCmd}
	}
	return c
}

func (c *Container) Submit(ctx context.Context, unit Unit) (<-chan Outcome, error) {
	if unit.Task.Exec.Kind != graph.KindShell {
		// Callable tasks have no meaningful container boundary; run them
		// the same way Local would.
		return c.Local.Submit(ctx, unit)
	}

	outputPaths := make(map[string]string)
	for _, f := range unit.Task.Exec.Shell.Outputs {
		outputPaths[f.Name] = fmt.Sprintf("%s.%s.out", unit.ID, f.Name)
	}
	inner, err := unit.Task.Exec.Shell.Render(unit.Inputs, outputPaths)
	if err != nil {
		out := make(chan Outcome, 1)
		out <- Outcome{Err: errs.Wrap(errs.WorkerFailure, unit.ID, err, "rendering shell template for %q", unit.Task.ID)}
		close(out)
		return out, nil
	}

	argv := c.RuntimeCmd(unit.Env, inner)
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		runCtx := ctx
		var cancel context.CancelFunc
		if unit.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, unit.Timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			kind := errs.WorkerFailure
			if runCtx.Err() == context.DeadlineExceeded {
				kind = errs.Timeout
			}
			out <- Outcome{Stdout: stdout.String(), Stderr: stderr.String(),
				Err: errs.Wrap(kind, unit.ID, err, "container task %q (%s) failed", unit.Task.ID, strings.Join(argv, " "))}
			return
		}
		outputs := make(map[string]any, len(outputPaths))
		for name, path := range outputPaths {
			outputs[name] = path
		}
		out <- Outcome{Outputs: outputs, Stdout: stdout.String(), Stderr: stderr.String()}
	}()
	return out, nil
}
