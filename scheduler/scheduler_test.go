package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/taskgraph-dev/taskgraph/cache"
	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/graph"
	"github.com/taskgraph-dev/taskgraph/typelattice"
	"github.com/taskgraph-dev/taskgraph/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func addTask() graph.Task {
	return graph.NewCallableTask("add",
		[]graph.Field{{Name: "a", Type: typelattice.Int}, {Name: "b", Type: typelattice.Int}},
		[]graph.Field{{Name: "out", Type: typelattice.Int}},
		func(in map[string]any, env string) (map[string]any, error) {
			return map[string]any{"out": in["a"].(int) + in["b"].(int)}, nil
		})
}

func mulTask() graph.Task {
	return graph.NewCallableTask("mul",
		[]graph.Field{{Name: "a", Type: typelattice.Int}, {Name: "b", Type: typelattice.Int}},
		[]graph.Field{{Name: "out", Type: typelattice.Int}},
		func(in map[string]any, env string) (map[string]any, error) {
			return map[string]any{"out": in["a"].(int) * in["b"].(int)}, nil
		})
}

// TestLinearChainExecutes runs a two-node chain end to end:
// add(2,3) -> mul(., 3) -> workflow output "result" == 15.
func TestLinearChainExecutes(t *testing.T) {
	b := graph.New("wf", nil)
	addOut, err := b.Add(b.Bind(addTask()).Value("a", 2, typelattice.Int).Value("b", 3, typelattice.Int))
	if err != nil {
		t.Fatalf("Add(add) = %v", err)
	}
	mulOut, err := b.Add(b.Bind(mulTask()).Input("a", addOut.Out()).Value("b", 3, typelattice.Int))
	if err != nil {
		t.Fatalf("Add(mul) = %v", err)
	}
	b.SetOutput("result", mulOut.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errored {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	if res.Outputs["result"] != 15 {
		t.Fatalf("Outputs[result] = %v, want 15", res.Outputs["result"])
	}
}

func sumTask() graph.Task {
	return graph.NewCallableTask("sum",
		[]graph.Field{{Name: "x", Type: typelattice.Sequence(typelattice.Int)}},
		[]graph.Field{{Name: "out", Type: typelattice.Int}},
		func(in map[string]any, env string) (map[string]any, error) {
			total := 0
			for _, v := range in["x"].([]any) {
				total += v.(int)
			}
			return map[string]any{"out": total}, nil
		})
}

// TestSplitCombineExecutes exercises split fan-out with a downstream gather:
// Mul(a=[1,2,3], b=[10,20]).combine("mul.a") then Sum(x=.) over the
// remaining mul.b axis of cardinality 2, producing two independent sums.
func TestSplitCombineExecutes(t *testing.T) {
	b := graph.New("wf", nil)
	mulOut, err := b.Add(b.Bind(mulTask()).
		Value("a", []int{1, 2, 3}, typelattice.Sequence(typelattice.Int)).
		Value("b", []int{10, 20}, typelattice.Sequence(typelattice.Int)).
		Split("a").
		Split("b").
		Combine("mul.a"))
	if err != nil {
		t.Fatalf("Add(mul) = %v", err)
	}
	sumOut, err := b.Add(b.Bind(sumTask()).Input("x", mulOut.Out()))
	if err != nil {
		t.Fatalf("Add(sum) = %v", err)
	}
	b.SetOutput("totals", sumOut.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errored {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	// mul.a = [1,2,3], mul.b = [10,20]: column b=10 -> 1*10+2*10+3*10=60,
	// column b=20 -> 1*20+2*20+3*20=120.
	want := []any{60, 120}
	got, ok := res.Outputs["totals"].([]any)
	if !ok || len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Outputs[totals] = %v, want %v", res.Outputs["totals"], want)
	}
}

func failingTask() graph.Task {
	return graph.NewCallableTask("boom", nil, []graph.Field{{Name: "out", Type: typelattice.Int}},
		func(map[string]any, string) (map[string]any, error) {
			return nil, errors.New("exploded")
		})
}

// TestPartialFailureIsolatesIndependentBranch checks failure isolation:
// two independent terminal nodes with no shared dependency —
// one fails, the other still completes and the Result reports both the
// failure and the success.
func TestPartialFailureIsolatesIndependentBranch(t *testing.T) {
	b := graph.New("wf", nil)
	failOut, err := b.Add(b.Bind(failingTask(), "boom"))
	if err != nil {
		t.Fatalf("Add(boom) = %v", err)
	}
	okOut, err := b.Add(b.Bind(addTask(), "ok").Value("a", 1, typelattice.Int).Value("b", 2, typelattice.Int))
	if err != nil {
		t.Fatalf("Add(ok) = %v", err)
	}
	b.SetOutput("failed", failOut.Out())
	b.SetOutput("ok", okOut.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !res.Errored {
		t.Fatalf("expected Errored, got none")
	}
	if _, ok := res.Errors["boom"]; !ok {
		t.Errorf("Errors = %+v, want an entry for unit %q", res.Errors, "boom")
	}
	if res.Outputs["ok"] != 3 {
		t.Errorf("Outputs[ok] = %v, want 3 (independent branch must still complete)", res.Outputs["ok"])
	}
}

// TestUnreachableDownstreamOfFailure covers a failing node's direct
// dependent being marked unreachable rather than silently skipped.
func TestUnreachableDownstreamOfFailure(t *testing.T) {
	b := graph.New("wf", nil)
	failOut, err := b.Add(b.Bind(failingTask(), "boom"))
	if err != nil {
		t.Fatalf("Add(boom) = %v", err)
	}
	_, err = b.Add(b.Bind(addTask(), "dependent").Input("a", failOut.Out()).Value("b", 1, typelattice.Int))
	if err != nil {
		t.Fatalf("Add(dependent) = %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if _, ok := res.Errors["dependent"]; !ok {
		t.Fatalf("Errors = %+v, want dependent reported unreachable", res.Errors)
	}
	if res.Errors["dependent"].CausedBy != "boom" {
		t.Errorf("CausedBy = %q, want %q", res.Errors["dependent"].CausedBy, "boom")
	}
}

// TestCacheAvoidsReexecution runs the same spec twice against a shared
// cache.Store and asserts the underlying task body runs exactly once.
func TestCacheAvoidsReexecution(t *testing.T) {
	var executions int32
	countingTask := graph.NewCallableTask("counted",
		[]graph.Field{{Name: "a", Type: typelattice.Int}},
		[]graph.Field{{Name: "out", Type: typelattice.Int}},
		func(in map[string]any, env string) (map[string]any, error) {
			atomic.AddInt32(&executions, 1)
			return map[string]any{"out": in["a"].(int) * 2}, nil
		})

	build := func() *graph.GraphSpec {
		b := graph.New("wf", nil)
		out, err := b.Add(b.Bind(countingTask).Value("a", 21, typelattice.Int))
		if err != nil {
			t.Fatalf("Add() = %v", err)
		}
		b.SetOutput("result", out.Out())
		spec, err := b.Build()
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		return spec
	}

	c, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cache.Open() = %v", err)
	}
	defer c.Close()

	for i := 0; i < 2; i++ {
		res, err := New(build(), WithCache(c)).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if res.Outputs["result"] != 42 {
			t.Fatalf("Outputs[result] = %v, want 42", res.Outputs["result"])
		}
	}
	if executions != 1 {
		t.Fatalf("executions = %d, want 1 (second run should be a cache hit)", executions)
	}
}

// TestSubworkflowExpansion covers nesting: a workflow task whose
// constructor builds a tiny add+mul chain, invoked from an outer graph.
func TestSubworkflowExpansion(t *testing.T) {
	nested := graph.NewWorkflowTask("double_and_add_one",
		[]graph.Field{{Name: "n", Type: typelattice.Int}},
		[]graph.Field{{Name: "out", Type: typelattice.Int}},
		func(nb *graph.Builder, resolved map[string]any) error {
			n := resolved["n"].(int)
			doubled, err := nb.Add(nb.Bind(mulTask()).Value("a", n, typelattice.Int).Value("b", 2, typelattice.Int))
			if err != nil {
				return err
			}
			plusOne, err := nb.Add(nb.Bind(addTask()).Input("a", doubled.Out()).Value("b", 1, typelattice.Int))
			if err != nil {
				return err
			}
			nb.SetOutput("out", plusOne.Out())
			return nil
		})

	b := graph.New("wf", nil)
	out, err := b.Add(b.Bind(nested).Value("n", 10, typelattice.Int))
	if err != nil {
		t.Fatalf("Add(nested) = %v", err)
	}
	b.SetOutput("result", out.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errored {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	if res.Outputs["result"] != 21 {
		t.Fatalf("Outputs[result] = %v, want 21", res.Outputs["result"])
	}
}

// TestRetryRecoversTransientFailure covers node-level retry: a task that
// fails on its first call and succeeds on its second must produce a
// successful Result when the node's retry policy allows 2 attempts.
func TestRetryRecoversTransientFailure(t *testing.T) {
	var calls int32
	flaky := graph.NewCallableTask("flaky", nil, []graph.Field{{Name: "out", Type: typelattice.Int}},
		func(map[string]any, string) (map[string]any, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, errors.New("transient")
			}
			return map[string]any{"out": 7}, nil
		})

	b := graph.New("wf", nil)
	out, err := b.Add(b.Bind(flaky, "flaky"))
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	b.SetOutput("result", out.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec, WithRetry("flaky", RetryPolicy{MaxAttempts: 2})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errored {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	if res.Outputs["result"] != 7 {
		t.Fatalf("Outputs[result] = %v, want 7", res.Outputs["result"])
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

// countingBackend wraps a worker.Local and counts the units submitted to it.
type countingBackend struct {
	*worker.Local
	submits int32
}

func (c *countingBackend) Submit(ctx context.Context, unit worker.Unit) (<-chan worker.Outcome, error) {
	atomic.AddInt32(&c.submits, 1)
	return c.Local.Submit(ctx, unit)
}

// TestCustomBackendDispatch verifies a node bound to a non-default
// environment is routed through its registered worker.Backend rather than
// the scheduler's default Local backend.
func TestCustomBackendDispatch(t *testing.T) {
	primary := &countingBackend{Local: worker.NewLocal()}
	b := graph.New("wf", nil)
	out, err := b.Add(b.Bind(addTask()).Value("a", 4, typelattice.Int).Value("b", 5, typelattice.Int).Env("gpu"))
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	b.SetOutput("result", out.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec, WithBackend("gpu", primary)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errored {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	if res.Outputs["result"] != 9 {
		t.Fatalf("Outputs[result] = %v, want 9", res.Outputs["result"])
	}
	if got := atomic.LoadInt32(&primary.submits); got != 1 {
		t.Fatalf("gpu backend submits = %d, want 1", got)
	}
}

// TestErrorKindSurfacedInResult confirms a worker failure's errs.Kind
// round-trips into the Result's ErrorInfo.
func TestErrorKindSurfacedInResult(t *testing.T) {
	b := graph.New("wf", nil)
	_, err := b.Add(b.Bind(failingTask(), "boom"))
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errors["boom"].Kind != errs.WorkerFailure {
		t.Fatalf("Errors[boom].Kind = %v, want WorkerFailure", res.Errors["boom"].Kind)
	}
}

// recTask builds a self-referential workflow task: each level adds 1 to a
// and recurses with depth-1 until depth reaches 0.
func recTask() graph.Task {
	var rec graph.Task
	rec = graph.NewWorkflowTask("rec",
		[]graph.Field{{Name: "a", Type: typelattice.Int}, {Name: "depth", Type: typelattice.Int}},
		[]graph.Field{{Name: "out", Type: typelattice.Int}},
		func(nb *graph.Builder, resolved map[string]any) error {
			a := resolved["a"].(int)
			depth := resolved["depth"].(int)
			bumped, err := nb.Add(nb.Bind(addTask()).Value("a", a, typelattice.Int).Value("b", 1, typelattice.Int))
			if err != nil {
				return err
			}
			if depth == 0 {
				nb.SetOutput("out", bumped.Out())
				return nil
			}
			next, err := nb.Add(nb.Bind(rec).Input("a", bumped.Out()).Value("depth", depth-1, typelattice.Int))
			if err != nil {
				return err
			}
			nb.SetOutput("out", next.Field("out"))
			return nil
		})
	return rec
}

// TestRecursiveNesting expands a workflow task that invokes itself until
// its depth input hits the base case: rec(a=0, depth=3) adds 1 at each of
// the four levels.
func TestRecursiveNesting(t *testing.T) {
	b := graph.New("wf", nil)
	out, err := b.Add(b.Bind(recTask()).Value("a", 0, typelattice.Int).Value("depth", 3, typelattice.Int))
	if err != nil {
		t.Fatalf("Add(rec) = %v", err)
	}
	b.SetOutput("result", out.Field("out"))
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errored {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	if res.Outputs["result"] != 4 {
		t.Fatalf("Outputs[result] = %v, want 4", res.Outputs["result"])
	}
}

// TestCancelBeforeRunMarksEverythingCancelled cancels a scheduler before
// Run: every node must be reported cancelled and no task body may execute.
func TestCancelBeforeRunMarksEverythingCancelled(t *testing.T) {
	var executions int32
	counting := graph.NewCallableTask("counted", nil, []graph.Field{{Name: "out", Type: typelattice.Int}},
		func(map[string]any, string) (map[string]any, error) {
			atomic.AddInt32(&executions, 1)
			return map[string]any{"out": 1}, nil
		})

	b := graph.New("wf", nil)
	out, err := b.Add(b.Bind(counting, "only"))
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	b.SetOutput("result", out.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	s := New(spec)
	s.Cancel()
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !res.Cancelled {
		t.Fatalf("Cancelled = false, want true")
	}
	if res.Errors["only"].Kind != errs.Cancelled {
		t.Fatalf("Errors[only].Kind = %v, want Cancelled", res.Errors["only"].Kind)
	}
	if executions != 0 {
		t.Fatalf("executions = %d, want 0", executions)
	}
}

// TestEmptySplitYieldsEmptyCombine splits over an empty sequence: the
// producer runs zero units and a downstream combine gathers an empty
// sequence rather than failing.
func TestEmptySplitYieldsEmptyCombine(t *testing.T) {
	count := graph.NewCallableTask("count",
		[]graph.Field{{Name: "x", Type: typelattice.Sequence(typelattice.Int)}},
		[]graph.Field{{Name: "out", Type: typelattice.Int}},
		func(in map[string]any, env string) (map[string]any, error) {
			return map[string]any{"out": len(in["x"].([]any))}, nil
		})

	b := graph.New("wf", nil)
	mulOut, err := b.Add(b.Bind(mulTask()).
		Value("a", []int{}, typelattice.Sequence(typelattice.Int)).
		Value("b", 10, typelattice.Int).
		Split("a"))
	if err != nil {
		t.Fatalf("Add(mul) = %v", err)
	}
	countOut, err := b.Add(b.Bind(count).Input("x", mulOut.Out()).Combine("mul.a"))
	if err != nil {
		t.Fatalf("Add(count) = %v", err)
	}
	b.SetOutput("n", countOut.Out())
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errored {
		t.Fatalf("Errors = %+v", res.Errors)
	}
	if res.Outputs["n"] != 0 {
		t.Fatalf("Outputs[n] = %v, want 0 (empty gather)", res.Outputs["n"])
	}
}

// TestAnyEscapeHatchRecheckedAtRuntime wires an Any-typed output into an
// int-typed input. Construction passes; the consumer's type assertion
// blows up at dispatch and must surface as a worker failure, not a crash.
func TestAnyEscapeHatchRecheckedAtRuntime(t *testing.T) {
	loose := graph.NewCallableTask("loose", nil, []graph.Field{{Name: "out", Type: typelattice.Any}},
		func(map[string]any, string) (map[string]any, error) {
			return map[string]any{"out": "not an int"}, nil
		})

	b := graph.New("wf", nil)
	looseOut, err := b.Add(b.Bind(loose, "loose"))
	if err != nil {
		t.Fatalf("Add(loose) = %v", err)
	}
	_, err = b.Add(b.Bind(addTask(), "strict").Input("a", looseOut.Out()).Value("b", 1, typelattice.Int))
	if err != nil {
		t.Fatalf("Add(strict) = %v (Any source must pass construction)", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !res.Errored {
		t.Fatalf("expected runtime mismatch to error the run")
	}
	if res.Errors["strict"].Kind != errs.WorkerFailure {
		t.Fatalf("Errors[strict].Kind = %v, want WorkerFailure", res.Errors["strict"].Kind)
	}
}

// TestTimeoutSurfacesAsTimeoutKind bounds a blocking task with a per-node
// timeout and checks the unit is reported with the timeout kind.
func TestTimeoutSurfacesAsTimeoutKind(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := graph.NewCallableTask("block", nil, []graph.Field{{Name: "out", Type: typelattice.Int}},
		func(map[string]any, string) (map[string]any, error) {
			<-release
			return map[string]any{"out": 1}, nil
		})

	b := graph.New("wf", nil)
	_, err := b.Add(b.Bind(blocking, "block"))
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	res, err := New(spec, WithTimeout("block", 10*time.Millisecond)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if res.Errors["block"].Kind != errs.Timeout {
		t.Fatalf("Errors[block].Kind = %v, want Timeout", res.Errors["block"].Kind)
	}
}
