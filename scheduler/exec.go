package scheduler

import (
	"context"
	"time"

	"github.com/taskgraph-dev/taskgraph/cache"
	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/graph"
	"github.com/taskgraph-dev/taskgraph/worker"
)

// execUnit runs node's task for one resolved input tuple through the
// node's retry policy, retrying worker failures and timeouts but never a
// cancellation — cancellation is terminal, not a transient fault.
func (s *Scheduler) execUnit(ctx context.Context, node graph.Node, unitID string, inputs map[string]any) (map[string]any, string, string, error) {
	policy := s.retryFor(node)
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var outputs map[string]any
	var stdout, stderr string
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		outputs, stdout, stderr, lastErr = s.execUnitOnce(ctx, node, unitID, inputs)
		if lastErr == nil {
			return outputs, stdout, stderr, nil
		}
		if kind, ok := errs.KindOf(lastErr); ok && kind == errs.Cancelled {
			break
		}
		if attempt == attempts {
			break
		}
		if policy.Backoff > 0 {
			select {
			case <-time.After(policy.Backoff):
			case <-ctx.Done():
				return nil, stdout, stderr, ctx.Err()
			}
		}
	}
	return nil, stdout, stderr, lastErr
}

// execUnitOnce runs node's task exactly once, through the shared cache if
// one is configured: a cache hit skips dispatch entirely; a miss claims
// the key, dispatches to the node's worker.Backend, and commits or fails
// the claim on completion.
func (s *Scheduler) execUnitOnce(ctx context.Context, node graph.Node, unitID string, inputs map[string]any) (map[string]any, string, string, error) {
	if s.cache == nil {
		return s.dispatch(ctx, node, unitID, inputs)
	}

	acq, err := s.cache.Acquire(ctx, node.Task.ID, inputs, node.Env)
	if err != nil {
		return nil, "", "", err
	}
	if acq.Outcome == cache.Hit {
		return acq.Outputs, "", "", nil
	}

	outputs, stdout, stderr, err := s.dispatch(ctx, node, unitID, inputs)
	if err != nil {
		if failErr := s.cache.Fail(acq.Digest, err); failErr != nil {
			s.logger.Sugar().Warnw("cache: failed to record claim failure", "digest", acq.Digest, "error", failErr)
		}
		return nil, stdout, stderr, err
	}
	if err := s.cache.Commit(acq.Digest, outputs); err != nil {
		return nil, stdout, stderr, err
	}
	return outputs, stdout, stderr, nil
}

// dispatch submits one work unit to node's configured worker.Backend and
// waits for its outcome.
func (s *Scheduler) dispatch(ctx context.Context, node graph.Node, unitID string, inputs map[string]any) (map[string]any, string, string, error) {
	backend := s.backendFor(node.Env)
	timeout := s.timeout[node.Name]
	if timeout == 0 {
		if d, err := time.ParseDuration(node.Task.Timeout); err == nil {
			timeout = d
		}
	}

	ch, err := backend.Submit(ctx, worker.Unit{ID: unitID, Task: node.Task, Inputs: inputs, Env: node.Env, Timeout: timeout})
	if err != nil {
		return nil, "", "", err
	}
	outcome := <-ch
	if outcome.Err != nil {
		return nil, outcome.Stdout, outcome.Stderr, outcome.Err
	}
	return outcome.Outputs, outcome.Stdout, outcome.Stderr, nil
}

// runSubworkflow expands a KindWorkflow node's nested constructor for one
// resolved input tuple: build the nested GraphSpec, fold its structural
// digest into the cache key alongside the resolved inputs, and run a
// child Scheduler sharing this one's cache and worker backends. Expansion
// happens here, at execution time, so the constructor sees concrete input
// values and may recurse or branch on them.
func (s *Scheduler) runSubworkflow(ctx context.Context, node graph.Node, unitID string, inputs map[string]any) (map[string]any, string, string, error) {
	nested := graph.New(unitID, nil)
	if err := node.Task.Exec.Workflow(nested, inputs); err != nil {
		return nil, "", "", errs.Wrap(errs.WorkerFailure, unitID, err, "sub-workflow %q constructor failed", node.Task.ID)
	}
	nestedSpec, err := nested.Build()
	if err != nil {
		return nil, "", "", errs.Wrap(errs.WorkerFailure, unitID, err, "sub-workflow %q build failed", node.Task.ID)
	}

	if s.cache == nil {
		outputs, err := s.runNestedSpec(ctx, node, nestedSpec, unitID)
		return outputs, "", "", err
	}

	keyed := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		keyed[k] = v
	}
	keyed["__structure__"] = cache.SubworkflowDigest(structuralDigest(nestedSpec))

	acq, err := s.cache.Acquire(ctx, node.Task.ID, keyed, node.Env)
	if err != nil {
		return nil, "", "", err
	}
	if acq.Outcome == cache.Hit {
		return acq.Outputs, "", "", nil
	}

	outputs, err := s.runNestedSpec(ctx, node, nestedSpec, unitID)
	if err != nil {
		if failErr := s.cache.Fail(acq.Digest, err); failErr != nil {
			s.logger.Sugar().Warnw("cache: failed to record claim failure", "digest", acq.Digest, "error", failErr)
		}
		return nil, "", "", err
	}
	if err := s.cache.Commit(acq.Digest, outputs); err != nil {
		return nil, "", "", err
	}
	return outputs, "", "", nil
}

func (s *Scheduler) runNestedSpec(ctx context.Context, node graph.Node, nestedSpec *graph.GraphSpec, unitID string) (map[string]any, error) {
	child := New(nestedSpec,
		WithLogger(s.logger),
		WithConcurrency(s.concurrency),
		WithRetry("", s.defaultRetry),
	)
	if s.cache != nil {
		WithCache(s.cache)(child)
	}
	child.defaultBackend = s.defaultBackend
	for env, b := range s.backends {
		child.backends[env] = b
	}

	nestedRes, err := child.Run(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.WorkerFailure, unitID, err, "sub-workflow %q scheduling failed", node.Task.ID)
	}
	if nestedRes.Errored {
		return nil, errs.New(errs.WorkerFailure, node.Name, "", "sub-workflow %q failed: %d unit error(s)", node.Task.ID, len(nestedRes.Errors))
	}

	outputs := make(map[string]any, len(node.Task.Outputs))
	for _, f := range node.Task.Outputs {
		if v, ok := nestedRes.Outputs[f.Name]; ok {
			outputs[f.Name] = v
		}
	}
	return outputs, nil
}
