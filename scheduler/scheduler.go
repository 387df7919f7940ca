// Package scheduler drives a frozen GraphSpec to completion: it walks the
// graph in dependency order, resolves each node's state shape via package
// split, materializes and dispatches per-state work units through a Cache
// and a worker.Backend, and assembles the run's outcome into a
// result.Result.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskgraph-dev/taskgraph/cache"
	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/graph"
	"github.com/taskgraph-dev/taskgraph/result"
	"github.com/taskgraph-dev/taskgraph/split"
	"github.com/taskgraph-dev/taskgraph/values"
	"github.com/taskgraph-dev/taskgraph/worker"
)

// RetryPolicy is a node-level retry attribute. MaxAttempts counts the
// first attempt, so 1 means no retry. Backoff is a
// constant delay applied between attempts; a zero Backoff retries
// immediately.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy runs a unit exactly once.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// Scheduler drives one GraphSpec to completion. Construct with New and
// configure with the With* options before calling Run.
type Scheduler struct {
	spec     *graph.GraphSpec
	resolver *split.Resolver
	store    *values.Store
	cache    *cache.Store

	backends       map[string]worker.Backend
	defaultBackend worker.Backend

	retry        map[string]RetryPolicy
	defaultRetry RetryPolicy
	timeout      map[string]time.Duration

	concurrency int
	logger      *zap.Logger

	onUnitFailed      []func(unitID string, err error)
	onUnitUnreachable []func(unitID, causeUnitID string)
	onRunComplete     []func(*result.Result)

	mu          sync.Mutex
	failedNodes map[string]string // node -> unit id of the failure that condemned it
	cancelled   bool
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithCache shares a content-addressed cache.Store across Scheduler runs
// (and, if the Store's directory is shared, across processes), giving
// at-most-once execution per key.
func WithCache(c *cache.Store) Option { return func(s *Scheduler) { s.cache = c } }

// WithBackend registers the worker.Backend used for nodes whose
// environment binding equals env. WithBackend("", b) sets the default.
func WithBackend(env string, b worker.Backend) Option {
	return func(s *Scheduler) {
		if env == "" {
			s.defaultBackend = b
			return
		}
		s.backends[env] = b
	}
}

// WithRetry sets node's retry policy; WithRetry("", policy) sets the
// scheduler-wide default applied to nodes with no specific policy.
func WithRetry(node string, policy RetryPolicy) Option {
	return func(s *Scheduler) {
		if node == "" {
			s.defaultRetry = policy
			return
		}
		s.retry[node] = policy
	}
}

// WithTimeout sets node's per-unit wall-clock timeout.
func WithTimeout(node string, d time.Duration) Option {
	return func(s *Scheduler) { s.timeout[node] = d }
}

// WithConcurrency bounds how many work units of a single node run at
// once. The zero value (unset) defaults to 8.
func WithConcurrency(n int) Option { return func(s *Scheduler) { s.concurrency = n } }

// WithLogger attaches a structured logger. The default is zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// OnUnitFailed registers a handler invoked whenever a work unit exhausts
// its retries and is recorded as failed.
func OnUnitFailed(fn func(unitID string, err error)) Option {
	return func(s *Scheduler) { s.onUnitFailed = append(s.onUnitFailed, fn) }
}

// OnUnitUnreachable registers a handler invoked whenever a work unit is
// skipped because an upstream dependency failed.
func OnUnitUnreachable(fn func(unitID, causeUnitID string)) Option {
	return func(s *Scheduler) { s.onUnitUnreachable = append(s.onUnitUnreachable, fn) }
}

// OnRunComplete registers a handler invoked once with the final Result.
func OnRunComplete(fn func(*result.Result)) Option {
	return func(s *Scheduler) { s.onRunComplete = append(s.onRunComplete, fn) }
}

// New constructs a Scheduler for spec. A nil logger falls back to
// zap.NewNop(); with no cache configured (see WithCache), every unit is
// dispatched directly with no memoization; with no default backend
// configured, KindCallable/KindShell nodes with no matching environment
// backend use a fresh worker.Local.
func New(spec *graph.GraphSpec, opts ...Option) *Scheduler {
	s := &Scheduler{
		spec:         spec,
		resolver:     split.NewResolver(spec),
		store:        values.NewStore(),
		backends:     make(map[string]worker.Backend),
		retry:        make(map[string]RetryPolicy),
		defaultRetry: DefaultRetryPolicy,
		timeout:      make(map[string]time.Duration),
		concurrency:  8,
		logger:       zap.NewNop(),
		failedNodes:  make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	if s.concurrency == 0 {
		s.concurrency = 8
	}
	if s.defaultBackend == nil {
		s.defaultBackend = worker.NewLocal()
	}
	return s
}

func (s *Scheduler) backendFor(env string) worker.Backend {
	if env == "" {
		return s.defaultBackend
	}
	if b, ok := s.backends[env]; ok {
		return b
	}
	return s.defaultBackend
}

// retryFor resolves a node's effective retry policy: an explicit
// WithRetry(node, ...) option wins; otherwise a task-level MaxRetries
// (set via the Task struct itself, e.g. by a task author) is honored;
// otherwise the scheduler-wide default applies.
func (s *Scheduler) retryFor(node graph.Node) RetryPolicy {
	if p, ok := s.retry[node.Name]; ok {
		return p
	}
	if node.Task.MaxRetries > 0 {
		backoff, _ := time.ParseDuration(node.Task.RetryDelay)
		return RetryPolicy{MaxAttempts: node.Task.MaxRetries + 1, Backoff: backoff}
	}
	return s.defaultRetry
}

// Run executes spec to completion: topological dispatch, per-node
// concurrent fan-out over its execution shape, cache-backed at-most-once
// execution, retry, partial-failure isolation, and cancellation. The
// returned Result is never nil, even on error; err is non-nil only for a
// structural failure that prevented scheduling from starting at all
// (e.g. an axis-mismatch the splitter could not resolve).
func (s *Scheduler) Run(ctx context.Context) (*result.Result, error) {
	if err := s.resolver.ResolveAll(); err != nil {
		return result.New(), err
	}

	runID := uuid.NewString()
	runLogger := s.logger.With(zap.String("run_id", runID))
	runLogger.Debug("scheduler run starting", zap.Int("nodes", len(s.spec.Nodes)))

	res := result.New()
	res.RunID = runID
	for _, node := range s.spec.Nodes {
		select {
		case <-ctx.Done():
			s.markUnreachable(node.Name, "", res, errs.Cancelled)
			res.Cancelled = true
			continue
		default:
		}

		if s.isCancelled() {
			s.markUnreachable(node.Name, "", res, errs.Cancelled)
			res.Cancelled = true
			continue
		}

		if causeUnit, blocked := s.upstreamFailure(node); blocked {
			s.markUnreachable(node.Name, causeUnit, res, "")
			continue
		}

		if err := s.runNode(ctx, node, res); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				res.Cancelled = true
			}
		}
	}

	for name, v := range s.spec.Outputs {
		if ref, ok := v.AsLazy(); ok {
			if val, ok := s.finalKeyValue(ref); ok {
				res.SetOutput(name, val)
			}
			continue
		}
		if c, ok := v.AsConcrete(); ok {
			res.SetOutput(name, c)
		}
	}

	runLogger.Debug("scheduler run complete", zap.Bool("errored", res.Errored), zap.Bool("cancelled", res.Cancelled))
	for _, fn := range s.onRunComplete {
		fn(res)
	}
	return res, nil
}

// Cancel marks the run as cancelled; in-flight node processing finishes
// its current node (so already-dispatched units complete or time out
// normally) but no further nodes are started, and every remaining node is
// reported cancelled. Already-completed units and cached outputs are
// preserved.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *Scheduler) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// upstreamFailure reports whether node has a producer already marked
// failed/unreachable, and if so, the unit id of the original cause.
// The cause propagates transitively: a node condemned by an upstream
// failure records that same cause so further downstream nodes cite the
// original failure, not the intermediate casualty.
func (s *Scheduler) upstreamFailure(node graph.Node) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.spec.Producers(node.Name) {
		if cause, failed := s.failedNodes[p]; failed {
			return cause, true
		}
	}
	return "", false
}

func (s *Scheduler) markUnreachable(node, causeUnit string, res *result.Result, kind errs.Kind) {
	s.mu.Lock()
	if causeUnit == "" {
		causeUnit = node
	}
	s.failedNodes[node] = causeUnit
	s.mu.Unlock()

	msg := fmt.Sprintf("unreachable: upstream dependency %q did not complete", causeUnit)
	if kind == "" {
		kind = errs.WorkerFailure
	} else if kind == errs.Cancelled {
		msg = "cancelled before dispatch"
	}
	unitID := node
	res.AddError(unitID, kind, msg, "", "", causeUnit)
	for _, fn := range s.onUnitUnreachable {
		fn(unitID, causeUnit)
	}
}

func (s *Scheduler) condemnNode(node string, unitID string) {
	s.mu.Lock()
	s.failedNodes[node] = unitID
	s.mu.Unlock()
}

// structuralDigest hashes a nested GraphSpec's node/task/edge structure so
// a sub-workflow's cache key folds in its own shape, not just its inputs.
func structuralDigest(spec *graph.GraphSpec) string {
	var sb strings.Builder
	for _, n := range spec.Nodes {
		sb.WriteString(n.Name)
		sb.WriteByte('|')
		sb.WriteString(n.Task.ID)
		sb.WriteByte(';')
	}
	for _, e := range spec.Edges() {
		fmt.Fprintf(&sb, "%s.%s->%s.%s;", e.FromNode, e.FromField, e.ToNode, e.ToField)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func coordString(c []int) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// errgroupWithLimit returns an errgroup bounded to the scheduler's
// configured per-node concurrency.
func (s *Scheduler) errgroupWithLimit(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	return g, gctx
}
