package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/graph"
	"github.com/taskgraph-dev/taskgraph/result"
	"github.com/taskgraph-dev/taskgraph/split"
	"github.com/taskgraph-dev/taskgraph/values"
)

// runNode dispatches every cell of node's ExecutionShape concurrently
// (bounded by the scheduler's configured concurrency), then — once every
// cell has either succeeded or failed — either condemns the node (any
// cell failed) or folds the raw per-cell outputs into the node's exposed
// (post-combine) Store entries.
func (s *Scheduler) runNode(ctx context.Context, node graph.Node, res *result.Result) error {
	execShape, err := s.resolver.ExecutionShape(node.Name)
	if err != nil {
		return err
	}
	exposedShape, err := s.resolver.Shape(node.Name)
	if err != nil {
		return err
	}

	raw := make(map[string]map[string]any)
	var mu sync.Mutex
	var failedCount int32
	var firstFailed string // lexicographically smallest failing unit id

	g, gctx := s.errgroupWithLimit(ctx)
	for _, coord := range execShape.Coordinates() {
		coord := coord
		g.Go(func() error {
			coordMap := execShape.MapFromCoordinate(coord)
			unitID := unitIDFor(node.Name, coord)

			inputs, err := s.resolveUnitInputs(node, execShape, coordMap)
			var outputs map[string]any
			var stdout, stderr string
			if err == nil {
				if node.Task.Exec.Kind == graph.KindWorkflow {
					outputs, stdout, stderr, err = s.runSubworkflow(gctx, node, unitID, inputs)
				} else {
					outputs, stdout, stderr, err = s.execUnit(gctx, node, unitID, inputs)
				}
			}
			if err != nil {
				s.recordUnitFailure(node, unitID, stdout, stderr, err, res)
				atomic.AddInt32(&failedCount, 1)
				mu.Lock()
				if firstFailed == "" || unitID < firstFailed {
					firstFailed = unitID
				}
				mu.Unlock()
				return nil
			}

			mu.Lock()
			raw[coordString(coord)] = outputs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if atomic.LoadInt32(&failedCount) > 0 {
		s.condemnNode(node.Name, firstFailed)
		return fmt.Errorf("scheduler: node %q had failing units", node.Name)
	}

	s.storeOutputs(node, execShape, exposedShape, raw)
	return nil
}

func (s *Scheduler) recordUnitFailure(node graph.Node, unitID, stdout, stderr string, err error, res *result.Result) {
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.WorkerFailure
	}
	res.AddError(unitID, kind, err.Error(), stdout, stderr, "")
	for _, fn := range s.onUnitFailed {
		fn(unitID, err)
	}
}

// storeOutputs publishes node's outputs into the shared Store, keyed by
// its exposed (post-combine) shape. When node combines no axis it
// introduced itself, ExecutionShape and Shape coincide and each raw cell
// is written straight through. When node self-combines (combine following
// split on the same node), each exposed-shape coordinate is the gather
// point for one or more execution-shape cells, so the raw per-cell maps
// are regrouped into a list per self-combined axis before being written.
func (s *Scheduler) storeOutputs(node graph.Node, execShape, exposedShape split.Shape, raw map[string]map[string]any) {
	selfCombine := selfCombineAxes(node)

	if len(selfCombine) == 0 {
		for _, coord := range execShape.Coordinates() {
			cell := raw[coordString(coord)]
			for field, v := range cell {
				s.store.Set(values.Key(node.Name, field, coord), v)
			}
		}
		return
	}

	outputFields := make([]string, len(node.Task.Outputs))
	for i, f := range node.Task.Outputs {
		outputFields[i] = f.Name
	}

	for _, ec := range exposedShape.Coordinates() {
		coordMap := exposedShape.MapFromCoordinate(ec)
		for _, field := range outputFields {
			v, ok := gatherRaw(raw, execShape, selfCombine, coordMap, field)
			if !ok {
				continue
			}
			s.store.Set(values.Key(node.Name, field, ec), v)
		}
	}
}

// gatherRaw is storeOutputs' counterpart to Scheduler.gatherAxes, reading
// from the in-memory raw per-execution-cell results collected this node
// run instead of from the shared Store (the self-combined axis's values
// were never written there — only the gathered, post-combine value is).
func gatherRaw(raw map[string]map[string]any, execShape split.Shape, axes []string, coordMap map[string]int, field string) (any, bool) {
	if len(axes) == 0 {
		execCoord := execShape.CoordinateFromMap(coordMap)
		cell, ok := raw[coordString(execCoord)]
		if !ok {
			return nil, false
		}
		v, ok := cell[field]
		return v, ok
	}
	axis := axes[0]
	card, ok := execShape.CardinalityOf(axis)
	if !ok {
		return nil, false
	}
	list := make([]any, card)
	for i := 0; i < card; i++ {
		cm := cloneCoordMap(coordMap)
		cm[axis] = i
		v, ok := gatherRaw(raw, execShape, axes[1:], cm, field)
		if !ok {
			return nil, false
		}
		list[i] = v
	}
	return list, true
}
