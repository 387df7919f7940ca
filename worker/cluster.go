package worker

import (
	"context"
	"sync"
	"time"

	"github.com/taskgraph-dev/taskgraph/errs"
)

// ClusterSubmitter is the external interface a real cluster integration
// (Slurm, LSF, a k8s Job, ...) implements. Submit is fire-and-forget: it
// returns a job handle immediately; the cluster backend polls Poll for
// completion. No cross-process consensus, just submit-then-poll.
type ClusterSubmitter interface {
	Submit(ctx context.Context, unit Unit) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (done bool, outcome Outcome, err error)
	Cancel(jobID string) error
}

// Cluster adapts a ClusterSubmitter to the Backend interface, handling the
// submit-then-poll loop and best-effort cancellation.
type Cluster struct {
	Submitter    ClusterSubmitter
	PollInterval time.Duration

	mu     sync.Mutex
	jobIDs map[string]string // unit ID -> cluster job ID
}

// NewCluster wraps submitter with the default 500ms poll interval.
func NewCluster(submitter ClusterSubmitter) *Cluster {
	return &Cluster{Submitter: submitter, PollInterval: 500 * time.Millisecond, jobIDs: make(map[string]string)}
}

func (c *Cluster) Submit(ctx context.Context, unit Unit) (<-chan Outcome, error) {
	jobID, err := c.Submitter.Submit(ctx, unit)
	if err != nil {
		return nil, errs.Wrap(errs.EnvUnavailable, unit.ID, err, "cluster submit for %q failed", unit.Task.ID)
	}
	c.mu.Lock()
	c.jobIDs[unit.ID] = jobID
	c.mu.Unlock()

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			delete(c.jobIDs, unit.ID)
			c.mu.Unlock()
		}()

		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = c.Submitter.Cancel(jobID)
				out <- Outcome{Err: errs.Wrap(errs.Cancelled, unit.ID, ctx.Err(), "cluster job %s cancelled", jobID)}
				return
			case <-ticker.C:
				done, outcome, err := c.Submitter.Poll(ctx, jobID)
				if err != nil {
					out <- Outcome{Err: errs.Wrap(errs.WorkerFailure, unit.ID, err, "polling cluster job %s", jobID)}
					return
				}
				if done {
					out <- outcome
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Cluster) Cancel(unitID string) {
	c.mu.Lock()
	jobID, ok := c.jobIDs[unitID]
	c.mu.Unlock()
	if ok {
		_ = c.Submitter.Cancel(jobID)
	}
}
