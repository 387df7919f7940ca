// Package result implements the user-facing object exposing a submitted
// workflow's outputs and error reports once the scheduler finishes.
package result

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/taskgraph-dev/taskgraph/errs"
)

// ErrorInfo describes one failed or unreachable work unit: unit id, error
// kind, message, and (for worker failures) captured stdout/stderr.
type ErrorInfo struct {
	UnitID  string   `json:"unit_id"`
	Kind    errs.Kind `json:"kind"`
	Message string   `json:"message"`
	Stdout  string   `json:"stdout,omitempty"`
	Stderr  string   `json:"stderr,omitempty"`
	// CausedBy names the unit id of the original failure this error
	// propagates from, for an "unreachable" unit whose own cause is an
	// upstream dependency's failure.
	CausedBy string `json:"caused_by,omitempty"`
}

// Result is the frozen object returned to callers once a workflow run
// completes (successfully, partially, or cancelled).
type Result struct {
	// RunID identifies this particular Scheduler.Run invocation (a
	// uuid.NewString() value), so a Result written to disk can be
	// correlated back to the structured log lines the scheduler emitted
	// for the same run.
	RunID     string               `json:"run_id,omitempty"`
	Outputs   map[string]any       `json:"outputs"`
	Errored   bool                 `json:"errored"`
	Errors    map[string]ErrorInfo `json:"errors,omitempty"`
	Cancelled bool                 `json:"cancelled"`
}

// New constructs an empty Result ready for a scheduler to populate.
func New() *Result {
	return &Result{Outputs: make(map[string]any), Errors: make(map[string]ErrorInfo)}
}

// AddError records a failed or unreachable unit and marks the Result as
// errored.
func (r *Result) AddError(unitID string, kind errs.Kind, message string, stdout, stderr, causedBy string) {
	r.Errored = true
	r.Errors[unitID] = ErrorInfo{UnitID: unitID, Kind: kind, Message: message, Stdout: stdout, Stderr: stderr, CausedBy: causedBy}
}

// SetOutput records one successfully resolved workflow-level output.
func (r *Result) SetOutput(name string, value any) {
	r.Outputs[name] = value
}

// WriteJSON serializes r to filename as indented JSON.
func WriteJSON(r *Result, filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("result: marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("result: write %s: %w", filename, err)
	}
	return nil
}

// ReadJSON deserializes a Result previously written by WriteJSON.
func ReadJSON(filename string) (*Result, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("result: read %s: %w", filename, err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("result: unmarshal: %w", err)
	}
	return &r, nil
}

// ToJSON renders r as a JSON string.
func ToJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
