package engine

import (
	"encoding/json"
	"sync/atomic"

	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/source"
)

// Status is a task's position in the refinement state machine.
type Status int32

const (
	StatusPending Status = iota
	StatusGenerating
	StatusValidating
	StatusRepairing
	StatusSucceeded
	StatusFailed
)

// String returns the status name used in logs and result records.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusGenerating:
		return "generating"
	case StatusValidating:
		return "validating"
	case StatusRepairing:
		return "repairing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason classes for failed and cancelled tasks.
const (
	ReasonValidation = "validation"
	ReasonTransport  = "transport"
	ReasonCancelled  = "cancelled"
)

// Task is the mutable work item bound 1:1 to a row. A task is owned by the
// goroutine running it; only the status field is read concurrently.
type Task struct {
	Row    source.Row
	Target config.Target

	// Iterations counts completed generate(+validate) cycles.
	Iterations      int
	LastDiagnostics []string
	Narrative       string
	Document        json.RawMessage

	status atomic.Int32
}

func newTask(row source.Row, target config.Target) *Task {
	return &Task{Row: row, Target: target}
}

// Status returns the task's current state.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

func (t *Task) setStatus(s Status) {
	t.status.Store(int32(s))
}

// Result is the terminal representation of a task, emitted exactly once per
// admitted row.
type Result struct {
	Row        source.Row
	Status     Status
	Iterations int

	// Narrative and Document are set only on success, and only when the
	// target kind retains them.
	Narrative string
	Document  json.RawMessage

	// ReasonClass is "validation", "transport", or "cancelled" for failed
	// tasks, empty on success. FailureReason is the human-readable cause and
	// Diagnostics the validator feedback from the last attempt, if any.
	ReasonClass   string
	FailureReason string
	Diagnostics   []string
}
