package orchestrator

import (
	"errors"
	"time"

	"github.com/nidhogg/nuka-crew/internal/bus"
)

// ErrSkipped marks sequential members not run after an earlier failure.
var ErrSkipped = errors.New("skipped after earlier failure")

// TaskStatus tracks one dispatched team task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// TeamTask pairs a team with the task it should run.
type TeamTask struct {
	Team string `json:"team"`
	Task string `json:"task"`
}

// TaskOutcome is the settled result of one sequential dispatch.
type TaskOutcome struct {
	Team       string     `json:"team"`
	Task       string     `json:"task"`
	Result     string     `json:"result,omitempty"`
	Status     TaskStatus `json:"status"`
	Err        error      `json:"-"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// ExecutionResult is what a workflow or team run reports to callers.
type ExecutionResult struct {
	Workflow string                    `json:"workflow,omitempty"`
	Team     string                    `json:"team,omitempty"`
	Success  bool                      `json:"success"`
	Results  map[string]string         `json:"results"`
	Errors   map[string]string         `json:"errors"`
	Elapsed  time.Duration             `json:"elapsed"`
	Statuses map[string]bus.TeamStatus `json:"statuses"`
	// Summary is the master answer, or the combined team answers when
	// there is no master.
	Summary string `json:"summary"`
	// TimedOut is set when any failure was a deadline.
	TimedOut bool `json:"timed_out"`
	// Unpersisted is set when the run log could not be written.
	Unpersisted bool `json:"unpersisted"`
}

func newExecutionResult() *ExecutionResult {
	return &ExecutionResult{
		Results: make(map[string]string),
		Errors:  make(map[string]string),
	}
}
