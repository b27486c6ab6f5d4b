package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failed")
	// ErrRunFinished is returned when a terminal status is set twice.
	ErrRunFinished = errors.New("run already finished")
)

func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// RunStatus is the lifecycle state of a run. Everything but running is
// terminal.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
	RunError     RunStatus = "error"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunTimeout, RunCancelled, RunError:
		return true
	}
	return false
}

// Run is one execution of a team or workflow.
type Run struct {
	ID        string     `json:"id"`
	Team      string     `json:"team"`
	Task      string     `json:"task"`
	Model     string     `json:"model,omitempty"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Message is one append-only entry of a run's log.
type Message struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type RunFilter struct {
	Team  string
	Limit int
}

// TeamStats aggregates the runs of one team.
type TeamStats struct {
	Team               string  `json:"team"`
	TotalRuns          int     `json:"total_runs"`
	CompletedRuns      int     `json:"completed_runs"`
	RunningRuns        int     `json:"running_runs"`
	FailedRuns         int     `json:"failed_runs"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	TotalMessages      int     `json:"total_messages"`
}

// BatchStatus is the persisted state of one worklist's batch.
type BatchStatus struct {
	ListID       string     `json:"list_id"`
	Status       string     `json:"status"`
	Message      string     `json:"message"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

// Item is a worklist entry tracked locally.
type Item struct {
	ID        string     `json:"id"`
	ListID    string     `json:"list_id"`
	Content   string     `json:"content"`
	Status    ItemStatus `json:"status"`
	Position  int        `json:"position"`
	Checked   bool       `json:"checked"`
	UpdatedAt time.Time  `json:"updated_at"`
}
