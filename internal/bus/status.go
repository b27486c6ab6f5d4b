package bus

import (
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// TeamStatus is the live state of one team.
type TeamStatus struct {
	Team        string    `json:"team"`
	State       State     `json:"state"`
	CurrentTask string    `json:"current_task,omitempty"`
	LastResult  string    `json:"last_result,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusBoard keeps one entry per team. Each entry is written only by
// that team's own handler; anyone may read.
type StatusBoard struct {
	mu sync.RWMutex
	m  map[string]TeamStatus
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{m: make(map[string]TeamStatus)}
}

// Register adds team as idle unless it is already known.
func (b *StatusBoard) Register(team string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.m[team]; !ok {
		b.m[team] = TeamStatus{Team: team, State: StateIdle, UpdatedAt: time.Now()}
	}
}

func (b *StatusBoard) Set(st TeamStatus) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	b.mu.Lock()
	b.m[st.Team] = st
	b.mu.Unlock()
}

func (b *StatusBoard) Get(team string) (TeamStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.m[team]
	return st, ok
}

// All returns every status sorted by team name.
func (b *StatusBoard) All() []TeamStatus {
	b.mu.RLock()
	out := make([]TeamStatus, 0, len(b.m))
	for _, st := range b.m {
		out = append(out, st)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Team < out[j].Team })
	return out
}

// Snapshot returns the statuses of the named teams that are known.
func (b *StatusBoard) Snapshot(teams ...string) map[string]TeamStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]TeamStatus, len(teams))
	for _, t := range teams {
		if st, ok := b.m[t]; ok {
			out[t] = st
		}
	}
	return out
}
