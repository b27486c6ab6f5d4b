package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	messages map[string][]Message
	nextMsg  int64
	batches  map[string]BatchStatus
	items    map[string]*Item
}

func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]*Run),
		messages: make(map[string][]Message),
		batches:  make(map[string]BatchStatus),
		items:    make(map[string]*Item),
	}
}

func (m *Memory) CreateRun(_ context.Context, team, task, model string) (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		Team:      team,
		Task:      task,
		Model:     model,
		Status:    RunRunning,
		StartedAt: time.Now(),
	}
	m.mu.Lock()
	m.runs[r.ID] = r
	m.mu.Unlock()
	cp := *r
	return &cp, nil
}

func (m *Memory) AppendMessage(_ context.Context, runID, source, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("append message to run %s: %w", runID, ErrNotFound)
	}
	m.nextMsg++
	m.messages[runID] = append(m.messages[runID], Message{
		ID:        m.nextMsg,
		RunID:     runID,
		Source:    source,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) FinishRun(_ context.Context, runID string, status RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %s: %q is not terminal", runID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if r.Status != RunRunning {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunFinished)
	}
	now := time.Now()
	r.Status = status
	r.EndedAt = &now
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]Run, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	m.mu.RLock()
	var out []Run
	for _, r := range m.runs {
		if f.Team == "" || r.Team == f.Team {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListMessages(_ context.Context, runID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages[runID]...), nil
}

func (m *Memory) TeamStats(_ context.Context, team string) (*TeamStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &TeamStats{Team: team}
	var total time.Duration
	for _, r := range m.runs {
		if r.Team != team {
			continue
		}
		st.TotalRuns++
		st.TotalMessages += len(m.messages[r.ID])
		switch r.Status {
		case RunCompleted:
			st.CompletedRuns++
			if r.EndedAt != nil {
				total += r.EndedAt.Sub(r.StartedAt)
			}
		case RunRunning:
			st.RunningRuns++
		default:
			st.FailedRuns++
		}
	}
	if st.CompletedRuns > 0 {
		st.AvgDurationSeconds = total.Seconds() / float64(st.CompletedRuns)
	}
	return st, nil
}

func (m *Memory) UpsertBatchStatus(_ context.Context, st BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.batches[st.ListID]; ok {
		if st.LastRunAt == nil {
			st.LastRunAt = prev.LastRunAt
		}
		if st.LastSyncedAt == nil {
			st.LastSyncedAt = prev.LastSyncedAt
		}
	}
	st.UpdatedAt = time.Now()
	m.batches[st.ListID] = st
	return nil
}

func (m *Memory) GetBatchStatus(_ context.Context, listID string) (*BatchStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.batches[listID]
	if !ok {
		return nil, fmt.Errorf("batch status %s: %w", listID, ErrNotFound)
	}
	return &st, nil
}

func (m *Memory) ListBatchStatuses(_ context.Context) ([]BatchStatus, error) {
	m.mu.RLock()
	out := make([]BatchStatus, 0, len(m.batches))
	for _, st := range m.batches {
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ListID < out[j].ListID })
	return out, nil
}

func (m *Memory) TrackItems(_ context.Context, listID string, items []Item) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, it := range items {
		if cur, ok := m.items[it.ID]; ok {
			cur.Content = it.Content
			cur.Position = it.Position
			cur.UpdatedAt = time.Now()
			continue
		}
		it.ListID = listID
		it.Status = ItemPending
		it.UpdatedAt = time.Now()
		m.items[it.ID] = &it
		added++
	}
	return added, nil
}

func (m *Memory) PendingItems(_ context.Context, listID string, limit int) ([]Item, error) {
	m.mu.RLock()
	var out []Item
	for _, it := range m.items {
		if it.ListID == listID && it.Status == ItemPending {
			out = append(out, *it)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetItemStatus(_ context.Context, itemID string, status ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	it.Status = status
	it.Checked = status == ItemDone
	it.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) GetItem(_ context.Context, itemID string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	cp := *it
	return &cp, nil
}
