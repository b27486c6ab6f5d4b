// Package batch drains external worklists through teams on a schedule.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-crew/internal/config"
	"github.com/nidhogg/nuka-crew/internal/notify"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/store"
	"github.com/nidhogg/nuka-crew/internal/worklist"
)

var (
	ErrAlreadyRunning  = errors.New("batch already running")
	ErrNotRunning      = errors.New("batch not running")
	ErrNotFound        = errors.New("batch not found")
	ErrCycleInProgress = errors.New("cycle already in progress")
)

// Persisted batch states.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Persistence is the storage the scheduler writes through.
type Persistence interface {
	CreateRun(ctx context.Context, team, task, model string) (*store.Run, error)
	FinishRun(ctx context.Context, runID string, status store.RunStatus) error
	UpsertBatchStatus(ctx context.Context, st store.BatchStatus) error
	GetBatchStatus(ctx context.Context, listID string) (*store.BatchStatus, error)
	TrackItems(ctx context.Context, listID string, items []store.Item) (int, error)
	PendingItems(ctx context.Context, listID string, limit int) ([]store.Item, error)
	SetItemStatus(ctx context.Context, itemID string, status store.ItemStatus) error
}

// Executor runs the team or workflow an item is dispatched to.
type Executor interface {
	HasWorkflow(name string) bool
	HasTeam(name string) bool
	ExecuteWorkflow(ctx context.Context, name, task, runID string) (*orchestrator.ExecutionResult, error)
	ExecuteTeam(ctx context.Context, name, task, runID string) (*orchestrator.ExecutionResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) error
}

// Options tune the scheduler. Workflow wins over Team when both are set.
type Options struct {
	Interval   time.Duration
	Window     time.Duration
	RunTimeout time.Duration
	BatchSize  int
	Workflow   string
	Team       string
	// PerList lets cycles of different lists overlap.
	PerList bool
}

func OptionsFromConfig(c config.BatchConfig) Options {
	return Options{
		Interval:   c.Interval(),
		Window:     c.Window(),
		RunTimeout: c.RunTimeout(),
		BatchSize:  c.BatchSize,
		Workflow:   c.Workflow,
		Team:       c.Team,
		PerList:    c.LockScope == "list",
	}
}

type StartInfo struct {
	ListID          string    `json:"list_id"`
	StartedAt       time.Time `json:"started_at"`
	EndsAt          time.Time `json:"ends_at"`
	IntervalSeconds int       `json:"interval_seconds"`
	Jobs            []string  `json:"jobs"`
}

type StopInfo struct {
	ListID    string    `json:"list_id"`
	StoppedAt time.Time `json:"stopped_at"`
}

// StatusInfo merges the persisted status with the live schedule.
type StatusInfo struct {
	ListID       string     `json:"list_id"`
	Status       string     `json:"status,omitempty"`
	Message      string     `json:"message,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	Running      bool       `json:"running"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Jobs         []string   `json:"jobs,omitempty"`
}

type Overview struct {
	Running []string `json:"running"`
	Count   int      `json:"count"`
	Jobs    []string `json:"jobs"`
}

// Scheduler owns the interval and end-of-window jobs of every started
// list.
type Scheduler struct {
	opts     Options
	store    Persistence
	source   worklist.Source
	exec     Executor
	lock     CycleLock
	notifier Notifier
	jobs     *jobRunner

	mu      sync.Mutex
	running map[string]time.Time
	// statusMu orders Stop's status write against the end-of-cycle one.
	statusMu sync.Mutex

	logger *zap.Logger
}

func NewScheduler(opts Options, st Persistence, src worklist.Source, exec Executor, lock CycleLock, logger *zap.Logger) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if lock == nil {
		lock = NewLocalLock()
	}
	return &Scheduler{
		opts:    opts,
		store:   st,
		source:  src,
		exec:    exec,
		lock:    lock,
		jobs:    newJobRunner(logger),
		running: make(map[string]time.Time),
		logger:  logger,
	}
}

// SetNotifier announces every processed item through n.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

func jobID(listID string) string    { return "batch_" + listID }
func endJobID(listID string) string { return "batch_end_" + listID }

// Start schedules cycles for listID every Interval until Window elapses.
func (s *Scheduler) Start(ctx context.Context, listID string) (*StartInfo, error) {
	now := time.Now()
	s.mu.Lock()
	if _, ok := s.running[listID]; ok || s.jobs.Has(jobID(listID)) {
		s.mu.Unlock()
		s.logger.Info("batch already running", zap.String("list", listID))
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, listID)
	}
	s.running[listID] = now
	s.mu.Unlock()

	err := s.persistStatus(ctx, store.BatchStatus{
		ListID:    listID,
		Status:    StatusRunning,
		Message:   "batch started",
		LastRunAt: &now,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.running, listID)
		s.mu.Unlock()
		return nil, fmt.Errorf("start batch %s: %w", listID, err)
	}

	s.jobs.Every(jobID(listID), s.opts.Interval, func(ctx context.Context) {
		s.tick(ctx, listID)
	})
	s.jobs.After(endJobID(listID), s.opts.Window, func(ctx context.Context) {
		if _, err := s.Stop(ctx, listID); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Error("end of batch window", zap.String("list", listID), zap.Error(err))
		}
	})

	s.logger.Info("batch started",
		zap.String("list", listID),
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("window", s.opts.Window))
	return &StartInfo{
		ListID:          listID,
		StartedAt:       now,
		EndsAt:          now.Add(s.opts.Window),
		IntervalSeconds: int(s.opts.Interval / time.Second),
		Jobs:            []string{jobID(listID), endJobID(listID)},
	}, nil
}

func (s *Scheduler) tick(ctx context.Context, listID string) {
	report, err := s.RunCycle(ctx, listID)
	switch {
	case errors.Is(err, ErrCycleInProgress):
	case err != nil:
		s.logger.Error("batch cycle failed", zap.String("list", listID), zap.Error(err))
	default:
		s.logger.Info("batch cycle done",
			zap.String("list", listID),
			zap.Int("processed", len(report.Items)),
			zap.Duration("elapsed", report.Elapsed))
	}
}

// Stop removes both jobs of listID and marks the batch completed.
func (s *Scheduler) Stop(ctx context.Context, listID string) (*StopInfo, error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.mu.Lock()
	_, ok := s.running[listID]
	delete(s.running, listID)
	s.mu.Unlock()

	removed := s.jobs.Remove(jobID(listID))
	s.jobs.Remove(endJobID(listID))
	if !ok && !removed {
		s.logger.Info("batch not running", zap.String("list", listID))
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, listID)
	}

	now := time.Now()
	if err := s.persistStatus(ctx, store.BatchStatus{
		ListID:  listID,
		Status:  StatusCompleted,
		Message: "batch stopped",
	}); err != nil {
		s.logger.Error("persist batch stop", zap.String("list", listID), zap.Error(err))
	}
	s.logger.Info("batch stopped", zap.String("list", listID))
	return &StopInfo{ListID: listID, StoppedAt: now}, nil
}

// Status reports the last persisted state of listID and whether it is
// currently scheduled.
func (s *Scheduler) Status(ctx context.Context, listID string) (*StatusInfo, error) {
	info := &StatusInfo{ListID: listID}

	s.mu.Lock()
	started, running := s.running[listID]
	s.mu.Unlock()
	if running {
		info.Running = true
		info.StartedAt = &started
		for _, id := range []string{jobID(listID), endJobID(listID)} {
			if s.jobs.Has(id) {
				info.Jobs = append(info.Jobs, id)
			}
		}
	}

	st, err := s.store.GetBatchStatus(ctx, listID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !running {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, listID)
		}
	case err != nil:
		return nil, err
	default:
		info.Status = st.Status
		info.Message = st.Message
		info.LastRunAt = st.LastRunAt
		info.LastSyncedAt = st.LastSyncedAt
	}
	return info, nil
}

// StatusAll lists the scheduled lists and every registered job.
func (s *Scheduler) StatusAll() Overview {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return Overview{Running: ids, Count: len(ids), Jobs: s.jobs.IDs()}
}

// Shutdown stops every running batch and waits for job goroutines.
func (s *Scheduler) Shutdown(ctx context.Context) {
	for _, id := range s.StatusAll().Running {
		if _, err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("stop batch on shutdown", zap.String("list", id), zap.Error(err))
		}
	}
	s.jobs.Close()
}

func (s *Scheduler) isRunning(listID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[listID]
	return ok
}

// persistStatus writes st, retrying once.
func (s *Scheduler) persistStatus(ctx context.Context, st store.BatchStatus) error {
	return retryOnce(func() error { return s.store.UpsertBatchStatus(ctx, st) })
}

func retryOnce(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	return fn()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
