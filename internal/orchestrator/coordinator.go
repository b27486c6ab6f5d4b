package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-crew/internal/bus"
	"github.com/nidhogg/nuka-crew/internal/guard"
	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TeamLookup reports whether a team is configured.
type TeamLookup interface {
	HasTeam(name string) bool
}

// Coordinator dispatches tasks to teams over the bus and waits for the
// correlated replies on its own topic.
type Coordinator struct {
	name   string
	bus    *bus.MessageBus
	teams  TeamLookup
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]chan bus.TeamMessage
	unsub   func()
}

// NewCoordinator subscribes a coordinator under name.
func NewCoordinator(name string, b *bus.MessageBus, teams TeamLookup, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		name:    name,
		bus:     b,
		teams:   teams,
		logger:  logger,
		pending: make(map[string]chan bus.TeamMessage),
	}
	c.unsub = b.Subscribe(name, c.route)
	return c
}

// Close stops receiving replies.
func (c *Coordinator) Close() { c.unsub() }

func (c *Coordinator) route(_ context.Context, msg bus.TeamMessage) {
	if msg.Type != bus.TypeTaskResult && msg.Type != bus.TypeError {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply without pending request", zap.String("correlation_id", msg.CorrelationID))
		return
	}
	// Redelivered replies are dropped once the first one is buffered.
	select {
	case ch <- msg:
	default:
	}
}

// RequestTaskFromTeam sends task to teamName and waits for its reply.
func (c *Coordinator) RequestTaskFromTeam(ctx context.Context, teamName, task string) (string, error) {
	if !c.teams.HasTeam(teamName) {
		return "", fmt.Errorf("%w: %s", team.ErrUnknownTeam, teamName)
	}

	id := uuid.NewString()
	ch := make(chan bus.TeamMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := bus.NewTaskRequest(c.name, teamName, id, task)
	if dl, ok := ctx.Deadline(); ok {
		req.Task.Deadline = dl
	}
	if err := c.bus.Publish(ctx, req); err != nil {
		return "", fmt.Errorf("request %s: %w", teamName, err)
	}

	select {
	case reply := <-ch:
		if reply.Type == bus.TypeError {
			return "", &TeamError{Team: teamName, Code: reply.Error.Code, Message: reply.Error.Message}
		}
		return reply.Result.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("team %s: %w", teamName, guard.ErrDeadlineExceeded)
		}
		return "", fmt.Errorf("team %s: %w", teamName, ctx.Err())
	}
}

// CoordinateParallelTasks runs every task at once and waits for all of
// them. One failure does not cancel the others.
func (c *Coordinator) CoordinateParallelTasks(ctx context.Context, tasks map[string]string) (map[string]string, map[string]error) {
	results := make(map[string]string, len(tasks))
	errs := make(map[string]error)
	var mu sync.Mutex
	var g errgroup.Group

	for name, task := range tasks {
		g.Go(func() error {
			res, err := c.RequestTaskFromTeam(ctx, name, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[name] = err
			} else {
				results[name] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("parallel dispatch finished",
		zap.Int("teams", len(tasks)),
		zap.Int("failed", len(errs)))
	return results, errs
}

// CoordinateSequentialTasks runs tasks one after another. With
// OnErrorStop the members after a failure are reported as skipped.
func (c *Coordinator) CoordinateSequentialTasks(ctx context.Context, tasks []TeamTask, onError team.OnError) []TaskOutcome {
	out := make([]TaskOutcome, 0, len(tasks))
	failed := false

	for _, t := range tasks {
		o := TaskOutcome{Team: t.Team, Task: t.Task, Status: TaskPending}
		if failed && onError == team.OnErrorStop {
			o.Status = TaskSkipped
			o.Err = ErrSkipped
			out = append(out, o)
			continue
		}

		o.StartedAt = time.Now()
		res, err := c.RequestTaskFromTeam(ctx, t.Team, t.Task)
		o.FinishedAt = time.Now()
		if err != nil {
			o.Status = TaskFailed
			o.Err = err
			failed = true
		} else {
			o.Status = TaskDone
			o.Result = res
		}
		out = append(out, o)
	}
	return out
}
