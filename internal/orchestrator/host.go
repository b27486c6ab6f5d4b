package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nidhogg/nuka-crew/internal/bus"
	"github.com/nidhogg/nuka-crew/internal/guard"
	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
)

// TeamHost serves team task requests from the bus and runs teams under
// the guard. Runs of one team are serialized; the pool bounds how many
// teams run at once.
type TeamHost struct {
	configs *team.ConfigManager
	guard   *guard.Guard
	bus     *bus.MessageBus
	board   *bus.StatusBoard
	pool    chan struct{}
	logger  *zap.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]string
	unsubs  []func()
}

// NewHost creates a host with a bounded run pool.
func NewHost(configs *team.ConfigManager, g *guard.Guard, b *bus.MessageBus, board *bus.StatusBoard, poolSize int, logger *zap.Logger) *TeamHost {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &TeamHost{
		configs: configs,
		guard:   g,
		bus:     b,
		board:   board,
		pool:    make(chan struct{}, poolSize),
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		running: make(map[string]string),
	}
}

// Serve subscribes a request handler for every configured team.
func (h *TeamHost) Serve() {
	for _, def := range h.configs.Teams() {
		name := def.Name
		h.board.Register(name)
		unsub := h.bus.Subscribe(name, h.handle)
		h.mu.Lock()
		h.unsubs = append(h.unsubs, unsub)
		h.mu.Unlock()
	}
	h.logger.Info("Team handlers subscribed", zap.Int("teams", len(h.configs.Teams())))
}

// Close removes every handler installed by Serve.
func (h *TeamHost) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (h *TeamHost) handle(ctx context.Context, msg bus.TeamMessage) {
	if msg.Type != bus.TypeTaskRequest {
		return
	}
	if dl := msg.Task.Deadline; !dl.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}
	res := h.Execute(ctx, msg.Recipient, msg.Task.Task, nil)

	var reply bus.TeamMessage
	if res.Err != nil {
		reply = bus.NewError(msg, errorCode(res.Err), res.Err.Error())
	} else {
		reply = bus.NewTaskResult(msg, bus.ResultPayload{
			Result: res.Final,
			Steps:  res.Steps,
			Reason: string(res.Reason),
		})
	}
	if err := h.bus.Publish(ctx, reply); err != nil {
		h.logger.Error("publish team reply",
			zap.String("team", msg.Recipient),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err))
	}
}

func (h *TeamHost) teamLock(name string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[name]
	if !ok {
		l = &sync.Mutex{}
		h.locks[name] = l
	}
	return l
}

// Execute builds the named team and runs task through the guard. It owns
// the team's status entry for the duration of the run.
func (h *TeamHost) Execute(ctx context.Context, name, task string, onStep guard.StepFunc) guard.Result {
	unit, err := h.configs.BuildTeam(name)
	if err != nil {
		return guard.Result{Team: name, Reason: guard.ReasonError, Err: err}
	}

	lock := h.teamLock(name)
	lock.Lock()
	defer lock.Unlock()

	select {
	case h.pool <- struct{}{}:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = guard.ErrDeadlineExceeded
		}
		return guard.Result{Team: name, Reason: guard.ReasonCancelled, Err: err}
	}
	defer func() { <-h.pool }()

	h.setRunning(name, task)
	defer h.clearRunning(name)

	h.logger.Info("executing team", zap.String("team", name))
	res := h.guard.Run(ctx, unit, task, onStep)

	st := bus.TeamStatus{Team: name, UpdatedAt: time.Now()}
	if !res.OK() {
		st.State = bus.StateError
		st.LastError = res.Err.Error()
		h.logger.Warn("team run failed",
			zap.String("team", name),
			zap.String("reason", string(res.Reason)),
			zap.Error(res.Err))
	} else {
		st.State = bus.StateCompleted
		st.LastResult = res.Final
		h.logger.Info("team run finished",
			zap.String("team", name),
			zap.String("reason", string(res.Reason)),
			zap.Int("steps", res.Steps),
			zap.Duration("elapsed", res.Elapsed))
	}
	h.publishStatus(ctx, st)
	return res
}

func (h *TeamHost) setRunning(name, task string) {
	h.mu.Lock()
	h.running[name] = task
	h.mu.Unlock()
	h.publishStatus(context.Background(), bus.TeamStatus{
		Team:        name,
		State:       bus.StateRunning,
		CurrentTask: task,
		UpdatedAt:   time.Now(),
	})
}

func (h *TeamHost) clearRunning(name string) {
	h.mu.Lock()
	delete(h.running, name)
	h.mu.Unlock()
}

func (h *TeamHost) publishStatus(ctx context.Context, st bus.TeamStatus) {
	h.board.Set(st)
	if err := h.bus.Publish(ctx, bus.NewStatusUpdate(st)); err != nil && !errors.Is(err, bus.ErrBusStopped) {
		h.logger.Debug("publish status update", zap.String("team", st.Team), zap.Error(err))
	}
}

// Running returns the teams currently executing and their tasks.
func (h *TeamHost) Running() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.running))
	for k, v := range h.running {
		out[k] = v
	}
	return out
}

// Statuses returns the status board.
func (h *TeamHost) Statuses() *bus.StatusBoard { return h.board }
