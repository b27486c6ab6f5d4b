package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/bus"
	"github.com/nidhogg/nuka-crew/internal/guard"
	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTeams = `
teams:
  - {name: alpha, agents: [{name: a, factory: echo}]}
  - {name: beta, agents: [{name: b, factory: echo}]}
  - {name: slow, agents: [{name: s, factory: slow}]}
  - {name: broken, agents: [{name: x, factory: fail}]}
  - {name: loopy, agents: [{name: l, factory: loop}]}
  - {name: master, agents: [{name: m, factory: capture}]}
workflows:
  - name: fanout
    teams: [alpha, beta]
    master_team: master
    task_templates:
      alpha: "alpha does {main_task}"
      master: "combine:\n{sub_results}"
  - name: partial
    teams: [alpha, broken]
    master_team: master
  - name: chain
    teams: [alpha, beta]
    execution_strategy: sequential
  - name: chain_stop
    teams: [broken, alpha]
    execution_strategy: sequential
    on_error: stop
  - name: slowpair
    teams: [slow, alpha]
`

type workerFunc struct {
	name string
	fn   func(ctx context.Context, task string) (string, error)
}

func (w workerFunc) Name() string { return w.name }
func (w workerFunc) Step(ctx context.Context, task string, _ []team.StepEvent) (string, error) {
	return w.fn(ctx, task)
}

type fixture struct {
	engine *WorkflowEngine
	coord  *Coordinator
	host   *TeamHost
	bus    *bus.MessageBus

	mu           sync.Mutex
	masterTasks  []string
	slowDelay    time.Duration
	starts, ends map[string]time.Time
}

func newFixture(t *testing.T, opts guard.Options, runLog RunLog) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{slowDelay: 150 * time.Millisecond, starts: map[string]time.Time{}, ends: map[string]time.Time{}}

	cm := team.NewConfigManager("", logger)
	require.NoError(t, cm.LoadBytes([]byte(testTeams)))
	cm.RegisterFactory("echo", func(spec team.AgentSpec) (team.Worker, error) {
		return workerFunc{name: spec.Name, fn: func(_ context.Context, task string) (string, error) {
			f.mark(spec.Name, true)
			time.Sleep(20 * time.Millisecond)
			f.mark(spec.Name, false)
			return fmt.Sprintf("%s handled [%s] TERMINATE", spec.Name, task), nil
		}}, nil
	})
	cm.RegisterFactory("slow", func(spec team.AgentSpec) (team.Worker, error) {
		return workerFunc{name: spec.Name, fn: func(ctx context.Context, _ string) (string, error) {
			select {
			case <-time.After(f.slowDelay):
				return "slow done TERMINATE", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}}, nil
	})
	cm.RegisterFactory("fail", func(spec team.AgentSpec) (team.Worker, error) {
		return workerFunc{name: spec.Name, fn: func(context.Context, string) (string, error) {
			return "", errors.New("reasoning service unavailable")
		}}, nil
	})
	cm.RegisterFactory("loop", func(spec team.AgentSpec) (team.Worker, error) {
		return workerFunc{name: spec.Name, fn: func(context.Context, string) (string, error) {
			return "again", nil
		}}, nil
	})
	cm.RegisterFactory("capture", func(spec team.AgentSpec) (team.Worker, error) {
		return workerFunc{name: spec.Name, fn: func(_ context.Context, task string) (string, error) {
			f.mu.Lock()
			f.masterTasks = append(f.masterTasks, task)
			f.mu.Unlock()
			return "final report TERMINATE", nil
		}}, nil
	})

	f.bus = bus.New(logger)
	board := bus.NewStatusBoard()
	f.host = NewHost(cm, guard.New(opts, logger), f.bus, board, 10, logger)
	f.host.Serve()
	f.coord = NewCoordinator("coordinator", f.bus, cm, logger)
	f.engine = NewWorkflowEngine(cm, f.coord, f.host, runLog, logger)
	f.bus.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.bus.Stop(ctx)
	})
	return f
}

func (f *fixture) mark(name string, start bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if start {
		f.starts[name] = time.Now()
	} else {
		f.ends[name] = time.Now()
	}
}

func TestRequestTaskFromTeam(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	res, err := f.coord.RequestTaskFromTeam(context.Background(), "alpha", "count")
	require.NoError(t, err)
	assert.Equal(t, "a handled [count]", res)

	st, ok := f.host.Statuses().Get("alpha")
	require.True(t, ok)
	assert.Equal(t, bus.StateCompleted, st.State)
	assert.Equal(t, "a handled [count]", st.LastResult)
}

func TestRequestUnknownTeam(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)
	_, err := f.coord.RequestTaskFromTeam(context.Background(), "ghost", "x")
	assert.ErrorIs(t, err, team.ErrUnknownTeam)
}

func TestRequestsAreCorrelated(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "alpha"
			if i%2 == 1 {
				name = "beta"
			}
			res, err := f.coord.RequestTaskFromTeam(context.Background(), name, fmt.Sprint("job-", i))
			assert.NoError(t, err)
			assert.Contains(t, res, fmt.Sprintf("[job-%d]", i))
		}(i)
	}
	wg.Wait()
}

func TestRequestDeadline(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)
	f.slowDelay = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.coord.RequestTaskFromTeam(ctx, "slow", "x")
	assert.ErrorIs(t, err, guard.ErrDeadlineExceeded)
}

func TestRequestDeadlineStopsTeamRun(t *testing.T) {
	f := newFixture(t, guard.Options{Timeout: 10 * time.Second}, nil)
	f.slowDelay = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.coord.RequestTaskFromTeam(ctx, "slow", "x")
	require.ErrorIs(t, err, guard.ErrDeadlineExceeded)

	assert.Eventually(t, func() bool {
		st, ok := f.host.Statuses().Get("slow")
		return ok && st.State != bus.StateRunning
	}, 500*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, f.host.Running())
	assert.Less(t, time.Since(start), time.Second)

	st, _ := f.host.Statuses().Get("slow")
	assert.Equal(t, bus.StateError, st.State)
}

func TestRequestReportsLoopAndWorkerErrors(t *testing.T) {
	f := newFixture(t, guard.Options{Window: 3}, nil)

	_, err := f.coord.RequestTaskFromTeam(context.Background(), "loopy", "x")
	var te *TeamError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, guard.ErrDuplicateLoop)

	_, err = f.coord.RequestTaskFromTeam(context.Background(), "broken", "x")
	assert.ErrorIs(t, err, team.ErrWorker)

	st, _ := f.host.Statuses().Get("broken")
	assert.Equal(t, bus.StateError, st.State)
}

func TestParallelLatencyIsMax(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	start := time.Now()
	results, errs := f.coord.CoordinateParallelTasks(context.Background(), map[string]string{
		"slow":  "x",
		"alpha": "y",
	})
	elapsed := time.Since(start)

	assert.Empty(t, errs)
	assert.Len(t, results, 2)
	assert.Less(t, elapsed, f.slowDelay+120*time.Millisecond)
}

func TestParallelDoesNotCancelOnFailure(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	results, errs := f.coord.CoordinateParallelTasks(context.Background(), map[string]string{
		"broken": "x",
		"slow":   "y",
	})
	assert.Equal(t, "slow done", results["slow"])
	assert.ErrorIs(t, errs["broken"], team.ErrWorker)
}

func TestSequentialRunsInOrder(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	outcomes := f.coord.CoordinateSequentialTasks(context.Background(), []TeamTask{
		{Team: "alpha", Task: "1"},
		{Team: "beta", Task: "2"},
	}, team.OnErrorContinue)

	require.Len(t, outcomes, 2)
	assert.Equal(t, TaskDone, outcomes[0].Status)
	assert.Equal(t, TaskDone, outcomes[1].Status)
	assert.False(t, outcomes[1].StartedAt.Before(outcomes[0].FinishedAt))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.False(t, f.starts["b"].Before(f.ends["a"]))
}

func TestWorkflowParallelWithMaster(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	res, err := f.engine.ExecuteWorkflow(context.Background(), "fanout", "pricing", "")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "a handled [alpha does pricing]", res.Results["alpha"])
	assert.Equal(t, "b handled [pricing]", res.Results["beta"])
	assert.Equal(t, "final report", res.Results["master"])
	assert.Contains(t, res.Statuses, "master")

	require.Len(t, f.masterTasks, 1)
	want := "combine:\n**alpha result**:\na handled [alpha does pricing]\n\n**beta result**:\nb handled [pricing]\n"
	assert.Equal(t, want, f.masterTasks[0])
}

func TestWorkflowPartialFailure(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	res, err := f.engine.ExecuteWorkflow(context.Background(), "partial", "pricing", "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors, "broken")
	assert.Contains(t, res.Results, "alpha")
	assert.Equal(t, "final report", res.Results["master"])

	require.Len(t, f.masterTasks, 1)
	assert.Contains(t, f.masterTasks[0], "**alpha result**:\na handled [pricing]\n")
	assert.NotContains(t, f.masterTasks[0], "broken")
}

func TestWorkflowSequentialStopPolicy(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)

	res, err := f.engine.ExecuteWorkflow(context.Background(), "chain_stop", "x", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors["alpha"], ErrSkipped.Error())

	res, err = f.engine.ExecuteWorkflow(context.Background(), "chain", "x", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.Results, 2)
}

func TestWorkflowUnknown(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)
	res, err := f.engine.ExecuteWorkflow(context.Background(), "nope", "x", "")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, team.ErrUnknownWorkflow)
}

func TestWorkflowTimeout(t *testing.T) {
	f := newFixture(t, guard.Options{}, nil)
	f.slowDelay = 2 * time.Second
	f.engine.SetTimeout(80 * time.Millisecond)

	res, err := f.engine.ExecuteWorkflow(context.Background(), "slowpair", "x", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Errors, "slow")
}

type memLog struct {
	mu    sync.Mutex
	fail  bool
	calls int
	lines []string
}

func (l *memLog) AppendMessage(_ context.Context, runID, source, role, content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.fail {
		return errors.New("db down")
	}
	l.lines = append(l.lines, strings.Join([]string{runID, source, role, content}, "|"))
	return nil
}

func TestWorkflowRecordsRunLog(t *testing.T) {
	log := &memLog{}
	f := newFixture(t, guard.Options{}, log)

	res, err := f.engine.ExecuteWorkflow(context.Background(), "fanout", "pricing", "run-1")
	require.NoError(t, err)
	assert.False(t, res.Unpersisted)
	assert.Contains(t, log.lines, "run-1|alpha|assistant|a handled [alpha does pricing]")
	assert.Contains(t, log.lines, "run-1|m|assistant|final report TERMINATE")
}

func TestWorkflowFlagsUnpersisted(t *testing.T) {
	log := &memLog{fail: true}
	f := newFixture(t, guard.Options{}, log)

	res, err := f.engine.ExecuteTeam(context.Background(), "alpha", "x", "run-2")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Unpersisted)
	// Two events, each tried twice.
	assert.Equal(t, 4, log.calls)
}

func TestMasterTask(t *testing.T) {
	assert.Equal(t, "main\n\nsubs", MasterTask("", "main", "subs"))
	assert.Equal(t, "go: subs", MasterTask("go: {sub_results}", "main", "subs"))
	assert.Equal(t, "main / subs", MasterTask("{main_task} / {sub_results}", "main", "subs"))
	// Placeholders typed by the user stay literal.
	assert.Equal(t, "echo {sub_results} / subs", MasterTask("{main_task} / {sub_results}", "echo {sub_results}", "subs"))
	assert.Equal(t, "echo {sub_results}\n\nsubs", MasterTask("", "echo {sub_results}", "subs"))
	assert.Equal(t, "", SubResults([]string{"a"}, map[string]string{"a": ""}))
}
