package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-crew/internal/guard"
	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
)

// RunLog appends messages to a persisted run.
type RunLog interface {
	AppendMessage(ctx context.Context, runID, source, role, content string) error
}

const subResultsPlaceholder = "{sub_results}"

// WorkflowEngine runs configured workflows: member teams through the
// coordinator, then the master team directly.
type WorkflowEngine struct {
	configs *team.ConfigManager
	coord   *Coordinator
	host    *TeamHost
	runLog  RunLog
	timeout time.Duration
	logger  *zap.Logger
}

// NewWorkflowEngine creates an engine. runLog may be nil.
func NewWorkflowEngine(configs *team.ConfigManager, coord *Coordinator, host *TeamHost, runLog RunLog, logger *zap.Logger) *WorkflowEngine {
	return &WorkflowEngine{
		configs: configs,
		coord:   coord,
		host:    host,
		runLog:  runLog,
		logger:  logger,
	}
}

// SetTimeout bounds every ExecuteWorkflow call. Zero disables it.
func (e *WorkflowEngine) SetTimeout(d time.Duration) { e.timeout = d }

func (e *WorkflowEngine) HasWorkflow(name string) bool {
	_, err := e.configs.Workflow(name)
	return err == nil
}

func (e *WorkflowEngine) HasTeam(name string) bool { return e.configs.HasTeam(name) }

// ExecuteWorkflow runs the named workflow for mainTask. Team results are
// appended to runID's log when runID is set. An unknown workflow is
// returned as an error before anything runs.
func (e *WorkflowEngine) ExecuteWorkflow(ctx context.Context, name, mainTask, runID string) (*ExecutionResult, error) {
	wf, err := e.configs.Workflow(name)
	if err != nil {
		return nil, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	res := newExecutionResult()
	res.Workflow = name
	failures := make(map[string]error)

	e.logger.Info("executing workflow",
		zap.String("workflow", name),
		zap.String("strategy", string(wf.Strategy)),
		zap.Int("teams", len(wf.Teams)))

	switch wf.Strategy {
	case team.StrategySequential:
		tasks := make([]TeamTask, 0, len(wf.Teams))
		for _, t := range wf.Teams {
			tasks = append(tasks, TeamTask{Team: t, Task: wf.TaskFor(t, mainTask)})
		}
		for _, o := range e.coord.CoordinateSequentialTasks(ctx, tasks, wf.OnError) {
			if o.Err != nil {
				failures[o.Team] = o.Err
			} else {
				res.Results[o.Team] = o.Result
			}
		}
	default:
		tasks := make(map[string]string, len(wf.Teams))
		for _, t := range wf.Teams {
			tasks[t] = wf.TaskFor(t, mainTask)
		}
		results, errs := e.coord.CoordinateParallelTasks(ctx, tasks)
		for t, r := range results {
			res.Results[t] = r
		}
		for t, err := range errs {
			failures[t] = err
		}
	}

	for _, t := range wf.Teams {
		if r, ok := res.Results[t]; ok {
			e.record(ctx, runID, t, "assistant", r, res)
		}
	}

	if wf.Master != "" {
		sub := SubResults(wf.Teams, res.Results)
		if sub == "" {
			failures[wf.Master] = errors.New("no team results to synthesize")
		} else {
			task := MasterTask(wf.TaskTemplates[wf.Master], mainTask, sub)
			mr := e.host.Execute(ctx, wf.Master, task, e.stepRecorder(ctx, runID, res))
			if mr.Err != nil {
				failures[wf.Master] = mr.Err
			} else {
				res.Results[wf.Master] = mr.Final
			}
		}
	}

	if r, ok := res.Results[wf.Master]; ok && wf.Master != "" {
		res.Summary = r
	} else {
		res.Summary = SubResults(wf.Teams, res.Results)
	}

	for t, err := range failures {
		res.Errors[t] = err.Error()
		if IsTimeout(err) {
			res.TimedOut = true
		}
	}
	res.Success = len(res.Errors) == 0
	res.Elapsed = time.Since(start)
	members := append(append([]string(nil), wf.Teams...), wf.Master)
	res.Statuses = e.host.Statuses().Snapshot(members...)

	e.logger.Info("workflow finished",
		zap.String("workflow", name),
		zap.Bool("success", res.Success),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// ExecuteTeam runs a single team through the guard, logging every step.
func (e *WorkflowEngine) ExecuteTeam(ctx context.Context, name, task, runID string) (*ExecutionResult, error) {
	if !e.configs.HasTeam(name) {
		return nil, fmt.Errorf("%w: %s", team.ErrUnknownTeam, name)
	}
	res := newExecutionResult()
	res.Team = name

	gr := e.host.Execute(ctx, name, task, e.stepRecorder(ctx, runID, res))
	if gr.Err != nil {
		res.Errors[name] = gr.Err.Error()
		res.TimedOut = IsTimeout(gr.Err)
	} else {
		res.Results[name] = gr.Final
		res.Summary = gr.Final
	}
	res.Success = len(res.Errors) == 0
	res.Elapsed = gr.Elapsed
	res.Statuses = e.host.Statuses().Snapshot(name)
	return res, nil
}

func (e *WorkflowEngine) stepRecorder(ctx context.Context, runID string, res *ExecutionResult) guard.StepFunc {
	if runID == "" || e.runLog == nil {
		return nil
	}
	return func(ev team.StepEvent) {
		role := "assistant"
		content := ev.Content
		switch {
		case ev.Source == team.UserSource:
			role = "user"
		case ev.Err != nil:
			role = "error"
			content = ev.Err.Error()
		}
		e.record(ctx, runID, ev.Source, role, content, res)
	}
}

// record appends to the run log, retrying once.
func (e *WorkflowEngine) record(ctx context.Context, runID, source, role, content string, res *ExecutionResult) {
	if runID == "" || e.runLog == nil {
		return
	}
	// Use a context that survives the run deadline so the log is complete.
	wctx := context.WithoutCancel(ctx)
	err := e.runLog.AppendMessage(wctx, runID, source, role, content)
	if err != nil {
		err = e.runLog.AppendMessage(wctx, runID, source, role, content)
	}
	if err != nil {
		res.Unpersisted = true
		e.logger.Error("append run message",
			zap.String("run_id", runID),
			zap.String("source", source),
			zap.Error(err))
	}
}

// SubResults formats non-empty team results in workflow order.
func SubResults(order []string, results map[string]string) string {
	var parts []string
	for _, t := range order {
		r := results[t]
		if r == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("**%s result**:\n%s\n", t, r))
	}
	return strings.Join(parts, "\n")
}

// MasterTask fills the master template in a single pass, so placeholder
// text inside the main task is left alone. Without a {sub_results}
// placeholder the results are appended.
func MasterTask(tpl, mainTask, subResults string) string {
	if tpl == "" {
		tpl = team.MainTaskPlaceholder
	}
	r := strings.NewReplacer(team.MainTaskPlaceholder, mainTask, subResultsPlaceholder, subResults)
	if !strings.Contains(tpl, subResultsPlaceholder) {
		return r.Replace(tpl) + "\n\n" + subResults
	}
	return r.Replace(tpl)
}
