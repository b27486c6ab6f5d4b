package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
)

var (
	ErrDuplicateLoop    = errors.New("duplicate loop detected")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// Reason says why a guarded run stopped.
type Reason string

const (
	ReasonCompleted     Reason = "completed"
	ReasonKeyword       Reason = "keyword"
	ReasonStepCap       Reason = "step_cap"
	ReasonDuplicateLoop Reason = "duplicate_loop"
	ReasonTimeout       Reason = "timeout"
	ReasonCancelled     Reason = "cancelled"
	ReasonError         Reason = "error"
)

// Unit is anything that streams step events for a task. *team.Team
// satisfies it.
type Unit interface {
	Name() string
	MaxSteps() int
	TerminationKeywords() []string
	Execute(ctx context.Context, task string) <-chan team.StepEvent
}

// Options tunes a Guard. Zero fields take the defaults.
type Options struct {
	// Window is how many consecutive identical steps count as a loop.
	Window int
	// PrefixLen is how many runes of each step are compared.
	PrefixLen int
	MaxSteps  int
	Timeout   time.Duration
}

func DefaultOptions() Options {
	return Options{Window: 3, PrefixLen: 200, MaxSteps: 30, Timeout: 10 * time.Minute}
}

// Result is the outcome of a guarded run.
type Result struct {
	Team    string        `json:"team"`
	Final   string        `json:"final"`
	Reason  Reason        `json:"reason"`
	Steps   int           `json:"steps"`
	Elapsed time.Duration `json:"elapsed"`
	Err     error         `json:"-"`
}

// OK reports whether the run produced a usable answer.
func (r Result) OK() bool { return r.Err == nil }

// StepFunc observes every event the guard consumes.
type StepFunc func(ev team.StepEvent)

// Guard wraps a unit's event stream with loop detection, a step cap and
// a deadline.
type Guard struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Guard.
func New(opts Options, logger *zap.Logger) *Guard {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.Window < 2 {
		opts.Window = 2
	}
	if opts.PrefixLen <= 0 {
		opts.PrefixLen = def.PrefixLen
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = def.MaxSteps
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Guard{opts: opts, logger: logger}
}

func (g *Guard) Options() Options { return g.opts }

// Run executes task on unit and returns once the stream ends or a guard
// condition fires. The unit's context is cancelled before Run returns.
func (g *Guard) Run(ctx context.Context, unit Unit, task string, onStep StepFunc) Result {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.NewTimer(g.opts.Timeout)
	defer timer.Stop()

	limit := g.opts.MaxSteps
	if m := unit.MaxSteps(); m > 0 && m < limit {
		limit = m
	}
	keywords := unit.TerminationKeywords()

	res := Result{Team: unit.Name()}
	finish := func(reason Reason, err error) Result {
		res.Reason = reason
		res.Err = err
		res.Elapsed = time.Since(start)
		g.logger.Debug("guarded run finished",
			zap.String("team", res.Team),
			zap.String("reason", string(reason)),
			zap.Int("steps", res.Steps),
			zap.Duration("elapsed", res.Elapsed),
			zap.Error(err))
		return res
	}
	timeout := func() Result {
		res.Final = fmt.Sprintf("timeout: no result within %s", g.opts.Timeout)
		return finish(ReasonTimeout, fmt.Errorf("%s: %w after %s", unit.Name(), ErrDeadlineExceeded, g.opts.Timeout))
	}

	events := unit.Execute(runCtx, task)
	recent := make([]string, 0, g.opts.Window)

	for {
		select {
		case <-timer.C:
			return timeout()

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return timeout()
			}
			return finish(ReasonCancelled, ctx.Err())

		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						return timeout()
					}
					return finish(ReasonCancelled, err)
				}
				if res.Steps >= limit {
					return finish(ReasonStepCap, nil)
				}
				return finish(ReasonCompleted, nil)
			}

			res.Steps++
			if onStep != nil {
				onStep(ev)
			}
			if ev.Err != nil {
				return finish(ReasonError, ev.Err)
			}

			if ev.Source != team.UserSource {
				if s := team.StripKeywords(ev.Content, keywords); s != "" {
					res.Final = s
				}
			}

			recent = append(recent, prefix(ev.Content, g.opts.PrefixLen))
			if len(recent) > g.opts.Window {
				recent = recent[1:]
			}
			if len(recent) == g.opts.Window && allEqual(recent) {
				g.logger.Warn("duplicate loop detected",
					zap.String("team", res.Team),
					zap.Int("window", g.opts.Window),
					zap.Int("steps", res.Steps))
				return finish(ReasonDuplicateLoop,
					fmt.Errorf("%s: %w: %d identical steps", res.Team, ErrDuplicateLoop, g.opts.Window))
			}

			if ev.Source != team.UserSource && team.ContainsKeyword(ev.Content, keywords) {
				return finish(ReasonKeyword, nil)
			}
			if res.Steps >= limit {
				return finish(ReasonStepCap, nil)
			}
		}
	}
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func allEqual(ss []string) bool {
	for _, s := range ss[1:] {
		if s != ss[0] {
			return false
		}
	}
	return true
}
