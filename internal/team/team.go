package team

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Team runs its workers in turn until a termination keyword, the step cap,
// a worker failure or cancellation.
type Team struct {
	def      Definition
	workers  map[string]Worker
	order    []string
	selector SpeakerSelector
	logger   *zap.Logger
}

// New creates a Team from already built workers.
func New(def Definition, workers []Worker, selector SpeakerSelector, logger *zap.Logger) (*Team, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("team %s has no workers", def.Name)
	}
	if selector == nil {
		selector = RoundRobin{}
	}
	if def.MaxSteps <= 0 {
		def.MaxSteps = 20
	}
	if len(def.TerminationKeywords) == 0 {
		def.TerminationKeywords = []string{DefaultTerminationKeyword}
	}
	byName := make(map[string]Worker, len(workers))
	for _, w := range workers {
		byName[w.Name()] = w
	}
	order := def.Participants()
	if len(order) == 0 {
		for _, w := range workers {
			order = append(order, w.Name())
		}
	}
	for _, name := range order {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("team %s: participant %s has no worker", def.Name, name)
		}
	}
	return &Team{
		def:      def,
		workers:  byName,
		order:    order,
		selector: selector,
		logger:   logger,
	}, nil
}

func (t *Team) Name() string                  { return t.def.Name }
func (t *Team) MaxSteps() int                 { return t.def.MaxSteps }
func (t *Team) TerminationKeywords() []string { return t.def.TerminationKeywords }
func (t *Team) Definition() Definition        { return t.def }

// Execute streams the run's events. The channel is closed when the run ends.
// The first event carries the task itself.
func (t *Team) Execute(ctx context.Context, task string) <-chan StepEvent {
	out := make(chan StepEvent)

	go func() {
		defer close(out)

		history := make([]StepEvent, 0, t.def.MaxSteps)
		emit := func(ev StepEvent) bool {
			select {
			case out <- ev:
				history = append(history, ev)
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(StepEvent{Source: UserSource, Content: task, At: time.Now()}) {
			return
		}

		for len(history) < t.def.MaxSteps {
			if ctx.Err() != nil {
				return
			}
			name, err := t.selector.Select(ctx, history, t.order)
			if err != nil {
				emit(StepEvent{Source: t.def.Name, Err: &WorkerError{Worker: t.def.Name, Err: err}, At: time.Now()})
				return
			}
			w, ok := t.workers[name]
			if !ok {
				emit(StepEvent{Source: name, Err: &WorkerError{Worker: name, Err: fmt.Errorf("not in team %s", t.def.Name)}, At: time.Now()})
				return
			}

			content, err := t.step(ctx, w, task, history[:len(history):len(history)])
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warn("worker step failed",
					zap.String("team", t.def.Name),
					zap.String("worker", name),
					zap.Error(err))
				emit(StepEvent{Source: name, Err: &WorkerError{Worker: name, Err: err}, At: time.Now()})
				return
			}

			if !emit(StepEvent{Source: name, Content: content, At: time.Now()}) {
				return
			}
			if ContainsKeyword(content, t.def.TerminationKeywords) {
				return
			}
		}
	}()

	return out
}

func (t *Team) step(ctx context.Context, w Worker, task string, history []StepEvent) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Step(ctx, task, history)
}
