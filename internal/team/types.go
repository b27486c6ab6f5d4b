package team

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrWorker marks a failure inside a worker step.
	ErrWorker          = errors.New("worker failed")
	ErrUnknownTeam     = errors.New("unknown team")
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownFactory  = errors.New("unknown worker factory")
	ErrHandoffCycle    = errors.New("handoff cycle")
)

// DefaultTerminationKeyword ends a team run when a worker mentions it.
const DefaultTerminationKeyword = "TERMINATE"

// UserSource is the source name of the first event of every run.
const UserSource = "user"

// AgentSpec references a worker factory and the prompt it is built with.
type AgentSpec struct {
	Name          string `yaml:"name" json:"name"`
	Factory       string `yaml:"factory" json:"factory"`
	SystemMessage string `yaml:"system_message,omitempty" json:"system_message,omitempty"`
	Model         string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Definition is a named team of workers. Immutable once loaded.
type Definition struct {
	Name                string      `yaml:"name" json:"name"`
	Description         string      `yaml:"description" json:"description"`
	Agents              []AgentSpec `yaml:"agents" json:"agents"`
	MaxSteps            int         `yaml:"max_steps" json:"max_steps"`
	TerminationKeywords []string    `yaml:"termination_keywords,omitempty" json:"termination_keywords,omitempty"`
	// ExecutionOrder overrides the speaking order of Agents.
	ExecutionOrder []string `yaml:"execution_order,omitempty" json:"execution_order,omitempty"`
	// Handoffs lists teams this team may delegate to.
	Handoffs []string `yaml:"handoffs,omitempty" json:"handoffs,omitempty"`
}

// Participants returns worker names in speaking order.
func (d Definition) Participants() []string {
	if len(d.ExecutionOrder) > 0 {
		return append([]string(nil), d.ExecutionOrder...)
	}
	names := make([]string, len(d.Agents))
	for i, a := range d.Agents {
		names[i] = a.Name
	}
	return names
}

type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
)

// OnError decides what a sequential workflow does after a failed member.
type OnError string

const (
	OnErrorContinue OnError = "continue"
	OnErrorStop     OnError = "stop"
)

// Workflow composes teams and an optional master team.
type Workflow struct {
	Name          string            `yaml:"name" json:"name"`
	Description   string            `yaml:"description" json:"description"`
	Teams         []string          `yaml:"teams" json:"teams"`
	Strategy      Strategy          `yaml:"execution_strategy" json:"execution_strategy"`
	Master        string            `yaml:"master_team,omitempty" json:"master_team,omitempty"`
	TaskTemplates map[string]string `yaml:"task_templates,omitempty" json:"task_templates,omitempty"`
	OnError       OnError           `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// MainTaskPlaceholder is replaced by the workflow's main task in member
// templates.
const MainTaskPlaceholder = "{main_task}"

// TaskFor renders the template for a member team. Teams without a
// template receive the main task unchanged.
func (w Workflow) TaskFor(team, mainTask string) string {
	tpl := w.TaskTemplates[team]
	if tpl == "" {
		return mainTask
	}
	return strings.ReplaceAll(tpl, MainTaskPlaceholder, mainTask)
}

// StepEvent is one observable step of a team run.
type StepEvent struct {
	Source  string    `json:"source"`
	Content string    `json:"content"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
}

// Worker produces one step of a conversation.
type Worker interface {
	Name() string
	Step(ctx context.Context, task string, history []StepEvent) (string, error)
}

// WorkerFactory builds a worker from its spec.
type WorkerFactory func(spec AgentSpec) (Worker, error)

// SpeakerSelector picks the next worker to speak.
type SpeakerSelector interface {
	Select(ctx context.Context, history []StepEvent, participants []string) (string, error)
}

// WorkerError reports which worker failed. It matches ErrWorker.
type WorkerError struct {
	Worker string
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Worker, e.Err)
}

func (e *WorkerError) Unwrap() []error { return []error{ErrWorker, e.Err} }

// ContainsKeyword reports whether content mentions any keyword.
func ContainsKeyword(content string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(content, k) {
			return true
		}
	}
	return false
}

// StripKeywords removes every keyword from content and trims the rest.
func StripKeywords(content string, keywords []string) string {
	for _, k := range keywords {
		if k != "" {
			content = strings.ReplaceAll(content, k, "")
		}
	}
	return strings.TrimSpace(content)
}
