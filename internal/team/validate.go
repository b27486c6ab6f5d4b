package team

import (
	"fmt"
	"strings"
)

// File is the on-disk layout of the team definitions.
type File struct {
	Teams     []Definition `yaml:"teams"`
	Workflows []Workflow   `yaml:"workflows"`
}

func (f *File) normalize() {
	for i := range f.Teams {
		if f.Teams[i].MaxSteps <= 0 {
			f.Teams[i].MaxSteps = 20
		}
		if len(f.Teams[i].TerminationKeywords) == 0 {
			f.Teams[i].TerminationKeywords = []string{DefaultTerminationKeyword}
		}
	}
	for i := range f.Workflows {
		if f.Workflows[i].Strategy == "" {
			f.Workflows[i].Strategy = StrategyParallel
		}
		if f.Workflows[i].OnError == "" {
			f.Workflows[i].OnError = OnErrorContinue
		}
	}
}

// Validate checks references between teams and workflows and rejects
// cyclic handoff graphs.
func (f *File) Validate() error {
	teams := make(map[string]Definition, len(f.Teams))
	for _, t := range f.Teams {
		if t.Name == "" {
			return fmt.Errorf("team with empty name")
		}
		if _, dup := teams[t.Name]; dup {
			return fmt.Errorf("duplicate team %s", t.Name)
		}
		if len(t.Agents) == 0 {
			return fmt.Errorf("team %s has no agents", t.Name)
		}
		agents := make(map[string]bool, len(t.Agents))
		for _, a := range t.Agents {
			if a.Name == "" || a.Factory == "" {
				return fmt.Errorf("team %s: agent needs name and factory", t.Name)
			}
			if agents[a.Name] {
				return fmt.Errorf("team %s: duplicate agent %s", t.Name, a.Name)
			}
			agents[a.Name] = true
		}
		for _, p := range t.ExecutionOrder {
			if !agents[p] {
				return fmt.Errorf("team %s: execution order names unknown agent %s", t.Name, p)
			}
		}
		teams[t.Name] = t
	}

	for _, t := range f.Teams {
		for _, h := range t.Handoffs {
			if _, ok := teams[h]; !ok {
				return fmt.Errorf("team %s hands off to %w %s", t.Name, ErrUnknownTeam, h)
			}
		}
	}
	if cycle := findHandoffCycle(f.Teams); cycle != nil {
		return fmt.Errorf("%w: %s", ErrHandoffCycle, strings.Join(cycle, " -> "))
	}

	seen := make(map[string]bool, len(f.Workflows))
	for _, w := range f.Workflows {
		if w.Name == "" {
			return fmt.Errorf("workflow with empty name")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate workflow %s", w.Name)
		}
		seen[w.Name] = true
		if len(w.Teams) == 0 {
			return fmt.Errorf("workflow %s has no teams", w.Name)
		}
		for _, name := range w.Teams {
			if _, ok := teams[name]; !ok {
				return fmt.Errorf("workflow %s: %w %s", w.Name, ErrUnknownTeam, name)
			}
		}
		if w.Master != "" {
			if _, ok := teams[w.Master]; !ok {
				return fmt.Errorf("workflow %s: master is %w %s", w.Name, ErrUnknownTeam, w.Master)
			}
		}
		for name := range w.TaskTemplates {
			if _, ok := teams[name]; !ok {
				return fmt.Errorf("workflow %s: template for %w %s", w.Name, ErrUnknownTeam, name)
			}
		}
		switch w.Strategy {
		case StrategyParallel, StrategySequential:
		default:
			return fmt.Errorf("workflow %s: unknown strategy %q", w.Name, w.Strategy)
		}
		switch w.OnError {
		case OnErrorContinue, OnErrorStop:
		default:
			return fmt.Errorf("workflow %s: unknown on_error %q", w.Name, w.OnError)
		}
	}
	return nil
}

// findHandoffCycle returns the first cycle found, closed on its start node.
func findHandoffCycle(defs []Definition) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	edges := make(map[string][]string, len(defs))
	for _, d := range defs {
		edges[d.Name] = d.Handoffs
	}
	state := make(map[string]int, len(defs))
	var stack []string

	var visit func(string) []string
	visit = func(n string) []string {
		state[n] = visiting
		stack = append(stack, n)
		for _, next := range edges[n] {
			switch state[next] {
			case visiting:
				for i, s := range stack {
					if s == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for _, d := range defs {
		if state[d.Name] == unvisited {
			if c := visit(d.Name); c != nil {
				return c
			}
		}
	}
	return nil
}
