package reasoning

import (
	"fmt"

	"github.com/nidhogg/nuka-crew/internal/team"
)

// Presets are the system prompts of the built-in worker roles.
var Presets = map[string]string{
	"web_search": "You research the task and list the relevant facts, sources and open questions. " +
		"Be concise and factual.",
	"data_analyst": "You analyse the collected facts, quantify where possible and point out trends. " +
		"When the collection is complete reply with TERMINATE on its own line after your analysis.",
	"analysis": "You break the task into its key dimensions and analyse each one in depth.",
	"insight": "You turn the analysis into concrete insights and recommendations. " +
		"When the insights are complete reply with TERMINATE on its own line after them.",
	"devil_advocate": "You challenge the conclusions so far, looking for gaps, risks and weak evidence.",
	"summary": "You write the final balanced summary of the discussion. " +
		"End your summary with TERMINATE on its own line.",
}

// GenericFactory is the factory name for workers that only use their
// spec's system message.
const GenericFactory = "llm"

// Registrar is the part of team.ConfigManager the factories need.
type Registrar interface {
	RegisterFactory(name string, f team.WorkerFactory)
}

// RegisterFactories makes every preset plus the generic factory
// available. With an empty registry the workers are scripted.
func RegisterFactories(m Registrar, reg *Registry) {
	for name, prompt := range Presets {
		m.RegisterFactory(name, factory(reg, prompt))
	}
	m.RegisterFactory(GenericFactory, factory(reg, ""))
}

func factory(reg *Registry, preset string) team.WorkerFactory {
	return func(spec team.AgentSpec) (team.Worker, error) {
		system := spec.SystemMessage
		if system == "" {
			system = preset
		}
		if reg == nil || reg.Len() == 0 {
			return Scripted(spec.Name), nil
		}
		chat, model, err := reg.Resolve(spec.Model)
		if err != nil {
			return nil, fmt.Errorf("build worker %s: %w", spec.Name, err)
		}
		return NewLLMWorker(spec.Name, system, model, chat), nil
	}
}

// Scripted returns a worker that acknowledges the task and terminates
// once every earlier participant has spoken.
func Scripted(name string) *ScriptedWorker {
	return &ScriptedWorker{
		name: name,
		reply: func(task string, history []team.StepEvent) string {
			spoke := 0
			for _, ev := range history {
				if ev.Source != team.UserSource {
					spoke++
				}
			}
			if spoke > 0 {
				return fmt.Sprintf("%s reviewed %d earlier contribution(s) on: %s\n%s",
					name, spoke, task, team.DefaultTerminationKeyword)
			}
			return fmt.Sprintf("%s notes on: %s", name, task)
		},
	}
}
