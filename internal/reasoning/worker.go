package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-crew/internal/team"
)

// LLMWorker answers each turn with one chat completion.
type LLMWorker struct {
	name   string
	system string
	model  string
	chat   Chatter
}

func NewLLMWorker(name, system, model string, chat Chatter) *LLMWorker {
	return &LLMWorker{name: name, system: system, model: model, chat: chat}
}

func (w *LLMWorker) Name() string { return w.name }

// Step replays the shared history as chat messages. Turns by this
// worker become assistant messages, everything else is user input
// tagged with its source.
func (w *LLMWorker) Step(ctx context.Context, task string, history []team.StepEvent) (string, error) {
	resp, err := w.chat.Chat(ctx, &ChatRequest{
		Model:    w.model,
		Messages: w.messages(task, history),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (w *LLMWorker) messages(task string, history []team.StepEvent) []Message {
	msgs := make([]Message, 0, len(history)+2)
	if w.system != "" {
		msgs = append(msgs, Message{Role: "system", Content: w.system})
	}
	if len(history) == 0 {
		return append(msgs, Message{Role: "user", Content: task})
	}
	for _, ev := range history {
		switch ev.Source {
		case w.name:
			msgs = append(msgs, Message{Role: "assistant", Content: ev.Content})
		case team.UserSource:
			msgs = append(msgs, Message{Role: "user", Content: ev.Content})
		default:
			msgs = append(msgs, Message{
				Role:    "user",
				Name:    ev.Source,
				Content: fmt.Sprintf("[%s]: %s", ev.Source, ev.Content),
			})
		}
	}
	return msgs
}

// ScriptedWorker returns a canned reply. It lets the service run
// without any configured provider.
type ScriptedWorker struct {
	name  string
	reply func(task string, history []team.StepEvent) string
}

func (w *ScriptedWorker) Name() string { return w.name }

func (w *ScriptedWorker) Step(ctx context.Context, task string, history []team.StepEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return w.reply(task, history), nil
}
