package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-crew/internal/team"
)

func newFakeProvider(t *testing.T, reply string, seen *ChatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-test",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"total_tokens": 42},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientChat(t *testing.T) {
	srv := newFakeProvider(t, "hello", nil)
	c := NewClient("openai", srv.URL+"/", "sk-test", "gpt-test", zap.NewNop())

	resp, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 42, resp.TotalTokens)
}

func TestClientChatErrors(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer limited.Close()
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer empty.Close()

	_, err := NewClient("x", limited.URL, "sk-test", "m", zap.NewNop()).Chat(context.Background(), &ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error 429")

	_, err = NewClient("x", empty.URL, "sk-test", "m", zap.NewNop()).Chat(context.Background(), &ChatRequest{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestWorkerMapsHistory(t *testing.T) {
	var seen ChatRequest
	srv := newFakeProvider(t, "  done TERMINATE ", &seen)
	reg := NewRegistry(zap.NewNop())
	reg.Register(NewClient("openai", srv.URL, "sk-test", "gpt-test", zap.NewNop()))

	chat, model, err := reg.Resolve("")
	require.NoError(t, err)
	w := NewLLMWorker("summary", "sys", model, chat)

	out, err := w.Step(context.Background(), "task", []team.StepEvent{
		{Source: team.UserSource, Content: "task"},
		{Source: "analysis", Content: "a1"},
		{Source: "summary", Content: "s1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "done TERMINATE", out)

	assert.Equal(t, "gpt-test", seen.Model)
	require.Len(t, seen.Messages, 4)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "user", seen.Messages[1].Role)
	assert.Equal(t, "[analysis]: a1", seen.Messages[2].Content)
	assert.Equal(t, "assistant", seen.Messages[3].Role)
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(NewClient("a", "", "", "model-a", zap.NewNop()))
	reg.Register(NewClient("b", "", "", "model-b", zap.NewNop()))

	c, m, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "a", c.ID())
	assert.Equal(t, "model-a", m)

	c, m, err = reg.Resolve("b:big")
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID())
	assert.Equal(t, "big", m)

	c, m, err = reg.Resolve("gpt:4")
	require.NoError(t, err)
	assert.Equal(t, "a", c.ID())
	assert.Equal(t, "gpt:4", m)

	_, _, err = NewRegistry(zap.NewNop()).Resolve("")
	assert.Error(t, err)
}

type factories map[string]team.WorkerFactory

func (f factories) RegisterFactory(name string, wf team.WorkerFactory) { f[name] = wf }

func TestRegisterFactoriesScriptedFallback(t *testing.T) {
	fs := factories{}
	RegisterFactories(fs, NewRegistry(zap.NewNop()))
	for name := range Presets {
		assert.Contains(t, fs, name)
	}
	require.Contains(t, fs, GenericFactory)

	w, err := fs["summary"](team.AgentSpec{Name: "summary"})
	require.NoError(t, err)
	first, err := w.Step(context.Background(), "topic", []team.StepEvent{{Source: team.UserSource, Content: "topic"}})
	require.NoError(t, err)
	assert.NotContains(t, first, team.DefaultTerminationKeyword)

	second, err := w.Step(context.Background(), "topic", []team.StepEvent{
		{Source: team.UserSource, Content: "topic"},
		{Source: "summary", Content: first},
	})
	require.NoError(t, err)
	assert.Contains(t, second, team.DefaultTerminationKeyword)
}
