package team

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "teams.yaml")
	m := NewConfigManager(path, zap.NewNop())

	require.NoError(t, m.Load())

	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.Len(t, m.Teams(), 4)

	wf, err := m.Workflow("standard_analysis")
	require.NoError(t, err)
	assert.Equal(t, StrategyParallel, wf.Strategy)
	assert.Equal(t, "master", wf.Master)

	// A second manager reads back what was written.
	again := NewConfigManager(path, zap.NewNop())
	require.NoError(t, again.Load())
	assert.Equal(t, m.Teams(), again.Teams())
}

func TestLoadBytesAppliesDefaults(t *testing.T) {
	m := NewConfigManager("", zap.NewNop())
	require.NoError(t, m.LoadBytes([]byte(`
teams:
  - name: solo
    agents:
      - {name: a, factory: echo}
workflows:
  - name: only
    teams: [solo]
`)))

	def, err := m.Team("solo")
	require.NoError(t, err)
	assert.Equal(t, 20, def.MaxSteps)
	assert.Equal(t, []string{DefaultTerminationKeyword}, def.TerminationKeywords)

	wf, err := m.Workflow("only")
	require.NoError(t, err)
	assert.Equal(t, StrategyParallel, wf.Strategy)
	assert.Equal(t, OnErrorContinue, wf.OnError)
}

func TestLoadBytesRejectsHandoffCycle(t *testing.T) {
	m := NewConfigManager("", zap.NewNop())
	err := m.LoadBytes([]byte(`
teams:
  - {name: a, agents: [{name: x, factory: f}], handoffs: [b]}
  - {name: b, agents: [{name: x, factory: f}], handoffs: [c]}
  - {name: c, agents: [{name: x, factory: f}], handoffs: [a]}
`))
	require.ErrorIs(t, err, ErrHandoffCycle)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestLoadBytesAcceptsHandoffDAG(t *testing.T) {
	m := NewConfigManager("", zap.NewNop())
	require.NoError(t, m.LoadBytes([]byte(`
teams:
  - {name: a, agents: [{name: x, factory: f}], handoffs: [b, c]}
  - {name: b, agents: [{name: x, factory: f}], handoffs: [c]}
  - {name: c, agents: [{name: x, factory: f}]}
`)))
}

func TestLoadBytesRejectsUnknownReferences(t *testing.T) {
	m := NewConfigManager("", zap.NewNop())
	err := m.LoadBytes([]byte(`
teams:
  - {name: a, agents: [{name: x, factory: f}]}
workflows:
  - {name: w, teams: [a, ghost]}
`))
	assert.ErrorIs(t, err, ErrUnknownTeam)
}

func TestTaskForAndBuildTeam(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "teams.yaml"), zap.NewNop())
	require.NoError(t, m.Load())

	wf, err := m.Workflow("standard_analysis")
	require.NoError(t, err)
	assert.Equal(t, "Analyse the following task: market size", wf.TaskFor("analysis", "market size"))
	assert.Equal(t, "market size", wf.TaskFor("unlisted", "market size"))

	_, err = m.Workflow("missing")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)

	_, err = m.BuildTeam("analysis")
	assert.ErrorIs(t, err, ErrUnknownFactory)

	factory := func(spec AgentSpec) (Worker, error) {
		return &scriptWorker{name: spec.Name, lines: []string{"ok TERMINATE"}}, nil
	}
	for _, f := range []string{"analysis", "insight"} {
		m.RegisterFactory(f, factory)
	}
	tm, err := m.BuildTeam("analysis")
	require.NoError(t, err)
	assert.Equal(t, "analysis", tm.Name())
	assert.Equal(t, 20, tm.MaxSteps())

	_, err = m.BuildTeam("ghost")
	assert.ErrorIs(t, err, ErrUnknownTeam)
}
