package team

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigManager owns the loaded team and workflow definitions and the
// worker factories used to build runnable teams.
type ConfigManager struct {
	path   string
	logger *zap.Logger

	mu        sync.RWMutex
	teams     map[string]Definition
	teamOrder []string
	workflows map[string]Workflow
	wfOrder   []string
	factories map[string]WorkerFactory
	selector  SpeakerSelector
}

// NewConfigManager creates a manager reading definitions from path.
func NewConfigManager(path string, logger *zap.Logger) *ConfigManager {
	return &ConfigManager{
		path:      path,
		logger:    logger,
		teams:     make(map[string]Definition),
		workflows: make(map[string]Workflow),
		factories: make(map[string]WorkerFactory),
		selector:  RoundRobin{},
	}
}

// Load reads the team file. A missing file is created from DefaultFile.
func (m *ConfigManager) Load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		def := DefaultFile()
		if err := writeFile(m.path, def); err != nil {
			return err
		}
		m.logger.Info("Default team config written", zap.String("path", m.path))
		return m.apply(def)
	}
	if err != nil {
		return fmt.Errorf("read team config %s: %w", m.path, err)
	}
	return m.LoadBytes(data)
}

// LoadBytes replaces the definitions with the given YAML document.
func (m *ConfigManager) LoadBytes(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse team config: %w", err)
	}
	return m.apply(&f)
}

func (m *ConfigManager) apply(f *File) error {
	f.normalize()
	if err := f.Validate(); err != nil {
		return fmt.Errorf("validate team config: %w", err)
	}

	teams := make(map[string]Definition, len(f.Teams))
	order := make([]string, 0, len(f.Teams))
	for _, t := range f.Teams {
		teams[t.Name] = t
		order = append(order, t.Name)
	}
	workflows := make(map[string]Workflow, len(f.Workflows))
	wfOrder := make([]string, 0, len(f.Workflows))
	for _, w := range f.Workflows {
		workflows[w.Name] = w
		wfOrder = append(wfOrder, w.Name)
	}

	m.mu.Lock()
	m.teams, m.teamOrder = teams, order
	m.workflows, m.wfOrder = workflows, wfOrder
	m.mu.Unlock()

	m.logger.Info("Team config loaded",
		zap.Int("teams", len(teams)),
		zap.Int("workflows", len(workflows)))
	return nil
}

func writeFile(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal team config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write team config %s: %w", path, err)
	}
	return nil
}

// RegisterFactory makes a worker factory available to team definitions.
func (m *ConfigManager) RegisterFactory(name string, f WorkerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

func (m *ConfigManager) Team(name string) (Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.teams[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownTeam, name)
	}
	return d, nil
}

func (m *ConfigManager) HasTeam(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.teams[name]
	return ok
}

// Teams returns definitions in file order.
func (m *ConfigManager) Teams() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.teamOrder))
	for _, n := range m.teamOrder {
		out = append(out, m.teams[n])
	}
	return out
}

func (m *ConfigManager) Workflow(name string) (Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[name]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return w, nil
}

// Workflows returns workflows in file order.
func (m *ConfigManager) Workflows() []Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Workflow, 0, len(m.wfOrder))
	for _, n := range m.wfOrder {
		out = append(out, m.workflows[n])
	}
	return out
}

// BuildTeam instantiates the workers of a team definition.
func (m *ConfigManager) BuildTeam(name string) (*Team, error) {
	def, err := m.Team(name)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	selector := m.selector
	factories := make(map[string]WorkerFactory, len(def.Agents))
	for _, a := range def.Agents {
		if f, ok := m.factories[a.Factory]; ok {
			factories[a.Factory] = f
		}
	}
	m.mu.RUnlock()

	workers := make([]Worker, 0, len(def.Agents))
	for _, a := range def.Agents {
		f, ok := factories[a.Factory]
		if !ok {
			return nil, fmt.Errorf("team %s agent %s: %w %s", name, a.Name, ErrUnknownFactory, a.Factory)
		}
		w, err := f(a)
		if err != nil {
			return nil, fmt.Errorf("build agent %s: %w", a.Name, err)
		}
		workers = append(workers, w)
	}
	return New(def, workers, selector, m.logger)
}
