package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/pinion/agent"
	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/config"
	"github.com/GoCodeAlone/pinion/task"
)

// Manager implements AgentManager using in-process agent runtimes.
// Agents sharing a division name are grouped into an agent.Division so
// they can be listed and started or stopped as a unit.
type Manager struct {
	mu        sync.RWMutex
	agents    map[string]*agent.Runtime
	divisions map[string]*agent.Division
	bus       comms.Bus
	store     task.Store
	executor  agent.Executor
	logger    *slog.Logger
}

// NewAgentManager creates a Manager with agent runtimes from the config.
// Every runtime shares the given bus and store; executor is the payload
// runner installed on each agent.
func NewAgentManager(cfg *config.Config, bus comms.Bus, store task.Store, executor agent.Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		agents:    make(map[string]*agent.Runtime),
		divisions: make(map[string]*agent.Division),
		bus:       bus,
		store:     store,
		executor:  executor,
		logger:    logger,
	}

	for _, ac := range cfg.Agents {
		r := agent.NewRuntime(agent.Config{
			ID:       ac.ID,
			Name:     ac.Name,
			Division: ac.Division,
			Bus:      bus,
			Tasks:    store,
			Executor: executor,
		}, logger)
		m.agents[ac.ID] = r
		m.enroll(r)
	}
	return m
}

// enroll adds the runtime to its division, creating the division on
// first use. Caller holds mu (or owns m exclusively).
func (m *Manager) enroll(r *agent.Runtime) {
	name := r.Info().Division
	if name == "" {
		return
	}
	d, ok := m.divisions[name]
	if !ok {
		d = agent.NewDivision(name, name)
		m.divisions[name] = d
	}
	d.AddAgent(r)
}

// ListAgents returns a snapshot of all agent infos.
func (m *Manager) ListAgents() []agent.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]agent.Info, 0, len(m.agents))
	for _, r := range m.agents {
		infos = append(infos, r.Info())
	}
	return infos
}

// GetAgent returns the agent info for the given ID.
func (m *Manager) GetAgent(id string) (*agent.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	info := r.Info()
	return &info, true
}

// CreateAgent registers a new agent runtime from the given config. The
// shared bus, store, and executor are filled in when not provided.
func (m *Manager) CreateAgent(cfg agent.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if _, exists := m.agents[cfg.ID]; exists {
		return fmt.Errorf("agent %s already exists", cfg.ID)
	}
	if cfg.Bus == nil {
		cfg.Bus = m.bus
	}
	if cfg.Tasks == nil {
		cfg.Tasks = m.store
	}
	if cfg.Executor == nil {
		cfg.Executor = m.executor
	}
	r := agent.NewRuntime(cfg, m.logger)
	m.agents[cfg.ID] = r
	m.enroll(r)
	return nil
}

// StartAgent launches the agent's processing loop.
func (m *Manager) StartAgent(id string) error {
	m.mu.RLock()
	r, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	if err := r.Start(context.Background()); err != nil {
		return err
	}
	m.logger.Info("agent started", slog.String("id", id))
	return nil
}

// StopAgent signals the agent to stop.
func (m *Manager) StopAgent(id string) error {
	m.mu.RLock()
	r, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	if err := r.Stop(context.Background()); err != nil {
		return err
	}
	m.logger.Info("agent stopped", slog.String("id", id))
	return nil
}

// StartAll launches every registered agent.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, r := range m.agents {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start agent %s: %w", id, err)
		}
	}
	return nil
}

// StopAll shuts down every registered agent.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.agents {
		_ = r.Stop(ctx)
	}
}

// ListDivisions returns the divisions and their members.
func (m *Manager) ListDivisions() []DivisionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]DivisionInfo, 0, len(m.divisions))
	for _, d := range m.divisions {
		result = append(result, DivisionInfo{ID: d.ID, Name: d.Name, Members: d.Infos()})
	}
	return result
}

// StartDivision launches every member of a division.
func (m *Manager) StartDivision(id string) error {
	m.mu.RLock()
	d, ok := m.divisions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("division %s not found", id)
	}
	if err := d.Start(context.Background()); err != nil {
		return err
	}
	m.logger.Info("division started", slog.String("id", id))
	return nil
}

// StopDivision shuts down every member of a division.
func (m *Manager) StopDivision(id string) error {
	m.mu.RLock()
	d, ok := m.divisions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("division %s not found", id)
	}
	if err := d.Stop(context.Background()); err != nil {
		return err
	}
	m.logger.Info("division stopped", slog.String("id", id))
	return nil
}
