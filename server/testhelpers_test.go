package server

import (
	"github.com/GoCodeAlone/pinion/agent"
	"github.com/GoCodeAlone/pinion/server/api"
)

// noopAgentManager satisfies api.AgentManager for route tests.
type noopAgentManager struct{}

func (noopAgentManager) ListAgents() []agent.Info            { return nil }
func (noopAgentManager) GetAgent(string) (*agent.Info, bool) { return nil, false }
func (noopAgentManager) CreateAgent(agent.Config) error      { return nil }
func (noopAgentManager) StartAgent(string) error             { return nil }
func (noopAgentManager) StopAgent(string) error              { return nil }
func (noopAgentManager) ListDivisions() []api.DivisionInfo   { return nil }
func (noopAgentManager) StartDivision(string) error          { return nil }
func (noopAgentManager) StopDivision(string) error           { return nil }
