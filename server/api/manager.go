// Package api defines the REST API handlers and interfaces for the
// Pinion server.
package api

import (
	"github.com/GoCodeAlone/pinion/agent"
)

// AgentManager is the interface the API uses to control agent workers.
// Implemented by the main application.
type AgentManager interface {
	ListAgents() []agent.Info
	GetAgent(id string) (*agent.Info, bool)
	CreateAgent(cfg agent.Config) error
	StartAgent(id string) error
	StopAgent(id string) error
	ListDivisions() []DivisionInfo
	StartDivision(id string) error
	StopDivision(id string) error
}

// DivisionInfo describes a group of agents sharing a responsibility area.
type DivisionInfo struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Members []agent.Info `json:"members"`
}
