package test

import (
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/services/roster"
)

// Agents is a single deterministic rule agent for integration runs
func Agents() []roster.Spec {
	return []roster.Spec{{
		Name:      "test-rule",
		Archetype: "momentum",
		Engine:    agent.EngineRule,
		Prompt:    "default rule parameters",
	}}
}
