package staging

import (
	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/services/roster"
)

// Agents is the staging fleet. Only llm agents, to exercise the provider path end to end.
func Agents() []roster.Spec {
	return []roster.Spec{
		{
			Name:      "staging-gpt",
			Archetype: "momentum",
			Engine:    agent.EngineLLM,
			Model:     ai.ModelGPT4oMini,
			Prompt:    "Trade the strongest ranked symbol with a 5% stop.",
		},
		{
			Name:      "staging-gemini",
			Archetype: "momentum",
			Engine:    agent.EngineLLM,
			Model:     ai.ModelGeminiFlash,
			Prompt:    "Trade the strongest ranked symbol with a 5% stop.",
		},
	}
}
