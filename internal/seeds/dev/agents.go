package dev

import (
	"encoding/json"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/services/roster"
)

// Agents is the development fleet: two rule agents with different temperaments and two llm agents
func Agents() []roster.Spec {
	return []roster.Spec{
		{
			Name:       "steady-momentum",
			Archetype:  "momentum",
			Engine:     agent.EngineRule,
			Prompt:     "Buy the top ranked symbols once their score is strong. Exit when momentum fades.",
			Parameters: json.RawMessage(`{"entry_score":0.75,"exit_score":0.25,"risk_fraction":0.08,"stop_pct":0.04,"take_profit_pct":0.12}`),
		},
		{
			Name:       "fast-reversal",
			Archetype:  "mean_reversion",
			Engine:     agent.EngineRule,
			Prompt:     "Short stretched losers and take quick profits.",
			Parameters: json.RawMessage(`{"entry_score":0.6,"exit_score":0.1,"risk_fraction":0.05,"stop_pct":0.03,"take_profit_pct":0.05,"allow_shorts":true}`),
		},
		{
			Name:      "gpt-swing",
			Archetype: "momentum",
			Engine:    agent.EngineLLM,
			Model:     ai.ModelGPT4oMini,
			Prompt: `You are a swing trader. Favor symbols ranked in the top five with rising scores.
Risk at most 10% of cash per position. Always set a stop loss.`,
		},
		{
			Name:      "gemini-contrarian",
			Archetype: "mean_reversion",
			Engine:    agent.EngineLLM,
			Model:     ai.ModelGeminiFlash,
			Prompt: `You fade extremes. Open against symbols whose score moved too far too fast.
Keep positions small and close them once the ranking normalises.`,
		},
	}
}
