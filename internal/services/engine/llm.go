package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

var actionSchema = &ai.Schema{
	Type: "object",
	Properties: map[string]*ai.Schema{
		"action": {
			Type: "string",
			Enum: []string{
				string(decision.ActionOpenLong), string(decision.ActionOpenShort),
				string(decision.ActionClose), string(decision.ActionHold),
			},
		},
		"symbol":      {Type: "string", Description: "ranked or held symbol, empty for hold"},
		"size":        {Type: "number", Description: "units to open; ignored for close and hold"},
		"stop_loss":   {Type: "number", Nullable: true},
		"take_profit": {Type: "number", Nullable: true},
		"confidence":  {Type: "number", Description: "0 to 1"},
		"reasoning":   {Type: "string"},
	},
	Required: []string{"action", "symbol", "size", "stop_loss", "take_profit", "confidence", "reasoning"},
}

var evolutionSchema = &ai.Schema{
	Type: "object",
	Properties: map[string]*ai.Schema{
		"prompt":    {Type: "string", Description: "the complete rewritten strategy"},
		"rationale": {Type: "string"},
	},
	Required: []string{"prompt", "rationale"},
}

const decisionInstructions = `You manage a simulated trading portfolio. Each turn you receive the market ranking,
your portfolio, your recent performance and memories as JSON. Answer with exactly one action.
Rules: no leverage, at most one position per symbol, stop_loss below entry and take_profit above
entry for longs (the reverse for shorts). Symbols listed in closed_this_cycle must not be traded.
Use hold when nothing qualifies.`

const evolutionInstructions = `You improve trading strategies. Given the current strategy text, its recent
performance, memories and fleet lessons, write the complete next version of the strategy and
explain the change in one or two sentences. Keep what works, change what the numbers say fails.`

// LLMConfig holds model defaults
type LLMConfig struct {
	DefaultModel    string
	Temperature     float64
	MaxOutputTokens int64
}

// LLMEngine asks a language model for the action
type LLMEngine struct {
	client ai.ChatClient
	cfg    LLMConfig
	log    *logger.Logger
}

var _ Engine = (*LLMEngine)(nil)

func NewLLMEngine(client ai.ChatClient, cfg LLMConfig) *LLMEngine {
	return &LLMEngine{client: client, cfg: cfg, log: logger.Get().With("component", "llm_engine")}
}

func (e *LLMEngine) Kind() agent.EngineKind { return agent.EngineLLM }

type llmAction struct {
	Action     string   `json:"action"`
	Symbol     string   `json:"symbol"`
	Size       float64  `json:"size"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

func (e *LLMEngine) model(a *agent.Agent) string {
	if a != nil && a.Model != "" {
		return a.Model
	}
	return e.cfg.DefaultModel
}

// Decide sends the rendered context and parses the structured answer
func (e *LLMEngine) Decide(ctx context.Context, c *contextbuilder.Context) (*Response, error) {
	user, err := c.Render()
	if err != nil {
		return nil, err
	}

	var system strings.Builder
	system.WriteString(decisionInstructions)
	if c.Prompt != nil && c.Prompt.Content != "" {
		system.WriteString("\n\nYour strategy:\n")
		system.WriteString(c.Prompt.Content)
	}

	resp, err := e.client.Complete(ctx, ai.CompletionRequest{
		Model:           e.model(c.Agent),
		System:          system.String(),
		User:            user,
		Schema:          actionSchema,
		SchemaName:      "trade_action",
		Temperature:     e.cfg.Temperature,
		MaxOutputTokens: e.cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	out := &Response{Model: resp.Model, Provider: resp.Provider, Usage: resp.Usage}
	action, err := parseAction(resp.Content)
	if err != nil {
		// the tokens were spent either way
		return out, err
	}
	out.Action = action
	return out, nil
}

func parseAction(content string) (decision.TradeAction, error) {
	var raw llmAction
	if err := json.Unmarshal([]byte(stripFence(content)), &raw); err != nil {
		return decision.TradeAction{}, errors.Wrapf(errors.ErrEngineError, "unparseable action: %v", err)
	}

	kind := decision.ActionKind(strings.ToLower(strings.TrimSpace(raw.Action)))
	if !kind.Valid() {
		return decision.TradeAction{}, errors.Wrapf(errors.ErrEngineError, "unknown action %q", raw.Action)
	}

	a := decision.TradeAction{
		Kind:       kind,
		Symbol:     strings.ToUpper(strings.TrimSpace(raw.Symbol)),
		Size:       decimal.NewFromFloat(raw.Size),
		Confidence: raw.Confidence,
		Reasoning:  raw.Reasoning,
	}
	// levels go to the validation gate as sent
	if raw.StopLoss != nil {
		a.StopLoss = decimal.NewNullDecimal(decimal.NewFromFloat(*raw.StopLoss))
	}
	if raw.TakeProfit != nil {
		a.TakeProfit = decimal.NewNullDecimal(decimal.NewFromFloat(*raw.TakeProfit))
	}
	if kind == decision.ActionHold {
		a.Symbol = ""
		a.Size = decimal.Zero
	}
	return a, nil
}

// stripFence removes a markdown code fence some models wrap JSON in
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Evolve asks the model for the next version of the strategy text
func (e *LLMEngine) Evolve(ctx context.Context, req EvolutionRequest) (*EvolutionProposal, error) {
	if req.Current == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "no current strategy to evolve")
	}

	payload := map[string]any{
		"current_strategy": req.Current.Content,
		"version":          req.Current.Version,
		"performance":      req.Stats,
		"window_return":    req.WindowReturn.StringFixed(4),
		"reason":           req.Reason,
	}
	notes := make([]string, 0, len(req.Memories))
	for _, m := range req.Memories {
		notes = append(notes, m.Content)
	}
	payload["memories"] = notes
	lessons := make([]string, 0, len(req.Lessons))
	for _, l := range req.Lessons {
		lessons = append(lessons, fmt.Sprintf("[%s] %s", l.Category, l.Content))
	}
	payload["fleet_lessons"] = lessons

	user, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal evolution request")
	}

	resp, err := e.client.Complete(ctx, ai.CompletionRequest{
		Model:           e.model(req.Agent),
		System:          evolutionInstructions,
		User:            string(user),
		Schema:          evolutionSchema,
		SchemaName:      "strategy_revision",
		Temperature:     e.cfg.Temperature,
		MaxOutputTokens: e.cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	out := &EvolutionProposal{Model: resp.Model, Provider: resp.Provider, Usage: resp.Usage, Parameters: req.Current.Parameters}
	var raw struct {
		Prompt    string `json:"prompt"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(stripFence(resp.Content)), &raw); err != nil {
		return out, errors.Wrapf(errors.ErrEngineError, "unparseable strategy revision: %v", err)
	}
	if strings.TrimSpace(raw.Prompt) == "" {
		return out, errors.Wrap(errors.ErrEngineError, "empty strategy revision")
	}
	out.Content = raw.Prompt
	out.Rationale = raw.Rationale

	e.log.Infow("strategy revision proposed", "agent_id", req.Current.AgentID, "from_version", req.Current.Version, "model", resp.Model)
	return out, nil
}
