package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/pkg/errors"
)

// RuleParams are the knobs of the rule engine, stored as the prompt's parameters
type RuleParams struct {
	EntryScore    float64 `json:"entry_score"`     // open when the ranking score reaches this
	ExitScore     float64 `json:"exit_score"`      // close a long once its score drops below this
	RiskFraction  float64 `json:"risk_fraction"`   // share of cash committed per position
	StopPct       float64 `json:"stop_pct"`        // stop distance from entry
	TakeProfitPct float64 `json:"take_profit_pct"` // target distance from entry
	AllowShorts   bool    `json:"allow_shorts"`
}

// DefaultRuleParams is the seed strategy of a rule agent
func DefaultRuleParams() RuleParams {
	return RuleParams{
		EntryScore:    0.7,
		ExitScore:     0.2,
		RiskFraction:  0.1,
		StopPct:       0.05,
		TakeProfitPct: 0.1,
	}
}

// ParseRuleParams overlays raw JSON on the defaults
func ParseRuleParams(raw json.RawMessage) (RuleParams, error) {
	p := DefaultRuleParams()
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrapf(errors.ErrInvalidInput, "rule parameters: %v", err)
	}
	return p, nil
}

func (p RuleParams) clamp() RuleParams {
	p.EntryScore = clampf(p.EntryScore, 0.05, 0.99)
	p.ExitScore = clampf(p.ExitScore, -0.99, p.EntryScore)
	p.RiskFraction = clampf(p.RiskFraction, 0.01, 0.5)
	p.StopPct = clampf(p.StopPct, 0.005, 0.5)
	p.TakeProfitPct = clampf(p.TakeProfitPct, 0.005, 2)
	return p
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// RuleEngine is a deterministic evaluator of the ranking. It never calls out of process.
type RuleEngine struct{}

var _ Engine = (*RuleEngine)(nil)

func NewRuleEngine() *RuleEngine { return &RuleEngine{} }

func (e *RuleEngine) Kind() agent.EngineKind { return agent.EngineRule }

// Decide closes the weakest held position that lost its edge, otherwise opens the best new candidate
func (e *RuleEngine) Decide(_ context.Context, c *contextbuilder.Context) (*Response, error) {
	if c.Prompt == nil || c.Portfolio == nil || c.Snapshot == nil {
		return nil, errors.Wrap(errors.ErrEngineError, "incomplete context")
	}
	params, err := ParseRuleParams(c.Prompt.Parameters)
	if err != nil {
		return nil, errors.Wrap(errors.ErrEngineError, err.Error())
	}
	params = params.clamp()
	resp := &Response{Model: "rule", Provider: ai.ProviderNameLocal}

	if action, ok := e.exit(c, params); ok {
		resp.Action = action
		return resp, nil
	}
	if action, ok := e.entry(c, params); ok {
		resp.Action = action
		return resp, nil
	}
	resp.Action = decision.Hold(fmt.Sprintf("no symbol scores at or beyond %.2f", params.EntryScore))
	return resp, nil
}

func (e *RuleEngine) exit(c *contextbuilder.Context, p RuleParams) (decision.TradeAction, bool) {
	for _, pos := range c.Portfolio.Positions {
		rank, ranked := c.Snapshot.Rank(pos.Symbol)
		var reason string
		switch {
		case !ranked:
			reason = "dropped out of the ranking"
		case pos.Direction == portfolio.Long && rank.Score < p.ExitScore:
			reason = fmt.Sprintf("score %.2f below exit %.2f", rank.Score, p.ExitScore)
		case pos.Direction == portfolio.Short && rank.Score > -p.ExitScore:
			reason = fmt.Sprintf("score %.2f above short exit %.2f", rank.Score, -p.ExitScore)
		default:
			continue
		}
		return decision.TradeAction{
			Kind:       decision.ActionClose,
			Symbol:     pos.Symbol,
			Size:       pos.Size,
			Confidence: 1,
			Reasoning:  fmt.Sprintf("close %s: %s", pos.Symbol, reason),
		}, true
	}
	return decision.TradeAction{}, false
}

func (e *RuleEngine) entry(c *contextbuilder.Context, p RuleParams) (decision.TradeAction, bool) {
	if c.Agent != nil && c.Portfolio.OpenCount() >= c.Agent.PositionCeiling() {
		return decision.TradeAction{}, false
	}

	eligible := func(r market.SymbolRank) bool {
		_, held := c.Portfolio.Holds(r.Symbol)
		return !held && !c.IsProtected(r.Symbol)
	}

	for _, r := range c.Ranks {
		if r.Score >= p.EntryScore && eligible(r) {
			if a, ok := e.open(c, p, r, decision.ActionOpenLong); ok {
				return a, true
			}
		}
	}
	if p.AllowShorts {
		ranks := c.Snapshot.Top(0)
		for i := len(ranks) - 1; i >= 0; i-- {
			r := ranks[i]
			if r.Score <= -p.EntryScore && eligible(r) {
				if a, ok := e.open(c, p, r, decision.ActionOpenShort); ok {
					return a, true
				}
			}
		}
	}
	return decision.TradeAction{}, false
}

func (e *RuleEngine) open(c *contextbuilder.Context, p RuleParams, r market.SymbolRank, kind decision.ActionKind) (decision.TradeAction, bool) {
	price, ok := c.Snapshot.Price(r.Symbol)
	if !ok {
		return decision.TradeAction{}, false
	}
	budget := c.Portfolio.Cash.Mul(decimal.NewFromFloat(p.RiskFraction))
	size := budget.Div(price).RoundDown(4)
	if !size.IsPositive() {
		return decision.TradeAction{}, false
	}

	one := decimal.NewFromInt(1)
	stop := decimal.NewFromFloat(p.StopPct)
	target := decimal.NewFromFloat(p.TakeProfitPct)
	sl, tp := price.Mul(one.Sub(stop)), price.Mul(one.Add(target))
	if kind == decision.ActionOpenShort {
		sl, tp = price.Mul(one.Add(stop)), price.Mul(one.Sub(target))
	}

	return decision.TradeAction{
		Kind:       kind,
		Symbol:     r.Symbol,
		Size:       size,
		Price:      price,
		StopLoss:   decimal.NewNullDecimal(sl.Round(8)),
		TakeProfit: decimal.NewNullDecimal(tp.Round(8)),
		Confidence: math.Min(1, math.Abs(r.Score)),
		Reasoning:  fmt.Sprintf("%s scores %.2f (entry %.2f)", r.Symbol, r.Score, p.EntryScore),
	}, true
}

// Evolve nudges the parameters: losing strategies get pickier and tighter, winners take more risk
func (e *RuleEngine) Evolve(_ context.Context, req EvolutionRequest) (*EvolutionProposal, error) {
	if req.Current == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "no current strategy to evolve")
	}
	params, err := ParseRuleParams(req.Current.Parameters)
	if err != nil {
		return nil, err
	}

	var rationale string
	switch {
	case req.Stats.TradeCount > 0 && req.Stats.WinRate < 0.5:
		params.EntryScore += 0.05
		params.StopPct *= 0.8
		rationale = fmt.Sprintf("win rate %.0f%%: raise entry score and tighten stops", req.Stats.WinRate*100)
	case req.WindowReturn.IsPositive():
		params.RiskFraction *= 1.1
		params.TakeProfitPct *= 1.1
		rationale = fmt.Sprintf("window return %s%%: size up and let winners run", req.WindowReturn.Mul(decimal.NewFromInt(100)).StringFixed(1))
	default:
		params.ExitScore += 0.05
		rationale = "flat window: exit weakening positions earlier"
	}
	params = params.clamp()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "marshal rule parameters")
	}
	return &EvolutionProposal{
		Content:    req.Current.Content,
		Parameters: raw,
		Rationale:  rationale,
		Model:      "rule",
		Provider:   ai.ProviderNameLocal,
	}, nil
}
