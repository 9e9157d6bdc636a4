package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/tokenusage"
	"agentfleet/internal/metrics"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/internal/services/engine"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
	"agentfleet/pkg/retry"
)

// Config is the engine call budget
type Config struct {
	MaxAttempts          int
	Timeout              time.Duration // per attempt
	MinBackoff           time.Duration
	MaxBackoff           time.Duration
	OnePositionPerSymbol bool
}

// Result is the cost-accounted outcome of one decision call
type Result struct {
	Proposed   decision.TradeAction // what the engine answered, price filled
	Action     decision.TradeAction // what may be applied; hold when rejected
	Validation decision.ValidationResult
	Engine     agent.EngineKind
	Model      string
	Provider   ai.ProviderName
	Attempts   int
	Usage      ai.Usage
	Cost       decimal.Decimal
	Latency    time.Duration
}

// Rejected reports whether the engine's action degraded to hold
func (r *Result) Rejected() bool {
	return !r.Validation.Valid
}

// EvolveResult is an accounted strategy proposal
type EvolveResult struct {
	Proposal *engine.EvolutionProposal
	Attempts int
	Cost     decimal.Decimal
	Latency  time.Duration
}

// Executor runs decision engines under the fleet rate budget with bounded retries
type Executor struct {
	engines engine.Set
	limiter ai.RateLimiter
	rates   ai.RateTable
	usage   tokenusage.Recorder
	cfg     Config
	log     *logger.Logger
}

// New creates an executor. usage may be nil.
func New(engines engine.Set, limiter ai.RateLimiter, rates ai.RateTable, usage tokenusage.Recorder, cfg Config) *Executor {
	if limiter == nil {
		limiter = ai.Unlimited{}
	}
	return &Executor{
		engines: engines,
		limiter: limiter,
		rates:   rates,
		usage:   usage,
		cfg:     cfg,
		log:     logger.Get().With("component", "executor"),
	}
}

func (e *Executor) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: e.cfg.MaxAttempts,
		Timeout:     e.cfg.Timeout,
		MinDelay:    e.cfg.MinBackoff,
		MaxDelay:    e.cfg.MaxBackoff,
		Factor:      2,
		Jitter:      true,
		Retryable: func(err error) bool {
			return !errors.Is(err, errors.ErrInvalidInput)
		},
	}
}

// Execute asks the agent's engine for an action and runs it through validation.
// On engine failure the returned error wraps ErrEngineTimeout or ErrEngineError and the result
// still carries attempts and spent tokens.
func (e *Executor) Execute(ctx context.Context, c *contextbuilder.Context) (*Result, error) {
	res := &Result{Engine: c.Agent.Engine, Cost: decimal.Zero}

	eng, err := e.engines.For(c.Agent.Engine)
	if err != nil {
		return res, errors.Wrap(errors.ErrEngineError, err.Error())
	}

	var resp *engine.Response
	started := time.Now()
	rr, err := retry.Do(ctx, e.retryConfig(), func(ctx context.Context, attempt int) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := eng.Decide(ctx, c)
		if r != nil {
			res.Usage.InputTokens += r.Usage.InputTokens
			res.Usage.OutputTokens += r.Usage.OutputTokens
			res.Model, res.Provider = r.Model, r.Provider
		}
		if err != nil {
			e.log.Warnw("engine attempt failed",
				"agent_id", c.Agent.ID,
				"cycle_id", c.CycleID,
				"engine", c.Agent.Engine,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		resp = r
		return nil
	})
	res.Attempts = rr.Attempts
	res.Latency = time.Since(started)
	if res.Model == "" {
		res.Model = c.Agent.Model
	}
	res.Cost = e.EstimateCost(res.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
	e.account(ctx, c.Agent, c.CycleID, tokenusage.PurposeDecision, res.Model, res.Provider, res.Usage, res.Cost, res.Attempts, res.Latency, err)

	if err != nil {
		return res, classify(err, res.Attempts)
	}

	proposed := resp.Action
	if proposed.Kind != decision.ActionHold && proposed.Symbol != "" {
		if price, ok := c.Snapshot.Price(proposed.Symbol); ok {
			proposed.Price = price
		} else {
			proposed.Price = decimal.Zero
		}
	}
	res.Proposed = proposed
	res.Validation = Validate(c, proposed, e.cfg.OnePositionPerSymbol)

	if res.Validation.Valid {
		res.Action = proposed
		return res, nil
	}

	metrics.ValidationRejections.WithLabelValues(res.Validation.Code).Inc()
	e.log.Infow("action rejected, holding",
		"agent_id", c.Agent.ID,
		"cycle_id", c.CycleID,
		"action", proposed.Kind,
		"symbol", proposed.Symbol,
		"code", res.Validation.Code,
		"reason", res.Validation.Reason,
	)
	res.Action = decision.Hold("rejected: " + res.Validation.Reason)
	res.Action.Confidence = proposed.Confidence
	return res, nil
}

// Evolve asks the agent's engine for a new strategy version under the same budget as decisions
func (e *Executor) Evolve(ctx context.Context, a *agent.Agent, req engine.EvolutionRequest) (*EvolveResult, error) {
	res := &EvolveResult{Cost: decimal.Zero}
	eng, err := e.engines.For(a.Engine)
	if err != nil {
		return res, errors.Wrap(errors.ErrEngineError, err.Error())
	}

	var (
		usage    ai.Usage
		model    = a.Model
		provider ai.ProviderName
	)
	started := time.Now()
	rr, err := retry.Do(ctx, e.retryConfig(), func(ctx context.Context, _ int) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		p, err := eng.Evolve(ctx, req)
		if p != nil {
			usage.InputTokens += p.Usage.InputTokens
			usage.OutputTokens += p.Usage.OutputTokens
			model, provider = p.Model, p.Provider
		}
		if err != nil {
			return err
		}
		res.Proposal = p
		return nil
	})
	res.Attempts = rr.Attempts
	res.Latency = time.Since(started)
	res.Cost = e.EstimateCost(model, usage.InputTokens, usage.OutputTokens)
	e.account(ctx, a, uuid.Nil, tokenusage.PurposeEvolution, model, provider, usage, res.Cost, res.Attempts, res.Latency, err)

	if err != nil {
		return res, classify(err, res.Attempts)
	}
	return res, nil
}

// EstimateCost prices token counts with the rate table. Unknown models cost zero.
func (e *Executor) EstimateCost(model string, inputTokens, outputTokens int64) decimal.Decimal {
	if e.rates == nil || inputTokens+outputTokens == 0 {
		return decimal.Zero
	}
	cost, ok := e.rates.Estimate(model, inputTokens, outputTokens)
	if !ok {
		e.log.Debugw("no rate for model, cost recorded as zero", "model", model)
	}
	return cost
}

// account records metrics and the usage row. Neither may fail the cycle.
func (e *Executor) account(
	ctx context.Context,
	a *agent.Agent,
	cycleID uuid.UUID,
	purpose, model string,
	provider ai.ProviderName,
	usage ai.Usage,
	cost decimal.Decimal,
	attempts int,
	latency time.Duration,
	callErr error,
) {
	status := "success"
	if callErr != nil {
		status = errors.Kind(classify(callErr, attempts))
	}
	costF := cost.InexactFloat64()
	metrics.RecordEngineCall(string(a.Engine), model, purpose, status, latency, usage.InputTokens, usage.OutputTokens, costF)

	if e.usage == nil || a.Engine == agent.EngineRule {
		return
	}
	row := &tokenusage.Usage{
		EventID:      uuid.New(),
		AgentID:      a.ID,
		CycleID:      cycleID,
		Purpose:      purpose,
		Engine:       string(a.Engine),
		Provider:     string(provider),
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      costF,
		Attempts:     int64(attempts),
		LatencyMs:    latency.Milliseconds(),
		Success:      callErr == nil,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.usage.Record(ctx, row); err != nil {
		e.log.Warnw("token usage not recorded", "agent_id", a.ID, "purpose", purpose, "error", err)
	}
}

// classify maps an exhausted retry loop to the engine failure taxonomy
func classify(err error, attempts int) error {
	if errors.Is(err, errors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrEngineTimeout) {
		return errors.Wrapf(errors.ErrEngineTimeout, "after %d attempts: %v", attempts, err)
	}
	return errors.Wrapf(errors.ErrEngineError, "after %d attempts: %v", attempts, err)
}
