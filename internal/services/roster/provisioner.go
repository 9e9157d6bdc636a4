package roster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/domain/prompt"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// Spec describes an agent to add to the fleet
type Spec struct {
	Name         string
	Archetype    string
	Engine       agent.EngineKind
	Model        string
	MaxPositions int
	Cash         decimal.Decimal // zero means the configured default
	Prompt       string
	Parameters   json.RawMessage
}

// PortfolioInitializer opens the starting portfolio
type PortfolioInitializer interface {
	Initialize(ctx context.Context, agentID uuid.UUID, cash decimal.Decimal) (*portfolio.Portfolio, error)
}

// Provisioner creates agents with their seed prompt and starting portfolio.
// An agent is stored paused and only activated once everything else exists,
// so a half-provisioned agent is never picked up by a cycle.
type Provisioner struct {
	agents      agent.Repository
	prompts     prompt.Repository
	portfolios  PortfolioInitializer
	defaultCash decimal.Decimal
	now         func() time.Time
	log         *logger.Logger
}

func NewProvisioner(agents agent.Repository, prompts prompt.Repository, portfolios PortfolioInitializer, defaultCash decimal.Decimal) *Provisioner {
	return &Provisioner{
		agents:      agents,
		prompts:     prompts,
		portfolios:  portfolios,
		defaultCash: defaultCash,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.Get().With("component", "roster"),
	}
}

// Provision creates one agent. created is false when an agent with the same name already exists.
func (p *Provisioner) Provision(ctx context.Context, spec Spec) (a *agent.Agent, created bool, err error) {
	existing, err := p.byName(ctx)
	if err != nil {
		return nil, false, err
	}
	if a, ok := existing[spec.Name]; ok {
		return a, false, nil
	}

	a, err = p.create(ctx, spec)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// ProvisionAll creates every spec that is not already in the fleet and returns how many were created
func (p *Provisioner) ProvisionAll(ctx context.Context, specs []Spec) (int, error) {
	existing, err := p.byName(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, spec := range specs {
		if _, ok := existing[spec.Name]; ok {
			p.log.Debugw("agent already provisioned", "name", spec.Name)
			continue
		}
		a, err := p.create(ctx, spec)
		if err != nil {
			return created, errors.Wrapf(err, "provision %s", spec.Name)
		}
		existing[a.Name] = a
		created++
	}
	return created, nil
}

func (p *Provisioner) byName(ctx context.Context) (map[string]*agent.Agent, error) {
	all, err := p.agents.List(ctx)
	if err != nil {
		return nil, errors.Storage(err, "list agents")
	}
	out := make(map[string]*agent.Agent, len(all))
	for _, a := range all {
		out[a.Name] = a
	}
	return out, nil
}

func (p *Provisioner) create(ctx context.Context, spec Spec) (*agent.Agent, error) {
	cash := spec.Cash
	if cash.IsZero() {
		cash = p.defaultCash
	}
	if !cash.IsPositive() {
		return nil, errors.NewValidationError("cash", "must be positive", cash.String())
	}
	if spec.Prompt == "" {
		return nil, errors.NewValidationError("prompt", "required", spec.Prompt)
	}
	if len(spec.Parameters) > 0 && !json.Valid(spec.Parameters) {
		return nil, errors.NewValidationError("parameters", "must be valid JSON", string(spec.Parameters))
	}

	now := p.now()
	a := &agent.Agent{
		ID:           uuid.New(),
		PublicID:     uuid.NewString(),
		Name:         spec.Name,
		Archetype:    spec.Archetype,
		Engine:       spec.Engine,
		Model:        spec.Model,
		Status:       agent.StatusPaused,
		MaxPositions: spec.MaxPositions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := p.agents.Create(ctx, a); err != nil {
		return nil, errors.Storage(err, "create agent")
	}

	seed := &prompt.Prompt{
		AgentID:    a.ID,
		Content:    spec.Prompt,
		Parameters: spec.Parameters,
		Origin:     prompt.OriginSeed,
		CreatedAt:  now,
	}
	act := &prompt.Activation{
		AgentID:   a.ID,
		Kind:      prompt.ActivationSeed,
		Reason:    "seed",
		CreatedAt: now,
	}
	if err := p.prompts.AppendAndActivate(ctx, seed, act); err != nil {
		return nil, errors.Storage(err, "store seed prompt")
	}

	if _, err := p.portfolios.Initialize(ctx, a.ID, cash); err != nil {
		return nil, err
	}

	if err := p.agents.SetStatus(ctx, a.ID, agent.StatusActive, now); err != nil {
		return nil, errors.Storage(err, "activate agent")
	}
	a.Status = agent.StatusActive

	p.log.Infow("agent provisioned",
		"agent_id", a.ID,
		"name", a.Name,
		"engine", a.Engine,
		"cash", cash.StringFixed(2),
	)
	return a, nil
}
