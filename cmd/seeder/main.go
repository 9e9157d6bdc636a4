package main

import (
	"context"
	"flag"

	"github.com/shopspring/decimal"

	"agentfleet/internal/adapters/config"
	"agentfleet/internal/adapters/postgres"
	pgrepo "agentfleet/internal/repository/postgres"
	devseeds "agentfleet/internal/seeds/dev"
	stagingseeds "agentfleet/internal/seeds/staging"
	testseeds "agentfleet/internal/seeds/test"
	pfsvc "agentfleet/internal/services/portfolio"
	"agentfleet/internal/services/roster"
	"agentfleet/pkg/logger"
)

func main() {
	env := flag.String("env", "dev", "Roster to provision: dev, staging, test")
	dryRun := flag.Bool("dry-run", false, "List the roster without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()

	specs := rosterFor(*env)
	if len(specs) == 0 {
		log.Warnw("no roster for environment", "environment", *env)
		return
	}
	log.Infow("starting seeder", "environment", *env, "agents", len(specs), "dry_run", *dryRun)

	if *dryRun {
		for _, s := range specs {
			log.Infow("roster entry", "name", s.Name, "engine", s.Engine, "model", s.Model, "archetype", s.Archetype)
		}
		return
	}

	ctx := context.Background()
	pg, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pg.Close()

	db := pg.DB()
	// Provisioning opens empty portfolios only, so the budget is never consulted.
	pm := pfsvc.NewManager(pgrepo.NewPortfolioRepository(db), pfsvc.NewPositionBudget(cfg.Fleet.OpenPositionBudget), pfsvc.Config{})
	p := roster.NewProvisioner(
		pgrepo.NewAgentRepository(db),
		pgrepo.NewPromptRepository(db),
		pm,
		decimal.NewFromFloat(cfg.Fleet.InitialCash),
	)

	created, err := p.ProvisionAll(ctx, specs)
	if err != nil {
		log.Fatalf("seeding stopped after %d agents: %v", created, err)
	}
	log.Infow("roster provisioned", "created", created, "skipped", len(specs)-created)
}

func rosterFor(env string) []roster.Spec {
	switch env {
	case "dev":
		return devseeds.Agents()
	case "staging":
		return stagingseeds.Agents()
	case "test":
		return testseeds.Agents()
	default:
		return nil
	}
}
