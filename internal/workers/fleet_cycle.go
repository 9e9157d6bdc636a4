package workers

import (
	"context"
	"time"

	"agentfleet/internal/domain/decision"
	"agentfleet/internal/services/orchestrator"
	"agentfleet/pkg/errors"
)

// FleetRunner runs one decision cycle for every active agent
type FleetRunner interface {
	RunFleet(ctx context.Context) (*orchestrator.FleetReport, error)
}

// FleetCycleWorker drives the fleet on a fixed cadence
type FleetCycleWorker struct {
	*BaseWorker
	fleet FleetRunner
}

var _ WorkerWithHealth = (*FleetCycleWorker)(nil)

func NewFleetCycleWorker(fleet FleetRunner, interval time.Duration, enabled bool) *FleetCycleWorker {
	return &FleetCycleWorker{
		BaseWorker: NewBaseWorker("fleet_cycle", interval, enabled),
		fleet:      fleet,
	}
}

// Run executes one fleet pass. Individual agent failures are logged, not returned.
func (w *FleetCycleWorker) Run(ctx context.Context) error {
	rep, err := w.fleet.RunFleet(ctx)
	if err != nil {
		return errors.Wrap(err, "run fleet")
	}

	for id, ferr := range rep.Failures {
		w.Log().Errorw("agent cycle failed", "agent_id", id, "error", ferr)
	}

	w.Log().Infow("fleet pass completed",
		"agents", rep.Agents,
		"executed", rep.Count(decision.OutcomeExecuted),
		"held", rep.Count(decision.OutcomeHeld),
		"rejected", rep.Count(decision.OutcomeRejected),
		"failed", rep.Count(decision.OutcomeFailed),
		"skipped", rep.Count(decision.OutcomeSkipped),
		"fatal", len(rep.Failures),
		"duration", rep.Duration,
	)
	return nil
}
