package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentfleet_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"worker"},
	)

	// Cycle metrics
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_cycles_total",
			Help: "Agent cycles by outcome",
		},
		[]string{"engine", "outcome"}, // outcome: executed|held|rejected|failed|skipped|error
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentfleet_cycle_duration_seconds",
			Help:    "Duration of one agent cycle",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"engine"},
	)

	// Engine metrics
	EngineCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_engine_calls_total",
			Help: "Decision engine calls",
		},
		[]string{"engine", "model", "purpose", "status"}, // status: success|timeout|error
	)

	EngineLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentfleet_engine_latency_seconds",
			Help:    "Decision engine latency including retries",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"engine", "model"},
	)

	EngineTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_engine_tokens_total",
			Help: "Tokens consumed by decision engines",
		},
		[]string{"model", "type"}, // type: input|output
	)

	EngineCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_engine_cost_usd_total",
			Help: "Estimated engine cost in USD",
		},
		[]string{"model"},
	)

	ValidationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_validation_rejections_total",
			Help: "Actions rejected by the safety gate",
		},
		[]string{"code"},
	)

	// Portfolio metrics
	FleetOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentfleet_fleet_open_positions",
			Help: "Open positions held against the fleet budget",
		},
	)

	AgentEquity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentfleet_agent_equity",
			Help: "Last marked equity per agent",
		},
		[]string{"agent"},
	)

	ProtectiveExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_protective_exits_total",
			Help: "Positions closed by stop-loss or take-profit",
		},
		[]string{"reason"},
	)

	// Evolution metrics
	EvolutionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_evolution_events_total",
			Help: "Prompt evolution outcomes",
		},
		[]string{"kind"}, // kind: evolved|reverted|failed
	)

	AgentsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_agents_discarded_total",
			Help: "Agents discarded by the pruning policy",
		},
		[]string{"reason"},
	)

	// Notification metrics
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfleet_notifications_total",
			Help: "Notification events by kind and delivery status",
		},
		[]string{"kind", "status"}, // status: sent|failed
	)
)

var registerOnce sync.Once

// Init registers all metrics with Prometheus. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			WorkerExecutions,
			WorkerDuration,
			Cycles,
			CycleDuration,
			EngineCalls,
			EngineLatency,
			EngineTokens,
			EngineCost,
			ValidationRejections,
			FleetOpenPositions,
			AgentEquity,
			ProtectiveExits,
			EvolutionEvents,
			AgentsDiscarded,
			Notifications,
		)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	WorkerExecutions.WithLabelValues(worker, status).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordCycle records the outcome of one agent cycle
func RecordCycle(engine, outcome string, duration time.Duration) {
	Cycles.WithLabelValues(engine, outcome).Inc()
	CycleDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordEngineCall records one engine call including its token accounting
func RecordEngineCall(engine, model, purpose, status string, latency time.Duration, inputTokens, outputTokens int64, cost float64) {
	EngineCalls.WithLabelValues(engine, model, purpose, status).Inc()
	EngineLatency.WithLabelValues(engine, model).Observe(latency.Seconds())

	if inputTokens > 0 {
		EngineTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		EngineTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
	if cost > 0 {
		EngineCost.WithLabelValues(model).Add(cost)
	}
}

// RecordNotification records a delivery attempt
func RecordNotification(kind string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	Notifications.WithLabelValues(kind, status).Inc()
}
