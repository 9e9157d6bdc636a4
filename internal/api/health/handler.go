package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/workers"
	"agentfleet/pkg/logger"
)

// Check probes one dependency
type Check func(ctx context.Context) error

func PostgresCheck(db *sqlx.DB) Check {
	return db.PingContext
}

func ClickHouseCheck(conn driver.Conn) Check {
	return conn.Ping
}

func RedisCheck(client *redis.Client) Check {
	return func(ctx context.Context) error { return client.Ping(ctx).Err() }
}

// AgentLister is the read side of the agent repository
type AgentLister interface {
	ListActive(ctx context.Context) ([]*agent.Agent, error)
}

// Handler serves liveness, readiness, and fleet heartbeat endpoints
type Handler struct {
	log         *logger.Logger
	checks      map[string]Check
	agents      AgentLister
	workers     *workers.Registry
	staleAfter  time.Duration
	startTime   time.Time
	serviceName string
	version     string
	now         func() time.Time
}

// Options configures a Handler. Nil Workers disables the workers section.
type Options struct {
	Checks      map[string]Check
	Agents      AgentLister
	Workers     *workers.Registry
	StaleAfter  time.Duration // agents without a heartbeat for this long are stale
	ServiceName string
	Version     string
}

func New(opts Options) *Handler {
	return &Handler{
		log:         logger.Get().With("component", "health"),
		checks:      opts.Checks,
		agents:      opts.Agents,
		workers:     opts.Workers,
		staleAfter:  opts.StaleAfter,
		startTime:   time.Now(),
		serviceName: opts.ServiceName,
		version:     opts.Version,
		now:         time.Now,
	}
}

// Register mounts the endpoints on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.HandleLiveness)
	mux.HandleFunc("/health/ready", h.HandleReadiness)
	mux.HandleFunc("/health/agents", h.HandleAgents)
	mux.HandleFunc("/health/workers", h.HandleWorkers)
}

// Status represents the overall health status
type Status struct {
	Status    string                     `json:"status"` // healthy, degraded, unhealthy
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
}

// ComponentHealth represents health of a single dependency
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AgentHeartbeat is one row of /health/agents
type AgentHeartbeat struct {
	PublicID    string     `json:"agent"`
	Name        string     `json:"name"`
	Engine      string     `json:"engine"`
	LastCycleAt *time.Time `json:"last_cycle_at"`
	LastCycle   string     `json:"last_cycle"`
	Stale       bool       `json:"stale"`
}

func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness fails when any dependency is down. Some healthy dependencies report degraded.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]ComponentHealth, len(h.checks))
	healthy := 0
	for name, check := range h.checks {
		c := h.probe(ctx, name, check)
		checks[name] = c
		if c.Status == "healthy" {
			healthy++
		}
	}

	status := Status{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: h.now().Format(time.RFC3339),
		Checks:    checks,
	}

	code := http.StatusOK
	switch {
	case healthy == len(checks):
	case healthy == 0:
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	default:
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if code != http.StatusOK {
		h.log.Warnw("readiness check failed", "checks", checks)
	}

	writeJSON(w, code, status)
}

// HandleAgents lists active agents with their last heartbeat
func (h *Handler) HandleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListActive(r.Context())
	if err != nil {
		h.log.Errorw("list agents for heartbeat", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	now := h.now()
	out := make([]AgentHeartbeat, 0, len(agents))
	stale := 0
	for _, a := range agents {
		hb := AgentHeartbeat{
			PublicID:    a.PublicID,
			Name:        a.Name,
			Engine:      a.Engine.String(),
			LastCycleAt: a.LastCycleAt,
			LastCycle:   "never",
		}
		if a.LastCycleAt != nil {
			hb.LastCycle = humanize.RelTime(*a.LastCycleAt, now, "ago", "from now")
		}
		hb.Stale = h.staleAfter > 0 && (a.LastCycleAt == nil || now.Sub(*a.LastCycleAt) > h.staleAfter)
		if hb.Stale {
			stale++
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicID < out[j].PublicID })

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": out,
		"active": len(out),
		"stale":  stale,
	})
}

func (h *Handler) HandleWorkers(w http.ResponseWriter, _ *http.Request) {
	if h.workers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"workers": map[string]workers.WorkerHealth{}})
		return
	}

	code := http.StatusOK
	unhealthy := h.workers.Unhealthy()
	if len(unhealthy) > 0 {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"workers":   h.workers.Health(),
		"unhealthy": unhealthy,
	})
}

func (h *Handler) probe(ctx context.Context, name string, check Check) ComponentHealth {
	start := time.Now()
	err := check(ctx)
	elapsed := time.Since(start)

	if err != nil {
		h.log.Errorw("health check failed", "dependency", name, "error", err, "elapsed", elapsed)
		return ComponentHealth{Status: "unhealthy", ResponseTime: elapsed.String(), Error: err.Error()}
	}
	return ComponentHealth{Status: "healthy", ResponseTime: elapsed.String()}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
