package metrics

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"agentfleet/pkg/logger"
)

// FleetCollector reads fleet-wide gauges from storage at scrape time
type FleetCollector struct {
	log        *logger.Logger
	postgres   *sqlx.DB
	clickhouse driver.Conn

	agentsByStatus *prometheus.Desc
	trades24h      *prometheus.Desc
	activeLessons  *prometheus.Desc
	tokenCost24h   *prometheus.Desc
}

// NewFleetCollector creates the collector. clickhouse may be nil.
func NewFleetCollector(postgres *sqlx.DB, clickhouse driver.Conn) *FleetCollector {
	return &FleetCollector{
		log:        logger.Get().With("component", "fleet_collector"),
		postgres:   postgres,
		clickhouse: clickhouse,

		agentsByStatus: prometheus.NewDesc(
			"agentfleet_agents",
			"Agents by lifecycle status",
			[]string{"status"}, nil,
		),
		trades24h: prometheus.NewDesc(
			"agentfleet_trades_24h",
			"Trades closed in the last 24h by exit reason",
			[]string{"exit_reason"}, nil,
		),
		activeLessons: prometheus.NewDesc(
			"agentfleet_active_lessons",
			"Active fleet lessons by archetype",
			[]string{"archetype"}, nil,
		),
		tokenCost24h: prometheus.NewDesc(
			"agentfleet_token_cost_usd_24h",
			"Estimated engine cost in the last 24h by purpose",
			[]string{"purpose"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.agentsByStatus
	ch <- c.trades24h
	ch <- c.activeLessons
	ch <- c.tokenCost24h
}

// Collect implements prometheus.Collector
func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectGrouped(ctx, ch, c.agentsByStatus, `SELECT status AS label, COUNT(*) AS count FROM agents GROUP BY status`)
	c.collectGrouped(ctx, ch, c.trades24h, `
		SELECT exit_reason AS label, COUNT(*) AS count
		FROM agent_trades
		WHERE closed_at > NOW() - INTERVAL '24 hours'
		GROUP BY exit_reason`)
	c.collectGrouped(ctx, ch, c.activeLessons, `
		SELECT archetype AS label, COUNT(*) AS count
		FROM fleet_lessons
		WHERE is_active
		GROUP BY archetype`)
	c.collectTokenCost(ctx, ch)
}

func (c *FleetCollector) collectGrouped(ctx context.Context, ch chan<- prometheus.Metric, desc *prometheus.Desc, query string) {
	type row struct {
		Label string `db:"label"`
		Count int64  `db:"count"`
	}

	var rows []row
	if err := c.postgres.SelectContext(ctx, &rows, query); err != nil {
		c.log.Warnw("failed to collect metric", "metric", desc.String(), "error", err)
		return
	}
	for _, r := range rows {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(r.Count), r.Label)
	}
}

func (c *FleetCollector) collectTokenCost(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.clickhouse == nil {
		return
	}

	rows, err := c.clickhouse.Query(ctx, `
		SELECT purpose, sum(cost_usd)
		FROM agent_token_usage
		WHERE timestamp > now() - INTERVAL 1 DAY
		GROUP BY purpose`)
	if err != nil {
		c.log.Warnw("failed to collect token cost", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var (
			purpose string
			cost    float64
		)
		if err := rows.Scan(&purpose, &cost); err != nil {
			c.log.Warnw("failed to scan token cost", "error", err)
			return
		}
		ch <- prometheus.MustNewConstMetric(c.tokenCost24h, prometheus.GaugeValue, cost, purpose)
	}
}
