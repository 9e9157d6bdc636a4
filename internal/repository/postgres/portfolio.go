package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentfleet/internal/domain/portfolio"
	"agentfleet/pkg/errors"
)

// Compile-time check
var _ portfolio.Repository = (*PortfolioRepository)(nil)

// PortfolioRepository implements portfolio.Repository.
// It is the only writer of agent_portfolios, agent_positions and agent_trades.
type PortfolioRepository struct {
	db DBTX
}

// NewPortfolioRepository creates a new portfolio repository
func NewPortfolioRepository(db DBTX) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// Create inserts an empty portfolio
func (r *PortfolioRepository) Create(ctx context.Context, p *portfolio.Portfolio) error {
	query := `
		INSERT INTO agent_portfolios (
			agent_id, initial_cash, cash, realized_pnl, peak_equity, equity, marked_at, updated_at
		) VALUES (
			:agent_id, :initial_cash, :cash, :realized_pnl, :peak_equity, :equity, :marked_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, p); err != nil {
		return errors.Wrap(err, "insert portfolio")
	}
	return nil
}

// Get retrieves the portfolio of an agent
func (r *PortfolioRepository) Get(ctx context.Context, agentID uuid.UUID) (*portfolio.Portfolio, error) {
	var p portfolio.Portfolio
	query := `
		SELECT agent_id, initial_cash, cash, realized_pnl, peak_equity, equity, marked_at, updated_at
		FROM agent_portfolios
		WHERE agent_id = $1`

	if err := r.db.GetContext(ctx, &p, query, agentID); err != nil {
		return nil, notFound(err, "portfolio %s", agentID)
	}
	return &p, nil
}

const positionColumns = `
	id, agent_id, symbol, direction, entry_price, size, stop_loss, take_profit, decision_id, opened_at`

// OpenPositions returns the open positions of an agent, oldest first
func (r *PortfolioRepository) OpenPositions(ctx context.Context, agentID uuid.UUID) ([]*portfolio.Position, error) {
	var positions []*portfolio.Position
	query := `SELECT` + positionColumns + ` FROM agent_positions WHERE agent_id = $1 ORDER BY opened_at`

	if err := r.db.SelectContext(ctx, &positions, query, agentID); err != nil {
		return nil, errors.Wrap(err, "open positions")
	}
	return positions, nil
}

// CountOpenPositions counts open positions across the fleet
func (r *PortfolioRepository) CountOpenPositions(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM agent_positions`); err != nil {
		return 0, errors.Wrap(err, "count open positions")
	}
	return n, nil
}

const tradeColumns = `
	id, agent_id, position_id, symbol, direction, entry_price, exit_price, size,
	realized_pnl, return_pct, exit_reason, opened_at, closed_at`

// Trades returns trades closed at or after since, oldest first
func (r *PortfolioRepository) Trades(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*portfolio.Trade, error) {
	var trades []*portfolio.Trade
	query := `
		SELECT` + tradeColumns + `
		FROM agent_trades
		WHERE agent_id = $1 AND closed_at >= $2
		ORDER BY closed_at, id`

	if err := r.db.SelectContext(ctx, &trades, query, agentID, since); err != nil {
		return nil, errors.Wrap(err, "list trades")
	}
	return trades, nil
}

// RecentTrades returns the latest trades, newest first
func (r *PortfolioRepository) RecentTrades(ctx context.Context, agentID uuid.UUID, limit int) ([]*portfolio.Trade, error) {
	var trades []*portfolio.Trade
	query := `
		SELECT` + tradeColumns + `
		FROM agent_trades
		WHERE agent_id = $1
		ORDER BY closed_at DESC, id DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &trades, query, agentID, limit); err != nil {
		return nil, errors.Wrap(err, "recent trades")
	}
	return trades, nil
}

// Apply writes the change in one transaction
func (r *PortfolioRepository) Apply(ctx context.Context, c *portfolio.Change) error {
	return withTx(ctx, r.db, func(db DBTX) error {
		for _, p := range c.Closed {
			res, err := db.ExecContext(ctx, `DELETE FROM agent_positions WHERE id = $1`, p.ID)
			if err != nil {
				return errors.Wrap(err, "delete position")
			}
			if err := requireRow(res, "position %s", p.ID); err != nil {
				return err
			}
		}

		for _, t := range c.Trades {
			query := `
				INSERT INTO agent_trades (` + tradeColumns + `)
				VALUES (
					:id, :agent_id, :position_id, :symbol, :direction, :entry_price, :exit_price, :size,
					:realized_pnl, :return_pct, :exit_reason, :opened_at, :closed_at
				)`
			if _, err := db.NamedExecContext(ctx, query, t); err != nil {
				return errors.Wrap(err, "insert trade")
			}
		}

		if c.Opened != nil {
			query := `
				INSERT INTO agent_positions (` + positionColumns + `)
				VALUES (
					:id, :agent_id, :symbol, :direction, :entry_price, :size, :stop_loss, :take_profit, :decision_id, :opened_at
				)`
			if _, err := db.NamedExecContext(ctx, query, c.Opened); err != nil {
				return errors.Wrap(err, "insert position")
			}
		}

		query := `
			UPDATE agent_portfolios
			SET cash = :cash, realized_pnl = :realized_pnl, peak_equity = :peak_equity,
			    equity = :equity, updated_at = :updated_at
			WHERE agent_id = :agent_id`
		res, err := db.NamedExecContext(ctx, query, c.Portfolio)
		if err != nil {
			return errors.Wrap(err, "update portfolio")
		}
		return requireRow(res, "portfolio %s", c.Portfolio.AgentID)
	})
}

// Mark stores equity and peak only
func (r *PortfolioRepository) Mark(ctx context.Context, p *portfolio.Portfolio) error {
	query := `
		UPDATE agent_portfolios
		SET equity = $2, peak_equity = $3, marked_at = $4
		WHERE agent_id = $1`

	res, err := r.db.ExecContext(ctx, query, p.AgentID, p.Equity, p.PeakEquity, p.MarkedAt)
	if err != nil {
		return errors.Wrap(err, "mark portfolio")
	}
	return requireRow(res, "portfolio %s", p.AgentID)
}
