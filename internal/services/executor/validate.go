package executor

import (
	"fmt"

	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/services/contextbuilder"
)

// Rejection codes written to decision rows and the rejection metric
const (
	RejectInvalidAction     = "invalid_action"
	RejectMissingSymbol     = "missing_symbol"
	RejectProtectedSymbol   = "protected_symbol"
	RejectNoPrice           = "no_price"
	RejectNoOpenPosition    = "no_open_position"
	RejectInvalidSize       = "invalid_size"
	RejectDirectionConflict = "direction_conflict"
	RejectPositionExists    = "position_exists"
	RejectPositionLimit     = "position_limit"
	RejectInvalidLevel      = "invalid_level"
	RejectStopLossSide      = "stop_loss_side"
	RejectTakeProfitSide    = "take_profit_side"
	RejectInsufficientFunds = "insufficient_funds"
)

// Validate is the safety gate between an engine answer and the portfolio.
// The action price must already be filled from the snapshot.
func Validate(c *contextbuilder.Context, a decision.TradeAction, onePerSymbol bool) decision.ValidationResult {
	if !a.Kind.Valid() {
		return decision.Reject(RejectInvalidAction, fmt.Sprintf("unknown action %q", a.Kind))
	}
	if a.Kind == decision.ActionHold {
		return decision.Accept()
	}
	if a.Symbol == "" {
		return decision.Reject(RejectMissingSymbol, "action needs a symbol")
	}
	if c.IsProtected(a.Symbol) {
		return decision.Reject(RejectProtectedSymbol, a.Symbol+" was closed by a protective exit this cycle")
	}
	if !a.Price.IsPositive() {
		return decision.Reject(RejectNoPrice, "no market price for "+a.Symbol)
	}

	held, isHeld := c.Portfolio.Holds(a.Symbol)
	if a.Kind == decision.ActionClose {
		if !isHeld {
			return decision.Reject(RejectNoOpenPosition, "no open position on "+a.Symbol)
		}
		return decision.Accept()
	}

	if !a.Size.IsPositive() {
		return decision.Reject(RejectInvalidSize, "size must be positive, got "+a.Size.String())
	}

	direction := portfolio.Long
	if a.Kind == decision.ActionOpenShort {
		direction = portfolio.Short
	}
	if isHeld && held.Direction != direction {
		return decision.Reject(RejectDirectionConflict, fmt.Sprintf("%s is open %s, close it first", a.Symbol, held.Direction))
	}
	if isHeld && onePerSymbol {
		return decision.Reject(RejectPositionExists, a.Symbol+" already has an open position")
	}

	if ceiling := c.Agent.PositionCeiling(); c.Portfolio.OpenCount() >= ceiling {
		return decision.Reject(RejectPositionLimit, fmt.Sprintf("%d positions open, ceiling %d", c.Portfolio.OpenCount(), ceiling))
	}

	if a.StopLoss.Valid && !a.StopLoss.Decimal.IsPositive() {
		return decision.Reject(RejectInvalidLevel, "stop loss must be positive, got "+a.StopLoss.Decimal.String())
	}
	if a.TakeProfit.Valid && !a.TakeProfit.Decimal.IsPositive() {
		return decision.Reject(RejectInvalidLevel, "take profit must be positive, got "+a.TakeProfit.Decimal.String())
	}

	// stop below and target above entry for longs, mirrored for shorts
	if a.StopLoss.Valid {
		sl := a.StopLoss.Decimal
		if (direction == portfolio.Long && !sl.LessThan(a.Price)) || (direction == portfolio.Short && !sl.GreaterThan(a.Price)) {
			return decision.Reject(RejectStopLossSide, fmt.Sprintf("stop loss %s on wrong side of entry %s", sl, a.Price))
		}
	}
	if a.TakeProfit.Valid {
		tp := a.TakeProfit.Decimal
		if (direction == portfolio.Long && !tp.GreaterThan(a.Price)) || (direction == portfolio.Short && !tp.LessThan(a.Price)) {
			return decision.Reject(RejectTakeProfitSide, fmt.Sprintf("take profit %s on wrong side of entry %s", tp, a.Price))
		}
	}

	if cost := a.Size.Mul(a.Price); cost.GreaterThan(c.Portfolio.Cash) {
		return decision.Reject(RejectInsufficientFunds, fmt.Sprintf("cost %s exceeds cash %s", cost.StringFixed(2), c.Portfolio.Cash.StringFixed(2)))
	}
	return decision.Accept()
}
