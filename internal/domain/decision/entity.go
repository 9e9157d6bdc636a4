package decision

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ActionKind is what the engine wants to do
type ActionKind string

const (
	ActionOpenLong  ActionKind = "open_long"
	ActionOpenShort ActionKind = "open_short"
	ActionClose     ActionKind = "close"
	ActionHold      ActionKind = "hold"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionOpenLong, ActionOpenShort, ActionClose, ActionHold:
		return true
	}
	return false
}

func (k ActionKind) IsOpen() bool {
	return k == ActionOpenLong || k == ActionOpenShort
}

func (k ActionKind) String() string {
	return string(k)
}

// TradeAction is the structured answer of a decision engine
type TradeAction struct {
	Kind       ActionKind          `json:"action"`
	Symbol     string              `json:"symbol,omitempty"`
	Size       decimal.Decimal     `json:"size"`
	Price      decimal.Decimal     `json:"price"` // filled from the market snapshot before validation
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	Confidence float64             `json:"confidence"`
	Reasoning  string              `json:"reasoning"`
}

// Hold returns a hold action carrying the given reasoning
func Hold(reasoning string) TradeAction {
	return TradeAction{Kind: ActionHold, Reasoning: reasoning}
}

// ValidationResult is the outcome of the safety gate
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Accept is a passing validation
func Accept() ValidationResult {
	return ValidationResult{Valid: true}
}

// Reject is a failing validation with a machine code and a human reason
func Reject(code, reason string) ValidationResult {
	return ValidationResult{Code: code, Reason: reason}
}

// Outcome is how the cycle ended
type Outcome string

const (
	OutcomeExecuted Outcome = "executed" // portfolio changed
	OutcomeHeld     Outcome = "held"     // engine chose hold
	OutcomeRejected Outcome = "rejected" // validation or portfolio rejected, degraded to hold
	OutcomeFailed   Outcome = "failed"   // context or engine failure, nothing applied
	OutcomeSkipped  Outcome = "skipped"  // engine disabled by runtime settings
)

// Decision is the append-only audit row written once per cycle
type Decision struct {
	ID            uuid.UUID `db:"id"`
	AgentID       uuid.UUID `db:"agent_id"`
	CycleID       uuid.UUID `db:"cycle_id"`
	PromptVersion int       `db:"prompt_version"`
	Engine        string    `db:"engine"`
	Model         string    `db:"model"`

	Action     ActionKind      `db:"action"`
	Symbol     string          `db:"symbol"`
	Size       decimal.Decimal `db:"size"`
	Price      decimal.Decimal `db:"price"`
	Confidence float64         `db:"confidence"`
	Reasoning  string          `db:"reasoning"`

	Valid        bool   `db:"valid"`
	RejectCode   string `db:"reject_code"`
	RejectReason string `db:"reject_reason"`

	Outcome     Outcome `db:"outcome"`
	FailureKind string  `db:"failure_kind"`
	Error       string  `db:"error"`

	Attempts     int             `db:"attempts"`
	InputTokens  int64           `db:"input_tokens"`
	OutputTokens int64           `db:"output_tokens"`
	CostUSD      decimal.Decimal `db:"cost_usd"`
	LatencyMs    int64           `db:"latency_ms"`

	CreatedAt time.Time `db:"created_at"`
}
