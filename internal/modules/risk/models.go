package risk

import "time"

// Severity classifies a violation. Hard violations must be vetoed by the
// manager; soft violations may be resized using the attached suggestions.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// Violation is one rule breach with a stable rule identifier.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	AgentID    string `json:"agent_id,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	TradeIndex *int   `json:"trade_index,omitempty"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// ResizeSuggestion accompanies a soft violation. Symbol "*" means the
// suggestion applies to every risk-increasing trade in the proposal.
type ResizeSuggestion struct {
	Symbol     string `json:"symbol"`
	TradeIndex *int   `json:"trade_index,omitempty"`

	SuggestedSizeUSDT *float64 `json:"suggested_size_usdt,omitempty"`
	SuggestedSizeMult *float64 `json:"suggested_size_mult,omitempty"`
	SuggestedLeverage *float64 `json:"suggested_leverage,omitempty"`

	Reason string `json:"reason"`
}

// ComplianceReport is the deterministic verdict for a single agent proposal.
// HardFail and Passed are derived from the violation lists; Evaluate keeps
// them in sync.
type ComplianceReport struct {
	AgentID   string    `json:"agent_id"`
	RunID     string    `json:"run_id,omitempty"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	HardViolations    []Violation        `json:"hard_violations"`
	SoftViolations    []Violation        `json:"soft_violations"`
	ResizeSuggestions []ResizeSuggestion `json:"resize_suggestions"`

	HardFail bool   `json:"hard_fail"`
	Passed   bool   `json:"passed"`
	Notes    string `json:"notes,omitempty"`
}

// FirmState is the desk-level exposure summary the rules evaluate against.
// Derived from reconciled positions by the orchestrator each cycle.
type FirmState struct {
	CapitalUSDT       float64            `json:"capital_usdt"`
	DrawdownPct       float64            `json:"drawdown_pct"`
	TotalNotionalUSDT float64            `json:"total_notional_usdt"`
	AgentBudgets      map[string]float64 `json:"agent_budgets,omitempty"`
}
