package positions

import "time"

// Position is one reconciled exchange position, upserted per (run, symbol)
// each cycle. Quantity is signed: negative means short.
type Position struct {
	RunID         string  `json:"run_id"`
	Symbol        string  `json:"symbol"`
	CycleID       string  `json:"cycle_id,omitempty"`
	Quantity      float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	Leverage      float64 `json:"leverage"`
	AgentOwner    string  `json:"agent_owner,omitempty"`
	Raw           string  `json:"raw,omitempty"`
	UpdatedAt     time.Time
}

// NotionalUSDT is the absolute exposure of this position at mark.
func (p *Position) NotionalUSDT() float64 {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return qty * p.MarkPrice
}
