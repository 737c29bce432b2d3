package market

import "time"

// Volatility regime classifications as emitted by the market-data service.
const (
	RegimeHighVol = "high_vol"
	RegimeNormal  = "normal"
	RegimeLowVol  = "low_vol"
)

// SymbolBrief is the per-symbol market context the pipeline consumes. It is
// produced upstream; nothing in this repo computes indicators.
type SymbolBrief struct {
	MarkPrice float64 `json:"mark_price"`
	LastPrice float64 `json:"last_price,omitempty"`
	VolRegime string  `json:"vol_regime,omitempty"`
}

// Snapshot is one cycle's stored market context. Snapshots are the replay
// substrate: stored verbatim, re-read verbatim.
type Snapshot struct {
	RunID     string                 `json:"run_id"`
	CycleID   string                 `json:"cycle_id"`
	Timestamp time.Time              `json:"timestamp"`
	PerSymbol map[string]SymbolBrief `json:"per_symbol"`
}

// MarkPrice returns the stored mark price for a symbol, or 0 if unknown.
func (s *Snapshot) MarkPrice(symbol string) float64 {
	if s == nil {
		return 0
	}
	return s.PerSymbol[symbol].MarkPrice
}

// VolRegime returns the stored volatility regime for a symbol, or "" if
// unknown.
func (s *Snapshot) VolRegime(symbol string) string {
	if s == nil {
		return ""
	}
	return s.PerSymbol[symbol].VolRegime
}
