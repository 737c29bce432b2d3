package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func idx(v int) *int { return &v }

func validIdea() TradeIdea {
	return TradeIdea{
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Action:     ActionOpen,
		SizeUSDT:   500,
		OrderType:  OrderTypeMarket,
		StopLoss:   f(48000),
		Confidence: 0.7,
		Rationale:  "breakout continuation",
	}
}

func TestTradeIdeaValid(t *testing.T) {
	idea := validIdea()
	require.NoError(t, idea.Validate())
}

func TestTradeIdeaMarketWithLimitPriceRejected(t *testing.T) {
	idea := validIdea()
	idea.LimitPrice = f(50000)

	err := idea.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit_price must be omitted")
}

func TestTradeIdeaLimitWithoutLimitPriceRejected(t *testing.T) {
	idea := validIdea()
	idea.OrderType = OrderTypeLimit
	idea.LimitPrice = nil

	err := idea.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit_price required")
}

func TestTradeIdeaInvariantTable(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TradeIdea)
		want   string
	}{
		{"missing symbol", func(i *TradeIdea) { i.Symbol = "" }, "symbol is required"},
		{"bad side", func(i *TradeIdea) { i.Side = "sideways" }, "invalid side"},
		{"bad action", func(i *TradeIdea) { i.Action = "hold" }, "invalid action"},
		{"zero size", func(i *TradeIdea) { i.SizeUSDT = 0 }, "size_usdt must be > 0"},
		{"negative leverage", func(i *TradeIdea) { i.Leverage = f(-1) }, "leverage must be > 0"},
		{"bad order type", func(i *TradeIdea) { i.OrderType = "stop" }, "invalid order_type"},
		{"zero stop", func(i *TradeIdea) { i.StopLoss = f(0) }, "stop_loss must be > 0"},
		{"confidence above one", func(i *TradeIdea) { i.Confidence = 1.5 }, "confidence must be in [0,1]"},
		{"missing rationale", func(i *TradeIdea) { i.Rationale = "" }, "rationale is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idea := validIdea()
			tc.mutate(&idea)
			err := idea.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTradeActionRiskDirection(t *testing.T) {
	assert.True(t, ActionOpen.RiskIncreasing())
	assert.True(t, ActionAdd.RiskIncreasing())
	assert.False(t, ActionReduce.RiskIncreasing())
	assert.True(t, ActionReduce.RiskReducing())
	assert.True(t, ActionClose.RiskReducing())
	assert.False(t, ActionOpen.RiskReducing())
}

func TestTradeProposalEmptyTradesIsValid(t *testing.T) {
	p := TradeProposal{AgentID: "agent-1", Trades: []TradeIdea{}}
	require.NoError(t, p.Validate())
}

func TestTradeProposalReportsBadTradeIndex(t *testing.T) {
	bad := validIdea()
	bad.SizeUSDT = -1
	p := TradeProposal{AgentID: "agent-1", Trades: []TradeIdea{validIdea(), bad}}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trades[1]")
}

func TestDecisionItemResizeFields(t *testing.T) {
	item := DecisionItem{
		AgentID:          "agent-1",
		TradeIndex:       idx(0),
		Symbol:           "BTCUSDT",
		Decision:         DecisionResize,
		ApprovedSizeUSDT: f(250),
	}
	require.NoError(t, item.Validate())

	item.ApprovedSizeUSDT = f(-1)
	err := item.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approved_size_usdt must be > 0")
}

func TestManagerDecisionTrustDeltaBounds(t *testing.T) {
	d := ManagerDecision{
		ManagerID:   "manager-1",
		TrustDeltas: []TrustDelta{{AgentID: "agent-1", Delta: 2}},
	}
	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delta must be in [-1,1]")
}

func TestParseTradeProposal(t *testing.T) {
	doc := `{
		"agent_id": "agent-1",
		"trades": [{
			"symbol": "BTCUSDT",
			"side": "long",
			"action": "open",
			"size_usdt": 500,
			"order_type": "market",
			"stop_loss": 48000,
			"confidence": 0.7,
			"rationale": "test"
		}]
	}`

	p, err := ParseTradeProposal([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", p.AgentID)
	require.Len(t, p.Trades, 1)
	assert.Equal(t, SideLong, p.Trades[0].Side)
}

func TestParseTradeProposalRejectsUnknownFields(t *testing.T) {
	doc := `{"agent_id": "agent-1", "trades": [], "surprise": true}`

	_, err := ParseTradeProposal([]byte(doc))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "trade_proposal", verr.Doc)
}

func TestParseTradeProposalRejectsInvalidTrade(t *testing.T) {
	doc := `{
		"agent_id": "agent-1",
		"trades": [{
			"symbol": "BTCUSDT",
			"side": "long",
			"action": "open",
			"size_usdt": 500,
			"order_type": "market",
			"limit_price": 50000,
			"confidence": 0.7,
			"rationale": "test"
		}]
	}`

	_, err := ParseTradeProposal([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "limit_price must be omitted")
}

func TestParseManagerDecision(t *testing.T) {
	doc := `{
		"manager_id": "manager-1",
		"decisions": [{
			"agent_id": "agent-1",
			"trade_index": 0,
			"symbol": "BTCUSDT",
			"decision": "approve"
		}]
	}`

	d, err := ParseManagerDecision([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "manager-1", d.ManagerID)
	require.Len(t, d.Decisions, 1)
	assert.Equal(t, DecisionApprove, d.Decisions[0].Decision)
}

func TestParseManagerDecisionRejectsBadVerdict(t *testing.T) {
	doc := `{"manager_id": "m", "decisions": [{"symbol": "BTCUSDT", "decision": "maybe"}]}`

	_, err := ParseManagerDecision([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "manager_decision", verr.Doc)
	assert.Contains(t, verr.Reason, "invalid decision")
}
