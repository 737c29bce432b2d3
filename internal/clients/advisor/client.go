package advisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/domain"
	"github.com/quantdesk/trader/internal/modules/market"
	"github.com/quantdesk/trader/internal/modules/risk"
)

// Client talks to the external advisor service that produces trade
// proposals and manager decisions. The pipeline treats the advisor as an
// untrusted collaborator: every document is validated at this boundary, and
// a collaborator failure degrades to an explicit empty answer instead of
// wedging the cycle.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new advisor service client
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		log: log.With().Str("client", "advisor").Logger(),
	}
}

// ProposalRequest asks one agent for its proposal for the cycle.
type ProposalRequest struct {
	RunID    string           `json:"run_id"`
	CycleID  string           `json:"cycle_id"`
	AgentID  string           `json:"agent_id"`
	Symbols  []string         `json:"symbols"`
	Snapshot *market.Snapshot `json:"snapshot,omitempty"`
	Strict   bool             `json:"strict,omitempty"`
}

// DecisionRequest asks the manager to rule on the cycle's proposals.
type DecisionRequest struct {
	RunID     string                  `json:"run_id"`
	CycleID   string                  `json:"cycle_id"`
	ManagerID string                  `json:"manager_id"`
	Proposals []domain.TradeProposal  `json:"proposals"`
	Reports   []risk.ComplianceReport `json:"compliance_reports"`
	Strict    bool                    `json:"strict,omitempty"`
}

func (c *Client) post(endpoint string, request interface{}) ([]byte, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.client.Post(c.baseURL+endpoint, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("advisor error (http %d): %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

// GetProposal fetches one agent's proposal. A malformed document triggers
// exactly one strict re-request; a second failure or a transport error
// degrades to an explicit empty proposal so the cycle can continue.
func (c *Client) GetProposal(req ProposalRequest) (*domain.TradeProposal, error) {
	proposal, err := c.fetchProposal(req)
	if err == nil {
		return proposal, nil
	}

	var valErr *domain.ValidationError
	if errors.As(err, &valErr) {
		c.log.Warn().Err(err).Str("agent_id", req.AgentID).Msg("Malformed proposal, re-requesting strict")
		strictReq := req
		strictReq.Strict = true
		if proposal, err = c.fetchProposal(strictReq); err == nil {
			return proposal, nil
		}
	}

	c.log.Error().Err(err).Str("agent_id", req.AgentID).Msg("Advisor proposal unavailable, degrading to empty")
	return &domain.TradeProposal{
		AgentID:   req.AgentID,
		RunID:     req.RunID,
		CycleID:   req.CycleID,
		Timestamp: time.Now().UTC(),
		Trades:    []domain.TradeIdea{},
		Notes:     "advisor unavailable; explicit no-trade",
	}, nil
}

func (c *Client) fetchProposal(req ProposalRequest) (*domain.TradeProposal, error) {
	raw, err := c.post("/api/proposals", req)
	if err != nil {
		return nil, err
	}
	proposal, err := domain.ParseTradeProposal(raw)
	if err != nil {
		return nil, err
	}
	proposal.RunID = req.RunID
	proposal.CycleID = req.CycleID
	return proposal, nil
}

// GetDecision fetches the manager's decision. Same retry-once-strict
// posture; on exhaustion it returns nil, which the orchestrator treats as
// no approvals this cycle.
func (c *Client) GetDecision(req DecisionRequest) (*domain.ManagerDecision, error) {
	decision, err := c.fetchDecision(req)
	if err == nil {
		return decision, nil
	}

	var valErr *domain.ValidationError
	if errors.As(err, &valErr) {
		c.log.Warn().Err(err).Msg("Malformed decision, re-requesting strict")
		strictReq := req
		strictReq.Strict = true
		if decision, err = c.fetchDecision(strictReq); err == nil {
			return decision, nil
		}
	}

	c.log.Error().Err(err).Msg("Manager decision unavailable")
	return nil, nil
}

func (c *Client) fetchDecision(req DecisionRequest) (*domain.ManagerDecision, error) {
	raw, err := c.post("/api/decisions", req)
	if err != nil {
		return nil, err
	}
	decision, err := domain.ParseManagerDecision(raw)
	if err != nil {
		return nil, err
	}
	decision.RunID = req.RunID
	decision.CycleID = req.CycleID
	return decision, nil
}
