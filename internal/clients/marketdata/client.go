package marketdata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/modules/market"
)

// Client fetches per-symbol market context from the market-data service.
// Indicators and regime classification are computed upstream; this client
// only consumes them.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new market data client
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "marketdata").Logger(),
	}
}

// GetSnapshot fetches the current per-symbol briefs and stamps them with
// run/cycle identity for storage.
func (c *Client) GetSnapshot(runID, cycleID string, symbols []string) (*market.Snapshot, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))

	resp, err := c.client.Get(c.baseURL + "/api/snapshot?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("marketdata error (http %d): %s", resp.StatusCode, string(body))
	}

	var perSymbol map[string]market.SymbolBrief
	if err := json.Unmarshal(body, &perSymbol); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	return &market.Snapshot{
		RunID:     runID,
		CycleID:   cycleID,
		Timestamp: time.Now().UTC(),
		PerSymbol: perSymbol,
	}, nil
}
