package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/config"
)

const defaultTestnetURL = "https://testnet.binancefuture.com"

// Client talks to a Binance-style USDT-margined futures REST API. Only this
// layer ever sees the API keys.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	recvWindow int
	testnet    bool
	client     *http.Client
	log        zerolog.Logger
	now        func() time.Time
}

// NewClient creates a new futures exchange client
func NewClient(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	baseURL := cfg.ExchangeBaseURL
	if baseURL == "" {
		if !cfg.ExchangeTestnet {
			return nil, &config.ConfigurationError{Reason: "EXCHANGE_BASE_URL is required in mainnet mode"}
		}
		baseURL = defaultTestnetURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	// Safety belt: the URL must agree with the testnet flag.
	if cfg.ExchangeTestnet && !strings.Contains(baseURL, "testnet") {
		return nil, &config.ConfigurationError{
			Reason: fmt.Sprintf("testnet mode but base URL does not look like testnet: %s", baseURL),
		}
	}
	if !cfg.ExchangeTestnet && strings.Contains(baseURL, "testnet") {
		return nil, &config.ConfigurationError{
			Reason: fmt.Sprintf("mainnet mode but base URL looks like testnet: %s", baseURL),
		}
	}

	if cfg.ExchangeAPIKey == "" || cfg.ExchangeAPISecret == "" {
		return nil, &config.ConfigurationError{
			Reason: "missing exchange keys: set EXCHANGE_API_KEY and EXCHANGE_API_SECRET",
		}
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.ExchangeAPIKey,
		secretKey:  cfg.ExchangeAPISecret,
		recvWindow: cfg.ExchangeRecvWindow,
		testnet:    cfg.ExchangeTestnet,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "exchange").Logger(),
		now: time.Now,
	}, nil
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one signed or unsigned REST call and decodes the body
// into out. Venue rejections come back as *APIError.
func (c *Client) request(method, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
		params.Set("signature", c.sign(params.Encode()))
	}

	reqURL := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequest(method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: string(body)}
		// Venue errors carry {"code": ..., "msg": ...}.
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Ping is a light connectivity check.
func (c *Client) Ping() error {
	return c.request(http.MethodGet, "/fapi/v1/ping", nil, false, nil)
}

// GetMarkPrice returns the current mark price for a symbol.
func (c *Client) GetMarkPrice(symbol string) (float64, error) {
	var res markPriceResponse
	params := url.Values{}
	params.Set("symbol", symbol)
	if err := c.request(http.MethodGet, "/fapi/v1/premiumIndex", params, false, &res); err != nil {
		return 0, err
	}
	mark, err := strconv.ParseFloat(res.MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse mark price %q: %w", res.MarkPrice, err)
	}
	return mark, nil
}

// GetFilters returns the trading filters for each requested symbol.
func (c *Client) GetFilters(symbols []string) (map[string]Filters, error) {
	var info exchangeInfo
	if err := c.request(http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	out := make(map[string]Filters)
	for i := range info.Symbols {
		sym := &info.Symbols[i]
		if !wanted[sym.Symbol] {
			continue
		}
		out[sym.Symbol] = extractFilters(sym)
	}

	for _, s := range symbols {
		if _, ok := out[s]; !ok {
			return nil, fmt.Errorf("symbol not found in exchange info: %s", s)
		}
	}
	return out, nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func extractFilters(sym *symbolInfo) Filters {
	var f Filters
	for _, ft := range sym.Filters {
		switch ft.FilterType {
		case "LOT_SIZE":
			f.StepSize = parseFloat(ft.StepSize)
			f.MinQty = parseFloat(ft.MinQty)
		case "PRICE_FILTER":
			f.TickSize = parseFloat(ft.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			if v := parseFloat(ft.Notional); v > 0 {
				f.MinNotional = v
			} else if v := parseFloat(ft.MinNotional); v > 0 {
				f.MinNotional = v
			}
		}
	}

	// Precision fallback for the rare symbol without explicit filters.
	if f.StepSize <= 0 {
		if sym.QuantityPrecision != nil {
			f.StepSize = pow10(-*sym.QuantityPrecision)
		} else {
			f.StepSize = 0.001
		}
	}
	if f.TickSize <= 0 {
		if sym.PricePrecision != nil {
			f.TickSize = pow10(-*sym.PricePrecision)
		} else {
			f.TickSize = 0.1
		}
	}
	if f.MinQty < f.StepSize {
		f.MinQty = f.StepSize
	}
	return f
}

func pow10(exp int) float64 {
	v := 1.0
	for i := 0; i < exp; i++ {
		v *= 10
	}
	for i := 0; i > exp; i-- {
		v /= 10
	}
	return v
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.request(http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

// PlaceOrder submits a futures order.
func (c *Client) PlaceOrder(req OrderRequest) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.Type == "LIMIT" {
		if req.Price <= 0 {
			return nil, fmt.Errorf("price is required for LIMIT orders")
		}
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if req.Type == "STOP_MARKET" || req.Type == "TAKE_PROFIT_MARKET" {
		if req.StopPrice <= 0 {
			return nil, fmt.Errorf("stopPrice is required for %s orders", req.Type)
		}
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var res OrderResponse
	if err := c.request(http.MethodPost, "/fapi/v1/order", params, true, &res); err != nil {
		c.log.Warn().Err(err).Str("symbol", req.Symbol).Str("type", req.Type).Msg("Order placement failed")
		return nil, err
	}

	c.log.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("type", req.Type).
		Float64("qty", req.Quantity).
		Int64("order_id", res.OrderID).
		Msg("Order placed")

	return &res, nil
}

// GetOrder fetches order state by client order id.
func (c *Client) GetOrder(symbol, clientOrderID string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	var res OrderResponse
	if err := c.request(http.MethodGet, "/fapi/v1/order", params, true, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelOrder cancels an open order by client order id.
func (c *Client) CancelOrder(symbol, clientOrderID string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	var res OrderResponse
	if err := c.request(http.MethodDelete, "/fapi/v1/order", params, true, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPositions returns open position info, optionally for one symbol.
func (c *Client) GetPositions(symbol string) ([]PositionInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var res []PositionInfo
	if err := c.request(http.MethodGet, "/fapi/v2/positionRisk", params, true, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetBalance returns the futures wallet balance for one asset.
func (c *Client) GetBalance(asset string) (*AccountBalance, error) {
	var res []AccountBalance
	if err := c.request(http.MethodGet, "/fapi/v2/balance", nil, true, &res); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Asset == asset {
			return &res[i], nil
		}
	}
	return nil, fmt.Errorf("asset %s not found in futures balance", asset)
}

// GetRecentTrades returns the caller's own recent fills for a symbol.
func (c *Client) GetRecentTrades(symbol string, limit int, startTime int64) ([]AccountTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}

	var res []AccountTrade
	if err := c.request(http.MethodGet, "/fapi/v1/userTrades", params, true, &res); err != nil {
		return nil, err
	}
	return res, nil
}
