package exchange

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/trader/internal/config"
)

func testClientConfig(baseURL string) *config.Config {
	return &config.Config{
		ExchangeBaseURL:      baseURL,
		ExchangeAPIKey:       "test-key",
		ExchangeAPISecret:    "test-secret",
		ExchangeTestnet:      false,
		ExchangeAllowMainnet: true,
		ExchangeRecvWindow:   5000,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(testClientConfig(srv.URL), zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsTestnetFlagMismatch(t *testing.T) {
	cfg := testClientConfig("https://fapi.binance.com")
	cfg.ExchangeTestnet = true

	_, err := NewClient(cfg, zerolog.Nop())
	require.Error(t, err)

	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "does not look like testnet")
}

func TestNewClientRejectsMainnetFlagWithTestnetURL(t *testing.T) {
	cfg := testClientConfig("https://testnet.binancefuture.com")
	cfg.ExchangeTestnet = false

	_, err := NewClient(cfg, zerolog.Nop())
	require.Error(t, err)
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "looks like testnet")
}

func TestNewClientRequiresKeys(t *testing.T) {
	cfg := testClientConfig("https://fapi.binance.com")
	cfg.ExchangeAPISecret = ""

	_, err := NewClient(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing exchange keys")
}

func TestNewClientDefaultsToTestnetURL(t *testing.T) {
	cfg := testClientConfig("")
	cfg.ExchangeTestnet = true

	client, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "https://testnet.binancefuture.com", client.baseURL)
}

func TestGetMarkPrice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"50123.45"}`))
	})

	mark, err := client.GetMarkPrice("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50123.45, mark)
}

func TestSignedRequestCarriesAuth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		q := r.URL.Query()
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.NotEmpty(t, q.Get("signature"))
		assert.Equal(t, "5000", q.Get("recvWindow"))
		w.Write([]byte(`{"orderId":1,"status":"NEW"}`))
	})

	_, err := client.PlaceOrder(OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Quantity: 0.01,
	})
	require.NoError(t, err)
}

func TestPlaceOrderLimitRequiresPrice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the venue")
	})

	_, err := client.PlaceOrder(OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: 0.01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price is required")
}

func TestPlaceOrderStopRequiresTrigger(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the venue")
	})

	_, err := client.PlaceOrder(OrderRequest{Symbol: "BTCUSDT", Side: "SELL", Type: "STOP_MARKET", Quantity: 0.01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopPrice is required")
}

func TestVenueErrorDecodedAsAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})

	_, err := client.GetOrder("BTCUSDT", "o_abc")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -2019, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.False(t, apiErr.Transient())
}

func TestRateLimitErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	})

	err := client.Ping()
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Transient())
}

func TestGetFiltersExtraction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","filters":[
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
				{"filterType":"PRICE_FILTER","tickSize":"0.10"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}
			]},
			{"symbol":"DOGEUSDT","filters":[]}
		]}`))
	})

	filters, err := client.GetFilters([]string{"BTCUSDT"})
	require.NoError(t, err)
	f := filters["BTCUSDT"]
	assert.Equal(t, 0.001, f.StepSize)
	assert.Equal(t, 0.001, f.MinQty)
	assert.Equal(t, 0.10, f.TickSize)
	assert.Equal(t, 100.0, f.MinNotional)
}

func TestGetFiltersPrecisionFallback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","pricePrecision":2,"quantityPrecision":3,"filters":[]}
		]}`))
	})

	filters, err := client.GetFilters([]string{"BTCUSDT"})
	require.NoError(t, err)
	f := filters["BTCUSDT"]
	assert.InDelta(t, 0.001, f.StepSize, 1e-12)
	assert.InDelta(t, 0.01, f.TickSize, 1e-12)
	// MinQty never drops below one step.
	assert.InDelta(t, 0.001, f.MinQty, 1e-12)
}

func TestGetFiltersUnknownSymbol(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[]}`))
	})

	_, err := client.GetFilters([]string{"NOPEUSDT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol not found")
}

func TestGetRecentTradesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1700000000000", q.Get("startTime"))
		w.Write([]byte(`[{"symbol":"BTCUSDT","orderId":42,"side":"BUY","price":"50000","qty":"0.01","realizedPnl":"0","commission":"0.2","time":1700000000001}]`))
	})

	trades, err := client.GetRecentTrades("BTCUSDT", 0, 1700000000000)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(42), trades[0].OrderID)
}
