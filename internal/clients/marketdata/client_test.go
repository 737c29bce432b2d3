package marketdata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/snapshot", r.URL.Path)
		assert.Equal(t, "BTCUSDT,ETHUSDT", r.URL.Query().Get("symbols"))
		w.Write([]byte(`{
			"BTCUSDT": {"mark_price": 50000.5, "vol_regime": "normal"},
			"ETHUSDT": {"mark_price": 3000.25, "last_price": 3001, "vol_regime": "high"}
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	snap, err := client.GetSnapshot("run-1", "cycle-1", []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, "cycle-1", snap.CycleID)
	assert.False(t, snap.Timestamp.IsZero())
	assert.Equal(t, 50000.5, snap.MarkPrice("BTCUSDT"))
	assert.Equal(t, "high", snap.VolRegime("ETHUSDT"))
}

func TestGetSnapshotServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("warming up"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	_, err := client.GetSnapshot("run-1", "cycle-1", []string{"BTCUSDT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 503")
}

func TestGetSnapshotBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	_, err := client.GetSnapshot("run-1", "cycle-1", []string{"BTCUSDT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse snapshot")
}
