package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opencbp/opencbp/pkg/common"
	"github.com/opencbp/opencbp/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func newTestClient(url string) *Client {
	c := &Client{
		apiURL: url,
		client: common.HTTPClient(5 * time.Second),
	}
	c.snapshot.NumCompetitors = 1
	return c
}

func marketServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func fullBody(t *testing.T, price, demand float64, competitors int) string {
	t.Helper()
	prices := make([]float64, 24)
	demands := make([]float64, 24)
	for i := range prices {
		prices[i] = price
		demands[i] = demand
	}
	b, err := json.Marshal(map[string]any{
		"prices":      prices,
		"demand":      demands,
		"competitors": competitors,
	})
	require.NoError(t, err)
	return string(b)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("Full Payload", func(t *testing.T) {
		srv := marketServer(t, fullBody(t, 0.25, 30000, 8), http.StatusOK)
		defer srv.Close()

		c := newTestClient(srv.URL)
		snap, err := c.Refresh(ctx)
		require.NoError(t, err)

		assert.InDelta(t, 0.25, snap.PriceForecast[0], 1e-12)
		assert.InDelta(t, 0.25, snap.PriceForecast[23], 1e-12)
		assert.InDelta(t, 30000.0, snap.GridDemandForecast[5], 1e-12)
		assert.Equal(t, 8, snap.NumCompetitors)
		assert.False(t, snap.FetchedAt.IsZero())

		cached, ok := c.Snapshot()
		assert.True(t, ok)
		assert.Equal(t, snap, cached)
	})

	t.Run("Missing Fields Keep Previous Values", func(t *testing.T) {
		srv := marketServer(t, fullBody(t, 0.25, 30000, 8), http.StatusOK)
		c := newTestClient(srv.URL)
		_, err := c.Refresh(ctx)
		require.NoError(t, err)
		srv.Close()

		// second response only updates competitors
		srv2 := marketServer(t, `{"competitors":3}`, http.StatusOK)
		defer srv2.Close()
		c.apiURL = srv2.URL

		snap, err := c.Refresh(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 0.25, snap.PriceForecast[0], 1e-12, "prices must survive a partial refresh")
		assert.InDelta(t, 30000.0, snap.GridDemandForecast[0], 1e-12)
		assert.Equal(t, 3, snap.NumCompetitors)
	})

	t.Run("Wrong Length Rejected", func(t *testing.T) {
		srv := marketServer(t, `{"prices":[0.1,0.2]}`, http.StatusOK)
		defer srv.Close()

		c := newTestClient(srv.URL)
		_, err := c.Refresh(ctx)
		require.Error(t, err)
		_, ok := c.Snapshot()
		assert.False(t, ok, "failed refresh must not mark the snapshot fetched")
	})

	t.Run("Bad Status Rejected", func(t *testing.T) {
		srv := marketServer(t, `{}`, http.StatusBadGateway)
		defer srv.Close()

		c := newTestClient(srv.URL)
		_, err := c.Refresh(ctx)
		require.Error(t, err)
	})

	t.Run("Competitors Below One Rejected", func(t *testing.T) {
		srv := marketServer(t, `{"competitors":0}`, http.StatusOK)
		defer srv.Close()

		c := newTestClient(srv.URL)
		_, err := c.Refresh(ctx)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	c := newTestClient("")
	require.Error(t, c.Validate())
	c.apiURL = "https://example.com/market_data"
	require.NoError(t, c.Validate())
}
