// Package market fetches price/demand/competitor data from the utility's
// market API and caches the latest snapshot for the bidding tasks.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/opencbp/opencbp/pkg/common"
	"github.com/opencbp/opencbp/pkg/log"
	"github.com/opencbp/opencbp/pkg/types"
)

// Source provides the latest market snapshot to the runtime.
type Source interface {
	// Refresh fetches the latest market data. Fields missing from the
	// response leave the previous values intact.
	Refresh(ctx context.Context) (types.MarketSnapshot, error)

	// Snapshot returns the cached market data and whether any fetch has
	// succeeded yet.
	Snapshot() (types.MarketSnapshot, bool)
}

// Client implements Source against the utility's market-data API.
type Client struct {
	apiURL string
	client *http.Client

	mu       sync.Mutex
	snapshot types.MarketSnapshot
}

// Configured sets up the market client based on flags.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(10 * time.Second),
		snapshot: types.MarketSnapshot{
			// until the first fetch succeeds, assume a lone competitor
			NumCompetitors: 1,
		},
	}
	apiURL := lflag.String("market-api-url", "https://opencbp.api.example.com/market_data", "URL for the utility market-data API")

	lflag.Do(func() {
		c.apiURL = *apiURL
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("market-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse market url (%s): %w", c.apiURL, err)
	}
	return nil
}

// marketResponse is the utility's market-data payload. All fields are
// optional; absent ones keep their previous values.
type marketResponse struct {
	Prices      []float64 `json:"prices"`
	Demand      []float64 `json:"demand"`
	Competitors *int      `json:"competitors"`
}

// Refresh implements Source.
func (c *Client) Refresh(ctx context.Context) (types.MarketSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("failed to build market request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("failed to fetch market data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.MarketSnapshot{}, fmt.Errorf("market API returned status %d", resp.StatusCode)
	}

	var body marketResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("failed to decode market data: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshot
	snap.FetchedAt = time.Now()

	if err := mergePrices(&snap.PriceForecast, body.Prices, "prices"); err != nil {
		return types.MarketSnapshot{}, err
	}
	if err := mergePrices(&snap.GridDemandForecast, body.Demand, "demand"); err != nil {
		return types.MarketSnapshot{}, err
	}
	if body.Competitors != nil {
		if *body.Competitors < 1 {
			return types.MarketSnapshot{}, fmt.Errorf("market API returned competitors < 1: %d", *body.Competitors)
		}
		snap.NumCompetitors = *body.Competitors
	}

	c.snapshot = snap
	log.Ctx(ctx).DebugContext(
		ctx,
		"market data refreshed",
		slog.Int("competitors", snap.NumCompetitors),
		slog.Float64("firstHourPrice", snap.PriceForecast[0]),
	)
	return snap, nil
}

// mergePrices overwrites dst only when src carries a full horizon of finite
// values; an absent field keeps previous values.
func mergePrices(dst *[types.ForecastHours]float64, src []float64, name string) error {
	if src == nil {
		return nil
	}
	if len(src) != types.ForecastHours {
		return fmt.Errorf("market API returned %d %s values, expected %d", len(src), name, types.ForecastHours)
	}
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("market API returned non-finite %s value", name)
		}
	}
	copy(dst[:], src)
	return nil
}

// Snapshot implements Source.
func (c *Client) Snapshot() (types.MarketSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot, !c.snapshot.FetchedAt.IsZero()
}
