// Package bids submits accepted bids to the utility's limit order book.
package bids

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/opencbp/opencbp/pkg/common"
	"github.com/opencbp/opencbp/pkg/log"
	"github.com/opencbp/opencbp/pkg/types"
)

// Submitter sends bids to the utility. Zero-capacity bids are never
// submitted; callers skip them.
type Submitter interface {
	// SubmitFastDR submits an intraday fast-dispatch bid.
	SubmitFastDR(ctx context.Context, bid types.Bid) error

	// SubmitDayAhead submits one Capacity Bidding Program bid for the given
	// hour slot [0,23].
	SubmitDayAhead(ctx context.Context, hour int, bid types.Bid) error
}

// HTTPSubmitter implements Submitter against the utility API. Submission is
// single-shot: failures are surfaced to the caller, never retried here.
type HTTPSubmitter struct {
	bidURL      string
	dayAheadURL string
	client      *http.Client
}

// Configured sets up the bid submitter based on flags.
func Configured() *HTTPSubmitter {
	s := &HTTPSubmitter{
		client: common.HTTPClient(10 * time.Second),
	}
	bidURL := lflag.String("bid-api-url", "https://opencbp.api.example.com/bid", "URL for fast DR bid submission")
	dayAheadURL := lflag.String("day-ahead-bid-api-url", "https://opencbp.api.example.com/day_ahead_bid", "URL for day-ahead bid submission")

	lflag.Do(func() {
		s.bidURL = *bidURL
		s.dayAheadURL = *dayAheadURL
	})

	return s
}

// Validate ensures the configuration is valid.
func (s *HTTPSubmitter) Validate() error {
	for name, u := range map[string]string{"bid-api-url": s.bidURL, "day-ahead-bid-api-url": s.dayAheadURL} {
		if u == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("failed to parse %s (%s): %w", name, u, err)
		}
	}
	return nil
}

// SubmitFastDR implements Submitter.
func (s *HTTPSubmitter) SubmitFastDR(ctx context.Context, bid types.Bid) error {
	if !bid.Participating() {
		return fmt.Errorf("refusing to submit a zero-capacity bid")
	}
	q := url.Values{
		"capacity": {formatBidValue(bid.CapacityKWH)},
		"price":    {formatBidValue(bid.PriceDollarsPerKWH)},
	}
	return s.post(ctx, s.bidURL, q)
}

// SubmitDayAhead implements Submitter.
func (s *HTTPSubmitter) SubmitDayAhead(ctx context.Context, hour int, bid types.Bid) error {
	if hour < 0 || hour >= types.ForecastHours {
		return fmt.Errorf("day-ahead hour out of range: %d", hour)
	}
	if !bid.Participating() {
		return fmt.Errorf("refusing to submit a zero-capacity bid")
	}
	q := url.Values{
		"hour":     {strconv.Itoa(hour)},
		"capacity": {formatBidValue(bid.CapacityKWH)},
		"price":    {formatBidValue(bid.PriceDollarsPerKWH)},
	}
	return s.post(ctx, s.dayAheadURL, q)
}

func (s *HTTPSubmitter) post(ctx context.Context, base string, q url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build bid request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit bid: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bid submission returned status %d", resp.StatusCode)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"bid submitted",
		slog.String("url", base),
		slog.String("query", q.Encode()),
	)
	return nil
}

// formatBidValue renders values in the utility API's fixed four-decimal
// query format.
func formatBidValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
