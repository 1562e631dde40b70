package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencbp/opencbp/pkg/log"
	"github.com/opencbp/opencbp/pkg/storage/storagemock"
	"github.com/opencbp/opencbp/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type staticStatus struct {
	report types.StatusReport
}

func (s *staticStatus) Status() types.StatusReport { return s.report }

func newTestServer(t *testing.T, store *storagemock.Mock) (*Server, *httptest.Server) {
	t.Helper()
	srv := &Server{
		status: &staticStatus{report: types.StatusReport{
			CurrentSOC:           0.72,
			EquivalentFullCycles: 1.4,
			CycleCount:           3,
			AvailableCapacityKWH: 4.03,
			DREnabled:            true,
		}},
		storage: store,
		hub:     NewHub(),
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHandleStatus(t *testing.T) {
	_, ts := newTestServer(t, &storagemock.Mock{})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var report types.StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.InDelta(t, 0.72, report.CurrentSOC, 1e-12)
	assert.Equal(t, 3, report.CycleCount)
	assert.True(t, report.DREnabled)
}

func TestHandleBids(t *testing.T) {
	store := &storagemock.Mock{}
	_, ts := newTestServer(t, store)

	ctx := context.Background()
	require.NoError(t, store.InsertBidRecord(ctx, types.BidRecord{
		Timestamp: time.Now().Add(-time.Hour),
		Program:   types.BidProgramFastDR,
		Hour:      -1,
		Bid:       types.Bid{CapacityKWH: 5.2, PriceDollarsPerKWH: 0.54},
		Submitted: true,
	}))
	require.NoError(t, store.InsertBidRecord(ctx, types.BidRecord{
		// outside the default 24h window
		Timestamp: time.Now().Add(-48 * time.Hour),
		Program:   types.BidProgramCBP,
		Hour:      3,
	}))

	resp, err := http.Get(ts.URL + "/api/bids")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recs []types.BidRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, types.BidProgramFastDR, recs[0].Program)

	t.Run("Wider Window", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/bids?hours=72")
		require.NoError(t, err)
		defer resp.Body.Close()
		var recs []types.BidRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
		assert.Len(t, recs, 2)
	})

	t.Run("Invalid Hours", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/bids?hours=nope")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStream(t *testing.T) {
	srv, ts := newTestServer(t, &storagemock.Mock{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// wait for the hub to register the client
	require.Eventually(t, func() bool {
		return srv.hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	action := types.Action{
		Timestamp:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Reason:      types.ActionReasonFastDRAccepted,
		Description: "Fast DR bid accepted",
		SOC:         0.8,
	}
	srv.hub.PublishAction(action)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got types.Action
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, action.Reason, got.Reason)
	assert.InDelta(t, 0.8, got.SOC, 1e-12)
}
