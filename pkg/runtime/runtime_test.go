package runtime

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencbp/opencbp/pkg/bids"
	"github.com/opencbp/opencbp/pkg/log"
	"github.com/opencbp/opencbp/pkg/market"
	"github.com/opencbp/opencbp/pkg/storage/storagemock"
	"github.com/opencbp/opencbp/pkg/strategy"
	"github.com/opencbp/opencbp/pkg/sun"
	"github.com/opencbp/opencbp/pkg/telemetry"
	"github.com/opencbp/opencbp/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type fakeSink struct {
	mu      sync.Mutex
	actions []types.Action
}

func (f *fakeSink) PublishAction(a types.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
}

func (f *fakeSink) byReason(reason types.ActionReason) []types.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Action
	for _, a := range f.actions {
		if a.Reason == reason {
			out = append(out, a)
		}
	}
	return out
}

type fixture struct {
	rt    *Runtime
	strat *strategy.DrStrategy
	bms   *telemetry.MockBMS
	mkt   *market.Mock
	sub   *bids.Mock
	store *storagemock.Mock
	sink  *fakeSink
}

func newFixture(t *testing.T, strat *strategy.DrStrategy) *fixture {
	t.Helper()
	f := &fixture{
		strat: strat,
		bms:   &telemetry.MockBMS{SOCPercent: 50, TemperatureC: 25, DREnabled: true},
		mkt:   &market.Mock{},
		sub:   &bids.Mock{},
		store: &storagemock.Mock{},
		sink:  &fakeSink{},
	}
	f.rt = New(strat, f.bms, f.mkt, f.sub, f.store, sun.New(37.7749, -122.4194), f.sink)
	return f
}

func defaultStrategy(t *testing.T) *strategy.DrStrategy {
	t.Helper()
	s, err := strategy.New(6.5, 0.95)
	require.NoError(t, err)
	return s
}

// cheapWearStrategy has a low enough wear cost for strong markets to clear.
func cheapWearStrategy(t *testing.T) *strategy.DrStrategy {
	t.Helper()
	deg := strategy.DefaultDegradationParams()
	deg.ReplacementCostUSD = 400
	s, err := strategy.NewWithParams(
		strategy.DefaultBatteryConfig(6.5, 0.95),
		deg,
		strategy.DefaultMarketParams(),
		strategy.DefaultTuning(),
	)
	require.NoError(t, err)
	return s
}

func marketSnapshot(price, demand float64, competitors int) types.MarketSnapshot {
	snap := types.MarketSnapshot{
		FetchedAt:      time.Date(2025, 6, 15, 1, 0, 0, 0, time.UTC),
		NumCompetitors: competitors,
	}
	for i := range snap.PriceForecast {
		snap.PriceForecast[i] = price
		snap.GridDemandForecast[i] = demand
	}
	return snap
}

func TestPollTelemetry(t *testing.T) {
	ctx := context.Background()

	t.Run("Filter Converges And Updates Strategy", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.bms.SetSOCPercent(80)

		now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, f.rt.PollTelemetryOnce(ctx, now.Add(time.Duration(i)*time.Second)))
		}
		assert.InDelta(t, 0.8, f.strat.CurrentSOC(), 1e-9)
	})

	t.Run("Safety Latch Disables DR Below Minimum", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.bms.SetSOCPercent(5)

		now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 6; i++ {
			require.NoError(t, f.rt.PollTelemetryOnce(ctx, now.Add(time.Duration(i)*time.Second)))
		}

		require.NotEmpty(t, f.bms.DRWrites)
		assert.False(t, f.bms.DRWrites[len(f.bms.DRWrites)-1])
		require.Len(t, f.sink.byReason(types.ActionReasonSOCSafetyLatch), 1, "latch action should fire once")

		// SOC stays clamped at the floor
		assert.InDelta(t, 0.1, f.strat.CurrentSOC(), 1e-9)
	})

	t.Run("Anti-Flutter Re-Enables After An Hour", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.bms.SetSOCPercent(5)

		now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 6; i++ {
			require.NoError(t, f.rt.PollTelemetryOnce(ctx, now.Add(time.Duration(i)*time.Second)))
		}
		require.False(t, f.bms.DREnabled)

		// battery recovers, but the flutter timer hasn't expired yet
		f.bms.SetSOCPercent(80)
		require.NoError(t, f.rt.PollTelemetryOnce(ctx, now.Add(time.Minute)))
		assert.False(t, f.bms.DREnabled)

		// an hour later DR events come back
		require.NoError(t, f.rt.PollTelemetryOnce(ctx, now.Add(2*time.Hour)))
		assert.True(t, f.bms.DREnabled)
		require.Len(t, f.sink.byReason(types.ActionReasonAntiFlutterReset), 1)
	})

	t.Run("Temperature Failure Uses Default", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.bms.SetSOCPercent(90)
		f.bms.TemperatureC = 31.5
		f.bms.TempErr = assert.AnError

		now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, f.rt.PollTelemetryOnce(ctx, now.Add(time.Duration(i)*time.Second)))
		}
		require.NotZero(t, f.strat.Cycles().Len())
		assert.InDelta(t, 25.0, f.strat.Cycles().Log()[0].TemperatureC, 1e-9)
	})
}

func TestRunFastDR(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 20, 0, 0, 0, time.UTC)

	t.Run("Accepted Bid Commands Discharge And Submits", func(t *testing.T) {
		f := newFixture(t, cheapWearStrategy(t))
		require.NoError(t, f.strat.SetSOC(0.9, 25, now))
		f.mkt.SetSnapshot(marketSnapshot(0.50, 40000, 10))

		require.NoError(t, f.rt.RunFastDROnce(ctx, now))

		require.Len(t, f.bms.DischargeRates, 1)
		assert.InDelta(t, 5.2, f.bms.DischargeRates[0], 1e-9)

		subs := f.sub.Recorded()
		require.Len(t, subs, 1)
		assert.Equal(t, -1, subs[0].Hour)
		assert.InDelta(t, 0.54, subs[0].Bid.PriceDollarsPerKWH, 1e-9)

		recs := f.store.RecordedBids()
		require.Len(t, recs, 1)
		assert.Equal(t, types.BidProgramFastDR, recs[0].Program)
		assert.True(t, recs[0].Submitted)
		assert.InDelta(t, 0.50, recs[0].MarketUSD, 1e-12)

		// an accepted bid persists a snapshot
		assert.Equal(t, 1, f.store.SaveSnapshotCalls)
		require.Len(t, f.sink.byReason(types.ActionReasonFastDRAccepted), 1)
	})

	t.Run("Unprofitable Bid Is Skipped", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.mkt.SetSnapshot(marketSnapshot(0.05, 100, 10))

		require.NoError(t, f.rt.RunFastDROnce(ctx, now))
		assert.Empty(t, f.bms.DischargeRates)
		assert.Empty(t, f.sub.Recorded())
		assert.Empty(t, f.store.RecordedBids())
		require.Len(t, f.sink.byReason(types.ActionReasonFastDRSkipped), 1)
	})

	t.Run("Disabled Latch Skips Evaluation", func(t *testing.T) {
		f := newFixture(t, cheapWearStrategy(t))
		f.mkt.SetSnapshot(marketSnapshot(0.50, 40000, 10))
		f.bms.SetDREnabled(false)

		require.NoError(t, f.rt.RunFastDROnce(ctx, now))
		assert.Empty(t, f.sub.Recorded())
		assert.Empty(t, f.sink.byReason(types.ActionReasonFastDRSkipped))
	})

	t.Run("No Market Data Skips Evaluation", func(t *testing.T) {
		f := newFixture(t, cheapWearStrategy(t))
		require.NoError(t, f.rt.RunFastDROnce(ctx, now))
		assert.Empty(t, f.sub.Recorded())
	})

	t.Run("Submission Failure Is Recorded", func(t *testing.T) {
		f := newFixture(t, cheapWearStrategy(t))
		require.NoError(t, f.strat.SetSOC(0.9, 25, now))
		f.mkt.SetSnapshot(marketSnapshot(0.50, 40000, 10))
		f.sub.Err = assert.AnError

		require.NoError(t, f.rt.RunFastDROnce(ctx, now))
		recs := f.store.RecordedBids()
		require.Len(t, recs, 1)
		assert.False(t, recs[0].Submitted)
		assert.NotEmpty(t, recs[0].Error)
	})
}

func TestRunCBP(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 2, 0, 0, 0, time.UTC)

	t.Run("Submits All Hour Slots", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		snap := marketSnapshot(0.10, 20000, 10)
		for h := 13; h <= 18; h++ {
			snap.PriceForecast[h] = 0.40
		}
		f.mkt.Snap = snap
		f.mkt.Fetched = true

		require.NoError(t, f.rt.RunCBPOnce(ctx, now))

		subs := f.sub.Recorded()
		require.Len(t, subs, types.ForecastHours)
		for i, sub := range subs {
			assert.Equal(t, i, sub.Hour)
			assert.Greater(t, sub.Bid.CapacityKWH, 0.0)
		}

		// peak hours got more capacity than off-peak ones
		assert.Greater(t, subs[15].Bid.CapacityKWH, 2*subs[0].Bid.CapacityKWH)

		assert.Len(t, f.store.RecordedBids(), types.ForecastHours)
		assert.Equal(t, 1, f.store.SaveSnapshotCalls)
		require.Len(t, f.sink.byReason(types.ActionReasonCBPSubmitted), 1)
	})

	t.Run("Runs Once Per Day", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.mkt.Snap = marketSnapshot(0.10, 20000, 10)
		f.mkt.Fetched = true

		require.True(t, f.rt.cbpDue(now))
		require.NoError(t, f.rt.RunCBPOnce(ctx, now))
		assert.False(t, f.rt.cbpDue(now.Add(10*time.Minute)), "already submitted today")
		assert.True(t, f.rt.cbpDue(now.Add(24*time.Hour)), "due again the next day")
		assert.False(t, f.rt.cbpDue(now.Add(3*time.Hour)), "wrong hour")
	})

	t.Run("Falls Back To Cached Snapshot", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.mkt.Snap = marketSnapshot(0.10, 20000, 10)
		f.mkt.Fetched = true
		f.mkt.RefreshErr = assert.AnError

		require.NoError(t, f.rt.RunCBPOnce(ctx, now))
		assert.Len(t, f.sub.Recorded(), types.ForecastHours)
	})

	t.Run("Fails Without Any Market Data", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.mkt.RefreshErr = assert.AnError
		require.Error(t, f.rt.RunCBPOnce(ctx, now))
	})
}

func TestRestoreState(t *testing.T) {
	ctx := context.Background()

	t.Run("No Snapshot Is A No-Op", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		require.NoError(t, f.rt.RestoreState(ctx))
		assert.InDelta(t, 0.5, f.strat.CurrentSOC(), 1e-12)
	})

	t.Run("Restores SOC And Cycles", func(t *testing.T) {
		f := newFixture(t, defaultStrategy(t))
		f.store.Snap = types.StrategySnapshot{
			Version:              types.CurrentSnapshotVersion,
			CurrentSOC:           0.75,
			EquivalentFullCycles: 2.5,
			CycleLog:             []types.RainflowCycle{{Depth: 0.5, MeanSOC: 0.4, TemperatureC: 25}},
		}
		f.store.HasSnap = true

		require.NoError(t, f.rt.RestoreState(ctx))
		assert.InDelta(t, 0.75, f.strat.CurrentSOC(), 1e-12)
		assert.InDelta(t, 2.5, f.strat.EquivalentFullCycles(), 1e-12)
		assert.Equal(t, 1, f.strat.Cycles().Len())
	})
}

func TestStatus(t *testing.T) {
	f := newFixture(t, defaultStrategy(t))
	f.mkt.SetSnapshot(marketSnapshot(0.25, 30000, 7))

	report := f.rt.Status()
	assert.InDelta(t, 0.5, report.CurrentSOC, 1e-12)
	assert.InDelta(t, (0.5-0.1)*6.5, report.AvailableCapacityKWH, 1e-9)
	assert.True(t, report.DREnabled)
	assert.True(t, report.MarketFetched)
	assert.Equal(t, 7, report.Market.NumCompetitors)
	assert.False(t, report.Sun.Sunrise.IsZero())
	assert.False(t, report.Sun.Sunset.IsZero())
}
