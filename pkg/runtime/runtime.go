// Package runtime owns the strategy engine and runs the daemon's tasks: the
// telemetry poller, the fast DR bidder, the hourly market refresh, and the
// daily day-ahead bidder. The strategy core is thread-oblivious; every access
// here goes through one mutex so SOC updates and bidding reads stay
// consistent.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/opencbp/opencbp/pkg/bids"
	"github.com/opencbp/opencbp/pkg/log"
	"github.com/opencbp/opencbp/pkg/market"
	"github.com/opencbp/opencbp/pkg/storage"
	"github.com/opencbp/opencbp/pkg/strategy"
	"github.com/opencbp/opencbp/pkg/sun"
	"github.com/opencbp/opencbp/pkg/telemetry"
	"github.com/opencbp/opencbp/pkg/types"
)

// peakHourCount is the reference "top-6 hours by forecast price" policy used
// when no exogenous peak mask is available.
const peakHourCount = 6

// ActionSink receives runtime actions for the live stream.
type ActionSink interface {
	PublishAction(types.Action)
}

// Runtime drives the bidding tasks around one DrStrategy instance.
type Runtime struct {
	// mu is the single guard serializing all strategy access.
	mu    sync.Mutex
	strat *strategy.DrStrategy

	bms       telemetry.BMS
	market    market.Source
	submitter bids.Submitter
	store     storage.Provider
	sun       *sun.Locator
	sink      ActionSink

	filter *telemetry.SOCFilter

	// drEnabled mirrors the last latch state written to the BMS.
	drEnabled        bool
	lastFlutterReset time.Time

	// lastCBPDate guards the once-per-day day-ahead submission.
	lastCBPDate string

	pollInterval    time.Duration
	fastDRInterval  time.Duration
	marketInterval  time.Duration
	flutterInterval time.Duration
	cbpHour         int
	timeWindowHours float64
}

// Configured initializes the Runtime with dependencies and constructs the
// strategy engine from the battery flags.
// It uses lflag to register command-line flags for configuration.
func Configured(bms telemetry.BMS, src market.Source, submitter bids.Submitter, store storage.Provider, locator *sun.Locator, sink ActionSink) *Runtime {
	r := New(nil, bms, src, submitter, store, locator, sink)

	capacityKWH := lflag.Float64("battery-capacity-kwh", 6.5, "Usable battery capacity in kWh")
	efficiency := lflag.Float64("battery-efficiency", 0.95, "Battery round-trip efficiency (0,1]")
	pollInterval := lflag.Duration("telemetry-poll-interval", time.Second, "How often to poll the BMS")
	fastDRInterval := lflag.Duration("fast-dr-interval", time.Minute, "How often to evaluate fast DR dispatch")
	marketInterval := lflag.Duration("market-refresh-interval", time.Hour, "How often to refresh market data")
	cbpHour := lflag.Int("cbp-hour", 2, "Local hour of day to submit day-ahead bids")
	timeWindow := lflag.Float64("fast-dr-window-hours", 1.0, "Fast DR dispatch window in hours")

	lflag.Do(func() {
		strat, err := strategy.New(*capacityKWH, *efficiency)
		if err != nil {
			panic(fmt.Sprintf("strategy construction failed: %v", err))
		}
		r.strat = strat
		r.pollInterval = *pollInterval
		r.fastDRInterval = *fastDRInterval
		r.marketInterval = *marketInterval
		r.cbpHour = *cbpHour
		r.timeWindowHours = *timeWindow
	})

	return r
}

// New builds a Runtime with default intervals; tests override fields or call
// the single-step methods directly.
func New(strat *strategy.DrStrategy, bms telemetry.BMS, src market.Source, submitter bids.Submitter, store storage.Provider, locator *sun.Locator, sink ActionSink) *Runtime {
	return &Runtime{
		strat:           strat,
		bms:             bms,
		market:          src,
		submitter:       submitter,
		store:           store,
		sun:             locator,
		sink:            sink,
		filter:          telemetry.NewSOCFilter(0.5),
		drEnabled:       true,
		pollInterval:    time.Second,
		fastDRInterval:  time.Minute,
		marketInterval:  time.Hour,
		flutterInterval: time.Hour,
		cbpHour:         2,
		timeWindowHours: 1.0,
	}
}

// RestoreState loads the persisted strategy snapshot, if any.
func (r *Runtime) RestoreState(ctx context.Context) error {
	snap, ok, err := r.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load strategy snapshot: %w", err)
	}
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.strat.Restore(snap); err != nil {
		return fmt.Errorf("failed to restore strategy snapshot: %w", err)
	}
	r.filter = telemetry.NewSOCFilter(snap.CurrentSOC)
	log.Ctx(ctx).InfoContext(
		ctx,
		"restored strategy state",
		slog.Float64("soc", snap.CurrentSOC),
		slog.Float64("equivalentFullCycles", snap.EquivalentFullCycles),
		slog.Int("cycleRecords", len(snap.CycleLog)),
	)
	return nil
}

// Run drives all tasks until the context is canceled, then persists a final
// snapshot.
func (r *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	loop := func(name string, interval time.Duration, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lctx := log.WithAttrs(ctx, slog.String("task", name))
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(lctx)
				}
			}
		}()
	}

	loop("telemetry", r.pollInterval, func(ctx context.Context) {
		if err := r.PollTelemetryOnce(ctx, time.Now()); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "telemetry poll failed", slog.Any("error", err))
		}
	})
	loop("fastdr", r.fastDRInterval, func(ctx context.Context) {
		if err := r.RunFastDROnce(ctx, time.Now()); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "fast DR evaluation failed", slog.Any("error", err))
		}
	})
	loop("market", r.marketInterval, func(ctx context.Context) {
		if err := r.RefreshMarketOnce(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "market refresh failed", slog.Any("error", err))
		}
	})
	loop("cbp", time.Minute, func(ctx context.Context) {
		now := time.Now()
		if !r.cbpDue(now) {
			return
		}
		if err := r.RunCBPOnce(ctx, now); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "day-ahead bidding failed", slog.Any("error", err))
		}
	})

	window := r.sun.Window(time.Now())
	log.Ctx(ctx).InfoContext(
		ctx,
		"daylight window",
		slog.Time("sunrise", window.Sunrise),
		slog.Time("sunset", window.Sunset),
	)

	// prime market data so the first fast DR evaluation has something to use
	if err := r.RefreshMarketOnce(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "initial market refresh failed", slog.Any("error", err))
	}

	<-ctx.Done()
	wg.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.persistSnapshot(saveCtx); err != nil {
		return fmt.Errorf("failed to persist final snapshot: %w", err)
	}
	return nil
}

// cbpDue reports whether the daily day-ahead submission should run now.
func (r *Runtime) cbpDue(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Hour() == r.cbpHour && r.lastCBPDate != now.Format(time.DateOnly)
}

// PollTelemetryOnce reads one BMS sample, filters it, feeds the strategy, and
// enforces the minimum-SOC safety latch with its anti-flutter timer.
func (r *Runtime) PollTelemetryOnce(ctx context.Context, now time.Time) error {
	rawSOC, err := r.bms.ReadSOCPercent()
	if err != nil {
		return fmt.Errorf("failed to read SOC: %w", err)
	}

	temperature, err := r.bms.ReadTemperatureC()
	if err != nil {
		// run on the default temperature rather than dropping the sample
		log.Ctx(ctx).WarnContext(ctx, "failed to read temperature, using default", slog.Any("error", err))
		temperature = 25.0
	}

	r.mu.Lock()
	filtered := r.filter.Push(rawSOC / 100.0)
	if err := r.strat.SetSOC(filtered, temperature, now); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to update SOC: %w", err)
	}
	soc := r.strat.CurrentSOC()
	minSOC := r.strat.Config().MinSOC
	wasEnabled := r.drEnabled
	lastReset := r.lastFlutterReset
	r.mu.Unlock()

	if filtered < minSOC {
		if wasEnabled {
			if err := r.bms.WriteDREnabled(false); err != nil {
				return fmt.Errorf("failed to disable DR events: %w", err)
			}
			r.mu.Lock()
			r.drEnabled = false
			r.lastFlutterReset = now
			r.mu.Unlock()
			r.publish(ctx, types.Action{
				Timestamp:   now,
				Reason:      types.ActionReasonSOCSafetyLatch,
				Description: fmt.Sprintf("SOC below minimum threshold (%.1f%%). DR events disabled.", minSOC*100),
				SOC:         soc,
			})
		}
		return nil
	}

	// re-enable only after the anti-flutter timer expires
	if !wasEnabled && now.Sub(lastReset) >= r.flutterInterval {
		if err := r.bms.WriteDREnabled(true); err != nil {
			return fmt.Errorf("failed to re-enable DR events: %w", err)
		}
		r.mu.Lock()
		r.drEnabled = true
		r.lastFlutterReset = now
		r.mu.Unlock()
		r.publish(ctx, types.Action{
			Timestamp:   now,
			Reason:      types.ActionReasonAntiFlutterReset,
			Description: "Anti-flutter timer expired. DR events enabled.",
			SOC:         soc,
		})
	}
	return nil
}

// RunFastDROnce evaluates one fast DR dispatch opportunity against the
// current hour's market data.
func (r *Runtime) RunFastDROnce(ctx context.Context, now time.Time) error {
	enabled, err := r.bms.ReadDREnabled()
	if err != nil {
		return fmt.Errorf("failed to read DR status: %w", err)
	}
	if !enabled {
		log.Ctx(ctx).DebugContext(ctx, "DR events disabled, skipping fast DR")
		return nil
	}

	snap, ok := r.market.Snapshot()
	if !ok {
		log.Ctx(ctx).DebugContext(ctx, "no market data yet, skipping fast DR")
		return nil
	}

	hour := now.Hour()
	price := snap.PriceForecast[hour]
	demand := snap.GridDemandForecast[hour]

	r.mu.Lock()
	bid, err := r.strat.FastDRBid(price, demand, r.timeWindowHours, hour)
	soc := r.strat.CurrentSOC()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("fast DR bid failed: %w", err)
	}

	if !bid.Participating() {
		log.Ctx(ctx).DebugContext(
			ctx,
			"fast DR not profitable",
			slog.Float64("marketPrice", price),
			slog.Float64("gridDemand", demand),
		)
		r.publish(ctx, types.Action{
			Timestamp:   now,
			Reason:      types.ActionReasonFastDRSkipped,
			Description: "Not profitable to participate at current price.",
			SOC:         soc,
		})
		return nil
	}

	if err := r.bms.WriteDischargeRate(bid.CapacityKWH); err != nil {
		return fmt.Errorf("failed to command discharge: %w", err)
	}

	rec := types.BidRecord{
		Timestamp: now,
		Program:   types.BidProgramFastDR,
		Hour:      -1,
		Bid:       bid,
		MarketUSD: price,
	}
	if err := r.submitter.SubmitFastDR(ctx, bid); err != nil {
		rec.Error = err.Error()
		log.Ctx(ctx).WarnContext(ctx, "fast DR submission failed", slog.Any("error", err))
	} else {
		rec.Submitted = true
	}

	if err := r.store.InsertBidRecord(ctx, rec); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record fast DR bid", slog.Any("error", err))
	}
	if err := r.persistSnapshot(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist snapshot", slog.Any("error", err))
	}

	r.publish(ctx, types.Action{
		Timestamp: now,
		Reason:    types.ActionReasonFastDRAccepted,
		Description: fmt.Sprintf("Fast DR dispatch: %.2f kWh at $%.4f/kWh.",
			bid.CapacityKWH, bid.PriceDollarsPerKWH),
		Bids: []types.BidRecord{rec},
		SOC:  soc,
	})
	return nil
}

// RefreshMarketOnce pulls fresh market data from the utility.
func (r *Runtime) RefreshMarketOnce(ctx context.Context) error {
	snap, err := r.market.Refresh(ctx)
	if err != nil {
		return err
	}

	minPrice, maxPrice := snap.PriceForecast[0], snap.PriceForecast[0]
	for _, p := range snap.PriceForecast[1:] {
		if p < minPrice {
			minPrice = p
		}
		if p > maxPrice {
			maxPrice = p
		}
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"market data updated",
		slog.Float64("minPrice", minPrice),
		slog.Float64("maxPrice", maxPrice),
		slog.Int("competitors", snap.NumCompetitors),
	)
	return nil
}

// RunCBPOnce refreshes market data, derives the peak mask, and submits all
// 24 day-ahead bids.
func (r *Runtime) RunCBPOnce(ctx context.Context, now time.Time) error {
	snap, err := r.market.Refresh(ctx)
	if err != nil {
		// fall back to the cached snapshot; day-ahead bidding runs once a day
		var ok bool
		snap, ok = r.market.Snapshot()
		if !ok {
			return fmt.Errorf("no market data available for day-ahead bidding: %w", err)
		}
		log.Ctx(ctx).WarnContext(ctx, "using cached market data for day-ahead bidding", slog.Any("error", err))
	}

	mask := strategy.TopPeakHours(snap.PriceForecast, peakHourCount)

	r.mu.Lock()
	hourBids, err := r.strat.CBPStrategy(snap.PriceForecast[:], mask[:])
	soc := r.strat.CurrentSOC()
	if err == nil {
		r.lastCBPDate = now.Format(time.DateOnly)
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("day-ahead strategy failed: %w", err)
	}

	recs := make([]types.BidRecord, 0, len(hourBids))
	for hour, bid := range hourBids {
		if !bid.Participating() {
			// zero-capacity entries are skipped by the submitter contract
			continue
		}
		rec := types.BidRecord{
			Timestamp: now,
			Program:   types.BidProgramCBP,
			Hour:      hour,
			Bid:       bid,
			MarketUSD: snap.PriceForecast[hour],
		}
		if err := r.submitter.SubmitDayAhead(ctx, hour, bid); err != nil {
			rec.Error = err.Error()
			log.Ctx(ctx).WarnContext(
				ctx,
				"day-ahead submission failed",
				slog.Int("hour", hour),
				slog.Any("error", err),
			)
		} else {
			rec.Submitted = true
		}
		if err := r.store.InsertBidRecord(ctx, rec); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to record day-ahead bid", slog.Any("error", err))
		}
		recs = append(recs, rec)
	}

	if err := r.persistSnapshot(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist snapshot", slog.Any("error", err))
	}

	r.publish(ctx, types.Action{
		Timestamp:   now,
		Reason:      types.ActionReasonCBPSubmitted,
		Description: fmt.Sprintf("Submitted %d day-ahead bids.", len(recs)),
		Bids:        recs,
		SOC:         soc,
	})
	return nil
}

// Status implements server.StatusProvider.
func (r *Runtime) Status() types.StatusReport {
	now := time.Now()
	marketSnap, fetched := r.market.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	return types.StatusReport{
		Timestamp:            now,
		CurrentSOC:           r.strat.CurrentSOC(),
		EquivalentFullCycles: r.strat.EquivalentFullCycles(),
		CycleCount:           r.strat.Cycles().Len(),
		AvailableCapacityKWH: r.strat.AvailableCapacityKWH(),
		DREnabled:            r.drEnabled,
		Market:               marketSnap,
		MarketFetched:        fetched,
		Sun:                  r.sun.Window(now),
	}
}

func (r *Runtime) persistSnapshot(ctx context.Context) error {
	r.mu.Lock()
	snap := r.strat.Snapshot(time.Now())
	r.mu.Unlock()
	return r.store.SaveSnapshot(ctx, snap)
}

func (r *Runtime) publish(ctx context.Context, action types.Action) {
	if r.sink != nil {
		r.sink.PublishAction(action)
	}
	if err := r.store.InsertAction(ctx, action); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to record action", slog.Any("error", err))
	}
}
