// Package strategy is the decision core of a battery-backed demand-response
// participant: given live battery state and short-horizon price/demand
// signals, it prices intraday Fast DR Dispatch events and allocates 24 hourly
// day-ahead capacity bids, tracking physical wear through a rainflow cycle
// accumulator that feeds the marginal-cost model.
//
// The package is a synchronous library with no I/O and no internal locking.
// One logical owner (the task runtime) serializes UpdateSOC and bidding calls
// under a single guard so state reads stay consistent.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/opencbp/opencbp/pkg/types"
)

// DrStrategy holds the battery state, cycle history, and market parameters of
// one demand-response participant.
type DrStrategy struct {
	cfg    BatteryConfig
	deg    DegradationParams
	market MarketParams
	tuning TuningConstants

	currentSOC float64
	cycles     *CycleAccumulator
}

// New creates a strategy for the given battery with all other parameters at
// their documented defaults. Parameters may be overridden before the first
// bid via SetMarketParams/SetTuning; degradation parameters are fixed at
// construction (use NewWithParams to change them).
func New(capacityKWH, roundTripEfficiency float64) (*DrStrategy, error) {
	return NewWithParams(
		DefaultBatteryConfig(capacityKWH, roundTripEfficiency),
		DefaultDegradationParams(),
		DefaultMarketParams(),
		DefaultTuning(),
	)
}

// NewWithParams creates a strategy from explicit parameters, failing loudly
// on any invalid configuration. The initial SOC is 50%, clamped into the
// operating window.
func NewWithParams(cfg BatteryConfig, deg DegradationParams, market MarketParams, tuning TuningConstants) (*DrStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deg.Validate(); err != nil {
		return nil, err
	}
	if err := market.Validate(); err != nil {
		return nil, err
	}
	return &DrStrategy{
		cfg:        cfg,
		deg:        deg,
		market:     market,
		tuning:     tuning,
		currentSOC: clamp(0.5, cfg.MinSOC, cfg.MaxSOC),
		cycles:     NewCycleAccumulator(),
	}, nil
}

// SetCycleAccumulator swaps in a differently-bounded accumulator (e.g. a
// ring buffer on memory-constrained targets). Must be called before any
// cycles are recorded.
func (s *DrStrategy) SetCycleAccumulator(a *CycleAccumulator) {
	s.cycles = a
}

// SetMarketParams atomically replaces the market tuning. Partial field
// updates are not permitted; callers replace the whole value between
// bidding calls.
func (s *DrStrategy) SetMarketParams(p MarketParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.market = p
	return nil
}

// SetTuning atomically replaces the model constants.
func (s *DrStrategy) SetTuning(t TuningConstants) {
	s.tuning = t
}

// Config returns the battery configuration.
func (s *DrStrategy) Config() BatteryConfig { return s.cfg }

// MarketParams returns the current market tuning.
func (s *DrStrategy) MarketParams() MarketParams { return s.market }

// Tuning returns the current model constants.
func (s *DrStrategy) Tuning() TuningConstants { return s.tuning }

// CurrentSOC returns the state of charge, always within [MinSOC, MaxSOC].
func (s *DrStrategy) CurrentSOC() float64 { return s.currentSOC }

// EquivalentFullCycles returns the accumulated cycle depth sum.
func (s *DrStrategy) EquivalentFullCycles() float64 { return s.cycles.EquivalentFullCycles() }

// Cycles exposes the cycle accumulator for inspection.
func (s *DrStrategy) Cycles() *CycleAccumulator { return s.cycles }

// AvailableCapacityKWH is the energy above the minimum SOC that could be
// discharged right now.
func (s *DrStrategy) AvailableCapacityKWH() float64 {
	return (s.currentSOC - s.cfg.MinSOC) * s.cfg.CapacityKWH
}

// FastDRBid decides whether to participate in an intraday Fast DR Dispatch
// event. It prices all currently-available capacity against a
// competition-aware equilibrium price and returns a zero bid when that price
// does not clear the marginal cost. hourOfDay is supplied by the caller so
// the decision is pure over the state snapshot.
func (s *DrStrategy) FastDRBid(marketPrice, gridDemandKW, timeWindowHours float64, hourOfDay int) (types.Bid, error) {
	if !isFinite(marketPrice) || !isFinite(gridDemandKW) || !isFinite(timeWindowHours) {
		return types.Bid{}, fmt.Errorf("%w: fast DR inputs must be finite", ErrInput)
	}

	// The synthetic rising forecast stands in for real market data here; the
	// hourly refresh feeds CBP instead. Kept for reproducibility.
	forecast := make([]float64, types.ForecastHours)
	for i := range forecast {
		forecast[i] = marketPrice * (1 + s.tuning.FastDRForecastSlope*float64(i))
	}
	return s.fastDRBidWithForecast(marketPrice, gridDemandKW, timeWindowHours, hourOfDay, forecast)
}

func (s *DrStrategy) fastDRBidWithForecast(marketPrice, gridDemandKW, timeWindowHours float64, hourOfDay int, forecast []float64) (types.Bid, error) {
	available := s.AvailableCapacityKWH()
	dodEstimate := available / s.cfg.CapacityKWH

	oppCost := s.tuning.OpportunityCost(forecast)
	marginalCost := s.MarginalCost(hourOfDay, dodEstimate, oppCost)
	nashPrice := s.market.NashEquilibriumPrice(s.tuning, marketPrice, gridDemandKW, s.tuning.FastDRCompetitors)

	if nashPrice <= marginalCost {
		// Not profitable to participate.
		return types.Bid{}, nil
	}

	capacity := math.Min(available, s.cfg.CapacityKWH*timeWindowHours*s.cfg.RoundTripEfficiency)
	if capacity <= 0 {
		// profitable but nothing to sell
		return types.Bid{}, nil
	}
	return types.Bid{
		CapacityKWH:        capacity,
		PriceDollarsPerKWH: nashPrice,
	}, nil
}

// CBPStrategy builds the 24 hourly day-ahead Capacity Bidding Program bids.
// Every hour gets a non-zero allocation weighted by the softmax; the price
// floor of marginalCost*(1+costMarkup) keeps a cost-plus margin even when
// market prices are depressed.
//
// The per-hour opportunity cost is computed over the day-ahead prices rotated
// left by that hour, modeling the remaining horizon as seen from that hour.
func (s *DrStrategy) CBPStrategy(dayAheadPrices []float64, peakMask []bool) ([]types.Bid, error) {
	if len(dayAheadPrices) != types.ForecastHours || len(peakMask) != types.ForecastHours {
		return nil, fmt.Errorf("%w: expected %d day-ahead prices and peak mask entries, got %d and %d",
			ErrInput, types.ForecastHours, len(dayAheadPrices), len(peakMask))
	}
	if !allFinite(dayAheadPrices) {
		return nil, fmt.Errorf("%w: day-ahead prices must be finite", ErrInput)
	}

	weights, err := s.tuning.CapacityAllocation(dayAheadPrices, peakMask)
	if err != nil {
		return nil, err
	}

	availableEnergy := s.cfg.CapacityKWH * (s.cfg.MaxSOC - s.cfg.MinSOC)

	bids := make([]types.Bid, types.ForecastHours)
	rotated := make([]float64, types.ForecastHours)
	for hour := range bids {
		for i := range rotated {
			rotated[i] = dayAheadPrices[(hour+i)%types.ForecastHours]
		}
		oppCost := s.tuning.OpportunityCost(rotated)

		hourCapacity := availableEnergy * weights[hour]
		dod := hourCapacity / s.cfg.CapacityKWH

		// The slot index doubles as the hour-of-day for the TOU base cost.
		marginalCost := s.MarginalCost(hour, dod, oppCost)

		markup := s.tuning.CBPOffPeakMarkup
		costMarkup := s.tuning.CBPOffPeakCostMarkup
		if peakMask[hour] {
			markup = s.tuning.CBPPeakMarkup
			costMarkup = s.tuning.CBPPeakCostMarkup
		}

		bids[hour] = types.Bid{
			CapacityKWH:        hourCapacity,
			PriceDollarsPerKWH: math.Max(dayAheadPrices[hour]*(1+markup), marginalCost*(1+costMarkup)),
		}
	}
	return bids, nil
}

// UpdateSOC applies a delivered-energy delta (positive = discharge, negative
// = charge), silently clamping the SOC into the operating window. A swing
// deeper than the cycle threshold is recorded as one rainflow cycle stamped
// with the given temperature and time. ErrCycleLogFull still advances the
// equivalent-full-cycle counter.
func (s *DrStrategy) UpdateSOC(energyDeliveredKWH, temperatureC float64, ts time.Time) error {
	if !isFinite(energyDeliveredKWH) {
		return fmt.Errorf("%w: delivered energy must be finite, got %v", ErrInput, energyDeliveredKWH)
	}
	if !isFinite(temperatureC) {
		temperatureC = s.tuning.DefaultTemperatureC
	}

	prev := s.currentSOC
	s.currentSOC = clamp(prev-energyDeliveredKWH/s.cfg.CapacityKWH, s.cfg.MinSOC, s.cfg.MaxSOC)

	depth := math.Abs(prev - s.currentSOC)
	if depth <= s.tuning.CycleDepthThreshold {
		return nil
	}
	return s.cycles.Add(types.RainflowCycle{
		Depth:        depth,
		MeanSOC:      (prev + s.currentSOC) / 2,
		TemperatureC: temperatureC,
		Timestamp:    ts,
	})
}

// SetSOC overwrites the state of charge from an authoritative telemetry
// reading, recording the swing as a cycle the same way UpdateSOC does.
func (s *DrStrategy) SetSOC(soc, temperatureC float64, ts time.Time) error {
	if !isFinite(soc) {
		return fmt.Errorf("%w: SOC must be finite, got %v", ErrInput, soc)
	}
	delta := (s.currentSOC - soc) * s.cfg.CapacityKWH
	return s.UpdateSOC(delta, temperatureC, ts)
}

// Snapshot captures the mutable state for persistence.
func (s *DrStrategy) Snapshot(now time.Time) types.StrategySnapshot {
	return types.StrategySnapshot{
		Version:              types.CurrentSnapshotVersion,
		Timestamp:            now,
		CurrentSOC:           s.currentSOC,
		EquivalentFullCycles: s.cycles.EquivalentFullCycles(),
		CycleLog:             s.cycles.Log(),
	}
}

// Restore replaces the mutable state from a snapshot, clamping the SOC into
// the operating window. The counter must not move backwards.
func (s *DrStrategy) Restore(snap types.StrategySnapshot) error {
	if !isFinite(snap.CurrentSOC) || !isFinite(snap.EquivalentFullCycles) {
		return fmt.Errorf("%w: snapshot values must be finite", ErrInput)
	}
	if snap.EquivalentFullCycles < s.cycles.EquivalentFullCycles() {
		return fmt.Errorf("%w: snapshot would rewind equivalent full cycles (%v -> %v)",
			ErrInput, s.cycles.EquivalentFullCycles(), snap.EquivalentFullCycles)
	}
	s.currentSOC = clamp(snap.CurrentSOC, s.cfg.MinSOC, s.cfg.MaxSOC)
	s.cycles.restore(snap.EquivalentFullCycles, snap.CycleLog)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
