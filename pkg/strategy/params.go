package strategy

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrConfiguration indicates invalid constructor arguments. Fatal at
	// construction; a strategy is never created from a bad config.
	ErrConfiguration = errors.New("invalid strategy configuration")

	// ErrInput indicates a bad argument to an operation (wrong-length
	// forecast or mask, non-finite number). The call fails without any
	// state change.
	ErrInput = errors.New("invalid input")

	// ErrCycleLogFull indicates the bounded cycle log could not grow. The
	// equivalent-full-cycle counter is still updated when this is returned.
	ErrCycleLogFull = errors.New("cycle log full")
)

// BatteryConfig describes the physical battery. Immutable after construction.
type BatteryConfig struct {
	// CapacityKWH is the usable battery capacity, > 0.
	CapacityKWH float64 `json:"capacityKWH"`
	// RoundTripEfficiency is the charge/discharge round-trip efficiency in (0,1].
	RoundTripEfficiency float64 `json:"roundTripEfficiency"`
	// MinSOC and MaxSOC bound the operating window, 0 <= MinSOC < MaxSOC <= 1.
	MinSOC float64 `json:"minSOC"`
	MaxSOC float64 `json:"maxSOC"`
}

// DefaultBatteryConfig returns the reference operating window for the given
// capacity and efficiency.
func DefaultBatteryConfig(capacityKWH, roundTripEfficiency float64) BatteryConfig {
	return BatteryConfig{
		CapacityKWH:         capacityKWH,
		RoundTripEfficiency: roundTripEfficiency,
		MinSOC:              0.1,
		MaxSOC:              0.9,
	}
}

// Validate checks the config, returning a ErrConfiguration-wrapped error on
// the first violation.
func (c BatteryConfig) Validate() error {
	if !isFinite(c.CapacityKWH) || c.CapacityKWH <= 0 {
		return fmt.Errorf("%w: capacity must be a positive finite kWh value, got %v", ErrConfiguration, c.CapacityKWH)
	}
	if !isFinite(c.RoundTripEfficiency) || c.RoundTripEfficiency <= 0 || c.RoundTripEfficiency > 1 {
		return fmt.Errorf("%w: round-trip efficiency must be in (0,1], got %v", ErrConfiguration, c.RoundTripEfficiency)
	}
	if !isFinite(c.MinSOC) || !isFinite(c.MaxSOC) || c.MinSOC < 0 || c.MaxSOC > 1 || c.MinSOC >= c.MaxSOC {
		return fmt.Errorf("%w: SOC window must satisfy 0 <= min < max <= 1, got [%v,%v]", ErrConfiguration, c.MinSOC, c.MaxSOC)
	}
	return nil
}

// DegradationParams are the Millner (2010) exponential stress coefficients for
// the battery chemistry. Immutable after construction.
type DegradationParams struct {
	// ReplacementCostUSD is the full battery replacement cost.
	ReplacementCostUSD float64 `json:"replacementCostUSD"`
	// KDeltaE1 and KDeltaE2 are the exponential stress model coefficients.
	KDeltaE1 float64 `json:"kDeltaE1"`
	KDeltaE2 float64 `json:"kDeltaE2"`
	// CyclesToEOLRef is the manufacturer cycle rating at reference DoD and
	// 25 degC. Treated as a tunable, not a physical fact.
	CyclesToEOLRef float64 `json:"cyclesToEOLRef"`
}

// DefaultDegradationParams returns parameters for an LFP pack
// (ExpertPower EP512100 reference system).
func DefaultDegradationParams() DegradationParams {
	return DegradationParams{
		ReplacementCostUSD: 4000.0,
		KDeltaE1:           0.693,
		KDeltaE2:           3.31,
		CyclesToEOLRef:     5000,
	}
}

// Validate checks the parameters, returning a ErrConfiguration-wrapped error
// on the first violation.
func (p DegradationParams) Validate() error {
	if !isFinite(p.ReplacementCostUSD) || p.ReplacementCostUSD <= 0 {
		return fmt.Errorf("%w: replacement cost must be positive, got %v", ErrConfiguration, p.ReplacementCostUSD)
	}
	if !isFinite(p.KDeltaE1) || p.KDeltaE1 <= 0 || !isFinite(p.KDeltaE2) || p.KDeltaE2 <= 0 {
		return fmt.Errorf("%w: stress coefficients must be positive, got k1=%v k2=%v", ErrConfiguration, p.KDeltaE1, p.KDeltaE2)
	}
	if !isFinite(p.CyclesToEOLRef) || p.CyclesToEOLRef <= 0 {
		return fmt.Errorf("%w: cycles to EOL must be positive, got %v", ErrConfiguration, p.CyclesToEOLRef)
	}
	return nil
}

// MarketParams tune the competition model. Mutable between bidding calls
// (replaced as a whole, never field-by-field mid-calculation); a
// parameter-tuning collaborator may update them from historical analysis.
type MarketParams struct {
	// RiskFactor is a flat $/kWh premium added to every marginal cost.
	RiskFactor float64 `json:"riskFactor"`
	// Alpha scales the demand-driven markup.
	Alpha float64 `json:"alpha"`
	// Beta is the competition sensitivity; more competitors shrink the markup.
	Beta float64 `json:"beta"`
	// MaxGridDemandKW is the demand saturation point.
	MaxGridDemandKW float64 `json:"maxGridDemandKW"`
}

// DefaultMarketParams returns the reference market tuning.
func DefaultMarketParams() MarketParams {
	return MarketParams{
		RiskFactor:      0.05,
		Alpha:           0.3,
		Beta:            0.2,
		MaxGridDemandKW: 50000.0,
	}
}

// Validate checks the parameters, returning a ErrConfiguration-wrapped error
// on the first violation.
func (p MarketParams) Validate() error {
	if !isFinite(p.RiskFactor) || p.RiskFactor < 0 {
		return fmt.Errorf("%w: risk factor must be >= 0, got %v", ErrConfiguration, p.RiskFactor)
	}
	if !isFinite(p.Alpha) || p.Alpha < 0 || !isFinite(p.Beta) || p.Beta < 0 {
		return fmt.Errorf("%w: alpha and beta must be >= 0, got alpha=%v beta=%v", ErrConfiguration, p.Alpha, p.Beta)
	}
	if !isFinite(p.MaxGridDemandKW) || p.MaxGridDemandKW <= 0 {
		return fmt.Errorf("%w: max grid demand must be positive, got %v", ErrConfiguration, p.MaxGridDemandKW)
	}
	return nil
}

// TuningConstants name every constant of the bidding model so tests can drive
// edge cases without patching globals.
type TuningConstants struct {
	// Time-of-use base energy cost, $/kWh. The daytime premium reflects
	// higher procurement cost. The day window is inclusive on both ends.
	DayBaseCost   float64 `json:"dayBaseCost"`
	NightBaseCost float64 `json:"nightBaseCost"`
	DayStartHour  int     `json:"dayStartHour"`
	DayEndHour    int     `json:"dayEndHour"`

	// ForecastDiscount is the per-hour time-value discount applied to future
	// prices; OpportunityWeight halves the best discounted price to reflect
	// uncertainty.
	ForecastDiscount  float64 `json:"forecastDiscount"`
	OpportunityWeight float64 `json:"opportunityWeight"`

	// DemandFactorCap bounds grid_demand / max_grid_demand.
	DemandFactorCap float64 `json:"demandFactorCap"`

	// SoftmaxGamma concentrates CBP allocation on high-revenue hours;
	// PeakRevenueMultiplier boosts expected revenue on peak-mask hours.
	SoftmaxGamma          float64 `json:"softmaxGamma"`
	PeakRevenueMultiplier float64 `json:"peakRevenueMultiplier"`

	// FastDRForecastSlope builds the synthetic rising forecast
	// market_price * (1 + slope*i); FastDRCompetitors is the assumed
	// competitor count for fast dispatch.
	FastDRForecastSlope float64 `json:"fastDRForecastSlope"`
	FastDRCompetitors   int     `json:"fastDRCompetitors"`

	// CBP bid-price markups over the day-ahead price and over marginal cost.
	CBPPeakMarkup        float64 `json:"cbpPeakMarkup"`
	CBPOffPeakMarkup     float64 `json:"cbpOffPeakMarkup"`
	CBPPeakCostMarkup    float64 `json:"cbpPeakCostMarkup"`
	CBPOffPeakCostMarkup float64 `json:"cbpOffPeakCostMarkup"`

	// CycleDepthThreshold gates rainflow recording; swings at or below it are
	// noise, not cycles.
	CycleDepthThreshold float64 `json:"cycleDepthThreshold"`

	// DefaultTemperatureC is recorded on cycles when no telemetry
	// temperature is available.
	DefaultTemperatureC float64 `json:"defaultTemperatureC"`
}

// DefaultTuning returns the reference model constants.
func DefaultTuning() TuningConstants {
	return TuningConstants{
		DayBaseCost:           0.29,
		NightBaseCost:         0.10,
		DayStartHour:          6,
		DayEndHour:            18,
		ForecastDiscount:      0.9,
		OpportunityWeight:     0.5,
		DemandFactorCap:       1.5,
		SoftmaxGamma:          2.0,
		PeakRevenueMultiplier: 1.2,
		FastDRForecastSlope:   0.05,
		FastDRCompetitors:     10,
		CBPPeakMarkup:         0.15,
		CBPOffPeakMarkup:      0.05,
		CBPPeakCostMarkup:     0.20,
		CBPOffPeakCostMarkup:  0.10,
		CycleDepthThreshold:   0.01,
		DefaultTemperatureC:   25.0,
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if !isFinite(v) {
			return false
		}
	}
	return true
}
