package strategy

import (
	"fmt"
	"math"

	"github.com/opencbp/opencbp/pkg/types"
)

// OpportunityCost is the value foregone by discharging now instead of at a
// future higher-price hour: the best time-discounted price over the forecast
// horizon, weighted down for uncertainty. Returns 0 for an empty forecast.
func (t TuningConstants) OpportunityCost(forecast []float64) float64 {
	maxExpected := 0.0
	discount := 1.0
	for _, price := range forecast {
		if ev := price * discount; ev > maxExpected {
			maxExpected = ev
		}
		discount *= t.ForecastDiscount
	}
	return maxExpected * t.OpportunityWeight
}

// NashEquilibriumPrice computes a competition-aware markup over the market
// price: higher grid demand raises the markup, more competitors shrink it,
// both saturating smoothly. Not a game-theoretic fixed point; a pricing
// heuristic.
func (p MarketParams) NashEquilibriumPrice(t TuningConstants, marketPrice, gridDemandKW float64, numCompetitors int) float64 {
	demandFactor := math.Min(gridDemandKW/p.MaxGridDemandKW, t.DemandFactorCap)
	markup := p.Alpha * demandFactor / (float64(numCompetitors)*p.Beta + 1)
	return marketPrice * (1 + markup)
}

// CapacityAllocation distributes bidding capacity across hours with a softmax
// over expected revenue. Peak-mask hours get their revenue boosted before the
// softmax. The result is a probability distribution summing to 1.
//
// For realistic prices (< $2/kWh) gamma*revenue stays under 5, keeping exp
// well-bounded.
func (t TuningConstants) CapacityAllocation(prices []float64, peakMask []bool) ([]float64, error) {
	if len(prices) == 0 || len(prices) != len(peakMask) {
		return nil, fmt.Errorf("%w: prices (%d) and peak mask (%d) must be the same non-zero length", ErrInput, len(prices), len(peakMask))
	}
	if !allFinite(prices) {
		return nil, fmt.Errorf("%w: prices must be finite", ErrInput)
	}

	weights := make([]float64, len(prices))
	total := 0.0
	for h, price := range prices {
		expectedRevenue := price
		if peakMask[h] {
			expectedRevenue *= t.PeakRevenueMultiplier
		}
		w := math.Exp(t.SoftmaxGamma * expectedRevenue)
		weights[h] = w
		total += w
	}
	for h := range weights {
		weights[h] /= total
	}
	return weights, nil
}

// TopPeakHours is the reference peak policy when no exogenous mask exists:
// the top-n hours by forecast price, ties broken by earliest hour.
func TopPeakHours(prices [types.ForecastHours]float64, n int) types.PeakHourMask {
	var mask types.PeakHourMask
	if n <= 0 {
		return mask
	}
	if n > types.ForecastHours {
		n = types.ForecastHours
	}
	for picked := 0; picked < n; picked++ {
		best := -1
		for h, p := range prices {
			if mask[h] {
				continue
			}
			if best == -1 || p > prices[best] {
				best = h
			}
		}
		mask[best] = true
	}
	return mask
}
