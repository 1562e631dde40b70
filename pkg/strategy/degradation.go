package strategy

import "math"

// Stress evaluates the Millner (2010) exponential stress model
// S(dod) = k1 * dod * exp(k2 * dod) for dod in (0,1]. Deeper cycles wear the
// pack superlinearly. Returns 0 for dod <= 0.
func (p DegradationParams) Stress(dod float64) float64 {
	if dod <= 0 {
		return 0
	}
	return p.KDeltaE1 * dod * math.Exp(p.KDeltaE2*dod)
}

// CyclesAtDoD rescales the manufacturer cycle rating by the stress at the
// given depth of discharge.
func (p DegradationParams) CyclesAtDoD(dod float64) float64 {
	s := p.Stress(dod)
	if s == 0 {
		return math.Inf(1)
	}
	return p.CyclesToEOLRef / s
}

// CostPerKWH amortizes the replacement cost over (capacity * lifetime cycles
// at this DoD), scaled by the fraction of capacity cycled. Returns $/kWh of
// wear for one cycle at the given depth; 0 for dod <= 0.
func (p DegradationParams) CostPerKWH(dod, capacityKWH float64) float64 {
	if dod <= 0 {
		return 0
	}
	return (p.ReplacementCostUSD / capacityKWH) * (1.0 / p.CyclesAtDoD(dod)) * dod
}
