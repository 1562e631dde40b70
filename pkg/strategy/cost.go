package strategy

// MarginalCost is the break-even $/kWh below which discharging destroys
// value: time-of-use base energy cost plus per-cycle wear, opportunity cost,
// and the risk premium, grossed up by round-trip efficiency to account for
// storage losses. The day window is inclusive on both ends.
func (s *DrStrategy) MarginalCost(hourOfDay int, dod, opportunityCost float64) float64 {
	base := s.tuning.NightBaseCost
	if hourOfDay >= s.tuning.DayStartHour && hourOfDay <= s.tuning.DayEndHour {
		base = s.tuning.DayBaseCost
	}
	total := base + s.deg.CostPerKWH(dod, s.cfg.CapacityKWH) + opportunityCost + s.market.RiskFactor
	return total / s.cfg.RoundTripEfficiency
}
