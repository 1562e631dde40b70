package types

import "time"

const (
	// ForecastHours is the horizon of the day-ahead market: 24 hourly slots.
	ForecastHours = 24

	CurrentSnapshotVersion = 1
)

// Bid is a single (capacity, price) offer into a demand-response market.
// A zero-capacity bid means "do not participate this slot".
type Bid struct {
	CapacityKWH        float64 `json:"capacityKWH"`
	PriceDollarsPerKWH float64 `json:"priceDollarsPerKWH"`
}

// Participating reports whether the bid should actually be submitted.
func (b Bid) Participating() bool {
	return b.CapacityKWH > 0
}

// BidProgram identifies which market a bid was placed into.
type BidProgram string

const (
	BidProgramFastDR BidProgram = "fastDR"
	BidProgramCBP    BidProgram = "cbp"
)

// BidRecord is a bid whose submission was attempted (Submitted reports
// whether it went through), for history and the stream. Zero-capacity and
// unprofitable bids are not recorded.
type BidRecord struct {
	Timestamp time.Time  `json:"timestamp"`
	Program   BidProgram `json:"program"`
	// Hour is the day-ahead hour slot [0,23] for CBP bids; -1 for fast DR.
	Hour      int     `json:"hour"`
	Bid       Bid     `json:"bid"`
	Submitted bool    `json:"submitted"`
	Error     string  `json:"error,omitempty"`
	MarketUSD float64 `json:"marketDollarsPerKWH,omitempty"`
}

// MarketSnapshot holds the most recent market data from the utility.
// Missing fields on a refresh leave the previous values intact.
type MarketSnapshot struct {
	FetchedAt time.Time `json:"fetchedAt"`

	// PriceForecast holds hourly $/kWh values for the next 24 hours.
	PriceForecast [ForecastHours]float64 `json:"priceForecast"`

	// GridDemandForecast holds hourly grid demand in kW for the next 24 hours.
	GridDemandForecast [ForecastHours]float64 `json:"gridDemandForecast"`

	// NumCompetitors is the count of other participants bidding, >= 1.
	NumCompetitors int `json:"numCompetitors"`
}

// PeakHourMask marks which of the 24 day-ahead hours are expected peaks.
type PeakHourMask [ForecastHours]bool

// RainflowCycle is one recorded charge/discharge episode.
type RainflowCycle struct {
	// Depth is the depth of discharge for the cycle, fraction in (0,1].
	Depth float64 `json:"depth"`
	// MeanSOC is the average state of charge over the cycle, fraction in [0,1].
	MeanSOC float64 `json:"meanSOC"`
	// TemperatureC is recorded for a future Arrhenius-style stress term; the
	// current cost model does not read it.
	TemperatureC float64   `json:"temperatureC"`
	Timestamp    time.Time `json:"timestamp"`
}

// StrategySnapshot is the persistable state of the strategy engine. Hosts that
// want to survive restarts store this and restore it before resuming bidding.
type StrategySnapshot struct {
	Version              int             `json:"version"`
	Timestamp            time.Time       `json:"timestamp"`
	CurrentSOC           float64         `json:"currentSOC"`
	EquivalentFullCycles float64         `json:"equivalentFullCycles"`
	CycleLog             []RainflowCycle `json:"cycleLog"`
}

// TelemetrySample is one filtered reading from the battery management system.
type TelemetrySample struct {
	Timestamp time.Time `json:"timestamp"`
	// SOC is the filtered state of charge, fraction in [0,1].
	SOC float64 `json:"soc"`
	// TemperatureC is the battery temperature in degrees Celsius.
	TemperatureC float64 `json:"temperatureC"`
}

// ActionReason describes why the runtime did (or did not) act.
type ActionReason string

const (
	ActionReasonFastDRAccepted   ActionReason = "fastDRAccepted"
	ActionReasonFastDRSkipped    ActionReason = "fastDRSkipped"
	ActionReasonCBPSubmitted     ActionReason = "cbpSubmitted"
	ActionReasonSOCSafetyLatch   ActionReason = "socSafetyLatch"
	ActionReasonAntiFlutterReset ActionReason = "antiFlutterReset"
	ActionReasonMarketRefreshed  ActionReason = "marketRefreshed"
)

// Action is a runtime event pushed to the status stream and persisted.
type Action struct {
	Timestamp   time.Time    `json:"timestamp"`
	Reason      ActionReason `json:"reason"`
	Description string       `json:"description"`
	Bids        []BidRecord  `json:"bids,omitempty"`
	SOC         float64      `json:"soc"`
	Error       string       `json:"error,omitempty"`
}

// SunWindow is today's daylight window for the configured site.
type SunWindow struct {
	Sunrise time.Time `json:"sunrise"`
	Sunset  time.Time `json:"sunset"`
}

// StatusReport is the live system state served by the status API.
type StatusReport struct {
	Timestamp            time.Time      `json:"timestamp"`
	CurrentSOC           float64        `json:"currentSOC"`
	EquivalentFullCycles float64        `json:"equivalentFullCycles"`
	CycleCount           int            `json:"cycleCount"`
	AvailableCapacityKWH float64        `json:"availableCapacityKWH"`
	DREnabled            bool           `json:"drEnabled"`
	Market               MarketSnapshot `json:"market"`
	MarketFetched        bool           `json:"marketFetched"`
	Sun                  SunWindow      `json:"sun"`
}
