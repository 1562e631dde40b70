package telemetry

// socFilterSize is the moving-average window applied to raw SOC readings
// before they reach the strategy.
const socFilterSize = 5

// SOCFilter smooths raw SOC readings with a fixed-window moving average.
// The window is pre-seeded so early readings don't swing the output.
type SOCFilter struct {
	readings [socFilterSize]float64
	index    int
}

// NewSOCFilter returns a filter seeded at the given SOC fraction.
func NewSOCFilter(seed float64) *SOCFilter {
	f := &SOCFilter{}
	for i := range f.readings {
		f.readings[i] = seed
	}
	return f
}

// Push adds a reading and returns the filtered SOC fraction.
func (f *SOCFilter) Push(soc float64) float64 {
	f.readings[f.index] = soc
	f.index = (f.index + 1) % socFilterSize

	sum := 0.0
	for _, r := range f.readings {
		sum += r
	}
	return sum / socFilterSize
}
