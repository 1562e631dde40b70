package telemetry

import "sync"

// MockBMS implements BMS for tests.
type MockBMS struct {
	mu sync.Mutex

	SOCPercent   float64
	TemperatureC float64
	DREnabled    bool

	DischargeRates []float64
	DRWrites       []bool

	ReadErr  error
	TempErr  error
	WriteErr error
}

// ReadSOCPercent implements BMS.
func (m *MockBMS) ReadSOCPercent() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	return m.SOCPercent, nil
}

// ReadTemperatureC implements BMS.
func (m *MockBMS) ReadTemperatureC() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	if m.TempErr != nil {
		return 0, m.TempErr
	}
	return m.TemperatureC, nil
}

// ReadDREnabled implements BMS.
func (m *MockBMS) ReadDREnabled() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return false, m.ReadErr
	}
	return m.DREnabled, nil
}

// WriteDREnabled implements BMS.
func (m *MockBMS) WriteDREnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.DREnabled = enabled
	m.DRWrites = append(m.DRWrites, enabled)
	return nil
}

// WriteDischargeRate implements BMS.
func (m *MockBMS) WriteDischargeRate(capacityKWH float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.DischargeRates = append(m.DischargeRates, capacityKWH)
	return nil
}

// Close implements BMS.
func (m *MockBMS) Close() error { return nil }

// SetSOCPercent updates the raw SOC the mock reports.
func (m *MockBMS) SetSOCPercent(soc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SOCPercent = soc
}

// SetDREnabled updates the latch state the mock reports.
func (m *MockBMS) SetDREnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DREnabled = enabled
}
