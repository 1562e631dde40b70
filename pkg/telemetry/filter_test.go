package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSOCFilter(t *testing.T) {
	t.Run("Seeded Window", func(t *testing.T) {
		f := NewSOCFilter(0.5)
		// one high reading against four seeds
		got := f.Push(1.0)
		assert.InDelta(t, (0.5*4+1.0)/5, got, 1e-12)
	})

	t.Run("Converges To Steady Input", func(t *testing.T) {
		f := NewSOCFilter(0.5)
		var got float64
		for i := 0; i < socFilterSize; i++ {
			got = f.Push(0.8)
		}
		assert.InDelta(t, 0.8, got, 1e-12)
	})

	t.Run("Window Slides", func(t *testing.T) {
		f := NewSOCFilter(0.0)
		for _, v := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
			f.Push(v)
		}
		// pushing 0.6 evicts 0.1
		got := f.Push(0.6)
		assert.InDelta(t, (0.2+0.3+0.4+0.5+0.6)/5, got, 1e-12)
	})
}

func TestModbusValidate(t *testing.T) {
	m := &Modbus{}
	assert.Error(t, m.Validate())

	m.device = "/dev/ttyUSB0"
	m.slaveID = 1
	assert.NoError(t, m.Validate())

	m.slaveID = 300
	assert.Error(t, m.Validate())
}
