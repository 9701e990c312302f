package alloy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapToValueEndpoints(t *testing.T) {
	tests := []struct {
		name         string
		lower, upper float64
		x            float64
		expected     Value
	}{
		{"lower bound", 0, 1, 0, Low},
		{"upper bound", 0, 1, 1, High},
		{"below lower clamps", 0, 1, -3, Low},
		{"above upper clamps", 0, 1, 7, High},
		{"midpoint", 0, 1, 0.5, 32768},
		{"shifted range lower", 10, 20, 10, Low},
		{"shifted range upper", 10, 20, 20, High},
		{"degenerate range", 5, 5, 5, Low},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapToValue(tt.lower, tt.upper, tt.x))
		})
	}
}

func TestMapToValueMonotone(t *testing.T) {
	const steps = 1000
	prev := MapToValue(0, 1, 0)
	for i := 1; i <= steps; i++ {
		x := float64(i) / steps
		v := MapToValue(0, 1, x)
		assert.GreaterOrEqual(t, v, prev, "not monotone at x=%v", x)
		prev = v
	}
}

func TestMapFromValueRoundTrip(t *testing.T) {
	// One quantization step of [0, 10] over the u16 range.
	step := 10.0 / float64(High)
	for _, x := range []float64{0, 0.1, 1, 2.5, 5, 9.99, 10} {
		got := MapFromValue(0, 10, MapToValue(0, 10, x))
		assert.InDelta(t, x, got, step, "round trip at x=%v", x)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1.0, Clamp(1, 2, 0.5))
	assert.Equal(t, 2.0, Clamp(1, 2, 3))
	assert.Equal(t, 1.5, Clamp(1, 2, 1.5))
}

func TestLerp(t *testing.T) {
	assert.Equal(t, 5.0, Lerp(0, 10, 0.5))
	assert.Equal(t, 0.0, Lerp(0, 10, 0))
	assert.Equal(t, 10.0, Lerp(0, 10, 1))
	assert.Equal(t, -5.0, Lerp(0, -10, 0.5))
}

func TestMapRange(t *testing.T) {
	assert.Equal(t, 50.0, MapRange(0, 1, 0, 100, 0.5))
	assert.Equal(t, 100.0, MapRange(0, 1, 0, 100, 2))
	assert.Equal(t, 0.0, MapRange(0, 1, 0, 100, -1))
	assert.Equal(t, 75.0, MapRange(100, 200, 50, 100, 150))
	// Degenerate source range maps everything to the target lower bound.
	assert.Equal(t, 5.0, MapRange(3, 3, 5, 9, 3))
}

func TestValueRange(t *testing.T) {
	assert.Equal(t, Value(0), Low)
	assert.Equal(t, Value(math.MaxUint16), High)
}
