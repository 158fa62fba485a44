package extractors

import (
	"fmt"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// Increments returns first differences of a cumulative series. The first
// element is kept as-is so the output has the same length as the input.
func Increments(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i] - values[i-1]
	}
	return out
}

// Cumulate is the inverse of Increments.
func Cumulate(increments []float64) []float64 {
	if len(increments) == 0 {
		return nil
	}
	out := make([]float64, len(increments))
	sum := 0.0
	for i, v := range increments {
		sum += v
		out[i] = sum
	}
	return out
}

func checkSeries(times, values []float64) error {
	if len(times) != len(values) {
		return utils.InvalidParameter("series has %d times but %d values", len(times), len(values))
	}
	if !utils.StrictlyIncreasing(times) {
		return utils.InvalidParameter("series times must be non-empty, finite and strictly increasing")
	}
	return nil
}

// Point is a (time, value) pair on a series.
type Point struct {
	Time  float64
	Value float64
}

func (p Point) String() string {
	return fmt.Sprintf("(t=%g, %g)", p.Time, p.Value)
}
