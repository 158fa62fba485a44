package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Linspace returns n evenly spaced values over [start, stop], endpoints included.
func Linspace(start, stop float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, stop)
}

// Arange returns start, start+step, ... strictly below stop. Values are computed
// as start+i*step to avoid accumulating rounding drift.
func Arange(start, stop, step float64) []float64 {
	if step <= 0 || stop <= start {
		return nil
	}
	n := int(math.Ceil((stop - start) / step))
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := start + float64(i)*step
		if v >= stop {
			break
		}
		out = append(out, v)
	}
	return out
}

// StrictlyIncreasing reports whether xs is non-empty, finite and strictly increasing.
func StrictlyIncreasing(xs []float64) bool {
	if len(xs) == 0 {
		return false
	}
	for i, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
		if i > 0 && x <= xs[i-1] {
			return false
		}
	}
	return true
}
