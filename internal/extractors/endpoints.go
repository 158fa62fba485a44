package extractors

import (
	"errors"
)

// ErrNotReached is returned when a series never reaches the requested threshold.
var ErrNotReached = errors.New("threshold not reached")

// CrossingTime returns the first time the series reaches threshold, linearly
// interpolated between the bracketing samples. A series that starts at or
// above the threshold crosses at times[0].
func CrossingTime(times, values []float64, threshold float64) (float64, error) {
	if err := checkSeries(times, values); err != nil {
		return 0, err
	}
	if values[0] >= threshold {
		return times[0], nil
	}
	for i := 1; i < len(values); i++ {
		if values[i] < threshold {
			continue
		}
		v0, v1 := values[i-1], values[i]
		frac := (threshold - v0) / (v1 - v0)
		return times[i-1] + frac*(times[i]-times[i-1]), nil
	}
	return 0, ErrNotReached
}

// Peak returns the sample with the largest value. Ties keep the earliest.
func Peak(times, values []float64) (Point, error) {
	if err := checkSeries(times, values); err != nil {
		return Point{}, err
	}
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return Point{Time: times[best], Value: values[best]}, nil
}
