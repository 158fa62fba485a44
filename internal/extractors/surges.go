package extractors

import (
	"gonum.org/v1/gonum/stat"
)

// Surge is a sample whose daily increment stands out from the rest of the series.
type Surge struct {
	Time      float64
	Increment float64
	Score     float64
	Threshold float64
}

// SurgeDetector flags reporting surges in case increments using a z-score
// over the whole series.
type SurgeDetector struct {
	threshold float64
}

// NewSurgeDetector creates a detector; a non-positive threshold defaults to 2.5.
func NewSurgeDetector(threshold float64) *SurgeDetector {
	if threshold <= 0 {
		threshold = 2.5
	}
	return &SurgeDetector{threshold: threshold}
}

// Detect scores the increments of a cumulative series and returns the samples
// at or above the threshold.
func (d *SurgeDetector) Detect(times, cumulative []float64) ([]Surge, error) {
	if err := checkSeries(times, cumulative); err != nil {
		return nil, err
	}
	if len(cumulative) < 3 {
		return nil, nil
	}

	// The first increment is the starting level, not a daily change.
	inc := Increments(cumulative)[1:]
	mean, stdDev := stat.PopMeanStdDev(inc, nil)
	if stdDev == 0 {
		return nil, nil
	}

	surges := make([]Surge, 0)
	for i, v := range inc {
		score := (v - mean) / stdDev
		if score >= d.threshold {
			surges = append(surges, Surge{
				Time:      times[i+1],
				Increment: v,
				Score:     score,
				Threshold: d.threshold,
			})
		}
	}
	return surges, nil
}
