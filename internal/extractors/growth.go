package extractors

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/outbreakstack/seirisk/internal/utils"
)

// Growth is a log-linear fit of a series over a time window.
type Growth struct {
	Rate         float64 // per unit time
	DoublingTime float64 // +Inf when Rate <= 0
	RSquared     float64
	Samples      int
}

// GrowthRate fits log(value) = a + Rate*t over samples with from <= t <= to and
// value > 0. At least two positive samples are required.
func GrowthRate(times, values []float64, from, to float64) (Growth, error) {
	if err := checkSeries(times, values); err != nil {
		return Growth{}, err
	}
	if !(to > from) {
		return Growth{}, utils.InvalidParameter("growth window [%v, %v] is empty", from, to)
	}

	var xs, ys []float64
	for i, t := range times {
		if t < from || t > to || !(values[i] > 0) {
			continue
		}
		xs = append(xs, t)
		ys = append(ys, math.Log(values[i]))
	}
	if len(xs) < 2 {
		return Growth{}, utils.InvalidParameter("growth window [%v, %v] holds %d positive samples, need 2", from, to, len(xs))
	}

	alpha, rate := stat.LinearRegression(xs, ys, nil, false)
	g := Growth{
		Rate:         rate,
		DoublingTime: math.Inf(1),
		RSquared:     1,
		Samples:      len(xs),
	}
	if len(xs) > 2 {
		g.RSquared = stat.RSquared(xs, ys, nil, alpha, rate)
	}
	if rate > 0 {
		g.DoublingTime = math.Ln2 / rate
	}
	return g, nil
}
