package risk

import (
	"math"
)

// Axis positions in a Grid.
const (
	AxisReach        = 0
	AxisConnectivity = 1
	AxisRLoc         = 2
)

// SentinelRisk marks cells whose extinction probability could not be computed.
const SentinelRisk = -1.0

// Reach is one value of the reach axis: the number of cases N that may be
// exported, optionally labelled with the control onset t* that produced it.
type Reach struct {
	Size     float64
	TStar    float64
	HasTStar bool
}

// Failure records an R_loc column written with SentinelRisk.
type Failure struct {
	RLocIndex int
	RLoc      float64
	Err       error
}

// Grid is a built risk grid. Callers must treat it as read-only.
type Grid struct {
	Reach  []Reach
	Thetas []float64
	RLocs  []float64
	// Extinction holds z per R_loc; NaN where the fixed point failed.
	Extinction []float64
	// Risk is flattened with index (i*len(Thetas)+j)*len(RLocs)+k.
	Risk []float64
	// Bound is the per-cell truncation bound z^M·P(n >= M).
	Bound     []float64
	MaxBound  float64
	MaxTerms  int
	Offspring string
	Failures  []Failure
}

// Shape returns the axis lengths in axis order.
func (g *Grid) Shape() [3]int {
	return [3]int{len(g.Reach), len(g.Thetas), len(g.RLocs)}
}

// Len is the number of cells.
func (g *Grid) Len() int {
	return len(g.Reach) * len(g.Thetas) * len(g.RLocs)
}

// Index flattens (i, j, k).
func (g *Grid) Index(i, j, k int) int {
	return (i*len(g.Thetas)+j)*len(g.RLocs) + k
}

// Coords inverts Index.
func (g *Grid) Coords(idx int) (i, j, k int) {
	k = idx % len(g.RLocs)
	j = (idx / len(g.RLocs)) % len(g.Thetas)
	i = idx / (len(g.RLocs) * len(g.Thetas))
	return i, j, k
}

// At returns the risk at (i, j, k).
func (g *Grid) At(i, j, k int) float64 {
	return g.Risk[g.Index(i, j, k)]
}

// Sizes returns the reach axis as plain case counts.
func (g *Grid) Sizes() []float64 {
	out := make([]float64, len(g.Reach))
	for i, r := range g.Reach {
		out[i] = r.Size
	}
	return out
}

// ExactRisk is the untruncated closed form 1 − (1 − θ(1−z))^N.
func ExactRisk(n, theta, z float64) float64 {
	return 1 - math.Pow(1-theta*(1-z), math.Round(n))
}
