package solver

import "math"

// Dormand–Prince 5(4) tableau.
var (
	dpC = [7]float64{0, 1.0 / 5, 3.0 / 10, 4.0 / 5, 8.0 / 9, 1, 1}
	dpA = [7][6]float64{
		{},
		{1.0 / 5},
		{3.0 / 40, 9.0 / 40},
		{44.0 / 45, -56.0 / 15, 32.0 / 9},
		{19372.0 / 6561, -25360.0 / 2187, 64448.0 / 6561, -212.0 / 729},
		{9017.0 / 3168, -355.0 / 33, 46732.0 / 5247, 49.0 / 176, -5103.0 / 18656},
		{35.0 / 384, 0, 500.0 / 1113, 125.0 / 192, -2187.0 / 6784, 11.0 / 84},
	}
	// Difference between the 5th and 4th order weights.
	dpE = [7]float64{71.0 / 57600, 0, -71.0 / 16695, 71.0 / 1920, -17253.0 / 339200, 22.0 / 525, -1.0 / 40}
	// Dense output weights.
	dpD = [7]float64{
		-12715105075.0 / 11282082432, 0, 87487479700.0 / 32700410799, -10690763975.0 / 1880347072,
		701980252875.0 / 199316789632, -1453857185.0 / 822651844, 69997945.0 / 29380423,
	}
)

type workspace struct {
	y    []float64
	yNew []float64
	tmp  []float64
	k    [7][]float64
}

func newWorkspace(n int) *workspace {
	w := &workspace{
		y:    make([]float64, n),
		yNew: make([]float64, n),
		tmp:  make([]float64, n),
	}
	for i := range w.k {
		w.k[i] = make([]float64, n)
	}
	return w
}

// step attempts one step of size h from (t, y) with k[0] = f(t, y) already
// set. It fills yNew and k[6] = f(t+h, yNew) and returns the scaled RMS error.
func (w *workspace) step(sys System, t, h float64, opts Options) float64 {
	n := len(w.y)
	for s := 1; s < 7; s++ {
		for i := 0; i < n; i++ {
			acc := w.y[i]
			for j := 0; j < s; j++ {
				if a := dpA[s][j]; a != 0 {
					acc += h * a * w.k[j][i]
				}
			}
			w.tmp[i] = acc
		}
		sys.Derivative(t+dpC[s]*h, w.tmp, w.k[s])
	}
	// Stage 7 is evaluated at the 5th order solution (FSAL).
	copy(w.yNew, w.tmp)

	sum := 0.0
	for i := 0; i < n; i++ {
		e := 0.0
		for s := 0; s < 7; s++ {
			e += dpE[s] * w.k[s][i]
		}
		e *= h
		sc := opts.AbsTol + opts.RelTol*math.Max(math.Abs(w.y[i]), math.Abs(w.yNew[i]))
		sum += (e / sc) * (e / sc)
	}
	return math.Sqrt(sum / float64(n))
}

// interpolate evaluates the 4th order continuous extension of the current
// step at tau (Hairer, Nørsett & Wanner, dense output of DOPRI5).
func (w *workspace) interpolate(t, h, tau float64) []float64 {
	th := (tau - t) / h
	th1 := 1 - th

	out := make([]float64, len(w.y))
	for i := range out {
		diff := w.yNew[i] - w.y[i]
		bspl := h*w.k[0][i] - diff
		r4 := diff - h*w.k[6][i] - bspl
		r5 := 0.0
		for s := 0; s < 7; s++ {
			if d := dpD[s]; d != 0 {
				r5 += d * w.k[s][i]
			}
		}
		r5 *= h
		out[i] = w.y[i] + th*(diff+th1*(bspl+th*(r4+th1*r5)))
	}
	return out
}

// accept promotes the trial step: y <- yNew and k[0] <- k[6].
func (w *workspace) accept() {
	w.y, w.yNew = w.yNew, w.y
	w.k[0], w.k[6] = w.k[6], w.k[0]
}
