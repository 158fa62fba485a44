package models

// ModelSolutionResponse is a sampled compartment curve.
type ModelSolutionResponse struct {
	Scenario  ScenarioSpec `json:"scenario"`
	Selector  string       `json:"selector"`
	X         []float64    `json:"x"`
	Y         []float64    `json:"y"`
	PeakTime  float64      `json:"peak_time"`
	PeakValue float64      `json:"peak_value"`
}

// SimulateResponse holds per-compartment trajectories keyed S, E1, ..., C.
type SimulateResponse struct {
	Scenario     ScenarioSpec         `json:"scenario"`
	Times        []float64            `json:"times"`
	Compartments map[string][]float64 `json:"compartments"`
}

// ReachValue is one computed final size.
type ReachValue struct {
	Size  float64  `json:"size"`
	TStar *float64 `json:"t_star,omitempty"`
}

// FinalSizesResponse lists final sizes in t* order.
type FinalSizesResponse struct {
	Scenario ScenarioSpec `json:"scenario"`
	Reach    []ReachValue `json:"reach"`
}

// GridFailure names an R_loc column whose extinction probability failed.
type GridFailure struct {
	RLocIndex int     `json:"r_loc_index"`
	RLoc      float64 `json:"r_loc"`
	Error     string  `json:"error"`
}

// RiskGridResponse is a flattened grid; Risk index is (i*len(thetas)+j)*len(r_locs)+k.
// Extinction entries that failed are omitted from ExtinctionOK.
type RiskGridResponse struct {
	Shape        []int         `json:"shape"`
	Reach        []ReachValue  `json:"reach"`
	Thetas       []float64     `json:"thetas"`
	RLocs        []float64     `json:"r_locs"`
	Extinction   []float64     `json:"extinction"`
	ExtinctionOK []bool        `json:"extinction_ok"`
	Risk         []float64     `json:"risk"`
	MaxBound     float64       `json:"max_bound"`
	MaxTerms     int           `json:"max_terms"`
	Offspring    string        `json:"offspring"`
	Failures     []GridFailure `json:"failures,omitempty"`
}

// FittedParam is one rate after a fit.
type FittedParam struct {
	Name     string   `json:"name"`
	Value    float64  `json:"value"`
	Fixed    bool     `json:"fixed,omitempty"`
	StdError *float64 `json:"std_error,omitempty"`
}

// Surge is a flagged case increment.
type Surge struct {
	Time      float64 `json:"time"`
	Increment float64 `json:"increment"`
	Score     float64 `json:"score"`
}

// CalibrateResponse reports a fit, its diagnostics and the fitted curve.
type CalibrateResponse struct {
	Region           string        `json:"region,omitempty"`
	Population       float64       `json:"population"`
	Params           []FittedParam `json:"params"`
	R0               float64       `json:"r0"`
	Iterations       int           `json:"iterations"`
	Evaluations      int           `json:"evaluations"`
	Cost             float64       `json:"cost"`
	ReducedChiSquare *float64      `json:"reduced_chi_square,omitempty"`
	Converged        bool          `json:"converged"`
	Message          string        `json:"message"`
	Times            []float64     `json:"times"`
	Observed         []float64     `json:"observed"`
	Fitted           []float64     `json:"fitted"`
	Surges           []Surge       `json:"surges,omitempty"`
}
