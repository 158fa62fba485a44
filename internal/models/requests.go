package models

// ScenarioSpec describes a model run explicitly instead of through a preset.
type ScenarioSpec struct {
	Name              string    `json:"name,omitempty"`
	Population        float64   `json:"population"`
	R0                float64   `json:"r0"`
	IncubationPeriod  float64   `json:"incubation_period"`
	InfectiousPeriod  float64   `json:"infectious_period"`
	InitialExposed    []float64 `json:"initial_exposed,omitempty"`
	InitialInfectious []float64 `json:"initial_infectious,omitempty"`
	TStar             float64   `json:"t_star,omitempty"`
	Reduction         float64   `json:"reduction,omitempty"`
	Horizon           float64   `json:"horizon"`
}

// ScenarioRef selects a scenario: an explicit spec wins over a preset name.
// R0 and PopulationScale override the preset when positive; TStar overrides
// the control onset when set.
type ScenarioRef struct {
	Preset          string        `json:"preset,omitempty"`
	R0              float64       `json:"r0,omitempty"`
	PopulationScale float64       `json:"population_scale,omitempty"`
	Horizon         float64       `json:"horizon,omitempty"`
	TStar           *float64      `json:"t_star,omitempty"`
	Scenario        *ScenarioSpec `json:"scenario,omitempty"`
}

// ModelSolutionRequest asks for one compartment curve of a preset.
type ModelSolutionRequest struct {
	Preset          string  `json:"preset,omitempty"`
	R0              float64 `json:"r0,omitempty"`
	PopulationScale float64 `json:"population_scale,omitempty"`
	Horizon         float64 `json:"horizon,omitempty"`
	Points          int     `json:"points,omitempty"`
	Selector        string  `json:"selector,omitempty"`
}

// SimulateRequest integrates a scenario and samples it every Step days, or at Times.
type SimulateRequest struct {
	ScenarioRef
	Step  float64   `json:"step,omitempty"`
	Times []float64 `json:"times,omitempty"`
}

// FinalSizesRequest sweeps the control onset of a scenario.
type FinalSizesRequest struct {
	ScenarioRef
	TStars []float64 `json:"t_stars"`
}

// ReachSpec is one reach-axis value supplied directly.
type ReachSpec struct {
	Size  float64  `json:"size"`
	TStar *float64 `json:"t_star,omitempty"`
}

// RiskGridRequest builds an outbreak-risk grid. Reach is taken from Reach
// when present, otherwise from the final sizes of ScenarioRef at TStars.
type RiskGridRequest struct {
	ScenarioRef
	Reach  []ReachSpec `json:"reach,omitempty"`
	TStars []float64   `json:"t_stars,omitempty"`
	Thetas []float64   `json:"thetas"`
	RLocs  []float64   `json:"r_locs"`
}

// ParamSpec is one rate's starting value and bounds. Omitted fields keep
// the population-derived defaults.
type ParamSpec struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Fixed bool     `json:"fixed,omitempty"`
}

// ControlSpec configures the intervention schedule used during a fit.
type ControlSpec struct {
	TStar     float64 `json:"t_star"`
	Reduction float64 `json:"reduction"`
}

// CalibrateRequest fits the model to a supplied case series.
type CalibrateRequest struct {
	Population float64      `json:"population"`
	Times      []float64    `json:"times"`
	Cases      []float64    `json:"cases"`
	Recovered  []float64    `json:"recovered,omitempty"`
	Params     []ParamSpec  `json:"params,omitempty"`
	Control    *ControlSpec `json:"control,omitempty"`
}

// CalibrateRegionRequest fits the model to a region's published case series.
type CalibrateRegionRequest struct {
	Region string `json:"region"`
	// Population overrides the population reported by the case service.
	Population float64      `json:"population,omitempty"`
	Params     []ParamSpec  `json:"params,omitempty"`
	Control    *ControlSpec `json:"control,omitempty"`
}
