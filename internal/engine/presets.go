package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/utils"
)

// Preset is a named scenario template, usually a region.
type Preset struct {
	Name              string    `yaml:"name"`
	Population        float64   `yaml:"population"`
	Scale             float64   `yaml:"scale"`
	R0                float64   `yaml:"r0"`
	IncubationPeriod  float64   `yaml:"incubation_period"`
	InfectiousPeriod  float64   `yaml:"infectious_period"`
	InitialExposed    []float64 `yaml:"initial_exposed"`
	InitialInfectious []float64 `yaml:"initial_infectious"`
	TStar             float64   `yaml:"t_star"`
	Reduction         float64   `yaml:"reduction"`
	Horizon           float64   `yaml:"horizon"`
}

// PresetFile is the YAML root structure.
type PresetFile struct {
	Presets []Preset `yaml:"presets"`
}

const hungaryPopulation = 9667595

// DefaultPresets are available even without a presets file.
func DefaultPresets() []Preset {
	region := func(name string, scale float64) Preset {
		return Preset{
			Name:              name,
			Population:        hungaryPopulation,
			Scale:             scale,
			R0:                2.1,
			IncubationPeriod:  5.1,
			InfectiousPeriod:  3.3,
			InitialExposed:    []float64{2, 0},
			InitialInfectious: []float64{0, 0, 0},
			TStar:             50,
			Reduction:         0.8,
			Horizon:           200,
		}
	}
	return []Preset{
		region("hungary", 1),
		region("budapest", 5),
		region("debrecen", 100),
		{
			Name:              "hubei",
			Population:        59170000,
			Scale:             1,
			R0:                2.6,
			IncubationPeriod:  5,
			InfectiousPeriod:  10,
			InitialExposed:    []float64{41, 0},
			InitialInfectious: []float64{0, 0, 0},
			Horizon:           32,
		},
	}
}

// Scenario turns the preset into a Scenario. A positive r0 overrides the
// preset's R0 and a positive scale overrides its population divisor.
func (p Preset) Scenario(r0, scale float64) (Scenario, error) {
	if r0 <= 0 {
		r0 = p.R0
	}
	if scale <= 0 {
		scale = p.Scale
	}
	if scale <= 0 {
		scale = 1
	}
	if len(p.InitialExposed) > seir.NumExposed || len(p.InitialInfectious) > seir.NumInfectious {
		return Scenario{}, utils.InvalidParameter("preset %q seeds too many substages", p.Name)
	}
	sc := Scenario{
		Name:             p.Name,
		Population:       p.Population / scale,
		R0:               r0,
		IncubationPeriod: p.IncubationPeriod,
		InfectiousPeriod: p.InfectiousPeriod,
		TStar:            p.TStar,
		Reduction:        p.Reduction,
		Horizon:          p.Horizon,
	}
	for i, v := range p.InitialExposed {
		sc.InitialExposed[i] = v / scale
	}
	for i, v := range p.InitialInfectious {
		sc.InitialInfectious[i] = v / scale
	}
	return sc, sc.Validate()
}

// PresetStore holds the active presets. It is safe for concurrent use and
// can be reloaded while serving.
type PresetStore struct {
	mu      sync.RWMutex
	presets map[string]Preset
	path    string
	logger  *slog.Logger
}

// NewPresetStore loads presets from path on top of DefaultPresets. A missing
// or empty path leaves only the defaults.
func NewPresetStore(path string, logger *slog.Logger) (*PresetStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PresetStore{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rereads the presets file. On error the current presets are kept.
func (s *PresetStore) Reload() error {
	presets, err := loadPresets(s.path)
	if err != nil {
		return err
	}
	s.Replace(presets)
	return nil
}

// Replace swaps in presets merged over the defaults.
func (s *PresetStore) Replace(presets []Preset) {
	merged := make(map[string]Preset)
	for _, p := range DefaultPresets() {
		merged[p.Name] = p
	}
	for _, p := range presets {
		merged[strings.ToLower(p.Name)] = p
	}
	s.mu.Lock()
	s.presets = merged
	s.mu.Unlock()
}

// Get looks a preset up by case-insensitive name.
func (s *PresetStore) Get(name string) (Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[strings.ToLower(name)]
	if !ok {
		return Preset{}, utils.InvalidParameter("unknown preset %q", name)
	}
	return p, nil
}

// Names lists the preset names in sorted order.
func (s *PresetStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.presets))
	for name := range s.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path is the presets file being served, if any.
func (s *PresetStore) Path() string { return s.path }

func loadPresets(path string) ([]Preset, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var file PresetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets %s: %w", path, err)
	}
	for i, p := range file.Presets {
		if strings.TrimSpace(p.Name) == "" {
			return nil, utils.InvalidParameter("preset %d in %s has no name", i, path)
		}
		if _, err := p.Scenario(0, 0); err != nil {
			return nil, fmt.Errorf("preset %q: %w", p.Name, err)
		}
	}
	return file.Presets, nil
}
