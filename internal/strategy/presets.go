package strategy

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/tradelab/paramopt/internal/optimizer"
	"sigs.k8s.io/yaml"
)

const DefaultPreset = "default"

var ErrUnknownPreset = errors.New("unknown preset")

// Preset is a named parameter space for one strategy.
type Preset struct {
	Name        string                   `json:"name"`
	Strategy    string                   `json:"strategy"`
	Description string                   `json:"description,omitempty"`
	Space       optimizer.ParameterSpace `json:"space"`
}

type presetFile struct {
	Presets []Preset `json:"presets"`
}

type PresetCatalog struct {
	presets map[string]map[string]Preset
}

// NewPresetCatalog registers the default space of every strategy in registry
// under the "default" name.
func NewPresetCatalog(registry *Registry) *PresetCatalog {
	c := &PresetCatalog{presets: map[string]map[string]Preset{}}
	for _, name := range registry.Names() {
		s, _ := registry.Lookup(name)
		c.add(Preset{
			Name:        DefaultPreset,
			Strategy:    name,
			Description: "built-in search space",
			Space:       s.DefaultSpace(),
		})
	}
	return c
}

// LoadFile adds the presets of a YAML file, overriding existing ones with the same name.
func (c *PresetCatalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing presets file %s: %w", path, err)
	}
	for _, p := range file.Presets {
		if p.Name == "" || p.Strategy == "" {
			return fmt.Errorf("preset in %s needs a name and a strategy", path)
		}
		if err := p.Space.Validate(); err != nil {
			return fmt.Errorf("preset %s/%s: %w", p.Strategy, p.Name, err)
		}
		c.add(p)
	}
	return nil
}

func (c *PresetCatalog) add(p Preset) {
	if c.presets[p.Strategy] == nil {
		c.presets[p.Strategy] = map[string]Preset{}
	}
	c.presets[p.Strategy][p.Name] = p
}

// Resolve returns the space of the named preset. An empty name selects the default.
func (c *PresetCatalog) Resolve(strategy, name string) (optimizer.ParameterSpace, error) {
	if name == "" {
		name = DefaultPreset
	}
	p, ok := c.presets[strategy][name]
	if !ok {
		return optimizer.ParameterSpace{}, fmt.Errorf("%w: %s/%s", ErrUnknownPreset, strategy, name)
	}
	return p.Space, nil
}

// List returns every preset ordered by strategy and name.
func (c *PresetCatalog) List() []Preset {
	var out []Preset
	for _, byName := range c.presets {
		for _, p := range byName {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Name < out[j].Name
	})
	return out
}
