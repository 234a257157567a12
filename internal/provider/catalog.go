package provider

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputKind selects how a completed job's outputs are materialized.
type OutputKind string

const (
	OutputArtifact OutputKind = "artifact"
	OutputConcept  OutputKind = "concept"
	OutputText     OutputKind = "text"
)

// ParamType is the declared type of a generator parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
)

// Param declares one accepted configuration field of a version.
type Param struct {
	Name     string    `yaml:"name"`
	Type     ParamType `yaml:"type"`
	Required bool      `yaml:"required"`
	Default  any       `yaml:"default"`
	Allowed  []any     `yaml:"allowed"`
	Minimum  *float64  `yaml:"minimum"`
	Maximum  *float64  `yaml:"maximum"`
	// Private parameters are accepted and forwarded but never shown back
	// to clients.
	Private bool `yaml:"private"`
}

// Rate charges Rate credits per unit of a numeric parameter.
type Rate struct {
	Param string `yaml:"param"`
	Rate  int64  `yaml:"rate"`
}

// Schedule is a deterministic cost function over a validated config.
type Schedule struct {
	Base int64 `yaml:"base"`
	Per  *Rate `yaml:"per"`
}

// Estimate returns the cost of running config under s.
func (s Schedule) Estimate(config map[string]any) (int64, error) {
	cost := s.Base
	if s.Per != nil && s.Per.Param != "" {
		units, ok := toFloat(config[s.Per.Param])
		if !ok {
			units = 1
		}
		cost += int64(math.Ceil(units)) * s.Per.Rate
	}
	if cost <= 0 {
		return 0, fmt.Errorf("catalog: non-positive cost %d", cost)
	}
	return cost, nil
}

// Version is a runnable variant of a generator, bound to one backend.
type Version struct {
	Name       string     `yaml:"name"`
	Provider   string     `yaml:"provider"`
	Address    string     `yaml:"address"`
	Cost       Schedule   `yaml:"cost"`
	Parameters []Param    `yaml:"parameters"`
	Generator  string     `yaml:"-"`
	Output     OutputKind `yaml:"-"`
}

// Param returns the declared parameter called name.
func (v Version) Param(name string) (Param, bool) {
	for _, p := range v.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Generator is a named capability with one or more versions.
type Generator struct {
	Name           string     `yaml:"name"`
	Description    string     `yaml:"description"`
	Output         OutputKind `yaml:"output"`
	DefaultVersion string     `yaml:"default_version"`
	Versions       []Version  `yaml:"versions"`
}

// Catalog is the set of generators the service can run.
type Catalog struct {
	Generators []Generator `yaml:"generators"`
	// Routes map generator patterns to providers for versions that do not
	// name one.
	Routes map[string]string `yaml:"routes"`

	byName map[string]*Generator
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes and indexes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	c.byName = make(map[string]*Generator, len(c.Generators))
	for i := range c.Generators {
		g := &c.Generators[i]
		key := strings.ToLower(strings.TrimSpace(g.Name))
		if key == "" {
			return fmt.Errorf("catalog: generator %d has no name", i)
		}
		if _, dup := c.byName[key]; dup {
			return fmt.Errorf("catalog: duplicate generator %q", g.Name)
		}
		if g.Output == "" {
			g.Output = OutputArtifact
		}
		switch g.Output {
		case OutputArtifact, OutputConcept, OutputText:
		default:
			return fmt.Errorf("catalog: generator %q has unknown output %q", g.Name, g.Output)
		}
		if len(g.Versions) == 0 {
			return fmt.Errorf("catalog: generator %q has no versions", g.Name)
		}
		for j := range g.Versions {
			v := &g.Versions[j]
			if v.Name == "" {
				return fmt.Errorf("catalog: generator %q version %d has no name", g.Name, j)
			}
			v.Generator = g.Name
			v.Output = g.Output
			v.Provider = strings.ToLower(strings.TrimSpace(v.Provider))
		}
		c.byName[key] = g
	}
	return nil
}

// Resolve finds a version of generator. An empty version selects the
// generator's default, or its last listed version.
func (c *Catalog) Resolve(generator, version string) (Version, error) {
	g, ok := c.byName[strings.ToLower(strings.TrimSpace(generator))]
	if !ok {
		return Version{}, fmt.Errorf("%w: %q", ErrUnknownGenerator, generator)
	}
	if version == "" {
		version = g.DefaultVersion
	}
	if version == "" {
		return g.Versions[len(g.Versions)-1], nil
	}
	for _, v := range g.Versions {
		if v.Name == version {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w: %s@%s", ErrUnknownVersion, generator, version)
}

// Names lists generator names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.Generators))
	for _, g := range c.Generators {
		out = append(out, g.Name)
	}
	return out
}

// ApplyRoutes registers the catalog's generator routes on r. Every route
// is attempted; the failures are joined.
func (c *Catalog) ApplyRoutes(r *Registry) error {
	var errs []error
	for pattern, name := range c.Routes {
		if err := r.RegisterRoute(pattern, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
