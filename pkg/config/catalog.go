package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultScenarioTimeoutSeconds is used when a catalog scenario omits
// timeout_seconds.
const DefaultScenarioTimeoutSeconds = 3600

// Catalog is the scenario/reviewer definition file seeded into the store.
// Authoring happens outside the engine, so the catalog is the only way
// definitions enter the database.
type Catalog struct {
	Reviewers []CatalogReviewer `yaml:"reviewers"`
	Scenarios []CatalogScenario `yaml:"scenarios"`
}

// CatalogReviewer defines one reviewer. Name is the stable identity used
// for upserts and for references from scenarios.
type CatalogReviewer struct {
	Name           string  `yaml:"name"`
	Dimension      string  `yaml:"dimension"`
	Description    string  `yaml:"description,omitempty"`
	Prompt         string  `yaml:"prompt"`
	Weight         float64 `yaml:"weight"`
	LLMTemperature float64 `yaml:"llm_temperature"`
	RunCount       int     `yaml:"run_count"`
}

// CatalogScenario defines one scenario and the reviewers attached to it.
type CatalogScenario struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description,omitempty"`
	Prompt         string   `yaml:"prompt"`
	LLMTemperature float64  `yaml:"llm_temperature"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Reviewers      []string `yaml:"reviewers,omitempty"`
}

// LoadCatalog reads and validates a scenario catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}

	catalog.applyDefaults()

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}

	return &catalog, nil
}

func (c *Catalog) applyDefaults() {
	for i := range c.Reviewers {
		if c.Reviewers[i].Weight == 0 {
			c.Reviewers[i].Weight = 1
		}

		if c.Reviewers[i].RunCount <= 0 {
			c.Reviewers[i].RunCount = 1
		}
	}

	for i := range c.Scenarios {
		if c.Scenarios[i].TimeoutSeconds <= 0 {
			c.Scenarios[i].TimeoutSeconds = DefaultScenarioTimeoutSeconds
		}
	}
}

// Validate checks names are unique and every reference resolves.
func (c *Catalog) Validate() error {
	reviewers := make(map[string]struct{}, len(c.Reviewers))

	for i, r := range c.Reviewers {
		if r.Name == "" {
			return fmt.Errorf("reviewer %d: name is required", i)
		}

		if _, exists := reviewers[r.Name]; exists {
			return fmt.Errorf("reviewer %d: duplicate name %q", i, r.Name)
		}

		reviewers[r.Name] = struct{}{}

		if r.Dimension == "" {
			return fmt.Errorf("reviewer %q: dimension is required", r.Name)
		}

		if r.Prompt == "" {
			return fmt.Errorf("reviewer %q: prompt is required", r.Name)
		}

		if r.Weight < 0 {
			return fmt.Errorf("reviewer %q: weight must not be negative", r.Name)
		}
	}

	scenarios := make(map[string]struct{}, len(c.Scenarios))

	for i, s := range c.Scenarios {
		if s.Name == "" {
			return fmt.Errorf("scenario %d: name is required", i)
		}

		if _, exists := scenarios[s.Name]; exists {
			return fmt.Errorf("scenario %d: duplicate name %q", i, s.Name)
		}

		scenarios[s.Name] = struct{}{}

		if s.Prompt == "" {
			return fmt.Errorf("scenario %q: prompt is required", s.Name)
		}

		for _, ref := range s.Reviewers {
			if _, ok := reviewers[ref]; !ok {
				return fmt.Errorf("scenario %q: unknown reviewer %q", s.Name, ref)
			}
		}
	}

	return nil
}
