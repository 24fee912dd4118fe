package runtime

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrModelNotFound is returned when a model id has no catalog record.
var ErrModelNotFound = errors.New("model not found in catalog")

// DefaultCostPer1KTokens applies when a record carries no rate.
const DefaultCostPer1KTokens = 0.0006

// ModelRecord describes one invocable model.
type ModelRecord struct {
	ID              string  `yaml:"id" json:"id"`
	Name            string  `yaml:"name" json:"name"`
	Provider        string  `yaml:"provider" json:"provider"`
	Version         string  `yaml:"version,omitempty" json:"version,omitempty"`
	APIEndpoint     string  `yaml:"api_endpoint,omitempty" json:"api_endpoint,omitempty"`
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens,omitempty" json:"cost_per_1k_tokens,omitempty"`
}

// Rate returns the per-1K-token cost, falling back to the default rate.
func (r ModelRecord) Rate() float64 {
	if r.CostPer1KTokens <= 0 {
		return DefaultCostPer1KTokens
	}
	return r.CostPer1KTokens
}

type catalogFile struct {
	Models []ModelRecord `yaml:"models"`
}

// Catalog is a concurrency-safe set of model records keyed by id.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]ModelRecord
}

// NewCatalog creates a catalog holding records.
func NewCatalog(records ...ModelRecord) *Catalog {
	c := &Catalog{records: make(map[string]ModelRecord, len(records))}
	for _, r := range records {
		c.records[r.ID] = r
	}
	return c
}

// DefaultCatalog returns the built-in model records.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		ModelRecord{ID: "qwen-plus", Name: "qwen-plus", Provider: ProviderDashScope, CostPer1KTokens: 0.0006},
		ModelRecord{ID: "qwen-max", Name: "qwen-max", Provider: ProviderDashScope, CostPer1KTokens: 0.0024},
		ModelRecord{ID: "qwen-turbo", Name: "qwen-turbo", Provider: ProviderDashScope, CostPer1KTokens: 0.0003},
		ModelRecord{ID: "gpt-4o-mini", Name: "gpt-4o-mini", Provider: ProviderOpenAI, CostPer1KTokens: 0.00015},
		ModelRecord{ID: "gpt-4o", Name: "gpt-4o", Provider: ProviderOpenAI, CostPer1KTokens: 0.005},
		ModelRecord{ID: "gemini-2.0-flash", Name: "gemini-2.0-flash", Provider: ProviderGemini, CostPer1KTokens: 0.0001},
		ModelRecord{ID: "doubao-seed-1-8", Name: "doubao-seed-1-8-251228", Provider: ProviderArk, CostPer1KTokens: 0.0008},
	)
}

// LoadCatalog reads a YAML catalog file of the form
//
//	models:
//	  - id: qwen-plus
//	    name: qwen-plus
//	    provider: dashscope
//	    cost_per_1k_tokens: 0.0006
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}

	c := NewCatalog()
	for i, r := range f.Models {
		if r.ID == "" {
			return nil, fmt.Errorf("model catalog entry %d: id is required", i)
		}
		if r.Name == "" {
			r.Name = r.ID
		}
		if r.Provider == "" {
			return nil, fmt.Errorf("model catalog entry %q: provider is required", r.ID)
		}
		if _, dup := c.records[r.ID]; dup {
			return nil, fmt.Errorf("model catalog entry %q: duplicate id", r.ID)
		}
		c.records[r.ID] = r
	}
	return c, nil
}

// Get returns the record for id.
func (c *Catalog) Get(id string) (ModelRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	if !ok {
		return ModelRecord{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return r, nil
}

// Put adds or replaces a record.
func (c *Catalog) Put(r ModelRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[r.ID] = r
}

// List returns all records sorted by id.
func (c *Catalog) List() []ModelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
