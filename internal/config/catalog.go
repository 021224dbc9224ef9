package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/executor"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/fallback"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/queue"
	"github.com/fairyhunter13/capability-orchestrator/internal/service/ratelimiter"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Binding places an endpoint in the chain of one capability.
type Binding struct {
	Capability        domain.Capability `yaml:"capability" validate:"required,oneof=video tts stt conversation"`
	executor.Endpoint `yaml:",inline"`
}

// Catalog describes the providers: fallback rankings, plan limits, remote
// endpoints and batching.
type Catalog struct {
	LocalFallback domain.ProviderID                       `yaml:"local_fallback" validate:"required"`
	VideoCapable  []domain.ProviderID                     `yaml:"video_capable"`
	Rankings      fallback.Rankings                       `yaml:"rankings" validate:"required,min=1,dive,keys,oneof=video tts stt conversation,endkeys,min=1,dive"`
	Limits        ratelimiter.Table                       `yaml:"limits" validate:"dive,dive,keys,oneof=free premium,endkeys"`
	Batching      map[domain.Capability]queue.BatchConfig `yaml:"batching" validate:"dive"`
	Endpoints     []Binding                               `yaml:"endpoints" validate:"dive"`
}

var catalogValidator = validator.New()

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads the catalog at path, or the built-in one when path is
// empty.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	// #nosec G304 -- operator supplied configuration path
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("op=config.LoadCatalog path=%s: %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("op=config.LoadCatalog path=%s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog decodes and validates a YAML catalog. Unknown fields are
// rejected.
func ParseCatalog(data []byte) (Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return Catalog{}, fmt.Errorf("op=config.ParseCatalog: %w", err)
	}
	if err := catalogValidator.Struct(cat); err != nil {
		return Catalog{}, fmt.Errorf("op=config.ParseCatalog: %w", err)
	}
	if err := cat.check(); err != nil {
		return Catalog{}, fmt.Errorf("op=config.ParseCatalog: %w", err)
	}
	return cat, nil
}

// check enforces the rules the struct tags cannot express.
func (c Catalog) check() error {
	ranked := make(map[domain.Capability]map[domain.ProviderID]bool, len(c.Rankings))
	for capability, candidates := range c.Rankings {
		seen := make(map[domain.ProviderID]bool, len(candidates))
		for _, cand := range candidates {
			if seen[cand.Provider] {
				return fmt.Errorf("capability %s ranks %s twice", capability, cand.Provider)
			}
			seen[cand.Provider] = true
		}
		ranked[capability] = seen
	}
	for _, b := range c.Endpoints {
		if b.Provider == c.LocalFallback {
			return fmt.Errorf("local fallback %s cannot have a remote endpoint", b.Provider)
		}
		if !ranked[b.Capability][b.Provider] {
			return fmt.Errorf("endpoint %s is not ranked for %s", b.Provider, b.Capability)
		}
	}
	for capability := range c.Batching {
		if _, ok := c.Rankings[capability]; !ok {
			return fmt.Errorf("batching configured for unranked capability %s", capability)
		}
	}
	return nil
}

// ChainTimeout is the worst-case time a capability call spends walking the
// whole ranking of capability.
func (c Catalog) ChainTimeout(capability domain.Capability) time.Duration {
	var total time.Duration
	for _, cand := range c.Rankings[capability] {
		if cand.Timeout > 0 {
			total += cand.Timeout
		} else {
			total += fallback.DefaultTimeout
		}
	}
	return total
}

func sortedCapabilities(r fallback.Rankings) []domain.Capability {
	out := make([]domain.Capability, 0, len(r))
	for c := range r {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EndpointsFor returns the endpoints bound to capability.
func (c Catalog) EndpointsFor(capability domain.Capability) []executor.Endpoint {
	var out []executor.Endpoint
	for _, b := range c.Endpoints {
		if b.Capability == capability {
			out = append(out, b.Endpoint)
		}
	}
	return out
}
