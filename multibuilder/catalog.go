package multibuilder

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBuilders is the seed catalog used when no builders file is configured.
// Market shares are estimates and are expected to be revised through the builders file.
func DefaultBuilders() []BuilderEndpoint {
	return []BuilderEndpoint{
		{
			ID:           "titan",
			Name:         "Titan Builder",
			RelayURL:     "https://rpc.titanbuilder.xyz",
			FallbackURLs: []string{"https://eu.rpc.titanbuilder.xyz", "https://us.rpc.titanbuilder.xyz"},
			MarketShare:  0.40,
			Capabilities: []Capability{CapabilityStandardBundle, CapabilityCancellation, CapabilityBundleStats},
			Active:       true,
			Priority:     100,
			API:          BuilderAPITitan,
		},
		{
			ID:           "flashbots",
			Name:         "Flashbots",
			RelayURL:     "https://relay.flashbots.net",
			MarketShare:  0.25,
			Capabilities: []Capability{CapabilityStandardBundle, CapabilitySimulation, CapabilityPrivacyHints, CapabilityBundleStats},
			Active:       true,
			Priority:     90,
			API:          BuilderAPIFlashbots,
		},
		{
			ID:           "beaverbuild",
			Name:         "beaverbuild.org",
			RelayURL:     "https://rpc.beaverbuild.org",
			MarketShare:  0.20,
			Capabilities: []Capability{CapabilityStandardBundle},
			Active:       true,
			Priority:     80,
			API:          BuilderAPIStandard,
		},
		{
			ID:           "rsync",
			Name:         "rsync-builder",
			RelayURL:     "https://rsync-builder.xyz",
			MarketShare:  0.08,
			Capabilities: []Capability{CapabilityStandardBundle},
			Active:       true,
			Priority:     70,
			API:          BuilderAPIStandard,
		},
		{
			ID:           "bloxroute",
			Name:         "bloXroute",
			RelayURL:     "https://rpc-builder.blxrbdn.com",
			MarketShare:  0.05,
			Capabilities: []Capability{CapabilityStandardBundle, CapabilityPrivacyHints},
			Active:       true,
			Priority:     60,
			API:          BuilderAPIStandard,
		},
	}
}

func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultBuilders()...)
}

// BuildersConfig is the on-disk builder catalog.
//
//	builders:
//	  - id: titan
//	    name: Titan Builder
//	    url: https://rpc.titanbuilder.xyz
//	    fallbacks: [https://eu.rpc.titanbuilder.xyz]
//	    market_share: 0.4
//	    capabilities: [standard_bundle, cancellation]
//	    priority: 100
//	    api: titan
type BuildersConfig struct {
	Builders []struct {
		ID           string            `yaml:"id"`
		Name         string            `yaml:"name"`
		URL          string            `yaml:"url"`
		Fallbacks    []string          `yaml:"fallbacks"`
		MarketShare  float64           `yaml:"market_share"`
		Capabilities []string          `yaml:"capabilities"`
		Priority     int               `yaml:"priority"`
		API          string            `yaml:"api"`
		Disabled     bool              `yaml:"disabled"`
		RateLimit    float64           `yaml:"rate_limit"`
		Metadata     map[string]string `yaml:"metadata"`
	} `yaml:"builders"`
}

// LoadBuilderConfig parses a builder catalog from a file
func LoadBuilderConfig(file string) (*Registry, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseBuilderConfig(data)
}

// ParseBuilderConfig builds a registry from a YAML catalog. Disabled builders are registered inactive.
func ParseBuilderConfig(data []byte) (*Registry, error) {
	var config BuildersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBuilderConfig, err)
	}

	registry := NewRegistry()
	seen := make(map[string]struct{}, len(config.Builders))
	for _, builder := range config.Builders {
		id := strings.ToLower(strings.TrimSpace(builder.ID))
		if id == "" || builder.URL == "" {
			return nil, fmt.Errorf("%w: builder id and url are required", ErrInvalidBuilderConfig)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: duplicate builder %s", ErrInvalidBuilderConfig, id)
		}
		seen[id] = struct{}{}

		if builder.MarketShare < 0 || builder.MarketShare > 1 {
			return nil, fmt.Errorf("%w: market share of %s out of range", ErrInvalidBuilderConfig, id)
		}

		var api BuilderAPI
		switch builder.API {
		case "", "standard":
			api = BuilderAPIStandard
		case "flashbots":
			api = BuilderAPIFlashbots
		case "titan":
			api = BuilderAPITitan
		default:
			return nil, fmt.Errorf("%w: unknown api %q for %s", ErrInvalidBuilderConfig, builder.API, id)
		}

		capabilities := make([]Capability, 0, len(builder.Capabilities))
		for _, c := range builder.Capabilities {
			capability := Capability(strings.ToLower(c))
			if !capability.valid() {
				return nil, fmt.Errorf("%w: unknown capability %q for %s", ErrInvalidBuilderConfig, c, id)
			}
			capabilities = append(capabilities, capability)
		}
		if len(capabilities) == 0 {
			capabilities = append(capabilities, CapabilityStandardBundle)
		}

		name := builder.Name
		if name == "" {
			name = id
		}

		registry.RegisterBuilder(BuilderEndpoint{
			ID:           id,
			Name:         name,
			RelayURL:     builder.URL,
			FallbackURLs: builder.Fallbacks,
			MarketShare:  builder.MarketShare,
			Capabilities: capabilities,
			Active:       !builder.Disabled,
			Priority:     builder.Priority,
			API:          api,
			RateLimit:    builder.RateLimit,
			Metadata:     builder.Metadata,
		})
	}
	return registry, nil
}
