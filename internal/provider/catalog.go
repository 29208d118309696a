// Package provider routes chat models to the upstream inference APIs that
// serve them and talks to those APIs, both streaming and unary.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/chatwithllms/chatstream/internal/config"
	"github.com/chatwithllms/chatstream/internal/logger"
)

// ErrUnknownModel is returned when a requested model is not in the catalog.
var ErrUnknownModel = errors.New("provider: unknown model")

// Endpoint contains everything needed to send a request for one model to its
// provider.
type Endpoint struct {
	// Provider is the human-readable provider name (e.g., "OpenAI").
	Provider string

	// Model is the canonical model name exposed by the chat API.
	Model string

	// UpstreamModel is the model name expected by the provider.
	UpstreamModel string

	// BaseURL is the base URL for the provider's API.
	BaseURL string

	// APIKey is the API key for authentication.
	APIKey string

	// MaxTemperature caps the accepted sampling temperature.
	MaxTemperature float64
}

// Catalog resolves model names and aliases to provider endpoints.
type Catalog struct {
	endpoints map[string]Endpoint
	logger    *logger.Logger
}

// NewCatalog builds a catalog from the validated configuration.
func NewCatalog(cfg *config.ModelCatalogConfig, log *logger.Logger) *Catalog {
	log = log.WithComponent("model-catalog")

	providers := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p

		if p.APIKey == "" {
			log.Warn("provider has no API key",
				slog.String("provider", p.Name),
				slog.String("env_var", p.APIKeyEnvVar))
		}
	}

	endpoints := make(map[string]Endpoint)
	for _, m := range cfg.Models {
		p := providers[m.Provider]

		upstream := m.Upstream
		if upstream == "" {
			upstream = m.Name
		}

		ep := Endpoint{
			Provider:       p.Name,
			Model:          m.Name,
			UpstreamModel:  upstream,
			BaseURL:        p.BaseURL,
			APIKey:         p.APIKey,
			MaxTemperature: m.MaxTemperature,
		}

		endpoints[m.Name] = ep
		for _, alias := range m.Aliases {
			endpoints[alias] = ep
		}
	}

	log.Info("model catalog built", slog.Int("models", len(endpoints)))

	return &Catalog{
		endpoints: endpoints,
		logger:    log,
	}
}

// Resolve returns the endpoint serving the given model name or alias.
func (c *Catalog) Resolve(model string) (Endpoint, error) {
	ep, ok := c.endpoints[model]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return ep, nil
}

// ClampTemperature bounds a requested temperature to the model's allowed
// range. Negative values fall back to zero.
func (c *Catalog) ClampTemperature(model string, temperature float64) float64 {
	if temperature < 0 {
		return 0
	}
	if ep, ok := c.endpoints[model]; ok && temperature > ep.MaxTemperature {
		return ep.MaxTemperature
	}
	return temperature
}

// Models returns the canonical model names in the catalog, sorted.
func (c *Catalog) Models() []string {
	seen := make(map[string]struct{}, len(c.endpoints))
	names := make([]string, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if _, dup := seen[ep.Model]; dup {
			continue
		}
		seen[ep.Model] = struct{}{}
		names = append(names, ep.Model)
	}
	sort.Strings(names)
	return names
}
