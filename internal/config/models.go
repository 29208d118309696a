package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/goccy/go-yaml"
)

// ModelCatalogConfig maps the models accepted by the chat API to the
// upstream providers that serve them.
type ModelCatalogConfig struct {
	// Providers contain configuration for inference API providers.
	Providers []ProviderConfig `yaml:"providers"`

	// Models contain configuration for models accepted by the chat API.
	Models []ModelConfig `yaml:"models"`
}

// Validate performs validation of a ModelCatalogConfig value:
// - Checks that provider and model lists are not empty
// - Checks that models reference known providers
// - Checks for duplicates in the lists of providers and models
func (cfg *ModelCatalogConfig) Validate() error {
	if len(cfg.Providers) == 0 {
		return errors.New("no providers specified in model catalog configuration")
	}

	providers := make(map[string]struct{}, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		if _, exists := providers[provider.Name]; exists {
			return fmt.Errorf("duplicate configuration entry for provider %v", provider.Name)
		}

		providers[provider.Name] = struct{}{}
	}

	if len(cfg.Models) == 0 {
		return errors.New("no models specified in model catalog configuration")
	}

	models := make(map[string]struct{}, len(cfg.Models))
	for _, model := range cfg.Models {
		if _, providerExists := providers[model.Provider]; !providerExists {
			return fmt.Errorf("unknown provider %v specified for model %v", model.Provider, model.Name)
		}

		if _, modelExists := models[model.Name]; modelExists {
			return fmt.Errorf("duplicate configuration entry for model %v", model.Name)
		}
		models[model.Name] = struct{}{}

		for _, alias := range model.Aliases {
			if _, aliasExists := models[alias]; aliasExists {
				return fmt.Errorf("duplicate configuration entry for model alias %v", alias)
			}
			models[alias] = struct{}{}
		}
	}

	return nil
}

// unmarshalModelCatalogConfig implements a custom YAML unmarshaler for
// ModelCatalogConfig. Validates the value after unmarshaling.
func unmarshalModelCatalogConfig(value *ModelCatalogConfig, data []byte) error {
	type Aux ModelCatalogConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ModelCatalogConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// ProviderConfig contains basic configuration of an inference API provider.
type ProviderConfig struct {
	// Name is the human-readable name of the API provider.
	Name string `yaml:"name"`

	// BaseURL is the base URL for the provider's API (e.g., "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url"`

	// APIKeyEnvVar is the name of the environment variable that contains the API key.
	APIKeyEnvVar string `yaml:"api_key_env_var,omitempty"`

	// APIKey is the actual API key used for authentication, extracted from the
	// environment using the APIKeyEnvVar value. Explicit config values are ignored.
	APIKey string `yaml:"-"`
}

// Validate performs validation of a ProviderConfig value:
// - Checks that the name is not empty
// - Verifies BaseURL is a valid URL
// - Fetches APIKey value from the environment using APIKeyEnvVar
func (cfg *ProviderConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("provider name must be specified in provider configuration")
	}

	if cfg.BaseURL == "" {
		return fmt.Errorf("base URL must be specified for provider %v", cfg.Name)
	}
	if err := validateURLString(cfg.BaseURL); err != nil {
		return err
	}

	if cfg.APIKeyEnvVar != "" {
		cfg.APIKey = os.Getenv(cfg.APIKeyEnvVar)
	}

	return nil
}

// unmarshalProviderConfig implements a custom YAML unmarshaler for
// ProviderConfig. Validates the value after unmarshaling.
func unmarshalProviderConfig(value *ProviderConfig, data []byte) error {
	type Aux ProviderConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ProviderConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// ModelConfig contains configuration for a specific model accepted by the
// chat API.
type ModelConfig struct {
	// Name is the full "canonical" name of the model. This is the name set in
	// the upstream request unless overridden by Upstream.
	Name string `yaml:"name"`

	// Aliases is the list of alternative names accepted by the chat API.
	Aliases []string `yaml:"aliases,omitempty"`

	// Provider is the name of the provider previously defined in Providers.
	Provider string `yaml:"provider"`

	// Upstream overrides the model name expected by the provider.
	Upstream string `yaml:"upstream,omitempty"`

	// MaxTemperature caps the temperature accepted for this model.
	// Defaults to 2.0.
	MaxTemperature float64 `yaml:"max_temperature,omitempty"`
}

// Validate performs validation of a ModelConfig value:
// - Checks that the name and the provider reference are not empty
// - Sets the default value of MaxTemperature (2.0) if not specified
func (cfg *ModelConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("model name must be specified in model configuration")
	}

	if cfg.Provider == "" {
		return fmt.Errorf("provider must be specified for model %v", cfg.Name)
	}

	if cfg.MaxTemperature <= 0.0 {
		cfg.MaxTemperature = 2.0
	}

	return nil
}

// unmarshalModelConfig implements a custom YAML unmarshaler for ModelConfig.
// Validates the value after unmarshaling.
func unmarshalModelConfig(value *ModelConfig, data []byte) error {
	type Aux ModelConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ModelConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

func init() {
	yaml.RegisterCustomUnmarshaler[ModelCatalogConfig](unmarshalModelCatalogConfig)
	yaml.RegisterCustomUnmarshaler[ProviderConfig](unmarshalProviderConfig)
	yaml.RegisterCustomUnmarshaler[ModelConfig](unmarshalModelConfig)
}

// validateURLString performs basic sanity checks of a string that should
// contain a valid URL. Empty strings are ignored.
func validateURLString(str string) error {
	if str == "" {
		return nil
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}
