package provider

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/chatwithllms/chatstream/internal/config"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/goccy/go-yaml"
)

const catalogYAML = `
providers:
  - name: OpenAI
    base_url: https://api.openai.com/v1
    api_key_env_var: TEST_OPENAI_API_KEY
  - name: Anthropic
    base_url: https://openrouter.ai/api/v1
    api_key_env_var: TEST_OPENROUTER_API_KEY
models:
  - name: gpt-4o
    aliases: [gpt4o, gpt-4o-latest]
    provider: OpenAI
  - name: claude-3-5-sonnet
    provider: Anthropic
    upstream: anthropic/claude-3.5-sonnet
    max_temperature: 1.0
`

func testCatalog(t *testing.T) *Catalog {
	t.Helper()

	t.Setenv("TEST_OPENAI_API_KEY", "sk-openai")
	t.Setenv("TEST_OPENROUTER_API_KEY", "sk-openrouter")

	var cfg config.ModelCatalogConfig
	if err := yaml.Unmarshal([]byte(catalogYAML), &cfg); err != nil {
		t.Fatalf("catalog config failed to parse: %v", err)
	}

	log := logger.New(logger.Config{Level: slog.LevelError})
	return NewCatalog(&cfg, log)
}

func TestResolveCanonicalName(t *testing.T) {
	c := testCatalog(t)

	ep, err := c.Resolve("gpt-4o")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ep.Provider != "OpenAI" || ep.UpstreamModel != "gpt-4o" {
		t.Errorf("endpoint = %+v", ep)
	}
	if ep.APIKey != "sk-openai" {
		t.Errorf("API key not resolved from environment: %q", ep.APIKey)
	}
	if ep.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("base URL = %q", ep.BaseURL)
	}
}

func TestResolveAlias(t *testing.T) {
	c := testCatalog(t)

	for _, alias := range []string{"gpt4o", "gpt-4o-latest"} {
		ep, err := c.Resolve(alias)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", alias, err)
		}
		if ep.Model != "gpt-4o" {
			t.Errorf("alias %q resolved to %q", alias, ep.Model)
		}
	}
}

func TestResolveUpstreamOverride(t *testing.T) {
	c := testCatalog(t)

	ep, err := c.Resolve("claude-3-5-sonnet")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ep.UpstreamModel != "anthropic/claude-3.5-sonnet" {
		t.Errorf("upstream model = %q", ep.UpstreamModel)
	}
	if ep.APIKey != "sk-openrouter" {
		t.Errorf("API key = %q", ep.APIKey)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	c := testCatalog(t)

	if _, err := c.Resolve("does-not-exist"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("error = %v, want ErrUnknownModel", err)
	}
}

func TestClampTemperature(t *testing.T) {
	c := testCatalog(t)

	cases := []struct {
		model string
		in    float64
		want  float64
	}{
		{"gpt-4o", 0.7, 0.7},
		{"gpt-4o", 3.5, 2.0},
		{"gpt-4o", -1, 0},
		{"claude-3-5-sonnet", 1.8, 1.0},
	}
	for _, tc := range cases {
		if got := c.ClampTemperature(tc.model, tc.in); got != tc.want {
			t.Errorf("ClampTemperature(%s, %v) = %v, want %v", tc.model, tc.in, got, tc.want)
		}
	}
}

func TestModelsListsCanonicalNames(t *testing.T) {
	c := testCatalog(t)

	got := c.Models()
	want := []string{"claude-3-5-sonnet", "gpt-4o"}
	if len(got) != len(want) {
		t.Fatalf("models = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("models[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCatalogConfigRejectsUnknownProvider(t *testing.T) {
	bad := `
providers:
  - name: OpenAI
    base_url: https://api.openai.com/v1
models:
  - name: gpt-4o
    provider: Mystery
`
	var cfg config.ModelCatalogConfig
	err := yaml.Unmarshal([]byte(bad), &cfg)
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("error = %v, want unknown provider", err)
	}
}

func TestCatalogConfigRejectsDuplicateModel(t *testing.T) {
	bad := `
providers:
  - name: OpenAI
    base_url: https://api.openai.com/v1
models:
  - name: gpt-4o
    provider: OpenAI
  - name: gpt-4o
    provider: OpenAI
`
	var cfg config.ModelCatalogConfig
	err := yaml.Unmarshal([]byte(bad), &cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("error = %v, want duplicate entry", err)
	}
}
