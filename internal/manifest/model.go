package manifest

import (
	"os"
	"strings"

	"github.com/obra/overstory/internal/config"
)

// Resolved is the outcome of model resolution for one role: the model
// string to launch with and any gateway environment to inject.
type Resolved struct {
	Model string
	Env   map[string]string
}

// ResolveModel picks the model for role with precedence config override,
// then manifest default, then fallback.
//
// A slash-prefixed result routes through the provider table: the head is
// the provider key, the tail the provider-side model name. Gateway
// providers rewrite the launch model to "sonnet" and carry the routing in
// environment variables; the auth token is pulled from the process
// environment at resolve time, never cached. An unknown provider, or a
// gateway without a baseUrl, passes the raw string through unchanged so a
// typo surfaces at launch rather than being silently swallowed here.
func ResolveModel(cfg *config.Config, m *Manifest, role, fallback string) Resolved {
	model := fallback
	if m != nil {
		if def := m.Get(role); def != nil && def.Model != "" {
			model = def.Model
		}
	}
	if cfg != nil {
		if override, ok := cfg.Models[role]; ok && override != "" {
			model = override
		}
	}

	if !strings.Contains(model, "/") {
		return Resolved{Model: model}
	}

	head, tail, _ := strings.Cut(model, "/")
	var provider config.Provider
	if cfg != nil {
		provider = cfg.Providers[head]
	}
	if provider.Type != config.ProviderGateway || provider.BaseURL == "" {
		return Resolved{Model: model}
	}

	env := map[string]string{
		"BASE_URL":             provider.BaseURL,
		"API_KEY":              "",
		"DEFAULT_SONNET_MODEL": tail,
	}
	if provider.AuthTokenEnv != "" {
		if token := os.Getenv(provider.AuthTokenEnv); token != "" {
			env["AUTH_TOKEN"] = token
		}
	}
	return Resolved{Model: "sonnet", Env: env}
}
