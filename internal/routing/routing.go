// Package routing resolves an inbound client identity to an upstream
// provider route: base URL, path, authentication, wire format, model
// mapping, and count-tokens policy.
package routing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"aspyx/internal/config"
)

// Route is the resolved 5-tuple a client's request is handled under.
type Route struct {
	BaseURL            string
	Path               string
	Format             config.ApiFormat
	AuthHeaderName     string
	AuthHeaderValue    string
	StripIncoming      bool
	CountTokensPolicy  config.CountTokensHandling
	ModelMapping       map[string]string
}

// ErrUnknownClient is returned when the request's client_id has no
// configured route.
type ErrUnknownClient struct{ ClientID string }

func (e *ErrUnknownClient) Error() string {
	return fmt.Sprintf("routing: unknown client %q", e.ClientID)
}

// Resolver holds the client/provider mapping loaded from config.
type Resolver struct {
	clients    map[string]config.ClientConfig
	providers  map[string]config.ProviderConfig
	defaultURL string
	// globalMapping is the [translation] model_mapping, the fallback for
	// providers that carry no mapping of their own.
	globalMapping map[string]string
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		clients:       cfg.Clients,
		providers:     cfg.Providers,
		defaultURL:    cfg.APIURL,
		globalMapping: cfg.Translation.ModelMapping,
	}
}

// Resolve builds the Route for clientID. An unconfigured client falls back
// to the top-level api_url as a passthrough Anthropic route when one is
// set (the single-upstream deployment shape); otherwise ErrUnknownClient.
func (r *Resolver) Resolve(clientID string) (*Route, error) {
	client, ok := r.clients[clientID]
	if !ok {
		return r.defaultRoute(clientID)
	}
	provider, ok := r.providers[client.Provider]
	if !ok {
		return r.defaultRoute(clientID)
	}

	route := &Route{
		BaseURL:           provider.BaseURL,
		Path:              effectiveAPIPath(provider),
		Format:            effectiveFormat(provider),
		CountTokensPolicy: effectiveCountTokens(provider),
		ModelMapping:      r.effectiveModelMapping(provider),
	}

	auth := effectiveAuth(client, provider)
	name, value, strip := buildAuthHeader(auth)
	route.AuthHeaderName = name
	route.AuthHeaderValue = value
	route.StripIncoming = strip

	return route, nil
}

func (r *Resolver) defaultRoute(clientID string) (*Route, error) {
	if r.defaultURL == "" {
		return nil, &ErrUnknownClient{ClientID: clientID}
	}
	return &Route{
		BaseURL:           r.defaultURL,
		Path:              "/v1/messages",
		Format:            config.FormatAnthropic,
		CountTokensPolicy: config.CountTokensPassthrough,
		ModelMapping:      r.globalMapping,
	}, nil
}

func effectiveFormat(p config.ProviderConfig) config.ApiFormat {
	if p.APIFormat == "" {
		return config.FormatAnthropic
	}
	return p.APIFormat
}

func effectiveAPIPath(p config.ProviderConfig) string {
	if p.APIPath != "" {
		return p.APIPath
	}
	switch effectiveFormat(p) {
	case config.FormatOpenAI:
		return "/v1/chat/completions"
	default:
		return "/v1/messages"
	}
}

func effectiveCountTokens(p config.ProviderConfig) config.CountTokensHandling {
	if p.CountTokens != nil {
		return *p.CountTokens
	}
	if effectiveFormat(p) == config.FormatOpenAI {
		return config.CountTokensSynthetic
	}
	return config.CountTokensPassthrough
}

// effectiveModelMapping prefers the provider's own mapping, falling back
// to the global [translation] mapping when the provider carries none.
func (r *Resolver) effectiveModelMapping(p config.ProviderConfig) map[string]string {
	if len(p.ModelMapping) > 0 {
		return p.ModelMapping
	}
	if len(r.globalMapping) > 0 {
		return r.globalMapping
	}
	return nil
}

func effectiveAuth(c config.ClientConfig, p config.ProviderConfig) *config.ProviderAuth {
	if c.Auth != nil {
		return c.Auth
	}
	return p.Auth
}

// buildAuthHeader resolves the outbound auth header name/value for auth,
// and whether inbound credentials should be stripped before forwarding.
// A nil auth (no auth configured for this client/provider) means
// passthrough: forward the client's credential header unchanged.
func buildAuthHeader(auth *config.ProviderAuth) (name, value string, strip bool) {
	if auth == nil || auth.Method == "" || auth.Method == config.AuthPassthrough {
		return "", "", false
	}

	key := resolveKey(auth)
	if key == "" {
		return "", "", auth.StripIncoming != nil && *auth.StripIncoming
	}

	strip = true
	if auth.StripIncoming != nil {
		strip = *auth.StripIncoming
	}

	switch auth.Method {
	case config.AuthBearer:
		return "authorization", "Bearer " + key, strip
	case config.AuthXAPIKey:
		return "x-api-key", key, strip
	case config.AuthBasic:
		return "authorization", "Basic " + key, strip
	case config.AuthHeader:
		headerName := auth.HeaderName
		if headerName == "" {
			headerName = "x-api-key"
		}
		return strings.ToLower(headerName), key, strip
	default:
		return "", "", false
	}
}

// resolveKey prefers the environment variable over the direct value, when
// the variable is set and non-empty.
func resolveKey(auth *config.ProviderAuth) string {
	if auth.KeyEnv != "" {
		if v := os.Getenv(auth.KeyEnv); v != "" {
			return v
		}
	}
	return auth.Key
}

// MapModel applies partial-substring model-name mapping: a client-sent
// model name matches a mapping key if it contains that key as a substring.
// On multiple matches the longest key wins; ties break lexicographically.
// Returns the original name unmodified if nothing matches.
func MapModel(model string, mapping map[string]string) string {
	if len(mapping) == 0 {
		return model
	}

	var candidates []string
	for key := range mapping {
		if strings.Contains(model, key) {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return model
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) > len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})

	return mapping[candidates[0]]
}
