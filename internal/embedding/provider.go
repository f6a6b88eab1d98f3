package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// RateLimitError is returned by a Provider when the upstream asks the
// caller to back off. RetryAfter defaults to 60s when the upstream doesn't
// specify one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("embedding provider: rate limited, retry after %s", e.RetryAfter)
}

// Provider is the polymorphic embedding backend surface: NotConfigured is
// represented by NoopProvider; every other kind of failure surfaces as a
// plain error from Embed/EmbedBatch, with *RateLimitError distinguished
// for the indexer's backoff handling.
type Provider interface {
	Name() string
	Dimensions() int
	IsReady() bool
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Shutdown()
}

// NoopProvider is used when [embeddings].provider = "none": IsReady is
// always false so the indexer's main loop never calls EmbedBatch, and the
// not-configured case never needs its own error value — the indexer simply
// skips work silently.
type NoopProvider struct{}

func (NoopProvider) Name() string    { return "none" }
func (NoopProvider) Dimensions() int { return 0 }
func (NoopProvider) IsReady() bool   { return false }
func (NoopProvider) Shutdown()       {}
func (NoopProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedding: provider not configured")
}
func (NoopProvider) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding: provider not configured")
}

// RemoteProviderConfig configures the OpenAI-compatible embeddings
// backend, supporting bearer and api-key auth and an optional api-version
// query parameter for Azure OpenAI deployments.
type RemoteProviderConfig struct {
	Model      string
	APIBase    string
	APIVersion string
	AuthMethod string // bearer | api_key
	APIKey     string
	APIKeyEnv  string
	Dims       int
	Timeout    time.Duration
}

// RemoteProvider calls an OpenAI-compatible /embeddings endpoint via the
// openai-go client.
type RemoteProvider struct {
	cfg    RemoteProviderConfig
	client openai.Client
}

func NewRemoteProvider(cfg RemoteProviderConfig) *RemoteProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	key := resolveAPIKey(cfg.APIKey, cfg.APIKeyEnv)
	opts := []option.RequestOption{option.WithRequestTimeout(timeout)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, option.WithQuery("api-version", cfg.APIVersion))
	}
	if cfg.AuthMethod == "api_key" {
		// Azure OpenAI authenticates with an api-key header, not a bearer
		// token.
		opts = append(opts, option.WithHeader("api-key", key))
	} else {
		opts = append(opts, option.WithAPIKey(key))
	}

	return &RemoteProvider{cfg: cfg, client: openai.NewClient(opts...)}
}

func (p *RemoteProvider) Name() string    { return "remote" }
func (p *RemoteProvider) Dimensions() int { return p.cfg.Dims }
func (p *RemoteProvider) Shutdown()       {}

func (p *RemoteProvider) IsReady() bool {
	return p.cfg.Model != "" && resolveAPIKey(p.cfg.APIKey, p.cfg.APIKeyEnv) != ""
}

// resolveAPIKey prefers the environment variable over the direct value,
// matching the routing resolver's key-resolution rule.
func resolveAPIKey(key, env string) string {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return key
}

func (p *RemoteProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return vecs[0], nil
}

func (p *RemoteProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.cfg.Model),
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		if int(d.Index) < len(out) {
			out[d.Index] = vec
		}
	}
	return out, nil
}

// classifyError distinguishes a rate-limit response (so the indexer can
// sleep for Retry-After) from every other provider failure.
func classifyError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 429 {
		retryAfter := 60 * time.Second
		if apierr.Response != nil {
			if ra := apierr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
					retryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return fmt.Errorf("embedding: %w", err)
}
