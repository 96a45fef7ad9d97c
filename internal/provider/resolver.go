package provider

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/registry"
)

// ResolveProvider names the provider that serves id. Registered models use their
// declared provider; unknown ids fall back to prefix rules, then anthropic.
func ResolveProvider(reg *registry.Registry, id string) string {
	if p := reg.ProviderOf(id); p != "" {
		return p
	}
	switch {
	case strings.HasPrefix(id, "gpt"), strings.HasPrefix(id, "o1"):
		return core.ProviderOpenAI
	case strings.HasPrefix(id, "gemini"):
		return core.ProviderGoogle
	case strings.HasPrefix(id, "deepseek"):
		return core.ProviderDeepSeek
	}
	return core.ProviderAnthropic
}

// keyEnv is the variable named in missing-key errors
var keyEnv = map[string]string{
	core.ProviderOpenAI:    core.EnvOpenAIKey,
	core.ProviderGoogle:    core.EnvGoogleKey,
	core.ProviderAnthropic: core.EnvAnthropicKey,
	core.ProviderDeepSeek:  core.EnvDeepSeekKey,
}

// ResolverConfig configures a Resolver
type ResolverConfig struct {
	Registry   *registry.Registry
	Defaults   core.Credentials
	Cache      core.ModelListCache
	HTTPClient *http.Client
	Logger     core.Logger
	Metrics    core.MetricsCollector
	// BaseURLs overrides provider endpoints, keyed by provider name.
	BaseURLs map[string]string
}

// Resolver turns a model id and request credentials into a ready client
type Resolver struct {
	registry   *registry.Registry
	defaults   core.Credentials
	catalog    *Catalog
	httpClient *http.Client
	logger     core.Logger
	metrics    core.MetricsCollector
	baseURLs   map[string]string
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = &core.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &core.NopMetrics{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(nil)
	}
	return &Resolver{
		registry:   cfg.Registry,
		defaults:   cfg.Defaults,
		catalog:    NewCatalog(cfg.Cache, cfg.Logger),
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		baseURLs:   cfg.BaseURLs,
	}
}

// ProviderFor is ResolveProvider over the resolver's registry.
func (r *Resolver) ProviderFor(id string) string {
	return ResolveProvider(r.registry, id)
}

// Credential picks the request key for provider, falling back to the process default.
func (r *Resolver) Credential(provider string, creds *core.Credentials) string {
	if key := strings.TrimSpace(creds.For(provider)); key != "" {
		return key
	}
	return r.defaults.For(provider)
}

// Resolve selects provider and credential for id and builds its client. Google keys
// are checked against the models they can see; a failed or empty listing skips the check.
func (r *Resolver) Resolve(ctx context.Context, id string, creds *core.Credentials) (Client, error) {
	providerName := r.ProviderFor(id)
	apiKey := r.Credential(providerName, creds)
	if apiKey == "" {
		return nil, core.MissingKeyError(keyEnv[providerName])
	}

	switch providerName {
	case core.ProviderOpenAI:
		return NewOpenAIClient(core.ProviderOpenAI, apiKey, r.baseURLs[core.ProviderOpenAI], r.httpClient), nil
	case core.ProviderDeepSeek:
		baseURL := r.baseURLs[core.ProviderDeepSeek]
		if baseURL == "" {
			baseURL = core.DeepSeekBaseURL
		}
		return NewOpenAIClient(core.ProviderDeepSeek, apiKey, baseURL, r.httpClient), nil
	case core.ProviderGoogle:
		client := NewGoogleClient(apiKey, r.baseURLs[core.ProviderGoogle], r.httpClient)
		if err := r.checkGoogleModel(ctx, id, apiKey, client); err != nil {
			return nil, err
		}
		return client, nil
	default:
		return NewAnthropicClient(apiKey, r.baseURLs[core.ProviderAnthropic], r.httpClient), nil
	}
}

func (r *Resolver) checkGoogleModel(ctx context.Context, id, apiKey string, client *GoogleClient) error {
	start := time.Now()
	models, err := r.catalog.Models(ctx, apiKey, client)
	if err != nil {
		r.metrics.RecordProviderAttempt(core.ProviderGoogle, false, time.Since(start))
		r.logger.Warn("Google model listing failed, skipping availability check: %v", err)
		return nil
	}
	if len(models) == 0 || slices.Contains(models, id) {
		return nil
	}
	return &core.HTTPError{
		Status:  http.StatusBadRequest,
		Message: "model not available for this key",
		Code:    "E_MODEL_NOT_FOUND",
	}
}
