// Package orchestrator drives one chat turn: connectivity test, streaming chat with
// ordered fallback, or a parallel multi-model comparison with a merge pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
	"github.com/Plonkawojciech/open-kaap-pro/internal/prompt"
	"github.com/Plonkawojciech/open-kaap-pro/internal/provider"
	"github.com/Plonkawojciech/open-kaap-pro/internal/registry"
)

// ClientResolver builds provider clients for model ids
type ClientResolver interface {
	Resolve(ctx context.Context, id string, creds *core.Credentials) (provider.Client, error)
	ProviderFor(id string) string
}

// TurnRequest is one user submission as posted to /api/chat
type TurnRequest struct {
	Action             string             `json:"action,omitempty"`
	Messages           []core.ChatMessage `json:"messages"`
	Model              string             `json:"model,omitempty"`
	FallbackModels     []string           `json:"fallbackModels,omitempty"`
	Models             []string           `json:"models,omitempty"`
	MasterPrompt       string             `json:"masterPrompt,omitempty"`
	ModelSystemPrompt  string             `json:"modelSystemPrompt,omitempty"`
	ModelSystemPrompts map[string]string  `json:"modelSystemPrompts,omitempty"`
	Memory             string             `json:"memory,omitempty"`
	PinnedFacts        string             `json:"pinnedFacts,omitempty"`
	Mode               string             `json:"mode,omitempty"`
	Temperature        *float64           `json:"temperature,omitempty"`
	TopP               *float64           `json:"topP,omitempty"`
	APIKeys            *core.Credentials  `json:"apiKeys,omitempty"`
}

// PrimaryModel is the normalized requested model, or the default model.
func (r *TurnRequest) PrimaryModel() string {
	if id := modelid.Normalize(r.Model); id != "" {
		return id
	}
	return core.DefaultModel
}

// Failure is a turn that could not be served. Status is the HTTP status to answer with.
type Failure struct {
	Status  int
	Message string
	Details string
	Code    string
	Err     error
}

func (f *Failure) Error() string {
	if f.Details != "" && f.Details != f.Message {
		return f.Message + ": " + f.Details
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure converts any turn error into a Failure.
//
// Credential and configuration errors keep their status. Provider rejections of the
// key (401/403) keep theirs as well. A turn deadline becomes 504. Everything else is
// an opaque 500 with the raw message as details.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if httpErr, ok := core.AsHTTPError(err); ok {
		code := httpErr.Code
		if code == "" {
			code = provider.Classify(httpErr.Message).Code
		}
		return &Failure{Status: httpErr.Status, Message: httpErr.Message, Details: httpErr.Message, Code: code, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{
			Status:  http.StatusGatewayTimeout,
			Message: "The turn timed out",
			Details: err.Error(),
			Code:    "E_TIMEOUT",
			Err:     err,
		}
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.IsCredentialError() {
		return &Failure{Status: apiErr.StatusCode, Message: apiErr.Error(), Details: apiErr.Body, Code: provider.ClassifyError(err).Code, Err: err}
	}

	details := "unknown error"
	if err != nil {
		details = err.Error()
	}
	return &Failure{
		Status:  http.StatusInternalServerError,
		Message: "Failed to generate response",
		Details: details,
		Code:    provider.ClassifyError(err).Code,
		Err:     err,
	}
}

// Config configures an Orchestrator
type Config struct {
	Resolver         ClientResolver
	Registry         *registry.Registry
	Logger           core.Logger
	Metrics          core.MetricsCollector
	TurnTimeout      time.Duration
	MultiConcurrency int
}

// Orchestrator runs turns against the resolved providers
type Orchestrator struct {
	resolver         ClientResolver
	registry         *registry.Registry
	logger           core.Logger
	metrics          core.MetricsCollector
	turnTimeout      time.Duration
	multiConcurrency int
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = &core.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &core.NopMetrics{}
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = core.DefaultTurnTimeout
	}
	if cfg.MultiConcurrency <= 0 {
		cfg.MultiConcurrency = core.DefaultMultiConcurrency
	}
	return &Orchestrator{
		resolver:         cfg.Resolver,
		registry:         cfg.Registry,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		turnTimeout:      cfg.TurnTimeout,
		multiConcurrency: cfg.MultiConcurrency,
	}
}

// instructionFor builds the system instruction for one candidate model.
func (o *Orchestrator) instructionFor(req *TurnRequest, candidate string) string {
	return prompt.Build(prompt.Input{
		ModelID:           candidate,
		MasterPrompt:      req.MasterPrompt,
		ModelSystemPrompt: prompt.SystemPromptFor(candidate, req.ModelSystemPrompts, req.ModelSystemPrompt),
		Memory:            req.Memory,
		PinnedFacts:       req.PinnedFacts,
		Mode:              req.Mode,
	})
}

func (o *Orchestrator) generateRequest(req *TurnRequest, candidate string) *provider.GenerateRequest {
	return &provider.GenerateRequest{
		Model:           candidate,
		System:          o.instructionFor(req, candidate),
		Messages:        req.Messages,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: o.registry.MaxOutputTokens(candidate),
	}
}

// generate resolves candidate and runs one non-streaming call, reporting the attempt.
func (o *Orchestrator) generate(ctx context.Context, creds *core.Credentials, gr *provider.GenerateRequest) (*provider.Generation, error) {
	client, err := o.resolver.Resolve(ctx, gr.Model, creds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	gen, err := client.Generate(ctx, gr)
	o.metrics.RecordProviderAttempt(client.Provider(), err == nil, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", gr.Model, err)
	}
	return gen, nil
}

// TestResult is the answer to a connectivity test
type TestResult struct {
	OK    bool   `json:"ok"`
	Model string `json:"model"`
	Text  string `json:"text"`
}

// Test sends a fixed prompt at zero temperature to verify a key/model pairing.
func (o *Orchestrator) Test(ctx context.Context, req *TurnRequest) (*TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	model := req.PrimaryModel()
	zero := 0.0
	gr := &provider.GenerateRequest{
		Model:           model,
		System:          o.instructionFor(req, model),
		Prompt:          core.TestPrompt,
		Temperature:     &zero,
		MaxOutputTokens: o.registry.MaxOutputTokens(model),
	}

	gen, err := o.generate(ctx, req.APIKeys, gr)
	if err != nil {
		o.logger.Warn("Test call for %s failed: %v", model, err)
		return nil, AsFailure(err)
	}
	o.logger.Debug("Test call for %s succeeded", model)
	return &TestResult{OK: true, Model: model, Text: gen.Text}, nil
}
