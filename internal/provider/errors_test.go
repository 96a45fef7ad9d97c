package provider

import (
	"errors"
	"testing"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"missing API key: set OPENAI_API_KEY or provide it in the request", "E_AUTH_OPENAI"},
		{"GOOGLE_AI_STUDIO_API_KEY is not set", "E_AUTH_GOOGLE"},
		{"missing API key: set ANTHROPIC_API_KEY", "E_AUTH_ANTHROPIC"},
		{"DEEPSEEK_API_KEY invalid", "E_AUTH_DEEPSEEK"},
		{"You exceeded your current quota (429)", "E_QUOTA"},
		{"This model's maximum context length is 128000 tokens", "E_CONTEXT"},
		{"The model `gpt-5` was not found", "E_MODEL_NOT_FOUND"},
		{"anthropic API error 400: bad", "E_BAD_REQUEST"},
		{"Unauthorized", "E_UNAUTHORIZED"},
		{"google API error 403: denied", "E_FORBIDDEN"},
		{"upstream returned 404", "E_NOT_FOUND"},
		{"payload 413", "E_TOO_LARGE"},
		{"rate exceeded", "E_RATE_LIMIT"},
		{"context deadline: timeout", "E_TIMEOUT"},
		{"Bad Gateway", "E_BAD_GATEWAY"},
		{"503 Service Unavailable", "E_UNAVAILABLE"},
		{"Gateway Timeout", "E_TIMEOUT"},
		{"status 504", "E_GATEWAY_TIMEOUT"},
		{"Internal Server Error", "E_SERVER"},
		{"something odd", "E_UNKNOWN"},
		{"", "E_UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := Classify(tt.raw).Code; got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestClassify_OrderMatters(t *testing.T) {
	// Both "quota" and "429" match; the quota rule comes first.
	if got := Classify("429 insufficient_quota").Code; got != "E_QUOTA" {
		t.Errorf("expected E_QUOTA, got %s", got)
	}
	// "model" + "not found" wins over "404".
	if got := Classify("404 model not found").Code; got != "E_MODEL_NOT_FOUND" {
		t.Errorf("expected E_MODEL_NOT_FOUND, got %s", got)
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(nil).Code; got != "E_UNKNOWN" {
		t.Errorf("nil error should be E_UNKNOWN, got %s", got)
	}
	err := &APIError{Provider: core.ProviderAnthropic, StatusCode: 401, Body: "invalid x-api-key"}
	if got := ClassifyError(err).Code; got != "E_UNAUTHORIZED" {
		t.Errorf("expected E_UNAUTHORIZED, got %s", got)
	}
	if !err.IsCredentialError() {
		t.Error("401 should be a credential error")
	}
	wrapped := errors.Join(errors.New("attempt failed"), core.MissingKeyError(core.EnvDeepSeekKey))
	if got := ClassifyError(wrapped).Code; got != "E_AUTH_DEEPSEEK" {
		t.Errorf("expected E_AUTH_DEEPSEEK, got %s", got)
	}
}
