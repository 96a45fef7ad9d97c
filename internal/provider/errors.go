package provider

import (
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from a provider API
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsCredentialError reports whether the provider rejected the key
func (e *APIError) IsCredentialError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ErrorCode is a stable code plus a user-facing description
type ErrorCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type errorRule struct {
	match func(lower string) bool
	code  ErrorCode
}

func containsAny(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

// Rules are checked in order; the first match wins.
var errorRules = []errorRule{
	{containsAny("openai_api_key"), ErrorCode{"E_AUTH_OPENAI", "Missing or invalid OpenAI key."}},
	{containsAny("google_api_key", "google_ai_studio_api_key"), ErrorCode{"E_AUTH_GOOGLE", "Missing or invalid Google AI key."}},
	{containsAny("anthropic_api_key"), ErrorCode{"E_AUTH_ANTHROPIC", "Missing or invalid Anthropic key."}},
	{containsAny("deepseek_api_key"), ErrorCode{"E_AUTH_DEEPSEEK", "Missing or invalid DeepSeek key."}},
	{containsAny("insufficient", "quota"), ErrorCode{"E_QUOTA", "Out of credit or account limit exceeded."}},
	{containsAny("context length", "maximum context"), ErrorCode{"E_CONTEXT", "Context too long. Shorten the message or remove attachments."}},
	{func(s string) bool { return strings.Contains(s, "model") && strings.Contains(s, "not found") },
		ErrorCode{"E_MODEL_NOT_FOUND", "The selected model does not exist or is not available for this key."}},
	{containsAny("400"), ErrorCode{"E_BAD_REQUEST", "Invalid request. Check the model and the content."}},
	{containsAny("401", "unauthorized"), ErrorCode{"E_UNAUTHORIZED", "Not authorized. Check the API key."}},
	{containsAny("403", "forbidden"), ErrorCode{"E_FORBIDDEN", "No permission for this model."}},
	{containsAny("404"), ErrorCode{"E_NOT_FOUND", "Resource not found (check the model and provider)."}},
	{containsAny("413"), ErrorCode{"E_TOO_LARGE", "Request or files too large."}},
	{containsAny("429", "rate"), ErrorCode{"E_RATE_LIMIT", "Rate limit exceeded. Try again shortly."}},
	{containsAny("timeout"), ErrorCode{"E_TIMEOUT", "The request timed out. Try again."}},
	{containsAny("502", "bad gateway"), ErrorCode{"E_BAD_GATEWAY", "Provider-side problem. Try again."}},
	{containsAny("503", "service unavailable"), ErrorCode{"E_UNAVAILABLE", "Service temporarily unavailable. Try later."}},
	{containsAny("504", "gateway timeout"), ErrorCode{"E_GATEWAY_TIMEOUT", "The server did not answer in time. Try again."}},
	{containsAny("500", "internal server error"), ErrorCode{"E_SERVER", "Server error. Try again later."}},
}

var unknownError = ErrorCode{"E_UNKNOWN", "An unknown error occurred. Try again."}

// Classify maps a raw error message onto a stable code for display.
func Classify(raw string) ErrorCode {
	lower := strings.ToLower(raw)
	for _, rule := range errorRules {
		if rule.match(lower) {
			return rule.code
		}
	}
	return unknownError
}

// ClassifyError is Classify over err.Error(); nil yields E_UNKNOWN.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return unknownError
	}
	return Classify(err.Error())
}
