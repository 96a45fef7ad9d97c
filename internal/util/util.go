package util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"

	"github.com/bytedance/sonic"
)

// MarshalJSON wraps Sonic for performance
func MarshalJSON(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// UnmarshalJSON wraps Sonic for performance
func UnmarshalJSON(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// NewJSONRequest creates an outbound request with a JSON body and content type.
func NewJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader

	if payload != nil {
		payloadBytes, err := MarshalJSON(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payloadBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set(core.HeaderContentType, core.ContentTypeJSON)
	return req, nil
}

// ReadLimitedBody reads at most core.MaxResponseBodySize bytes of an upstream body.
func ReadLimitedBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, core.MaxResponseBodySize))
}

// TruncateString truncates string and adds replacement text in the middle
func TruncateString(s string, prefixLen, suffixLen int, replacement string) string {
	if len(s) > prefixLen+suffixLen {
		return s[:prefixLen] + replacement + s[len(s)-suffixLen:]
	}
	return s
}

// MaskKey shortens a secret for log output.
func MaskKey(key string) string {
	if key == "" {
		return "<empty>"
	}
	return TruncateString(key, 3, 4, "...")
}

// MonthKey returns the UTC calendar month identifier (YYYY-MM) for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format(core.TimeFormatMonthKey)
}

// ParseEnvList parses comma-separated env var to trimmed slice
func ParseEnvList(envVar string) []string {
	if envVar == "" {
		return nil
	}
	parts := strings.Split(envVar, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// FirstNonEmpty returns the first non-blank value.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// FormatUSD renders a dollar amount with four decimals.
func FormatUSD(amount float64) string {
	return "$" + strconv.FormatFloat(amount, 'f', 4, 64)
}
