package core

import (
	"strings"
	"time"
)

// ModelDescriptor describes one entry of the model catalog.
// Prices are USD per million tokens.
type ModelDescriptor struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	InputPrice      float64 `json:"inputPrice"`
	OutputPrice     float64 `json:"outputPrice"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Description     string  `json:"description,omitempty"`
}

// Credentials holds one API key per provider.
type Credentials struct {
	OpenAI    string `json:"openai,omitempty"`
	Google    string `json:"google,omitempty"`
	Anthropic string `json:"anthropic,omitempty"`
	DeepSeek  string `json:"deepseek,omitempty"`
}

// For returns the key configured for the given provider.
func (c *Credentials) For(provider string) string {
	if c == nil {
		return ""
	}
	switch provider {
	case ProviderOpenAI:
		return c.OpenAI
	case ProviderGoogle:
		return c.Google
	case ProviderAnthropic:
		return c.Anthropic
	case ProviderDeepSeek:
		return c.DeepSeek
	}
	return ""
}

// MessagePart is one piece of a chat message. File parts carry a URL,
// usually a data: URL with base64 image content.
type MessagePart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// ChatMessage is a message as sent by the browser client.
type ChatMessage struct {
	ID       string           `json:"id,omitempty"`
	Role     string           `json:"role"`
	Content  string           `json:"content,omitempty"`
	Parts    []MessagePart    `json:"parts,omitempty"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// Text joins the text parts of the message, falling back to Content.
func (m ChatMessage) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Type == PartTypeText {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() > 0 {
		return sb.String()
	}
	return m.Content
}

// Files returns the file parts of the message.
func (m ChatMessage) Files() []MessagePart {
	var files []MessagePart
	for _, part := range m.Parts {
		if part.Type == PartTypeFile && part.URL != "" {
			files = append(files, part)
		}
	}
	return files
}

// MessageMetadata is attached to assistant messages by the stream and the UI.
type MessageMetadata struct {
	Model            string `json:"model,omitempty"`
	InputTokens      int    `json:"inputTokens,omitempty"`
	OutputTokens     int    `json:"outputTokens,omitempty"`
	TotalTokens      int    `json:"totalTokens,omitempty"`
	Error            bool   `json:"error,omitempty"`
	Warning          bool   `json:"warning,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// Usage is the token usage reported for one generation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// UsageTotals accumulates tokens and cost over a period.
type UsageTotals struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// BudgetSettings configures spend alerts.
type BudgetSettings struct {
	MonthlyBudgetUSD float64            `json:"monthlyBudgetUSD"`
	AlertThreshold   float64            `json:"alertThreshold"`
	PerModelLimitUSD map[string]float64 `json:"perModelLimitUSD"`
}

// AuditEntry records one turn, successful or not.
type AuditEntry struct {
	ID                  string   `json:"id"`
	Timestamp           int64    `json:"timestamp"`
	Action              string   `json:"action,omitempty"`
	Model               string   `json:"model"`
	Provider            string   `json:"provider"`
	Mode                string   `json:"mode"`
	Temperature         *float64 `json:"temperature,omitempty"`
	TopP                *float64 `json:"topP,omitempty"`
	HasFiles            bool     `json:"hasFiles"`
	FileNames           []string `json:"fileNames"`
	MemoryIncluded      bool     `json:"memoryIncluded"`
	PinnedFactsIncluded bool     `json:"pinnedFactsIncluded"`
	UsedModel           string   `json:"usedModel,omitempty"`
	InputTokens         int      `json:"inputTokens,omitempty"`
	OutputTokens        int      `json:"outputTokens,omitempty"`
	TotalTokens         int      `json:"totalTokens,omitempty"`
	CostUSD             float64  `json:"costUSD,omitempty"`
	Error               string   `json:"error,omitempty"`
	ErrorCode           string   `json:"errorCode,omitempty"`
}

// ChatSession is a stored conversation, used for analytics.
type ChatSession struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	FolderID    *string       `json:"folderId"`
	Messages    []ChatMessage `json:"messages"`
	CreatedAt   int64         `json:"createdAt"`
	Memory      string        `json:"memory,omitempty"`
	PinnedFacts string        `json:"pinnedFacts,omitempty"`
}

// ModelProfile holds per-model sampling overrides and fallbacks.
type ModelProfile struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	Fallbacks   []string `json:"fallbacks,omitempty"`
}

// RequestStats holds aggregated request statistics for monitoring.
type RequestStats struct {
	TotalRequests      int64           `json:"total_requests"`
	SuccessfulRequests int64           `json:"successful_requests"`
	FailedRequests     int64           `json:"failed_requests"`
	TotalResponseTime  int64           `json:"total_response_time"`
	LastRequestTime    time.Time       `json:"last_request_time"`
	RequestHistory     []RequestRecord `json:"request_history"`

	CacheHits   int64                    `json:"cache_hits"`
	CacheMisses int64                    `json:"cache_misses"`
	Providers   map[string]ProviderStats `json:"providers,omitempty"`
}

// RequestRecord represents a single request's metadata for history tracking.
type RequestRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ResponseTime int64     `json:"response_time"`
	Action       string    `json:"action"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
}

// PeriodStats holds computed statistics for a time period.
type PeriodStats struct {
	Requests        int64   `json:"requests"`
	SuccessRate     float64 `json:"successRate"`
	AvgResponseTime int64   `json:"avgResponseTime"`
	QPS             float64 `json:"qps"`
}

// ProviderStats counts upstream attempts per provider.
type ProviderStats struct {
	Attempts  int64 `json:"attempts"`
	Failures  int64 `json:"failures"`
	TotalTime int64 `json:"total_time"`
}
