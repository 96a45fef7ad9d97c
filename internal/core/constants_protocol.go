package core

// Default config constants
const (
	DefaultPort             = "7860"
	DefaultGinMode          = "release"
	DefaultModelsConfigPath = "models.json"
	DefaultStoreFile        = "store.json"
	DefaultModel            = "claude-sonnet-4-6"
	CORSMaxAge              = "86400"
)

// Provider names
const (
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
)

// Provider endpoints
const (
	DeepSeekBaseURL    = "https://api.deepseek.com"
	AnthropicBaseURL   = "https://api.anthropic.com"
	AnthropicVersion   = "2023-06-01"
	GoogleBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	GoogleModelsPrefix = "models/"
)

// Provider credential environment variables
const (
	EnvOpenAIKey         = "OPENAI_API_KEY"
	EnvGoogleKey         = "GOOGLE_API_KEY"
	EnvGoogleAIStudioKey = "GOOGLE_AI_STUDIO_API_KEY"
	EnvAnthropicKey      = "ANTHROPIC_API_KEY"
	EnvDeepSeekKey       = "DEEPSEEK_API_KEY"
)

// Chat actions
const (
	ActionChat  = "chat"
	ActionTest  = "test"
	ActionMulti = "multi"
)

// Content type and header constants
const (
	ContentTypeEventStream = "text/event-stream"
	ContentTypeJSON        = "application/json"
	CacheControlNoCache    = "no-cache"
	ConnectionKeepAlive    = "keep-alive"
	HeaderContentType      = "Content-Type"
	HeaderAuthorization    = "Authorization"
	HeaderAccept           = "Accept"
	HeaderCacheControl     = "Cache-Control"
	HeaderConnection       = "Connection"
	HeaderXAPIKey          = "x-api-key"
	HeaderGoogAPIKey       = "x-goog-api-key"
	HeaderAnthropicVersion = "anthropic-version"
	AuthBearerPrefix       = "Bearer "
)

// SSE stream constants
const (
	StreamChunkDoneMessage = "[DONE]"
	StreamChunkPrefix      = "data: "
)

// SSE event types sent to the browser
const (
	EventStart     = "start"
	EventTextDelta = "text-delta"
	EventFinish    = "finish"
	EventBudget    = "budget"
	EventError     = "error"
)

// Role constants
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
	RoleModel     = "model"
)

// Message part types
const (
	PartTypeText = "text"
	PartTypeFile = "file"
)

// Budget notice kinds
const (
	NoticeWarning  = "warning"
	NoticeHardStop = "hard_stop"
)
