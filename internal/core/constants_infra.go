package core

import "time"

// Timeout and time constants
const (
	DefaultTurnTimeout    = 30 * time.Second
	ProviderCatalogTTL    = 5 * time.Minute
	ProviderCatalogKeyTag = "google-models"
)

// HTTP client config constants
const (
	HTTPMaxIdleConns          = 200
	HTTPMaxIdleConnsPerHost   = 50
	HTTPMaxConnsPerHost       = 100
	HTTPIdleConnTimeout       = 90 * time.Second
	HTTPTLSHandshakeTimeout   = 10 * time.Second
	HTTPResponseHeaderTimeout = 30 * time.Second
	HTTPExpectContinueTimeout = 1 * time.Second
	HTTPRequestTimeout        = 5 * time.Minute
)

// Cache config constants
const (
	CacheDefaultCapacity = 256
	CacheCleanupInterval = 5 * time.Minute
	CacheKeyVersion      = "v1"
)

// Stats and monitoring constants
const (
	StatsStoreKey        = "stats"
	MinSaveInterval      = 5 * time.Second
	HistoryBufferSize    = 1000
	HistoryBatchSize     = 100
	HistoryFlushInterval = 100 * time.Millisecond
)

// Orchestration constants
const (
	DefaultMultiConcurrency = 4
	TestPrompt              = "ping"
	AnthropicDefaultMaxTok  = 4096
)

// Usage and audit constants
const (
	AuditLogCap           = 500
	DefaultAlertThreshold = 0.8
	USDToPLN              = 4.0
	MaxOptimizationHints  = 3
)

// Store keys
const (
	StoreKeyUsagePrefix      = "usage-"
	StoreKeyUsageModelPrefix = "usage-model-"
	StoreKeyChatSessions     = "chat-sessions"
	StoreKeyUserModels       = "user-models"
	StoreKeyModelProfiles    = "model-profiles"
	StoreKeyBudgetSettings   = "budget-settings"
	StoreKeyAuditLog         = "audit-log"
	RedisKeyPrefix           = "openkaap:"
)

// Request and response body size limits
const (
	MaxRequestBodySize   = 20 * 1024 * 1024
	MaxResponseBodySize  = 10 * 1024 * 1024
	MaxScannerBufferSize = 1024 * 1024
)

// Attachment validation constants
const (
	MaxImageSizeBytes = 10 * 1024 * 1024
	ImageFormatPNG    = "image/png"
	ImageFormatJPEG   = "image/jpeg"
	ImageFormatGIF    = "image/gif"
	ImageFormatWebP   = "image/webp"
)

// SupportedImageFormats lists the image types every provider accepts
var SupportedImageFormats = []string{ImageFormatPNG, ImageFormatJPEG, ImageFormatGIF, ImageFormatWebP}

// Rate limiting constants
const (
	DefaultRateLimit       = 5.0
	DefaultRateBurst       = 20
	RateLimiterIdleTimeout = 10 * time.Minute
)

// Logging config constants
const (
	MaxDebugFilePathLength = 260
)

// File permission constants
const (
	FilePermissionReadWrite = 0644
)

// Time format constants
const (
	TimeFormatDateTime = "2006-01-02 15:04:05"
	TimeFormatMonthKey = "2006-01"
)
