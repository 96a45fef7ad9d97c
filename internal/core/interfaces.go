package core

import (
	"time"
)

// Logger interface
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	Fatal(format string, args ...any)
}

// Cache interface
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, duration time.Duration)
	Stop()
}

// ModelListCache memoizes the model ids a provider key can see.
type ModelListCache interface {
	GetModelList(key string) ([]string, bool)
	PutModelList(key string, models []string, ttl time.Duration)
}

// StorageInterface is the key-value store behind chats, settings, usage and audit data.
// Load reports found=false for a missing key without an error.
type StorageInterface interface {
	Load(key string) (data []byte, found bool, err error)
	Save(key string, data []byte) error
	Close() error
}

// MetricsCollector interface
type MetricsCollector interface {
	RecordHTTPRequest(duration time.Duration)
	RecordHTTPError()
	RecordCacheHit()
	RecordCacheMiss()
	RecordProviderAttempt(provider string, success bool, duration time.Duration)
	GetQPS() float64
}

// NopLogger empty logger implementation
type NopLogger struct{}

func (*NopLogger) Debug(format string, args ...any) {}
func (*NopLogger) Info(format string, args ...any)  {}
func (*NopLogger) Warn(format string, args ...any)  {}
func (*NopLogger) Error(format string, args ...any) {}
func (*NopLogger) Fatal(format string, args ...any) {}

// NopMetrics empty metrics collector implementation
type NopMetrics struct{}

func (*NopMetrics) RecordHTTPRequest(duration time.Duration)                             {}
func (*NopMetrics) RecordHTTPError()                                                     {}
func (*NopMetrics) RecordCacheHit()                                                      {}
func (*NopMetrics) RecordCacheMiss()                                                     {}
func (*NopMetrics) RecordProviderAttempt(provider string, success bool, d time.Duration) {}
func (*NopMetrics) GetQPS() float64                                                      { return 0 }
