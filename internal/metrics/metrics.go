package metrics

import (
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"
)

// AtomicRequestStats thread-safe request statistics
type AtomicRequestStats struct {
	TotalRequests      atomic.Int64
	SuccessfulRequests atomic.Int64
	FailedRequests     atomic.Int64
	TotalResponseTime  atomic.Int64
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
}

// MetricsConfig configuration for MetricsService
type MetricsConfig struct {
	SaveInterval time.Duration
	HistorySize  int
	Storage      core.StorageInterface
	Logger       core.Logger
}

// MetricsService collects turn and upstream metrics and persists them under the
// "stats" store key.
type MetricsService struct {
	atomicStats      AtomicRequestStats
	requestHistory   []core.RequestRecord
	historyMu        sync.RWMutex
	lastRequestTime  time.Time
	maxHistorySize   int
	storage          core.StorageInterface
	logger           core.Logger
	lastSaveTime     time.Time
	minSaveInterval  time.Duration
	done             chan struct{}
	closeOnce        sync.Once
	historyBuffer    []core.RequestRecord
	bufferMu         sync.Mutex
	bufferFlushTimer *time.Ticker
	recentRequests   []time.Time
	recentMu         sync.Mutex
	providers        map[string]core.ProviderStats
	providersMu      sync.Mutex
}

// NewMetricsService creates a new MetricsService
func NewMetricsService(config MetricsConfig) *MetricsService {
	if config.Logger == nil {
		config.Logger = &core.NopLogger{}
	}
	if config.HistorySize <= 0 {
		config.HistorySize = core.HistoryBufferSize
	}
	ms := &MetricsService{
		maxHistorySize:  config.HistorySize,
		storage:         config.Storage,
		logger:          config.Logger,
		minSaveInterval: config.SaveInterval,
		done:            make(chan struct{}),
		historyBuffer:   make([]core.RequestRecord, 0, core.HistoryBatchSize),
		providers:       make(map[string]core.ProviderStats),
	}

	ms.bufferFlushTimer = time.NewTicker(core.HistoryFlushInterval)
	go ms.flushLoop()

	return ms
}

func (ms *MetricsService) flushLoop() {
	for {
		select {
		case <-ms.bufferFlushTimer.C:
			ms.flushBuffer()
		case <-ms.done:
			return
		}
	}
}

func (ms *MetricsService) flushBuffer() {
	ms.bufferMu.Lock()
	if len(ms.historyBuffer) == 0 {
		ms.bufferMu.Unlock()
		return
	}
	batch := ms.historyBuffer
	ms.historyBuffer = make([]core.RequestRecord, 0, core.HistoryBatchSize)
	ms.bufferMu.Unlock()

	ms.historyMu.Lock()
	ms.requestHistory = append(ms.requestHistory, batch...)
	if len(ms.requestHistory) > ms.maxHistorySize {
		ms.requestHistory = ms.requestHistory[len(ms.requestHistory)-ms.maxHistorySize:]
	}
	ms.historyMu.Unlock()
}

// trimRecent drops timestamps older than one minute. recentMu must be held.
func (ms *MetricsService) trimRecent(now time.Time) {
	cutoff := now.Add(-time.Minute)
	startIdx := 0
	for startIdx < len(ms.recentRequests) && ms.recentRequests[startIdx].Before(cutoff) {
		startIdx++
	}
	if startIdx > 0 {
		ms.recentRequests = append([]time.Time(nil), ms.recentRequests[startIdx:]...)
	}
}

// RecordRequest records the outcome of one chat turn
func (ms *MetricsService) RecordRequest(success bool, responseTime int64, action, model, provider string) {
	now := time.Now()
	ms.historyMu.Lock()
	ms.lastRequestTime = now
	ms.historyMu.Unlock()
	ms.atomicStats.TotalRequests.Add(1)
	ms.atomicStats.TotalResponseTime.Add(responseTime)

	if success {
		ms.atomicStats.SuccessfulRequests.Add(1)
	} else {
		ms.atomicStats.FailedRequests.Add(1)
	}

	ms.recentMu.Lock()
	ms.recentRequests = append(ms.recentRequests, now)
	ms.trimRecent(now)
	ms.recentMu.Unlock()

	record := core.RequestRecord{
		Timestamp:    now,
		Success:      success,
		ResponseTime: responseTime,
		Action:       action,
		Model:        model,
		Provider:     provider,
	}

	ms.bufferMu.Lock()
	ms.historyBuffer = append(ms.historyBuffer, record)
	shouldFlush := len(ms.historyBuffer) >= core.HistoryBatchSize
	ms.bufferMu.Unlock()

	if shouldFlush {
		ms.flushBuffer()
	}

	ms.SaveStatsDebounced()
}

// RecordHTTPRequest records HTTP request duration
func (ms *MetricsService) RecordHTTPRequest(duration time.Duration) {
	ms.atomicStats.TotalResponseTime.Add(duration.Milliseconds())
}

// RecordHTTPError records HTTP error
func (ms *MetricsService) RecordHTTPError() {
	ms.atomicStats.FailedRequests.Add(1)
}

// RecordCacheHit records cache hit
func (ms *MetricsService) RecordCacheHit() {
	ms.atomicStats.CacheHits.Add(1)
}

// RecordCacheMiss records cache miss
func (ms *MetricsService) RecordCacheMiss() {
	ms.atomicStats.CacheMisses.Add(1)
}

// RecordProviderAttempt counts one upstream call
func (ms *MetricsService) RecordProviderAttempt(provider string, success bool, duration time.Duration) {
	ms.providersMu.Lock()
	defer ms.providersMu.Unlock()

	ps := ms.providers[provider]
	ps.Attempts++
	ps.TotalTime += duration.Milliseconds()
	if !success {
		ps.Failures++
	}
	ms.providers[provider] = ps
}

// GetQPS returns current QPS over the last minute
func (ms *MetricsService) GetQPS() float64 {
	ms.recentMu.Lock()
	defer ms.recentMu.Unlock()

	ms.trimRecent(time.Now())
	if len(ms.recentRequests) == 0 {
		return 0
	}

	return math.Round(float64(len(ms.recentRequests))/60.0*1000) / 1000
}

// GetRequestStats returns current stats snapshot
func (ms *MetricsService) GetRequestStats() core.RequestStats {
	ms.flushBuffer()

	ms.providersMu.Lock()
	providers := maps.Clone(ms.providers)
	ms.providersMu.Unlock()

	ms.historyMu.RLock()
	defer ms.historyMu.RUnlock()

	historyCopy := make([]core.RequestRecord, len(ms.requestHistory))
	copy(historyCopy, ms.requestHistory)

	return core.RequestStats{
		TotalRequests:      ms.atomicStats.TotalRequests.Load(),
		SuccessfulRequests: ms.atomicStats.SuccessfulRequests.Load(),
		FailedRequests:     ms.atomicStats.FailedRequests.Load(),
		TotalResponseTime:  ms.atomicStats.TotalResponseTime.Load(),
		LastRequestTime:    ms.lastRequestTime,
		RequestHistory:     historyCopy,
		CacheHits:          ms.atomicStats.CacheHits.Load(),
		CacheMisses:        ms.atomicStats.CacheMisses.Load(),
		Providers:          providers,
	}
}

// GetPeriodStats computes period statistics for multiple hour windows in a single pass.
func GetPeriodStats(history []core.RequestRecord, hourPeriods ...int) map[int]core.PeriodStats {
	if len(hourPeriods) == 0 {
		return nil
	}

	now := time.Now()
	cutoffs := make([]time.Time, len(hourPeriods))
	requests := make([]int64, len(hourPeriods))
	successful := make([]int64, len(hourPeriods))
	responseTime := make([]int64, len(hourPeriods))

	for i, hours := range hourPeriods {
		cutoffs[i] = now.Add(-time.Duration(hours) * time.Hour)
	}

	for _, record := range history {
		for i, cutoff := range cutoffs {
			if record.Timestamp.After(cutoff) {
				requests[i]++
				responseTime[i] += record.ResponseTime
				if record.Success {
					successful[i]++
				}
			}
		}
	}

	result := make(map[int]core.PeriodStats, len(hourPeriods))
	for i, hours := range hourPeriods {
		stats := core.PeriodStats{
			Requests: requests[i],
			QPS:      float64(requests[i]) / (float64(hours) * 3600.0),
		}
		if requests[i] > 0 {
			stats.SuccessRate = float64(successful[i]) / float64(requests[i]) * 100
			stats.AvgResponseTime = responseTime[i] / requests[i]
		}
		result[hours] = stats
	}
	return result
}

// LoadStats loads stats from storage
func (ms *MetricsService) LoadStats() error {
	if ms.storage == nil {
		return nil
	}
	var stats core.RequestStats
	found, err := storage.LoadJSON(ms.storage, core.StatsStoreKey, &stats)
	if err != nil || !found {
		return err
	}

	ms.atomicStats.TotalRequests.Store(stats.TotalRequests)
	ms.atomicStats.SuccessfulRequests.Store(stats.SuccessfulRequests)
	ms.atomicStats.FailedRequests.Store(stats.FailedRequests)
	ms.atomicStats.TotalResponseTime.Store(stats.TotalResponseTime)
	ms.atomicStats.CacheHits.Store(stats.CacheHits)
	ms.atomicStats.CacheMisses.Store(stats.CacheMisses)

	ms.providersMu.Lock()
	for name, ps := range stats.Providers {
		ms.providers[name] = ps
	}
	ms.providersMu.Unlock()

	ms.historyMu.Lock()
	ms.lastRequestTime = stats.LastRequestTime
	ms.requestHistory = stats.RequestHistory
	if ms.requestHistory == nil {
		ms.requestHistory = []core.RequestRecord{}
	}
	ms.historyMu.Unlock()

	return nil
}

// SaveStatsDebounced saves stats with debounce
func (ms *MetricsService) SaveStatsDebounced() {
	now := time.Now()
	ms.historyMu.Lock()
	if now.Sub(ms.lastSaveTime) < ms.minSaveInterval {
		ms.historyMu.Unlock()
		return
	}
	ms.lastSaveTime = now
	ms.historyMu.Unlock()

	if err := ms.save(); err != nil {
		ms.logger.Warn("Failed to save stats: %v", err)
	}
}

func (ms *MetricsService) save() error {
	if ms.storage == nil {
		return nil
	}
	stats := ms.GetRequestStats()
	return storage.SaveJSON(ms.storage, core.StatsStoreKey, stats)
}

// Close saves final stats and stops
func (ms *MetricsService) Close() error {
	var err error
	ms.closeOnce.Do(func() {
		close(ms.done)
		ms.bufferFlushTimer.Stop()
		ms.flushBuffer()
		err = ms.save()
	})
	return err
}

// RecordSuccessWithMetrics records a successful turn
func RecordSuccessWithMetrics(metrics *MetricsService, startTime time.Time, action, model, provider string) {
	metrics.RecordRequest(true, time.Since(startTime).Milliseconds(), action, model, provider)
}

// RecordFailureWithMetrics records a failed turn
func RecordFailureWithMetrics(metrics *MetricsService, startTime time.Time, action, model, provider string) {
	metrics.RecordRequest(false, time.Since(startTime).Milliseconds(), action, model, provider)
}
