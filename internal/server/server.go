package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/cache"
	"github.com/Plonkawojciech/open-kaap-pro/internal/config"
	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/metrics"
	"github.com/Plonkawojciech/open-kaap-pro/internal/orchestrator"
	"github.com/Plonkawojciech/open-kaap-pro/internal/provider"
	"github.com/Plonkawojciech/open-kaap-pro/internal/registry"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"
	"github.com/Plonkawojciech/open-kaap-pro/internal/usage"

	"github.com/gin-gonic/gin"
)

// Server application server
type Server struct {
	port    string
	ginMode string

	httpClient *http.Client
	router     *gin.Engine
	store      core.StorageInterface

	cache          *cache.CacheService
	metricsService *metrics.MetricsService

	validClientKeys map[string]bool

	registry     *registry.Registry
	resolver     orchestrator.ClientResolver
	orchestrator *orchestrator.Orchestrator
	tracker      *usage.Tracker

	config config.ServerConfig

	rateLimiter *rateLimiter

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig) (*Server, error) {
	return newServer(cfg, nil)
}

// newServer wires every component. A nil resolver builds the provider resolver.
func newServer(cfg config.ServerConfig, resolver orchestrator.ClientResolver) (*Server, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required in ServerConfig")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required in ServerConfig")
	}

	httpClient := createOptimizedHTTPClient(cfg.HTTPClientSettings)

	metricsService := metrics.NewMetricsService(metrics.MetricsConfig{
		SaveInterval: core.MinSaveInterval,
		HistorySize:  core.HistoryBufferSize,
		Storage:      cfg.Storage,
		Logger:       cfg.Logger,
	})
	if err := metricsService.LoadStats(); err != nil {
		cfg.Logger.Warn("Failed to load historical stats: %v", err)
	}

	cacheService := cache.NewCacheService(metricsService)

	reg := registry.New(cfg.UserModels)
	var stored []core.ModelDescriptor
	found, err := storage.LoadJSON(cfg.Storage, core.StoreKeyUserModels, &stored)
	if err != nil {
		cfg.Logger.Warn("Failed to load stored user models: %v", err)
	} else if found {
		reg.SetUserModels(mergeUserModels(cfg.UserModels, stored))
	}
	cfg.Logger.Info("Model registry has %d models (%d custom)", len(reg.List()), len(reg.UserModels()))

	if resolver == nil {
		resolver = provider.NewResolver(provider.ResolverConfig{
			Registry:   reg,
			Defaults:   cfg.Credentials,
			Cache:      cacheService,
			HTTPClient: httpClient,
			Logger:     cfg.Logger,
			Metrics:    metricsService,
			BaseURLs:   cfg.BaseURLs,
		})
	}

	orch := orchestrator.New(orchestrator.Config{
		Resolver:         resolver,
		Registry:         reg,
		Logger:           cfg.Logger,
		Metrics:          metricsService,
		TurnTimeout:      cfg.TurnTimeout,
		MultiConcurrency: cfg.MultiConcurrency,
	})

	tracker := usage.NewTracker(usage.Config{
		Store:    cfg.Storage,
		Registry: reg,
		Logger:   cfg.Logger,
	})

	validClientKeys := make(map[string]bool)
	for _, key := range cfg.ClientAPIKeys {
		validClientKeys[key] = true
	}
	if len(validClientKeys) == 0 {
		cfg.Logger.Warn("No client API keys configured, API is open")
	}

	rateLimit, rateBurst := cfg.RateLimit, cfg.RateBurst
	if rateLimit <= 0 {
		rateLimit = core.DefaultRateLimit
	}
	if rateBurst <= 0 {
		rateBurst = core.DefaultRateBurst
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	server := &Server{
		port:            cfg.Port,
		ginMode:         cfg.GinMode,
		httpClient:      httpClient,
		store:           cfg.Storage,
		cache:           cacheService,
		metricsService:  metricsService,
		validClientKeys: validClientKeys,
		registry:        reg,
		resolver:        resolver,
		orchestrator:    orch,
		tracker:         tracker,
		config:          cfg,
		rateLimiter:     newRateLimiter(rateLimit, rateBurst),
		shutdownCtx:     shutdownCtx,
		shutdownCancel:  shutdownCancel,
	}

	server.setupRoutes()

	return server, nil
}

// mergeUserModels puts the stored models first; config-file models fill in ids the
// store does not define.
func mergeUserModels(fromConfig, stored []core.ModelDescriptor) []core.ModelDescriptor {
	merged := config.SanitizeModels(stored)
	seen := make(map[string]struct{}, len(merged))
	for _, m := range merged {
		seen[m.ID] = struct{}{}
	}
	for _, m := range fromConfig {
		if _, dup := seen[m.ID]; !dup {
			merged = append(merged, m)
		}
	}
	return merged
}

func createOptimizedHTTPClient(settings config.HTTPClientSettings) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          settings.MaxIdleConns,
		MaxIdleConnsPerHost:   settings.MaxIdleConnsPerHost,
		MaxConnsPerHost:       settings.MaxConnsPerHost,
		IdleConnTimeout:       settings.IdleConnTimeout,
		TLSHandshakeTimeout:   settings.TLSHandshakeTimeout,
		ExpectContinueTimeout: core.HTTPExpectContinueTimeout,
		DisableKeepAlives:     false,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: core.HTTPResponseHeaderTimeout,
		DisableCompression:    false,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   settings.RequestTimeout,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run runs the server
func (s *Server) Run() error {
	s.setupGracefulShutdown()

	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // SSE streams need longer timeout
	}

	go func() {
		<-s.shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.config.Logger.Error("Server shutdown error: %v", err)
		}
	}()

	s.config.Logger.Info("Server starting on port %s", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) setupGracefulShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		s.config.Logger.Info("Shutdown signal received, shutting down gracefully...")
		s.shutdownCancel()
	}()
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) getStatsData(c *gin.Context) {
	stats := s.metricsService.GetRequestStats()
	periodStats := metrics.GetPeriodStats(stats.RequestHistory, 24, 24*7, 24*30)

	c.JSON(http.StatusOK, gin.H{
		"currentTime":  time.Now().Format(core.TimeFormatDateTime),
		"currentQPS":   fmt.Sprintf("%.3f", s.metricsService.GetQPS()),
		"totalRecords": len(stats.RequestHistory),
		"total":        stats.TotalRequests,
		"successful":   stats.SuccessfulRequests,
		"failed":       stats.FailedRequests,
		"cacheHits":    stats.CacheHits,
		"cacheMisses":  stats.CacheMisses,
		"providers":    stats.Providers,
		"stats24h":     periodStats[24],
		"stats7d":      periodStats[24*7],
		"stats30d":     periodStats[24*30],
	})
}

// Close closes the server
func (s *Server) Close() error {
	if s.shutdownCancel != nil {
		s.shutdownCancel()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.stop()
	}

	var closeErr error

	if s.metricsService != nil {
		if err := s.metricsService.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close metrics service: %w", err))
		}
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close cache service: %w", err))
		}
	}

	return closeErr
}
