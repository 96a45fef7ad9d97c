package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"

	"github.com/bytedance/sonic"
	"github.com/spf13/viper"
)

// ServerConfig server configuration
type ServerConfig struct {
	Port               string
	GinMode            string
	ClientAPIKeys      []string
	Credentials        core.Credentials
	BaseURLs           map[string]string
	TurnTimeout        time.Duration
	MultiConcurrency   int
	RateLimit          float64
	RateBurst          int
	CORSAllowOrigin    string
	RedisURL           string
	StoreFile          string
	ModelsConfigPath   string
	UsageTracking      bool
	LogFile            string
	Debug              bool
	UserModels         []core.ModelDescriptor
	HTTPClientSettings HTTPClientSettings
	Storage            core.StorageInterface
	Logger             core.Logger
}

// HTTPClientSettings HTTP client configuration
type HTTPClientSettings struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	RequestTimeout      time.Duration
}

// DefaultHTTPClientSettings default HTTP client settings
func DefaultHTTPClientSettings() HTTPClientSettings {
	return HTTPClientSettings{
		MaxIdleConns:        core.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: core.HTTPMaxIdleConnsPerHost,
		MaxConnsPerHost:     core.HTTPMaxConnsPerHost,
		IdleConnTimeout:     core.HTTPIdleConnTimeout,
		TLSHandshakeTimeout: core.HTTPTLSHandshakeTimeout,
		RequestTimeout:      core.HTTPRequestTimeout,
	}
}

func newViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("port", core.DefaultPort)
	v.SetDefault("gin_mode", core.DefaultGinMode)
	v.SetDefault("client_api_keys", "")
	v.SetDefault("turn_timeout", core.DefaultTurnTimeout.String())
	v.SetDefault("multi_concurrency", core.DefaultMultiConcurrency)
	v.SetDefault("rate_limit", core.DefaultRateLimit)
	v.SetDefault("rate_burst", core.DefaultRateBurst)
	v.SetDefault("cors_allow_origin", "*")
	v.SetDefault("redis_url", "")
	v.SetDefault("store_file", core.DefaultStoreFile)
	v.SetDefault("models_config_path", core.DefaultModelsConfigPath)
	v.SetDefault("usage_tracking", true)
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("anthropic_base_url", core.AnthropicBaseURL)
	v.SetDefault("google_base_url", core.GoogleBaseURL)
	v.SetDefault("deepseek_base_url", core.DeepSeekBaseURL)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	_ = v.BindEnv("openai_api_key", core.EnvOpenAIKey)
	_ = v.BindEnv("google_api_key", core.EnvGoogleKey, core.EnvGoogleAIStudioKey)
	_ = v.BindEnv("anthropic_api_key", core.EnvAnthropicKey)
	_ = v.BindEnv("deepseek_api_key", core.EnvDeepSeekKey)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load merges defaults, the optional config file and the environment.
// An empty cfgFile looks for ./config.yaml and ignores its absence.
func Load(cfgFile string, logger core.Logger) (ServerConfig, error) {
	if logger == nil {
		logger = &core.NopLogger{}
	}

	v, err := newViper(cfgFile)
	if err != nil {
		return ServerConfig{}, err
	}

	turnTimeout, err := parseDuration(v.GetString("turn_timeout"))
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid TURN_TIMEOUT: %w", err)
	}

	cfg := ServerConfig{
		Port:          v.GetString("port"),
		GinMode:       v.GetString("gin_mode"),
		ClientAPIKeys: parseList(v.Get("client_api_keys")),
		Credentials: core.Credentials{
			OpenAI:    v.GetString("openai_api_key"),
			Google:    v.GetString("google_api_key"),
			Anthropic: v.GetString("anthropic_api_key"),
			DeepSeek:  v.GetString("deepseek_api_key"),
		},
		BaseURLs: map[string]string{
			core.ProviderOpenAI:    v.GetString("openai_base_url"),
			core.ProviderAnthropic: v.GetString("anthropic_base_url"),
			core.ProviderGoogle:    v.GetString("google_base_url"),
			core.ProviderDeepSeek:  v.GetString("deepseek_base_url"),
		},
		TurnTimeout:        turnTimeout,
		MultiConcurrency:   v.GetInt("multi_concurrency"),
		RateLimit:          v.GetFloat64("rate_limit"),
		RateBurst:          v.GetInt("rate_burst"),
		CORSAllowOrigin:    v.GetString("cors_allow_origin"),
		RedisURL:           v.GetString("redis_url"),
		StoreFile:          v.GetString("store_file"),
		ModelsConfigPath:   v.GetString("models_config_path"),
		UsageTracking:      v.GetBool("usage_tracking"),
		LogFile:            v.GetString("log_file"),
		Debug:              v.GetString("gin_mode") == "debug" || strings.EqualFold(v.GetString("log_level"), "debug"),
		HTTPClientSettings: DefaultHTTPClientSettings(),
	}

	if cfg.MultiConcurrency <= 0 {
		logger.Warn("Invalid MULTI_CONCURRENCY %d, using default %d", cfg.MultiConcurrency, core.DefaultMultiConcurrency)
		cfg.MultiConcurrency = core.DefaultMultiConcurrency
	}
	if cfg.RateLimit <= 0 {
		logger.Warn("Invalid RATE_LIMIT %v, using default %v", cfg.RateLimit, core.DefaultRateLimit)
		cfg.RateLimit = core.DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = core.DefaultRateBurst
	}

	if len(cfg.ClientAPIKeys) == 0 {
		logger.Warn("CLIENT_API_KEYS is empty, the API is open")
	} else {
		logger.Info("Loaded %d client API keys", len(cfg.ClientAPIKeys))
	}
	for _, p := range []string{core.ProviderOpenAI, core.ProviderGoogle, core.ProviderAnthropic, core.ProviderDeepSeek} {
		if key := cfg.Credentials.For(p); key != "" {
			logger.Debug("Default %s key: %s", p, util.MaskKey(key))
		}
	}

	models, err := LoadUserModels(cfg.ModelsConfigPath)
	if err != nil {
		return ServerConfig{}, err
	}
	if len(models) > 0 {
		logger.Info("Loaded %d custom models from %s", len(models), cfg.ModelsConfigPath)
	}
	cfg.UserModels = models

	return cfg, nil
}

// parseDuration accepts Go durations ("45s") or a bare number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return core.DefaultTurnTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		var seconds int
		if _, scanErr := fmt.Sscanf(raw, "%d", &seconds); scanErr != nil {
			return 0, err
		}
		d = time.Duration(seconds) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", raw)
	}
	return d, nil
}

// parseList takes a comma-separated string (env) or a list (config file).
func parseList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return util.ParseEnvList(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return util.ParseEnvList(strings.Join(v, ","))
	}
	return nil
}

type modelsFile struct {
	Models []core.ModelDescriptor `json:"models"`
}

// LoadUserModels reads custom model descriptors from path. The file holds either
// {"models": [...]} or a bare array. A missing file yields no models.
func LoadUserModels(path string) ([]core.ModelDescriptor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from config, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file modelsFile
	if err := sonic.Unmarshal(data, &file); err != nil {
		if err := sonic.Unmarshal(data, &file.Models); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return SanitizeModels(file.Models), nil
}

// SanitizeModels normalizes ids, drops entries without an id or provider and keeps the
// first of duplicate ids.
func SanitizeModels(models []core.ModelDescriptor) []core.ModelDescriptor {
	seen := make(map[string]struct{}, len(models))
	out := make([]core.ModelDescriptor, 0, len(models))
	for _, m := range models {
		m.ID = modelid.Normalize(m.ID)
		m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
		if m.ID == "" || m.Provider == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.Name == "" {
			m.Name = m.ID
		}
		out = append(out, m)
	}
	return out
}
