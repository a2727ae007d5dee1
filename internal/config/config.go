// Package config loads the labextract settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joelkehle/labextract/internal/batch"
	"github.com/joelkehle/labextract/internal/cache"
	"github.com/joelkehle/labextract/internal/extract"
	"github.com/joelkehle/labextract/internal/identity"
	"github.com/joelkehle/labextract/internal/quality"
	"github.com/joelkehle/labextract/internal/ratelimit"
)

type Config struct {
	Anthropic      AnthropicConfig    `yaml:"anthropic"`
	Quality        quality.Thresholds `yaml:"quality"`
	RateLimit      RateLimitConfig    `yaml:"rate_limit"`
	Cache          CacheConfig        `yaml:"cache"`
	Batch          BatchConfig        `yaml:"batch"`
	Store          StoreConfig        `yaml:"store"`
	Telemetry      TelemetryConfig    `yaml:"telemetry"`
	VocabularyPath string             `yaml:"vocabulary_path"`
	PatientHistory int                `yaml:"patient_history"`
}

type AnthropicConfig struct {
	Model string `yaml:"model"`
	// APIKey is only read from ANTHROPIC_API_KEY.
	APIKey          string        `yaml:"-"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	VerifyDocuments bool          `yaml:"verify_documents"`
	ReviewRows      bool          `yaml:"review_rows"`
	LLMSummary      bool          `yaml:"llm_summary"`
	LLMPanelMatch   bool          `yaml:"llm_panel_match"`
}

type RateLimitConfig struct {
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MinRequests       int     `yaml:"min_requests"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	RecoveryThreshold int     `yaml:"recovery_threshold"`
}

type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	Dir      string        `yaml:"dir"`
	TTL      time.Duration `yaml:"ttl"`
}

type BatchConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	SubBatchSize    int           `yaml:"sub_batch_size"`
	SubBatchDelay   time.Duration `yaml:"sub_batch_delay"`
	DocumentTimeout time.Duration `yaml:"document_timeout"`
}

type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func Default() Config {
	return Config{
		Anthropic: AnthropicConfig{
			Model:           extract.DefaultModel,
			CallTimeout:     extract.DefaultCallTimeout,
			VerifyDocuments: true,
			ReviewRows:      true,
			LLMSummary:      true,
			LLMPanelMatch:   true,
		},
		Quality: quality.DefaultThresholds(),
		RateLimit: RateLimitConfig{
			RequestsPerMinute: ratelimit.DefaultRequestsPerMinute,
			MinRequests:       ratelimit.DefaultMinRequests,
			BackoffFactor:     ratelimit.DefaultBackoffFactor,
			RecoveryThreshold: ratelimit.DefaultRecoveryThreshold,
		},
		Cache: CacheConfig{
			Dir: ".labextract/cache",
			TTL: cache.DefaultTTL,
		},
		Batch: BatchConfig{
			Concurrency:     3,
			SubBatchSize:    batch.DefaultSubBatchSize,
			SubBatchDelay:   batch.DefaultSubBatchDelay,
			DocumentTimeout: batch.DefaultDocumentTimeout,
		},
		Store:          StoreConfig{DBPath: ".labextract/labextract.db"},
		Telemetry:      TelemetryConfig{ServiceName: "labextract"},
		PatientHistory: identity.DefaultCapacity,
	}
}

// Load reads path over Default, applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := envValue("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := envValue("LABEXTRACT_MODEL"); v != "" {
		c.Anthropic.Model = v
	}
	if v := envValue("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := envValue("LABEXTRACT_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := envValue("LABEXTRACT_DB"); v != "" {
		c.Store.DBPath = v
	}
	if v := envValue("LABEXTRACT_VOCABULARY"); v != "" {
		c.VocabularyPath = v
	}
	if v := envValue("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := envValue("LABEXTRACT_RPM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LABEXTRACT_RPM: %w", err)
		}
		c.RateLimit.RequestsPerMinute = n
	}
	if v := envValue("LABEXTRACT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LABEXTRACT_CONCURRENCY: %w", err)
		}
		c.Batch.Concurrency = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must be positive"))
	}
	if c.RateLimit.MinRequests <= 0 || c.RateLimit.MinRequests > c.RateLimit.RequestsPerMinute {
		errs = append(errs, errors.New("rate_limit.min_requests must be between 1 and requests_per_minute"))
	}
	if c.RateLimit.BackoffFactor <= 0 || c.RateLimit.BackoffFactor >= 1 {
		errs = append(errs, errors.New("rate_limit.backoff_factor must be in (0, 1)"))
	}
	if c.Batch.Concurrency < 1 {
		errs = append(errs, errors.New("batch.concurrency must be at least 1"))
	}
	if c.Batch.SubBatchSize < 0 || c.Batch.SubBatchDelay < 0 {
		errs = append(errs, errors.New("batch sub-batch settings must not be negative"))
	}
	if c.Quality.MinResolution <= 0 {
		errs = append(errs, errors.New("quality.min_resolution must be positive"))
	}
	if c.Quality.BlurCritical > c.Quality.Blur {
		errs = append(errs, errors.New("quality.blur_score_critical must not exceed blur_score"))
	}
	if c.PatientHistory < 1 {
		errs = append(errs, errors.New("patient_history must be at least 1"))
	}
	if strings.TrimSpace(c.Store.DBPath) == "" {
		errs = append(errs, errors.New("store.db_path is required"))
	}
	return errors.Join(errs...)
}

// RateLimiter translates the section into the limiter's config.
func (c RateLimitConfig) RateLimiter() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: c.RequestsPerMinute,
		MinRequests:       c.MinRequests,
		BackoffFactor:     c.BackoffFactor,
		RecoveryThreshold: c.RecoveryThreshold,
	}
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
