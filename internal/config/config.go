// Package config loads target settings from a JSON or YAML config file with
// environment variable expansion. The rest of the pipeline consumes the
// resulting Settings value as immutable.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the documented OIC target configuration surface.
const (
	DefaultBatchSize            = 100
	DefaultMaxBatchAge          = 60 * time.Second
	DefaultFlushInterval        = 5 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultRetryDelay           = 1 * time.Second
	DefaultMaxRetryDelay        = 30 * time.Second
	DefaultMaxConcurrentBatches = 4
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultRefreshThreshold     = 60 * time.Second
	DefaultScope                = "urn:opc:resource:consumer::all"
)

// Settings holds the full runtime configuration for the target. It is built
// once by Load (or Default in tests) and never mutated afterwards.
type Settings struct {
	// OIC instance
	BaseURL string
	// Stream name -> endpoint path. Streams missing from the map use
	// DefaultEndpoint with the stream name appended.
	StreamEndpoints map[string]string

	// OAuth2 (IDCS client credentials)
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthClientAud    string
	OAuthScope        string
	RefreshThreshold  time.Duration

	// Batching
	BatchSize   int
	MaxBatchAge time.Duration
	// How often buffers are checked for age-based flushes.
	FlushInterval time.Duration

	// Delivery
	RequestTimeout       time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
	MaxRetryDelay        time.Duration
	MaxConcurrentBatches int

	// Fraction of records allowed to fail validation before the run aborts.
	// Zero means any validation failure is fatal.
	ErrorThreshold float64

	ShutdownTimeout time.Duration

	// Dead letter sink for exhausted batches: "file" writes JSONL to
	// DeadLetterPath, "kafka" publishes to DeadLetterTopic, "" disables.
	DeadLetterSink    string
	DeadLetterPath    string
	DeadLetterBrokers []string
	DeadLetterTopic   string

	// Optional Redis delivery audit store.
	RedisURL string

	// Optional Prometheus/health listener, e.g. ":9090". Empty disables.
	MetricsAddr string

	LogLevel string
}

// DefaultEndpoint is the OIC REST path prefix used for streams without an
// explicit endpoint mapping.
const DefaultEndpoint = "/ic/api/integration/v1/flows/rest"

// canonicalEndpoints maps the OIC design-time resource streams to their
// documented REST paths. Explicit stream_endpoints entries override these.
var canonicalEndpoints = map[string]string{
	"connections":  "/ic/api/integration/v1/connections",
	"integrations": "/ic/api/integration/v1/integrations",
	"lookups":      "/ic/api/integration/v1/lookups",
	"packages":     "/ic/api/integration/v1/packages",
}

// rawConfig mirrors the config file structure for unmarshalling. Durations
// are expressed in seconds, matching the documented Singer config keys.
type rawConfig struct {
	BaseURL         string            `json:"base_url" yaml:"base_url"`
	StreamEndpoints map[string]string `json:"stream_endpoints" yaml:"stream_endpoints"`

	OAuthClientID         string `json:"oauth_client_id" yaml:"oauth_client_id"`
	OAuthClientSecret     string `json:"oauth_client_secret" yaml:"oauth_client_secret"`
	OAuthTokenURL         string `json:"oauth_token_url" yaml:"oauth_token_url"`
	OAuthClientAud        string `json:"oauth_client_aud" yaml:"oauth_client_aud"`
	OAuthScope            string `json:"oauth_scope" yaml:"oauth_scope"`
	TokenRefreshThreshold *int   `json:"token_refresh_threshold" yaml:"token_refresh_threshold"`

	BatchSize     *int `json:"batch_size" yaml:"batch_size"`
	MaxBatchAge   *int `json:"max_batch_age" yaml:"max_batch_age"`
	FlushInterval *int `json:"flush_interval" yaml:"flush_interval"`

	RequestTimeout       *int     `json:"request_timeout" yaml:"request_timeout"`
	MaxRetries           *int     `json:"max_retries" yaml:"max_retries"`
	RetryDelay           *int     `json:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay        *int     `json:"max_retry_delay" yaml:"max_retry_delay"`
	MaxConcurrentBatches *int     `json:"max_concurrent_batches" yaml:"max_concurrent_batches"`
	ErrorThreshold       *float64 `json:"error_threshold" yaml:"error_threshold"`
	ShutdownTimeout      *int     `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	DeadLetterSink    string   `json:"dead_letter_sink" yaml:"dead_letter_sink"`
	DeadLetterPath    string   `json:"dead_letter_path" yaml:"dead_letter_path"`
	DeadLetterBrokers []string `json:"dead_letter_brokers" yaml:"dead_letter_brokers"`
	DeadLetterTopic   string   `json:"dead_letter_topic" yaml:"dead_letter_topic"`

	RedisURL    string `json:"redis_url" yaml:"redis_url"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
}

// Default returns settings with every tunable at its documented default.
// Credentials and the base URL are left empty and must be filled in.
func Default() *Settings {
	return &Settings{
		StreamEndpoints:      map[string]string{},
		OAuthScope:           DefaultScope,
		RefreshThreshold:     DefaultRefreshThreshold,
		BatchSize:            DefaultBatchSize,
		MaxBatchAge:          DefaultMaxBatchAge,
		FlushInterval:        DefaultFlushInterval,
		RequestTimeout:       DefaultRequestTimeout,
		MaxRetries:           DefaultMaxRetries,
		RetryDelay:           DefaultRetryDelay,
		MaxRetryDelay:        DefaultMaxRetryDelay,
		MaxConcurrentBatches: DefaultMaxConcurrentBatches,
		ShutdownTimeout:      DefaultShutdownTimeout,
		LogLevel:             "info",
	}
}

// Load reads the config file at path (JSON or YAML, by extension), expands
// ${VAR} references from the environment, and validates the result.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references so secrets can live in the environment
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg := Default()
	cfg.BaseURL = strings.TrimRight(raw.BaseURL, "/")
	if raw.StreamEndpoints != nil {
		cfg.StreamEndpoints = raw.StreamEndpoints
	}
	cfg.OAuthClientID = raw.OAuthClientID
	cfg.OAuthClientSecret = raw.OAuthClientSecret
	cfg.OAuthTokenURL = raw.OAuthTokenURL
	cfg.OAuthClientAud = raw.OAuthClientAud
	if raw.OAuthScope != "" {
		cfg.OAuthScope = raw.OAuthScope
	}

	applySeconds(&cfg.RefreshThreshold, raw.TokenRefreshThreshold)
	applyInt(&cfg.BatchSize, raw.BatchSize)
	applySeconds(&cfg.MaxBatchAge, raw.MaxBatchAge)
	applySeconds(&cfg.FlushInterval, raw.FlushInterval)
	applySeconds(&cfg.RequestTimeout, raw.RequestTimeout)
	applyInt(&cfg.MaxRetries, raw.MaxRetries)
	applySeconds(&cfg.RetryDelay, raw.RetryDelay)
	applySeconds(&cfg.MaxRetryDelay, raw.MaxRetryDelay)
	applyInt(&cfg.MaxConcurrentBatches, raw.MaxConcurrentBatches)
	if raw.ErrorThreshold != nil {
		cfg.ErrorThreshold = *raw.ErrorThreshold
	}
	applySeconds(&cfg.ShutdownTimeout, raw.ShutdownTimeout)

	cfg.DeadLetterSink = raw.DeadLetterSink
	cfg.DeadLetterPath = raw.DeadLetterPath
	cfg.DeadLetterBrokers = raw.DeadLetterBrokers
	cfg.DeadLetterTopic = raw.DeadLetterTopic
	cfg.RedisURL = raw.RedisURL
	cfg.MetricsAddr = raw.MetricsAddr
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (s *Settings) Validate() error {
	var errs []error
	if s.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if s.OAuthClientID == "" {
		errs = append(errs, errors.New("oauth_client_id is required"))
	}
	if s.OAuthClientSecret == "" {
		errs = append(errs, errors.New("oauth_client_secret is required"))
	}
	if s.OAuthTokenURL == "" {
		errs = append(errs, errors.New("oauth_token_url is required"))
	}
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if s.MaxBatchAge <= 0 {
		errs = append(errs, errors.New("max_batch_age must be positive"))
	}
	if s.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if s.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries cannot be negative"))
	}
	if s.MaxConcurrentBatches <= 0 {
		errs = append(errs, errors.New("max_concurrent_batches must be positive"))
	}
	if s.ErrorThreshold < 0 || s.ErrorThreshold > 1 {
		errs = append(errs, errors.New("error_threshold must be between 0 and 1"))
	}
	switch s.DeadLetterSink {
	case "", "file", "kafka":
	default:
		errs = append(errs, fmt.Errorf("dead_letter_sink %q is not one of file, kafka", s.DeadLetterSink))
	}
	if s.DeadLetterSink == "file" && s.DeadLetterPath == "" {
		errs = append(errs, errors.New("dead_letter_path is required for the file dead letter sink"))
	}
	if s.DeadLetterSink == "kafka" && (len(s.DeadLetterBrokers) == 0 || s.DeadLetterTopic == "") {
		errs = append(errs, errors.New("dead_letter_brokers and dead_letter_topic are required for the kafka dead letter sink"))
	}
	return errors.Join(errs...)
}

// EndpointFor resolves the OIC REST path for a stream: explicit mapping
// first, then the canonical design-time resources, then the flows prefix.
func (s *Settings) EndpointFor(stream string) string {
	if p, ok := s.StreamEndpoints[stream]; ok {
		return p
	}
	if p, ok := canonicalEndpoints[stream]; ok {
		return p
	}
	return DefaultEndpoint + "/" + stream
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applySeconds(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Second
	}
}
