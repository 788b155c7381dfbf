package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the tutoring turn service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	GatingProfile    string
	ASRMinDuration   time.Duration
	ASRMinConfidence float64
	VADSilence       time.Duration
	MaxUtterance     time.Duration

	CacheMaxEntries int
	CacheTTL        time.Duration

	CircuitFailureRatePct int
	CircuitMinRequests    int
	CircuitTimeout        time.Duration
	CircuitCooldown       time.Duration

	BrainAdapterMode string
	BrainHTTPURL     string
	BrainTimeout     time.Duration

	DatabaseURL    string
	TranscriptSize int
}

// fileConfig mirrors the optional YAML overlay. Pointer fields so absent
// keys leave the defaults untouched.
type fileConfig struct {
	BindAddr                 *string `yaml:"bind_addr"`
	ShutdownTimeout          *string `yaml:"shutdown_timeout"`
	SessionInactivityTimeout *string `yaml:"session_inactivity_timeout"`
	MetricsNamespace         *string `yaml:"metrics_namespace"`
	AllowAnyOrigin           *bool   `yaml:"allow_any_origin"`

	GatingProfile    *string  `yaml:"gating_profile"`
	ASRMinMS         *int     `yaml:"asr_min_ms"`
	ASRMinConfidence *float64 `yaml:"asr_min_confidence"`
	VADSilenceMS     *int     `yaml:"vad_silence_ms"`
	MaxUtteranceMS   *int     `yaml:"max_utterance_ms"`

	CacheMaxEntries *int `yaml:"cache_max_entries"`
	CacheTTLMin     *int `yaml:"cache_ttl_min"`

	CircuitFailureRatePct *int `yaml:"circuit_failure_rate_pct"`
	CircuitMinRequests    *int `yaml:"circuit_min_requests"`
	CircuitTimeoutMS      *int `yaml:"circuit_timeout_ms"`
	CircuitCooldownMS     *int `yaml:"circuit_cooldown_ms"`

	BrainAdapterMode *string `yaml:"brain_adapter_mode"`
	BrainHTTPURL     *string `yaml:"brain_http_url"`
	BrainTimeoutMS   *int    `yaml:"brain_timeout_ms"`

	DatabaseURL    *string `yaml:"database_url"`
	TranscriptSize *int    `yaml:"transcript_size"`
}

// Load builds the runtime configuration. Precedence is environment over
// the optional YAML file named by APP_CONFIG_FILE over built-in defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "mentora",
		AllowAnyOrigin:           false,

		GatingProfile:    "balanced",
		ASRMinDuration:   250 * time.Millisecond,
		ASRMinConfidence: 0.5,
		VADSilence:       800 * time.Millisecond,
		MaxUtterance:     30 * time.Second,

		CacheMaxEntries: 10_000,
		CacheTTL:        24 * time.Hour,

		CircuitFailureRatePct: 50,
		CircuitMinRequests:    5,
		CircuitTimeout:        30 * time.Second,
		CircuitCooldown:       45 * time.Second,

		BrainAdapterMode: "auto",
		BrainTimeout:     30 * time.Second,

		TranscriptSize: 10,
	}

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("APP_CONFIG_FILE parse error: %w", err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	setMS := func(dst *time.Duration, src *int) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	setString(&cfg.GatingProfile, fc.GatingProfile)
	setString(&cfg.BrainAdapterMode, fc.BrainAdapterMode)
	setString(&cfg.BrainHTTPURL, fc.BrainHTTPURL)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	if fc.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.AllowAnyOrigin
	}
	if fc.ShutdownTimeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*fc.ShutdownTimeout))
		if err != nil {
			return fmt.Errorf("shutdown_timeout parse error: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if fc.SessionInactivityTimeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*fc.SessionInactivityTimeout))
		if err != nil {
			return fmt.Errorf("session_inactivity_timeout parse error: %w", err)
		}
		cfg.SessionInactivityTimeout = d
	}
	setMS(&cfg.ASRMinDuration, fc.ASRMinMS)
	if fc.ASRMinConfidence != nil {
		cfg.ASRMinConfidence = *fc.ASRMinConfidence
	}
	setMS(&cfg.VADSilence, fc.VADSilenceMS)
	setMS(&cfg.MaxUtterance, fc.MaxUtteranceMS)
	setInt(&cfg.CacheMaxEntries, fc.CacheMaxEntries)
	if fc.CacheTTLMin != nil {
		cfg.CacheTTL = time.Duration(*fc.CacheTTLMin) * time.Minute
	}
	setInt(&cfg.CircuitFailureRatePct, fc.CircuitFailureRatePct)
	setInt(&cfg.CircuitMinRequests, fc.CircuitMinRequests)
	setMS(&cfg.CircuitTimeout, fc.CircuitTimeoutMS)
	setMS(&cfg.CircuitCooldown, fc.CircuitCooldownMS)
	setMS(&cfg.BrainTimeout, fc.BrainTimeoutMS)
	setInt(&cfg.TranscriptSize, fc.TranscriptSize)

	return nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.GatingProfile = envOrDefault("GATING_PROFILE", cfg.GatingProfile)
	cfg.BrainAdapterMode = envOrDefault("BRAIN_ADAPTER_MODE", cfg.BrainAdapterMode)
	if v := stringsTrimSpace("BRAIN_HTTP_URL"); v != "" {
		cfg.BrainHTTPURL = v
	}
	if v := stringsTrimSpace("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return err
	}

	cfg.ASRMinDuration, err = millisFromEnv("ASR_MIN_MS", cfg.ASRMinDuration)
	if err != nil {
		return err
	}
	cfg.ASRMinConfidence, err = floatFromEnv("ASR_MIN_CONFIDENCE", cfg.ASRMinConfidence)
	if err != nil {
		return err
	}
	cfg.VADSilence, err = millisFromEnv("VAD_SILENCE_MS", cfg.VADSilence)
	if err != nil {
		return err
	}
	cfg.MaxUtterance, err = millisFromEnv("MAX_UTTERANCE_MS", cfg.MaxUtterance)
	if err != nil {
		return err
	}

	cfg.CacheMaxEntries, err = intFromEnv("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	if err != nil {
		return err
	}
	ttlMin, err := intFromEnv("CACHE_TTL_MIN", int(cfg.CacheTTL/time.Minute))
	if err != nil {
		return err
	}
	cfg.CacheTTL = time.Duration(ttlMin) * time.Minute

	cfg.CircuitFailureRatePct, err = intFromEnv("CIRCUIT_FAILURE_RATE_PCT", cfg.CircuitFailureRatePct)
	if err != nil {
		return err
	}
	cfg.CircuitMinRequests, err = intFromEnv("CIRCUIT_MIN_REQUESTS", cfg.CircuitMinRequests)
	if err != nil {
		return err
	}
	cfg.CircuitTimeout, err = millisFromEnv("CIRCUIT_TIMEOUT_MS", cfg.CircuitTimeout)
	if err != nil {
		return err
	}
	cfg.CircuitCooldown, err = millisFromEnv("CIRCUIT_COOLDOWN_MS", cfg.CircuitCooldown)
	if err != nil {
		return err
	}

	cfg.BrainTimeout, err = millisFromEnv("BRAIN_TIMEOUT_MS", cfg.BrainTimeout)
	if err != nil {
		return err
	}
	cfg.TranscriptSize, err = intFromEnv("TRANSCRIPT_SIZE", cfg.TranscriptSize)
	if err != nil {
		return err
	}

	return nil
}

func validate(cfg Config) error {
	switch cfg.GatingProfile {
	case "strict", "balanced", "aggressive":
	default:
		return fmt.Errorf("GATING_PROFILE must be strict, balanced or aggressive")
	}
	if cfg.ASRMinConfidence < 0 || cfg.ASRMinConfidence > 1 {
		return fmt.Errorf("ASR_MIN_CONFIDENCE must be in [0,1]")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL_MIN must be positive")
	}
	if cfg.CircuitFailureRatePct <= 0 || cfg.CircuitFailureRatePct > 100 {
		return fmt.Errorf("CIRCUIT_FAILURE_RATE_PCT must be in (0,100]")
	}
	if cfg.CircuitMinRequests <= 0 {
		return fmt.Errorf("CIRCUIT_MIN_REQUESTS must be positive")
	}
	if cfg.CircuitTimeout <= 0 {
		return fmt.Errorf("CIRCUIT_TIMEOUT_MS must be positive")
	}
	if cfg.CircuitCooldown <= 0 {
		return fmt.Errorf("CIRCUIT_COOLDOWN_MS must be positive")
	}
	if cfg.MaxUtterance <= cfg.ASRMinDuration {
		return fmt.Errorf("MAX_UTTERANCE_MS must exceed ASR_MIN_MS")
	}
	if cfg.TranscriptSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_SIZE must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func millisFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
