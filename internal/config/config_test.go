package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR", "APP_SHUTDOWN_TIMEOUT", "APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE", "APP_ALLOW_ANY_ORIGIN", "APP_CONFIG_FILE",
		"GATING_PROFILE", "ASR_MIN_MS", "ASR_MIN_CONFIDENCE", "VAD_SILENCE_MS",
		"MAX_UTTERANCE_MS", "CACHE_MAX_ENTRIES", "CACHE_TTL_MIN",
		"CIRCUIT_FAILURE_RATE_PCT", "CIRCUIT_MIN_REQUESTS", "CIRCUIT_TIMEOUT_MS",
		"CIRCUIT_COOLDOWN_MS", "BRAIN_ADAPTER_MODE", "BRAIN_HTTP_URL",
		"BRAIN_TIMEOUT_MS", "DATABASE_URL", "TRANSCRIPT_SIZE",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.GatingProfile != "balanced" {
		t.Fatalf("GatingProfile = %q, want %q", cfg.GatingProfile, "balanced")
	}
	if cfg.ASRMinDuration != 250*time.Millisecond {
		t.Fatalf("ASRMinDuration = %v, want 250ms", cfg.ASRMinDuration)
	}
	if cfg.ASRMinConfidence != 0.5 {
		t.Fatalf("ASRMinConfidence = %v, want 0.5", cfg.ASRMinConfidence)
	}
	if cfg.CircuitCooldown != 45*time.Second {
		t.Fatalf("CircuitCooldown = %v, want 45s", cfg.CircuitCooldown)
	}
	if cfg.CacheMaxEntries != 10_000 {
		t.Fatalf("CacheMaxEntries = %d, want 10000", cfg.CacheMaxEntries)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Fatalf("CacheTTL = %v, want 24h", cfg.CacheTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATING_PROFILE", "strict")
	t.Setenv("ASR_MIN_MS", "400")
	t.Setenv("ASR_MIN_CONFIDENCE", "0.65")
	t.Setenv("CIRCUIT_COOLDOWN_MS", "60000")
	t.Setenv("CACHE_TTL_MIN", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.GatingProfile != "strict" {
		t.Fatalf("GatingProfile = %q, want %q", cfg.GatingProfile, "strict")
	}
	if cfg.ASRMinDuration != 400*time.Millisecond {
		t.Fatalf("ASRMinDuration = %v, want 400ms", cfg.ASRMinDuration)
	}
	if cfg.ASRMinConfidence != 0.65 {
		t.Fatalf("ASRMinConfidence = %v, want 0.65", cfg.ASRMinConfidence)
	}
	if cfg.CircuitCooldown != time.Minute {
		t.Fatalf("CircuitCooldown = %v, want 1m", cfg.CircuitCooldown)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
}

func TestLoadYAMLOverlayAndEnvPrecedence(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "mentora.yaml")
	body := "gating_profile: aggressive\nasr_min_ms: 120\ncache_max_entries: 64\nbrain_http_url: http://localhost:9090/generate\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("GATING_PROFILE", "strict")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	// Env wins over the file.
	if cfg.GatingProfile != "strict" {
		t.Fatalf("GatingProfile = %q, want %q", cfg.GatingProfile, "strict")
	}
	// File wins over the defaults.
	if cfg.ASRMinDuration != 120*time.Millisecond {
		t.Fatalf("ASRMinDuration = %v, want 120ms", cfg.ASRMinDuration)
	}
	if cfg.CacheMaxEntries != 64 {
		t.Fatalf("CacheMaxEntries = %d, want 64", cfg.CacheMaxEntries)
	}
	if cfg.BrainHTTPURL != "http://localhost:9090/generate" {
		t.Fatalf("BrainHTTPURL = %q", cfg.BrainHTTPURL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATING_PROFILE", "lenient")
	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted invalid GATING_PROFILE")
	}

	clearEnv(t)
	t.Setenv("ASR_MIN_CONFIDENCE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted out-of-range ASR_MIN_CONFIDENCE")
	}

	clearEnv(t)
	t.Setenv("CIRCUIT_TIMEOUT_MS", "abc")
	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted non-numeric CIRCUIT_TIMEOUT_MS")
	}
}
