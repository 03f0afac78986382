package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "CORS_ALLOWED_ORIGINS", "OPENROUTER_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"ARK_API_KEY", "ARK_MODEL", "ARK_TEMPERATURE", "ARK_TOP_P", "ARK_MAX_TOKENS",
		"RETRY_ADVISOR_ENABLED", "RETRY_ADVISOR_MODEL", "ELEVENLABS_API_KEY", "ELEVENLABS_AGENT_ID",
		"VOICE_TIMEOUT", "VOICE_IDLE_TIMEOUT", "STORAGE_DRIVER", "STORAGE_PATH", "REDIS_URL", "DATABASE_URL",
		"CATALOG_PATH", "CATALOG_WATCH", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "DEFAULT_MODEL", "UPSTREAM_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected memory storage, got %q", cfg.Storage.Driver)
	}
	if !cfg.Retry.Enabled || cfg.Retry.AdvisorModel != "gemini-2.0-flash" {
		t.Fatalf("unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.UpstreamTimeout != 60*time.Second {
		t.Fatalf("expected 60s timeout, got %s", cfg.UpstreamTimeout)
	}
	if cfg.OpenRouter.Enabled() || cfg.Gemini.Enabled() || cfg.AI.Enabled() || cfg.Voice.Enabled() {
		t.Fatalf("no provider should be enabled without keys")
	}
	if !cfg.RateLimit.Enabled() {
		t.Fatalf("rate limit should be on by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000, https://chat.example.com")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("UPSTREAM_TIMEOUT", "45")
	t.Setenv("VOICE_IDLE_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://chat.example.com" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Gemini.APIKey != "g-key" {
		t.Fatalf("GOOGLE_API_KEY should be used as gemini key")
	}
	if cfg.Storage.Path != "data/workspace.db" {
		t.Fatalf("unexpected sqlite path %q", cfg.Storage.Path)
	}
	if cfg.UpstreamTimeout != 45*time.Second {
		t.Fatalf("expected 45s, got %s", cfg.UpstreamTimeout)
	}
	if cfg.Voice.IdleTimeout != 2*time.Second {
		t.Fatalf("expected 2s idle timeout, got %s", cfg.Voice.IdleTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"STORAGE_DRIVER":        "mongo",
		"RETRY_ADVISOR_ENABLED": "maybe",
		"UPSTREAM_TIMEOUT":      "soon",
		"PORT":                  "80 80",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}

	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "redis")
	if _, err := Load(); err == nil {
		t.Fatalf("redis driver without REDIS_URL should fail")
	}
}
