package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.CookieName != "spark_session" || cfg.Issuer != "spark-auth" {
		t.Fatalf("unexpected auth defaults: %#v", cfg)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.MaxQueuedPerUser != 100 {
		t.Fatalf("unexpected queue bound %d", cfg.MaxQueuedPerUser)
	}
	if cfg.SessionIdleTimeout != 0 || cfg.CursorIdleTimeout != 0 {
		t.Fatalf("expected sweeps disabled by default, got %#v", cfg)
	}
	if cfg.RedisURL != "" || len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected optional integrations disabled, got %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SPARK_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("SPARK_REALTIME_ALLOWED_ORIGINS", "https://spark.example.com, http://localhost:5173")
	t.Setenv("SPARK_REALTIME_SESSION_IDLE_TIMEOUT_SECONDS", "90")
	t.Setenv("SPARK_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.SigningSecret)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
	if cfg.SessionIdleTimeout != 90*time.Second {
		t.Fatalf("unexpected idle timeout %s", cfg.SessionIdleTimeout)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" || cfg.DirectoryTTL != 2*time.Minute {
		t.Fatalf("unexpected redis settings %#v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name   string
		values map[string]any
	}{
		{name: "missing secret", values: map[string]any{}},
		{name: "empty cookie", values: map[string]any{"auth.signing_secret": "s", "auth.cookie_name": " "}},
		{name: "empty database", values: map[string]any{"auth.signing_secret": "s", "database.path": ""}},
		{name: "zero queue bound", values: map[string]any{"auth.signing_secret": "s", "realtime.max_queued_per_user": 0}},
		{name: "sweep without interval", values: map[string]any{
			"auth.signing_secret":                  "s",
			"realtime.cursor_idle_timeout_seconds": 10,
			"realtime.sweep_interval_seconds":      0,
		}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
