package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("expected one hour ttl, got %s", cfg.TokenTTL)
	}
	if cfg.StoreTimeout != 2*time.Second {
		t.Fatalf("expected 2s store timeout, got %s", cfg.StoreTimeout)
	}
	if cfg.RealtimeBufferSize != defaultRealtimeBuffer {
		t.Fatalf("unexpected buffer size %d", cfg.RealtimeBufferSize)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.AuthIssuer != defaultAuthIssuer || cfg.AuthAudience != defaultAuthAudience {
		t.Fatalf("unexpected auth defaults %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CODECOLLAB_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("CODECOLLAB_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CODECOLLAB_STORE_TIMEOUT_MS", "500")
	t.Setenv("CODECOLLAB_LOG_FORMAT", "Console")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSigningSecret != "env-secret" {
		t.Fatalf("expected secret from env, got %q", cfg.AuthSigningSecret)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.StoreTimeout != 500*time.Millisecond {
		t.Fatalf("unexpected store timeout %s", cfg.StoreTimeout)
	}
	if cfg.LogFormat != "console" {
		t.Fatalf("unexpected log format %q", cfg.LogFormat)
	}
}

func TestLoadValidates(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{name: "missing-secret", set: map[string]any{}},
		{name: "blank-database", set: map[string]any{"auth.signing_secret": "s", "database.path": " "}},
		{name: "zero-ttl", set: map[string]any{"auth.signing_secret": "s", "auth.token_ttl_minutes": 0}},
		{name: "negative-timeout", set: map[string]any{"auth.signing_secret": "s", "store.timeout_ms": -1}},
		{name: "zero-buffer", set: map[string]any{"auth.signing_secret": "s", "realtime.buffer_size": 0}},
		{name: "bad-format", set: map[string]any{"auth.signing_secret": "s", "log.format": "xml"}},
		{name: "blank-audience", set: map[string]any{"auth.signing_secret": "s", "auth.audience": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tt.set {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
