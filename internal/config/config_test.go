package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadDefaults は環境変数が無い場合のデフォルト値を検証する。
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.Auth.Algorithm != "HS256" {
		t.Errorf("Algorithm = %q, want %q", cfg.Auth.Algorithm, "HS256")
	}
	if cfg.RateLimit.Limit != 100 || cfg.RateLimit.WindowSeconds != 60 {
		t.Errorf("RateLimit = %+v, want limit=100 window=60", cfg.RateLimit)
	}
	if cfg.RateLimit.Grace != 5*time.Second {
		t.Errorf("Grace = %v, want 5s", cfg.RateLimit.Grace)
	}
	if cfg.Dispatch.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v, want 5s", cfg.Dispatch.RetryDelay)
	}
	if cfg.Dispatch.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Queue.VisibilityTimeout != 30*time.Second {
		t.Errorf("VisibilityTimeout = %v, want 30s", cfg.Queue.VisibilityTimeout)
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Errorf("TrustedProxies = %v, want empty", cfg.TrustedProxies)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
}

// TestLoadFromEnv は環境変数による上書きを検証する。
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("JWT_SECRET", "from-legacy-env")
	t.Setenv("RATELIMIT_LIMIT", "5")
	t.Setenv("RATELIMIT_WINDOW_SECONDS", "30")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("DISPATCH_RETRY_DELAY", "250ms")
	t.Setenv("KV_REDIS_ADDR", "redis:6380")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want %q", cfg.Port, "9090")
	}
	if cfg.Auth.Secret != "from-legacy-env" {
		t.Errorf("Secret = %q, want %q", cfg.Auth.Secret, "from-legacy-env")
	}
	if cfg.RateLimit.Limit != 5 || cfg.RateLimit.WindowSeconds != 30 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.CORS.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.CORS.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.CORS.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.CORS.AllowedOrigins[i], want[i])
		}
	}
	if cfg.Dispatch.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", cfg.Dispatch.RetryDelay)
	}
	if cfg.KV.Redis.Addr != "redis:6380" {
		t.Errorf("KV.Redis.Addr = %q, want %q", cfg.KV.Redis.Addr, "redis:6380")
	}
}

// TestLoadFromFile はYAMLファイルからの読み込みを検証する。
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
port: "7070"
auth:
  issuer: https://issuer.example
  audience: api
ratelimit:
  limit: 1
session:
  backend: sqlite
  dsn: "file::memory:"
cors:
  allowed_origins:
    - https://a.example
    - https://b.example
trusted_proxies: [10.0.0.0/8, 192.0.2.1]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("Port = %q, want %q", cfg.Port, "7070")
	}
	if cfg.Auth.Issuer != "https://issuer.example" || cfg.Auth.Audience != "api" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.RateLimit.Limit != 1 {
		t.Errorf("Limit = %d, want 1", cfg.RateLimit.Limit)
	}
	if cfg.Session.Backend != "sqlite" {
		t.Errorf("Session.Backend = %q, want sqlite", cfg.Session.Backend)
	}

	wantOrigins := []string{"https://a.example", "https://b.example"}
	if len(cfg.CORS.AllowedOrigins) != len(wantOrigins) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.CORS.AllowedOrigins, wantOrigins)
	}
	for i := range wantOrigins {
		if cfg.CORS.AllowedOrigins[i] != wantOrigins[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.CORS.AllowedOrigins[i], wantOrigins[i])
		}
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "192.0.2.1" {
		t.Errorf("TrustedProxies = %v, want [10.0.0.0/8 192.0.2.1]", cfg.TrustedProxies)
	}
}

// TestValidate は設定値の検証を確認する。
func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Env:          "development",
			Port:         "8080",
			StoreTimeout: time.Second,
			Auth:         AuthConfig{Algorithm: "HS256", Secret: "s"},
			RateLimit:    RateLimitConfig{Limit: 1, WindowSeconds: 1},
			KV:           KVConfig{Backend: "memory"},
			Session:      SessionConfig{Backend: "memory"},
			Queue:        QueueConfig{Backend: "memory"},
			Dispatch:     DispatchConfig{BatchSize: 1, Concurrency: 1, MaxAttempts: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "ポートが数値でない", mutate: func(c *Config) { c.Port = "http" }},
		{name: "未対応のアルゴリズム", mutate: func(c *Config) { c.Auth.Algorithm = "none" }},
		{name: "RS256でJWKS URLが無い", mutate: func(c *Config) { c.Auth.Algorithm = "RS256" }},
		{name: "本番環境でデフォルトシークレット", mutate: func(c *Config) {
			c.Env = "production"
			c.Auth.Secret = defaultSecret
		}},
		{name: "レート上限が0", mutate: func(c *Config) { c.RateLimit.Limit = 0 }},
		{name: "ウィンドウが0", mutate: func(c *Config) { c.RateLimit.WindowSeconds = 0 }},
		{name: "未対応のKVバックエンド", mutate: func(c *Config) { c.KV.Backend = "memcached" }},
		{name: "sqliteでDSNが無い", mutate: func(c *Config) { c.Session.Backend = "sqlite" }},
		{name: "試行上限が0", mutate: func(c *Config) { c.Dispatch.MaxAttempts = 0 }},
		{name: "redisキューのリース期間がストアのタイムアウトの2倍以下", mutate: func(c *Config) {
			c.Queue.Backend = "redis"
			c.Queue.VisibilityTimeout = 2 * time.Second
		}},
		{name: "信頼するプロキシがIPでもCIDRでもない", mutate: func(c *Config) { c.TrustedProxies = []string{"proxy.local"} }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("正常な設定でエラーが発生: %v", err)
	}
	withProxies := valid()
	withProxies.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1", "::1"}
	if err := withProxies.Validate(); err != nil {
		t.Fatalf("信頼するプロキシの指定でエラーが発生: %v", err)
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name+"の場合エラーになること", func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate()がエラーを返すべき")
			}
		})
	}
}
