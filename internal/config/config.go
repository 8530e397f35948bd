// Package config はゲートウェイとディスパッチャの設定を読み込む。
//
// 設定はデフォルト値、任意のYAMLファイル、環境変数の順に上書きされる。
// キー "a.b_c" は環境変数 "A_B_C" に対応する。
// 読み込んだ設定は型付きの Config として呼び出し元に渡し、
// プロセス全体のグローバル状態としては保持しない。
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 開発用のデフォルトJWTシークレット。本番環境では使用できない。
const defaultSecret = "dev-secret-key"

// Config はプロセス全体の設定。
type Config struct {
	// Env は実行環境（development, production 等）。
	Env string
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// LogLevel はzapのログレベル。
	LogLevel string
	// StoreTimeout は外部ストア呼び出し1回あたりのタイムアウト。
	StoreTimeout time.Duration
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのIPまたはCIDR。
	TrustedProxies []string
	// CORS はCORS設定。
	CORS CORSConfig
	// Auth はトークン検証の設定。
	Auth AuthConfig
	// RateLimit はレート制限の設定。
	RateLimit RateLimitConfig
	// KV はキーバリューストアの設定。
	KV KVConfig
	// Session はセッションアクターの設定。
	Session SessionConfig
	// Queue はイベントキューの設定。
	Queue QueueConfig
	// Dispatch はイベントディスパッチャの設定。
	Dispatch DispatchConfig
}

// CORSConfig はCORSの許可オリジン設定。
type CORSConfig struct {
	// AllowedOrigins は許可するオリジンの一覧。先頭が既定のオリジンになる。
	AllowedOrigins []string
}

// AuthConfig はBearerトークン検証の設定。
type AuthConfig struct {
	// Algorithm は署名アルゴリズム（HS256 または RS256）。
	Algorithm string
	// Secret はHS256の共有鍵。
	Secret string
	// JWKSURL はRS256の公開鍵セットの取得先。
	JWKSURL string
	// JWKSRefresh は公開鍵セットのキャッシュ期間。
	JWKSRefresh time.Duration
	// Issuer は期待する発行者。空の場合は検証しない。
	Issuer string
	// Audience は期待するオーディエンス。空の場合は検証しない。
	Audience string
	// DevTokens は開発用トークン発行エンドポイントを有効にするか。
	DevTokens bool
	// DevTokenTTL は開発用トークンの有効期間。
	DevTokenTTL time.Duration
}

// RateLimitConfig は固定ウィンドウレート制限の設定。
type RateLimitConfig struct {
	// Limit はウィンドウあたりの最大リクエスト数。
	Limit int
	// WindowSeconds はウィンドウの長さ（秒）。
	WindowSeconds int
	// Grace はカウンタの有効期限に上乗せする猶予。
	Grace time.Duration
}

// RedisConfig はRedis接続の設定。
type RedisConfig struct {
	// Addr は接続先アドレス。
	Addr string
	// Password は認証パスワード。
	Password string
	// DB はデータベース番号。
	DB int
}

// KVConfig はキーバリューストアの設定。
type KVConfig struct {
	// Backend は "memory" または "redis"。
	Backend string
	// Prefix はRedis上のキー接頭辞。
	Prefix string
	// Redis はRedis接続設定。
	Redis RedisConfig
}

// SessionConfig はセッションアクターの設定。
type SessionConfig struct {
	// Backend は "memory", "sqlite", "postgres" のいずれか。
	Backend string
	// DSN はsqlite/postgresの接続文字列。
	DSN string
	// IdleTimeout はアイドル状態のアクターを停止するまでの時間。
	IdleTimeout time.Duration
}

// QueueConfig はイベントキューの設定。
type QueueConfig struct {
	// Backend は "memory" または "redis"。
	Backend string
	// Name はキュー名（Redisキーの接頭辞になる）。
	Name string
	// VisibilityTimeout は取り出したメッセージのリース期間。
	// 期間内に確定しなかったメッセージは再配信される。
	VisibilityTimeout time.Duration
	// Redis はRedis接続設定。
	Redis RedisConfig
}

// DispatchConfig はイベントディスパッチャの設定。
type DispatchConfig struct {
	// Enabled はゲートウェイプロセス内でコンシューマを動かすか。
	Enabled bool
	// BatchSize は1回に受信する最大メッセージ数。
	BatchSize int
	// Concurrency はバッチ内の同時処理数。
	Concurrency int
	// PollInterval はキューが空のときの待機間隔。
	PollInterval time.Duration
	// RetryDelay は転送失敗時の再試行までの固定遅延。
	RetryDelay time.Duration
	// MaxAttempts は配送試行の上限。超えたメッセージはデッドレターに送る。
	MaxAttempts int
	// HeartbeatInterval はハートビートイベントの発行間隔。0の場合は発行しない。
	HeartbeatInterval time.Duration
	// GatewayURL はスタンドアロンのディスパッチャが転送する先のゲートウェイ。
	GatewayURL string
	// ServiceSubject はディスパッチャがゲートウェイに名乗るsubject。
	ServiceSubject string
}

// Load は設定を読み込んで検証する。
// pathが空の場合はカレントディレクトリの config.yaml を探し、無ければ無視する。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 既存サービスとの互換のため JWT_SECRET も受け付ける
	if err := v.BindEnv("auth.secret", "AUTH_SECRET", "JWT_SECRET"); err != nil {
		return nil, fmt.Errorf("環境変数のバインドに失敗: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
			}
		}
	}

	cfg := &Config{
		Env:            strings.ToLower(v.GetString("env")),
		Port:           v.GetString("port"),
		LogLevel:       v.GetString("log.level"),
		StoreTimeout:   v.GetDuration("store.timeout"),
		TrustedProxies: stringList(v, "trusted_proxies"),
		CORS: CORSConfig{
			AllowedOrigins: stringList(v, "cors.allowed_origins"),
		},
		Auth: AuthConfig{
			Algorithm:   strings.ToUpper(v.GetString("auth.algorithm")),
			Secret:      v.GetString("auth.secret"),
			JWKSURL:     v.GetString("auth.jwks_url"),
			JWKSRefresh: v.GetDuration("auth.jwks_refresh"),
			Issuer:      v.GetString("auth.issuer"),
			Audience:    v.GetString("auth.audience"),
			DevTokens:   v.GetBool("auth.dev_tokens"),
			DevTokenTTL: v.GetDuration("auth.dev_token_ttl"),
		},
		RateLimit: RateLimitConfig{
			Limit:         v.GetInt("ratelimit.limit"),
			WindowSeconds: v.GetInt("ratelimit.window_seconds"),
			Grace:         v.GetDuration("ratelimit.grace"),
		},
		KV: KVConfig{
			Backend: strings.ToLower(v.GetString("kv.backend")),
			Prefix:  v.GetString("kv.prefix"),
			Redis:   redisConfig(v, "kv.redis"),
		},
		Session: SessionConfig{
			Backend:     strings.ToLower(v.GetString("session.backend")),
			DSN:         v.GetString("session.dsn"),
			IdleTimeout: v.GetDuration("session.idle_timeout"),
		},
		Queue: QueueConfig{
			Backend:           strings.ToLower(v.GetString("queue.backend")),
			Name:              v.GetString("queue.name"),
			VisibilityTimeout: v.GetDuration("queue.visibility_timeout"),
			Redis:             redisConfig(v, "queue.redis"),
		},
		Dispatch: DispatchConfig{
			Enabled:           v.GetBool("dispatch.enabled"),
			BatchSize:         v.GetInt("dispatch.batch_size"),
			Concurrency:       v.GetInt("dispatch.concurrency"),
			PollInterval:      v.GetDuration("dispatch.poll_interval"),
			RetryDelay:        v.GetDuration("dispatch.retry_delay"),
			MaxAttempts:       v.GetInt("dispatch.max_attempts"),
			HeartbeatInterval: v.GetDuration("dispatch.heartbeat_interval"),
			GatewayURL:        v.GetString("dispatch.gateway_url"),
			ServiceSubject:    v.GetString("dispatch.service_subject"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults は全キーのデフォルト値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.timeout", "3s")

	v.SetDefault("trusted_proxies", "")
	v.SetDefault("cors.allowed_origins", "http://localhost:3000")

	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.secret", defaultSecret)
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.jwks_refresh", "1h")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.dev_tokens", false)
	v.SetDefault("auth.dev_token_ttl", "24h")

	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.grace", "5s")

	v.SetDefault("kv.backend", "memory")
	v.SetDefault("kv.prefix", "edgegate:")
	v.SetDefault("kv.redis.addr", "localhost:6379")
	v.SetDefault("kv.redis.password", "")
	v.SetDefault("kv.redis.db", 0)

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.dsn", "file:/data/sessions.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("session.idle_timeout", "5m")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.name", "edgegate:events")
	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)

	v.SetDefault("dispatch.enabled", true)
	v.SetDefault("dispatch.batch_size", 10)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.poll_interval", "1s")
	v.SetDefault("dispatch.retry_delay", "5s")
	v.SetDefault("dispatch.max_attempts", 10)
	v.SetDefault("dispatch.heartbeat_interval", "1m")
	v.SetDefault("dispatch.gateway_url", "http://localhost:8080")
	v.SetDefault("dispatch.service_subject", "edgegate-dispatcher")
}

// redisConfig は指定された接頭辞のRedis接続設定を読み取る。
func redisConfig(v *viper.Viper, prefix string) RedisConfig {
	return RedisConfig{
		Addr:     v.GetString(prefix + ".addr"),
		Password: v.GetString(prefix + ".password"),
		DB:       v.GetInt(prefix + ".db"),
	}
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORTが不正です: %q", c.Port)
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT は正の値である必要があります")
	}

	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES にIPまたはCIDRでない値があります: %q", p)
		}
	}

	switch c.Auth.Algorithm {
	case "HS256":
		if c.Auth.Secret == "" {
			return errors.New("HS256 では AUTH_SECRET が必要です")
		}
		if c.Env == "production" && c.Auth.Secret == defaultSecret {
			return errors.New("本番環境では AUTH_SECRET を設定する必要があります")
		}
	case "RS256":
		if c.Auth.JWKSURL == "" {
			return errors.New("RS256 では AUTH_JWKS_URL が必要です")
		}
	default:
		return fmt.Errorf("未対応の署名アルゴリズムです: %q", c.Auth.Algorithm)
	}

	if c.RateLimit.Limit <= 0 {
		return errors.New("RATELIMIT_LIMIT は1以上である必要があります")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return errors.New("RATELIMIT_WINDOW_SECONDS は1以上である必要があります")
	}

	if !oneOf(c.KV.Backend, "memory", "redis") {
		return fmt.Errorf("未対応のKVバックエンドです: %q", c.KV.Backend)
	}
	if !oneOf(c.Session.Backend, "memory", "sqlite", "postgres") {
		return fmt.Errorf("未対応のセッションバックエンドです: %q", c.Session.Backend)
	}
	if c.Session.Backend != "memory" && c.Session.DSN == "" {
		return errors.New("SESSION_DSN が必要です")
	}
	if !oneOf(c.Queue.Backend, "memory", "redis") {
		return fmt.Errorf("未対応のキューバックエンドです: %q", c.Queue.Backend)
	}
	// 転送と確定はそれぞれStoreTimeoutまでかかるため、リースはその合計より長くする
	if c.Queue.Backend == "redis" && c.Queue.VisibilityTimeout <= 2*c.StoreTimeout {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT は STORE_TIMEOUT の2倍より長くする必要があります: %v", c.Queue.VisibilityTimeout)
	}

	if c.Dispatch.BatchSize <= 0 {
		return errors.New("DISPATCH_BATCH_SIZE は1以上である必要があります")
	}
	if c.Dispatch.Concurrency <= 0 {
		return errors.New("DISPATCH_CONCURRENCY は1以上である必要があります")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return errors.New("DISPATCH_MAX_ATTEMPTS は1以上である必要があります")
	}
	if c.Dispatch.RetryDelay < 0 {
		return errors.New("DISPATCH_RETRY_DELAY は0以上である必要があります")
	}
	return nil
}

// stringList はキーの値を文字列のスライスとして読み取る。
// YAMLのシーケンスと、環境変数のカンマ区切り文字列の両方を受け付ける。
func stringList(v *viper.Viper, key string) []string {
	if s, ok := v.Get(key).(string); ok {
		return splitList(s)
	}
	var out []string
	for _, item := range v.GetStringSlice(key) {
		out = append(out, splitList(item)...)
	}
	return out
}

// splitList はカンマ区切りの文字列を空要素を除いたスライスに変換する。
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func oneOf(v string, candidates ...string) bool {
	for _, c := range candidates {
		if v == c {
			return true
		}
	}
	return false
}
