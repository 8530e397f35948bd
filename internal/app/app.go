// Package app は設定から各コンポーネントを組み立てる。
//
// cmd/gateway と cmd/dispatcher が共有する配線だけを置く。
// Open系の関数は、プロセス終了時に呼ぶクローズ関数を併せて返す。
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/dispatch"
	"github.com/nao1215/edgegate/internal/kv"
	"github.com/nao1215/edgegate/internal/queue"
	"github.com/nao1215/edgegate/internal/session"
	"github.com/nao1215/edgegate/internal/token"
	"github.com/nao1215/edgegate/pkg/migration"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// janitorInterval はインメモリKVの期限切れエントリを掃除する間隔。
const janitorInterval = time.Minute

// CloseFunc はリソースを解放する。
type CloseFunc func() error

func noopClose() error { return nil }

// NewRedisClient はRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, rc config.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redis %s への接続に失敗: %w", rc.Addr, err)
	}
	return rdb, nil
}

// OpenStore はレート制限とキャッシュに使うKVストアを開く。
// インメモリの場合はctxが終わるまで期限切れエントリの掃除を続ける。
func OpenStore(ctx context.Context, cfg *config.Config) (kv.Store, CloseFunc, error) {
	switch cfg.KV.Backend {
	case "redis":
		rdb, err := NewRedisClient(ctx, cfg.KV.Redis, cfg.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		return kv.NewRedisStore(rdb, kv.WithPrefix(cfg.KV.Prefix)), rdb.Close, nil
	default:
		store := kv.NewMemoryStore()
		store.StartJanitor(ctx, janitorInterval)
		return store, noopClose, nil
	}
}

// OpenQueue はイベントキューを開く。
func OpenQueue(ctx context.Context, cfg *config.Config) (queue.Queue, CloseFunc, error) {
	switch cfg.Queue.Backend {
	case "redis":
		rdb, err := NewRedisClient(ctx, cfg.Queue.Redis, cfg.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		q := queue.NewRedisQueue(rdb, cfg.Queue.Name)
		q.SetVisibilityTimeout(cfg.Queue.VisibilityTimeout)
		return q, rdb.Close, nil
	default:
		return queue.NewMemoryQueue(), noopClose, nil
	}
}

// OpenSessionBackend はセッションの永続化先を開く。
// sqliteとpostgresの場合はマイグレーションを適用する。
func OpenSessionBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (session.Backend, CloseFunc, error) {
	var dialect migration.Dialect
	switch cfg.Session.Backend {
	case "sqlite":
		dialect = migration.SQLite
	case "postgres":
		dialect = migration.Postgres
	default:
		return session.NewMemoryBackend(), noopClose, nil
	}

	b, err := session.OpenSQLBackend(ctx, dialect, cfg.Session.DSN, log)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

// NewVerifier はトークン検証器を生成する。
// HS256では共有鍵を、RS256ではJWKSエンドポイントを鍵の取得元にする。
func NewVerifier(cfg *config.Config) *token.Verifier {
	var keys token.KeySource
	switch cfg.Auth.Algorithm {
	case "RS256":
		keys = token.NewJWKSSource(cfg.Auth.JWKSURL, token.WithRefreshInterval(cfg.Auth.JWKSRefresh))
	default:
		keys = token.NewStaticKey(cfg.Auth.Secret)
	}
	return token.NewVerifier(keys,
		token.WithAlgorithms(cfg.Auth.Algorithm),
		token.WithIssuer(cfg.Auth.Issuer),
		token.WithAudience(cfg.Auth.Audience),
	)
}

// NewIssuer はHS256のトークン発行器を生成する。
// HS256以外の構成では共有鍵が無いためnilを返す。
func NewIssuer(cfg *config.Config) *token.Issuer {
	if cfg.Auth.Algorithm != "HS256" {
		return nil
	}
	var audience []string
	if cfg.Auth.Audience != "" {
		audience = append(audience, cfg.Auth.Audience)
	}
	return token.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, audience...)
}

// ConsumerConfig は設定からコンシューマの動作設定を組み立てる。
func ConsumerConfig(cfg *config.Config) dispatch.ConsumerConfig {
	c := dispatch.DefaultConsumerConfig()
	c.BatchSize = cfg.Dispatch.BatchSize
	c.Concurrency = cfg.Dispatch.Concurrency
	c.MaxAttempts = cfg.Dispatch.MaxAttempts
	c.WriteTimeout = cfg.StoreTimeout
	if cfg.Dispatch.PollInterval > 0 {
		c.PollInterval = cfg.Dispatch.PollInterval
	}
	if cfg.Dispatch.RetryDelay > 0 {
		c.RetryDelay = cfg.Dispatch.RetryDelay
	}
	return c
}
