// エッジゲートウェイのエントリポイント。
// Bearerトークンの検証とレート制限を行い、セッション、イベント投入、
// キャッシュの各ルートを提供する。設定によりキューコンシューマと
// heartbeatスケジューラも同じプロセスで動かす。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/app"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/dispatch"
	"github.com/nao1215/edgegate/internal/gateway"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/internal/session"
	"github.com/nao1215/edgegate/internal/token"
	"github.com/nao1215/edgegate/pkg/logging"
	"github.com/nao1215/edgegate/pkg/metrics"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Gatewayサービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	q, closeQueue, err := app.OpenQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	backend, closeBackend, err := app.OpenSessionBackend(ctx, cfg, log.Named("session"))
	if err != nil {
		return err
	}
	defer func() { _ = closeBackend() }()

	registry := session.NewRegistry(backend,
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithLogger(log.Named("session")),
		session.WithMetrics(m),
	)
	defer registry.Close()

	producer := dispatch.NewProducer(q,
		dispatch.WithSendTimeout(cfg.StoreTimeout),
		dispatch.WithProducerLogger(log.Named("producer")),
		dispatch.WithProducerMetrics(m),
	)

	var issuer *token.Issuer
	if cfg.Auth.DevTokens {
		issuer = app.NewIssuer(cfg)
		log.Warn("開発用トークン発行エンドポイントが有効です")
	}

	server := gateway.NewServer(gateway.Options{
		Port:           cfg.Port,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
		RateLimit: middleware.RateLimitConfig{
			Limit:         cfg.RateLimit.Limit,
			WindowSeconds: cfg.RateLimit.WindowSeconds,
			Timeout:       cfg.StoreTimeout,
		},
		StoreTimeout: cfg.StoreTimeout,
		Verifier:     app.NewVerifier(cfg),
		Limiter:      ratelimit.New(store, ratelimit.WithGrace(cfg.RateLimit.Grace)),
		Sessions:     registry,
		Events:       producer,
		Cache:        store,
		Issuer:       issuer,
		DevTokenTTL:  cfg.Auth.DevTokenTTL,
		Logger:       log.Named("http"),
		Metrics:      m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if cfg.Dispatch.Enabled {
		consumer := dispatch.NewConsumer(q, registry, app.ConsumerConfig(cfg), log.Named("consumer"), m)
		g.Go(func() error {
			consumer.Run(gctx)
			return nil
		})
	}
	if cfg.Dispatch.HeartbeatInterval > 0 {
		hb := dispatch.NewHeartbeat(producer, cfg.Dispatch.HeartbeatInterval, log.Named("heartbeat"))
		g.Go(func() error {
			hb.Run(gctx)
			return nil
		})
	}

	log.Info("Gatewayサービスを起動します",
		zap.String("port", cfg.Port),
		zap.String("kv", cfg.KV.Backend),
		zap.String("session", cfg.Session.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.Bool("dispatch", cfg.Dispatch.Enabled),
	)
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Gatewayサービスを停止しました")
	return nil
}
