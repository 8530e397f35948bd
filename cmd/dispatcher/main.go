// イベントディスパッチャのエントリポイント。
// Redisキューからイベントを取り出し、ゲートウェイの /sessions/{key} に転送する。
// ゲートウェイへはHS256の共有鍵で発行したサービストークンで認証する。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/app"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/dispatch"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/logging"
	"github.com/nao1215/edgegate/pkg/metrics"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serviceTokenTTL はゲートウェイに送るサービストークンの有効期間。
const serviceTokenTTL = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Dispatcherサービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	if cfg.Queue.Backend != "redis" {
		return errors.New("スタンドアロンのディスパッチャには QUEUE_BACKEND=redis が必要です")
	}
	issuer := app.NewIssuer(cfg)
	if issuer == nil {
		return errors.New("サービストークンの発行には AUTH_ALGORITHM=HS256 が必要です")
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

	q, closeQueue, err := app.OpenQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	client := httpclient.New(cfg.Dispatch.GatewayURL,
		httpclient.WithTimeout(cfg.StoreTimeout),
		httpclient.WithTokenSource(func() (string, error) {
			return issuer.Issue(cfg.Dispatch.ServiceSubject, serviceTokenTTL, map[string]any{"scope": "sessions:write"})
		}),
	)
	consumer := dispatch.NewConsumer(q, dispatch.NewRemoteSessionWriter(client), app.ConsumerConfig(cfg), log.Named("consumer"), m)

	router := gin.New()
	router.Use(middleware.Logger(log.Named("http")))
	router.Use(middleware.Recovery(log))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "edgegate-dispatcher"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("Dispatcherサービスを起動します",
		zap.String("gateway", cfg.Dispatch.GatewayURL),
		zap.String("queue", cfg.Queue.Name),
		zap.String("port", cfg.Port),
	)
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Dispatcherサービスを停止しました")
	return nil
}
