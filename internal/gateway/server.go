package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/kv"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/internal/session"
	"github.com/nao1215/edgegate/internal/token"
	"github.com/nao1215/edgegate/pkg/event"
	"github.com/nao1215/edgegate/pkg/metrics"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
)

// serviceName はヘルスチェックで返すサービス名。
const serviceName = "edgegate"

// shutdownTimeout はグレースフルシャットダウンで処理中のリクエストを待つ上限。
const shutdownTimeout = 10 * time.Second

// maxBodyBytes はリクエストボディの上限サイズ。
const maxBodyBytes = 1 << 20

// SessionStore はセッションアクターへのアクセス手段。
type SessionStore interface {
	Get(ctx context.Context, key string) (*session.Record, error)
	Put(ctx context.Context, key string, data json.RawMessage) (*session.Record, error)
	Delete(ctx context.Context, key string) error
}

// EventProducer はイベントをキューに投入する。
type EventProducer interface {
	Enqueue(ctx context.Context, msg *event.Message) (string, error)
}

// Options はServerの構成要素。
type Options struct {
	// Port はリッスンポート。
	Port string
	// AllowedOrigins はCORSの許可オリジン。
	AllowedOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのIPまたはCIDR。
	// 空の場合はどのプロキシも信頼せず、接続元アドレスをクライアントIPとする。
	TrustedProxies []string
	// RateLimit は認証済みルートに適用するレート制限。
	RateLimit middleware.RateLimitConfig
	// StoreTimeout はセッション、キャッシュ呼び出し1回あたりのタイムアウト。
	StoreTimeout time.Duration
	// Verifier はBearerトークンの検証器。
	Verifier *token.Verifier
	// Limiter はレートリミッタ。
	Limiter *ratelimit.Limiter
	// Sessions はセッションアクターのレジストリ。
	Sessions SessionStore
	// Events はイベントの投入先。
	Events EventProducer
	// Cache はキャッシュルートが使うストア。
	Cache kv.Store
	// Issuer は開発用トークンの発行器。nilの場合は発行エンドポイントを公開しない。
	Issuer *token.Issuer
	// DevTokenTTL は開発用トークンの有効期間。
	DevTokenTTL time.Duration
	// Logger はロガー。nilの場合は出力しない。
	Logger *zap.Logger
	// Metrics はメトリクス。nilの場合は記録しない。
	Metrics *metrics.Metrics
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// log はロガー。
	log *zap.Logger
	// metrics はメトリクス。
	metrics *metrics.Metrics

	verifier     *token.Verifier
	limiter      *ratelimit.Limiter
	rateLimit    middleware.RateLimitConfig
	storeTimeout time.Duration
	sessions     SessionStore
	events       EventProducer
	cache        kv.Store
	issuer       *token.Issuer
	devTokenTTL  time.Duration
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RateLimit.Timeout == 0 {
		opts.RateLimit.Timeout = opts.StoreTimeout
	}

	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		log.Warn("信頼するプロキシの設定が不正なため無効にします", zap.Strings("trusted_proxies", opts.TrustedProxies), zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}
	// Recoveryより外側に置き、パニックしたリクエストも記録する
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:       router,
		port:         opts.Port,
		log:          log,
		metrics:      opts.Metrics,
		verifier:     opts.Verifier,
		limiter:      opts.Limiter,
		rateLimit:    opts.RateLimit,
		storeTimeout: opts.StoreTimeout,
		sessions:     opts.Sessions,
		events:       opts.Events,
		cache:        opts.Cache,
		issuer:       opts.Issuer,
		devTokenTTL:  opts.DevTokenTTL,
	}
	s.setupRoutes()
	return s
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.log.Info("HTTPサーバーを停止しました")
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// 認証不要
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if s.issuer != nil {
		s.router.POST("/auth/dev-token", s.handleDevToken())
	}

	// 認証必須
	api := s.router.Group("")
	api.Use(middleware.Auth(s.verifier, s.metrics))
	api.Use(middleware.RateLimit(s.limiter, s.rateLimit, s.metrics))
	{
		api.GET("/sessions/:key", s.handleGetSession())
		api.POST("/sessions/:key", s.handlePutSession())
		api.PUT("/sessions/:key", s.handlePutSession())
		api.DELETE("/sessions/:key", s.handleDeleteSession())
		api.Any("/sessions", s.handleMissingSessionKey())

		api.POST("/events", s.handleEnqueueEvent())

		api.GET("/cache", s.handleGetCache())
		api.PUT("/cache", s.handlePutCache())
	}

	s.router.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, http.StatusNotFound, "NOT_FOUND", "ルートが見つかりません")
	})
}

// storeContext はストア呼び出し用にタイムアウト付きのコンテキストを返す。
func (s *Server) storeContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.storeTimeout)
}
