package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nao1215/edgegate/internal/queue"
	"github.com/nao1215/edgegate/internal/session"
	"github.com/nao1215/edgegate/pkg/event"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionWriter はメッセージの書き込み先。session.Registry と RemoteSessionWriter が満たす。
type SessionWriter interface {
	Put(ctx context.Context, key string, data json.RawMessage) (*session.Record, error)
}

// ConsumerConfig はConsumerの動作設定。
type ConsumerConfig struct {
	// BatchSize は1回に取り出す最大件数。
	BatchSize int
	// Concurrency はバッチ内で同時に処理する件数。
	Concurrency int
	// PollInterval はキューが空のときの待機時間。
	PollInterval time.Duration
	// RetryDelay は失敗したメッセージを再配信するまでの固定の遅延。
	RetryDelay time.Duration
	// MaxAttempts はデッドレターに移すまでの最大配信回数。
	MaxAttempts int
	// WriteTimeout はセッションへの書き込み1件に許す時間。
	WriteTimeout time.Duration
}

// DefaultConsumerConfig はデフォルトの設定を返す。
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:    10,
		Concurrency:  4,
		PollInterval: time.Second,
		RetryDelay:   5 * time.Second,
		MaxAttempts:  10,
		WriteTimeout: 3 * time.Second,
	}
}

// Consumer はキューからメッセージを取り出してセッションへ転送する。
type Consumer struct {
	queue   queue.Consumer
	writer  SessionWriter
	cfg     ConsumerConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(q queue.Consumer, w SessionWriter, cfg ConsumerConfig, log *zap.Logger, m *metrics.Metrics) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConsumerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Consumer{queue: q, writer: w, cfg: cfg, log: log, metrics: m}
}

// Run はctxがキャンセルされるまでキューをポーリングする。
// 取り出した件数がBatchSizeに達した場合は待たずに次のバッチを取り出す。
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("キューコンシューマを開始します",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Duration("retry_delay", c.cfg.RetryDelay),
		zap.Int("max_attempts", c.cfg.MaxAttempts),
	)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := c.poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("キューからの取り出しに失敗しました", zap.Error(err))
		}
		if n >= c.cfg.BatchSize {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.log.Info("キューコンシューマを停止します")
			return
		case <-ticker.C:
		}
	}
}

func (c *Consumer) poll(ctx context.Context) (int, error) {
	ds, err := c.queue.Receive(ctx, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	c.ProcessBatch(ctx, ds)
	return len(ds), nil
}

// ProcessBatch はバッチ内のメッセージを並行に処理し、すべての確定を待つ。
// メッセージ間の処理順序は保証しない。
func (c *Consumer) ProcessBatch(ctx context.Context, ds []*queue.Delivery) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, d := range ds {
		d := d
		g.Go(func() error {
			c.handle(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

// handle は1件のメッセージを処理して確定させる。
func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	// 停止中でも取り出したメッセージは確定させる
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()

	log := c.log.With(
		zap.String("id", d.Message.ID),
		zap.String("type", string(d.Message.Type)),
		zap.Int("attempts", d.Attempts),
	)

	key, data, ok := Route(d.Message)
	if !ok {
		c.settle(log, "noop", d.Ack(settleCtx))
		return
	}

	writeCtx, cancelWrite := context.WithTimeout(httpclient.WithRequestID(ctx, d.Message.ID), c.cfg.WriteTimeout)
	_, err := c.writer.Put(writeCtx, key, data)
	cancelWrite()
	if err == nil {
		c.settle(log, "ack", d.Ack(settleCtx))
		return
	}

	log = log.With(zap.String("session", key), zap.Error(err))
	switch {
	case errors.Is(err, session.ErrInvalidKey):
		c.settle(log, "deadletter", d.DeadLetter(settleCtx, err.Error()))
	case d.Attempts >= c.cfg.MaxAttempts:
		c.settle(log, "deadletter", d.DeadLetter(settleCtx, err.Error()))
	default:
		c.settle(log, "retry", d.Retry(settleCtx, c.cfg.RetryDelay))
	}
}

func (c *Consumer) settle(log *zap.Logger, outcome string, err error) {
	if err != nil {
		log.Error("メッセージの確定に失敗しました", zap.String("outcome", outcome), zap.NamedError("settle_error", err))
		return
	}
	c.metrics.RecordDelivery(outcome)
	switch outcome {
	case "retry":
		log.Warn("セッションへの転送に失敗したため再配信します", zap.Duration("delay", c.cfg.RetryDelay))
	case "deadletter":
		log.Error("メッセージをデッドレターに移しました")
	default:
		log.Debug("メッセージを処理しました", zap.String("outcome", outcome))
	}
}

// Route はメッセージの転送先セッションキーと書き込むデータを返す。
// ペイロードに空でない文字列の sessionId が無い場合はokがfalseになる。
// ペイロードの data がオブジェクトであればそれを、そうでなければペイロード全体を書き込む。
func Route(msg *event.Message) (key string, data json.RawMessage, ok bool) {
	update, err := event.DecodePayload[event.SessionUpdateData](msg)
	if err != nil || update.SessionID == "" {
		return "", nil, false
	}
	if isObject(update.Data) {
		return update.SessionID, update.Data, true
	}
	return update.SessionID, msg.Payload, true
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
