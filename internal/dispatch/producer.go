package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/edgegate/internal/queue"
	"github.com/nao1215/edgegate/pkg/event"
	"github.com/nao1215/edgegate/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultSendTimeout はキューへの投入に許す時間。
const DefaultSendTimeout = 3 * time.Second

// Producer はメッセージをキューに投入する。
type Producer struct {
	queue   queue.Producer
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

// ProducerOption はProducerの設定を変更する。
type ProducerOption func(*Producer)

// WithSendTimeout はキューへの投入のタイムアウトを設定する。
func WithSendTimeout(d time.Duration) ProducerOption {
	return func(p *Producer) { p.timeout = d }
}

// WithProducerLogger はロガーを設定する。
func WithProducerLogger(log *zap.Logger) ProducerOption {
	return func(p *Producer) { p.log = log }
}

// WithProducerMetrics はメトリクスの記録先を設定する。
func WithProducerMetrics(m *metrics.Metrics) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// NewProducer は新しいProducerを生成する。
func NewProducer(q queue.Producer, opts ...ProducerOption) *Producer {
	p := &Producer{
		queue:   q,
		timeout: DefaultSendTimeout,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue はメッセージを投入し、メッセージIDを返す。
// IDと作成日時が未設定であれば設定する。呼び出し元のコンテキストが
// キャンセルされても投入は中断しない。
func (p *Producer) Enqueue(ctx context.Context, msg *event.Message) (string, error) {
	msg.Stamp(p.now())

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.queue.Send(sendCtx, msg); err != nil {
		return "", fmt.Errorf("メッセージ %s の投入に失敗: %w", msg.ID, err)
	}

	p.metrics.RecordEnqueue(string(msg.Type))
	p.log.Debug("メッセージを投入しました",
		zap.String("id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("subject", msg.Subject),
	)
	return msg.ID, nil
}
