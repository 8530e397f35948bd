package dispatch

import (
	"context"
	"time"

	"github.com/nao1215/edgegate/pkg/event"
	"go.uber.org/zap"
)

// Heartbeat は一定間隔でheartbeatイベントを投入するスケジューラ。
type Heartbeat struct {
	producer *Producer
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewHeartbeat は新しいHeartbeatを生成する。
func NewHeartbeat(p *Producer, interval time.Duration, log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{producer: p, interval: interval, now: time.Now, log: log}
}

// Run はctxがキャンセルされるまでinterval ごとにheartbeatを投入する。
func (h *Heartbeat) Run(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	h.log.Info("heartbeatスケジューラを開始します", zap.Duration("interval", h.interval))

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Beat(ctx); err != nil {
				h.log.Warn("heartbeatの投入に失敗しました", zap.Error(err))
			}
		}
	}
}

// Beat はheartbeatイベントを1件投入し、メッセージIDを返す。
func (h *Heartbeat) Beat(ctx context.Context) (string, error) {
	msg, err := event.New(event.TypeHeartbeat, "", event.HeartbeatData{At: h.now().UTC()})
	if err != nil {
		return "", err
	}
	return h.producer.Enqueue(ctx, msg)
}
