// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
//
// メトリクスはグローバルレジストリではなくインスタンスごとのレジストリに登録する。
// nilの*Metricsに対する記録メソッドは何もしない。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はゲートウェイが記録するメトリクスの集合。
type Metrics struct {
	// registry はメトリクスの登録先。
	registry *prometheus.Registry

	// authFailuresTotal は認証失敗の回数（理由別）。
	authFailuresTotal *prometheus.CounterVec
	// rateLimitDecisionsTotal はレート制限の判定回数（結果別）。
	rateLimitDecisionsTotal *prometheus.CounterVec
	// eventsEnqueuedTotal はキューに投入したイベント数（種類別）。
	eventsEnqueuedTotal *prometheus.CounterVec
	// deliveriesTotal はコンシューマの配送結果（結果別）。
	deliveriesTotal *prometheus.CounterVec
	// sessionOpDuration はセッションアクター操作の所要時間（操作別）。
	sessionOpDuration *prometheus.HistogramVec
}

// New は新しいレジストリを作成し、メトリクスを登録する。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		authFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgegate_auth_failures_total",
			Help: "Total bearer token verification failures",
		}, []string{"reason"}),
		rateLimitDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgegate_ratelimit_decisions_total",
			Help: "Total rate limit decisions",
		}, []string{"result"}),
		eventsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgegate_events_enqueued_total",
			Help: "Total events handed to the queue",
		}, []string{"type"}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgegate_deliveries_total",
			Help: "Total queue deliveries processed by outcome",
		}, []string{"outcome"}),
		sessionOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgegate_session_op_duration_seconds",
			Help:    "Session actor operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Handler はメトリクスを公開するHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry はメトリクスの登録先レジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordAuthFailure は認証失敗を記録する。
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimit はレート制限の判定結果を記録する。
func (m *Metrics) RecordRateLimit(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.rateLimitDecisionsTotal.WithLabelValues(result).Inc()
}

// RecordEnqueue はイベントのキュー投入を記録する。
func (m *Metrics) RecordEnqueue(eventType string) {
	if m == nil {
		return
	}
	m.eventsEnqueuedTotal.WithLabelValues(eventType).Inc()
}

// RecordDelivery はコンシューマでの配送結果を記録する。
// outcomeは "ack", "noop", "retry", "deadletter" のいずれか。
func (m *Metrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSessionOp はセッション操作の所要時間を記録する。
func (m *Metrics) ObserveSessionOp(op string, started time.Time) {
	if m == nil {
		return
	}
	m.sessionOpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
