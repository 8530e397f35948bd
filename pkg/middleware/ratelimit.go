package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/pkg/metrics"
)

// RateLimitConfig はRateLimitミドルウェアの設定。
type RateLimitConfig struct {
	// Limit はウィンドウあたりの最大リクエスト数。
	Limit int
	// WindowSeconds はウィンドウの長さ（秒）。
	WindowSeconds int
	// Timeout はカウンタストア呼び出しのタイムアウト。0の場合は設定しない。
	Timeout time.Duration
}

// RateLimit は固定ウィンドウのレート制限を行うGinミドルウェアを返す。
//
// 許可した場合はX-RateLimit-*ヘッダーをハンドラ実行前に設定するため、
// ハンドラのエラー応答にもヘッダーが付く。上限を超えた場合は429と
// Retry-Afterを返し、カウンタストアが使えない場合は503を返す。
func RateLimit(limiter *ratelimit.Limiter, cfg RateLimitConfig, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		res, err := limiter.Check(ctx, RateLimitIdentity(c), cfg.Limit, cfg.WindowSeconds)
		if err != nil {
			_ = c.Error(err)
			AbortWithError(c, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "レート制限を判定できません")
			return
		}
		m.RecordRateLimit(res.Allowed)

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt/1000, 10))

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(retryAfter(res.ResetAt, limiter.Now()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "リクエスト数が上限を超えました",
				"code":    "RATE_LIMITED",
				"resetAt": res.ResetAt,
			})
			return
		}

		c.Next()
	}
}

// RateLimitIdentity はレート制限の単位となる識別子を返す。
// 検証済みのsubject、クライアントIP、"anonymous" の順に採用する。
func RateLimitIdentity(c *gin.Context) string {
	if sub := Subject(c); sub != "" {
		return sub
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "anonymous"
}

// retryAfter はリセット時刻までの秒数を切り上げで返す。最小値は1。
func retryAfter(resetAtMillis int64, now time.Time) int64 {
	ms := resetAtMillis - now.UnixMilli()
	secs := (ms + 999) / 1000
	if secs < 1 {
		return 1
	}
	return secs
}
