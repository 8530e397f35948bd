package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダー。
const HeaderRequestID = "X-Request-ID"

const ctxKeyRequestID = "request_id"

// Logger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
//
// X-Request-IDヘッダーがあればそれを、無ければ新しいUUIDをリクエストIDとして
// コンテキストと応答ヘッダーに設定する。
// ログレベルは5xxでError、4xxでWarn、それ以外はInfoになる。
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(HeaderRequestID, id)

		c.Next()

		status := c.Writer.Status()
		level := zapcore.InfoLevel
		switch {
		case status >= 500:
			level = zapcore.ErrorLevel
		case status >= 400:
			level = zapcore.WarnLevel
		}

		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if sub := Subject(c); sub != "" {
			fields = append(fields, zap.String("subject", sub))
		}
		if errs := c.Errors.String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}
		if ce := log.Check(level, "リクエスト処理完了"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// RequestID はGinコンテキストからリクエストIDを取得する。
// Loggerミドルウェアが適用されていない場合は空文字列を返す。
func RequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}
