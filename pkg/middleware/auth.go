package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/token"
	"github.com/nao1215/edgegate/pkg/metrics"
)

const ctxKeyClaims = "claims"

// Auth はBearerトークンを検証するGinミドルウェアを返す。
//
// 検証に成功した場合はクレームをコンテキストに設定する。
// トークンが無い場合や検証に失敗した場合は401、署名鍵を取得できない場合は503を返す。
func Auth(verifier *token.Verifier, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			m.RecordAuthFailure("MISSING_TOKEN")
			AbortWithError(c, http.StatusUnauthorized, "MISSING_TOKEN", "Bearerトークンが必要です")
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), raw)
		if err != nil {
			code := token.ErrorCode(err)
			m.RecordAuthFailure(code)
			_ = c.Error(err)
			if errors.Is(err, token.ErrKeyUnavailable) {
				AbortWithError(c, http.StatusServiceUnavailable, code, "署名鍵を取得できません")
				return
			}
			AbortWithError(c, http.StatusUnauthorized, code, "トークンが無効です")
			return
		}

		c.Set(ctxKeyClaims, claims)
		c.Next()
	}
}

// bearerToken はAuthorizationヘッダーからトークン部分を取り出す。
// スキーム名の大文字小文字は区別しない。
func bearerToken(header string) (string, bool) {
	scheme, raw, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// ClaimsFrom はGinコンテキストから検証済みのクレームを取得する。
// Authミドルウェアが適用されていない場合はnilを返す。
func ClaimsFrom(c *gin.Context) *token.Claims {
	v, ok := c.Get(ctxKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.Claims)
	return claims
}

// Subject は検証済みクレームのsubjectを返す。無い場合は空文字列。
func Subject(c *gin.Context) string {
	if claims := ClaimsFrom(c); claims != nil {
		return claims.Subject
	}
	return ""
}
