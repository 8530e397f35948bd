package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
)

// defaultDevSubject はsubjectを指定しない開発用トークンの主体。
const defaultDevSubject = "dev-user"

// handleDevToken は開発用のHS256トークンを発行するハンドラを返す。
// 本番環境では登録しない。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject"`
		}
		// ボディは任意。空なら {} として扱う
		body, ok := readBody(c)
		if !ok {
			return
		}
		if body = bytes.TrimSpace(body); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_BODY", "リクエストボディが不正です")
				return
			}
		}
		if req.Subject == "" {
			req.Subject = defaultDevSubject
		}

		signed, err := s.issuer.Issue(req.Subject, s.devTokenTTL, nil)
		if err != nil {
			_ = c.Error(err)
			s.log.Error("開発用トークンの発行に失敗", zap.Error(err))
			middleware.AbortWithError(c, http.StatusInternalServerError, "INTERNAL", "トークン生成に失敗しました")
			return
		}

		resp := gin.H{"token": signed, "subject": req.Subject}
		if s.devTokenTTL > 0 {
			resp["expiresAt"] = time.Now().Add(s.devTokenTTL).UTC()
		}
		c.JSON(http.StatusOK, resp)
	}
}
