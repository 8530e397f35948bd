package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/session"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
)

// handleGetSession はセッションレコードを返すハンドラを返す。
func (s *Server) handleGetSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := s.storeContext(c)
		defer cancel()

		rec, err := s.sessions.Get(ctx, c.Param("key"))
		if err != nil {
			s.abortSession(c, err)
			return
		}
		if rec == nil {
			middleware.AbortWithError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "セッションが見つかりません")
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// handlePutSession はセッションレコードを置き換えるハンドラを返す。
// ボディはJSONとして解釈できればよく、オブジェクト以外は空オブジェクトとして保存される。
func (s *Server) handlePutSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if err := session.ValidateKey(key); err != nil {
			s.abortSession(c, err)
			return
		}

		body, ok := readJSONBody(c)
		if !ok {
			return
		}

		ctx, cancel := s.storeContext(c)
		defer cancel()

		rec, err := s.sessions.Put(ctx, key, body)
		if err != nil {
			s.abortSession(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// handleDeleteSession はセッションレコードを削除するハンドラを返す。
func (s *Server) handleDeleteSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := s.storeContext(c)
		defer cancel()

		if err := s.sessions.Delete(ctx, c.Param("key")); err != nil {
			s.abortSession(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// handleMissingSessionKey はキーを指定しないセッションへのリクエストを拒否する。
func (s *Server) handleMissingSessionKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.abortSession(c, session.ErrInvalidKey)
	}
}

// abortSession はセッション操作のエラーを応答に変換する。
func (s *Server) abortSession(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, session.ErrInvalidKey):
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_SESSION_KEY", "セッションキーが不正です")
	case errors.Is(err, session.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("セッションを利用できません", zap.String("key", c.Param("key")), zap.Error(err))
		middleware.AbortWithError(c, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE", "セッションを利用できません")
	default:
		s.log.Error("セッション操作に失敗", zap.String("key", c.Param("key")), zap.Error(err))
		middleware.AbortWithError(c, http.StatusBadGateway, "SESSION_UNAVAILABLE", "セッションの操作に失敗しました")
	}
}
