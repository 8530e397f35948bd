package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
)

// cachePrefix はキャッシュルートが使うキーの名前空間。
const cachePrefix = "cache:"

// cachePutRequest はキャッシュ書き込みのボディ。
type cachePutRequest struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds int             `json:"ttlSeconds"`
}

// handleGetCache はキャッシュの値を返すハンドラを返す。
func (s *Server) handleGetCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query("key")
		if key == "" {
			middleware.AbortWithError(c, http.StatusBadRequest, "MISSING_KEY", "keyを指定してください")
			return
		}

		ctx, cancel := s.storeContext(c)
		defer cancel()

		value, found, err := s.cache.Get(ctx, cachePrefix+key)
		if err != nil {
			s.abortCache(c, err)
			return
		}
		if !found {
			middleware.AbortWithError(c, http.StatusNotFound, "CACHE_MISS", "キャッシュが見つかりません")
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "value": json.RawMessage(value)})
	}
}

// handlePutCache はキャッシュに値を書き込むハンドラを返す。
// ttlSecondsが0の場合は期限なしで保存する。
func (s *Server) handlePutCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readJSONBody(c)
		if !ok {
			return
		}

		var req cachePutRequest
		if err := json.Unmarshal(body, &req); err != nil || req.TTLSeconds < 0 {
			middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_BODY", "キャッシュの書き込み内容が不正です")
			return
		}
		if req.Key == "" {
			middleware.AbortWithError(c, http.StatusBadRequest, "MISSING_KEY", "keyを指定してください")
			return
		}
		if len(req.Value) == 0 {
			req.Value = json.RawMessage("null")
		}

		ctx, cancel := s.storeContext(c)
		defer cancel()

		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := s.cache.Put(ctx, cachePrefix+req.Key, string(req.Value), ttl); err != nil {
			s.abortCache(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": req.Key, "stored": true})
	}
}

// abortCache はキャッシュストアのエラーを503に変換する。
func (s *Server) abortCache(c *gin.Context, err error) {
	_ = c.Error(err)
	s.log.Error("キャッシュ操作に失敗", zap.Error(err))
	middleware.AbortWithError(c, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "キャッシュを利用できません")
}
