package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/middleware"
)

// readBody はリクエストボディを上限サイズまで読み取る。
// 読み取れない場合は413または400を書き込んでfalseを返す。
func readBody(c *gin.Context) ([]byte, bool) {
	if c.Request.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.AbortWithError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "リクエストボディが大きすぎます")
			return nil, false
		}
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_BODY", "リクエストボディを読み取れません")
		return nil, false
	}
	return body, true
}

// readJSONBody はリクエストボディを読み取り、JSONとして妥当か検証する。
// 不正な場合は400を書き込んでfalseを返す。
func readJSONBody(c *gin.Context) (json.RawMessage, bool) {
	body, ok := readBody(c)
	if !ok {
		return nil, false
	}
	if !json.Valid(body) {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_BODY", "リクエストボディがJSONではありません")
		return nil, false
	}
	return body, true
}
