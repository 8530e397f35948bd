package middleware

import "github.com/gin-gonic/gin"

// AbortWithError はエラー応答を書き込んで以降のハンドラを中断する。
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": message,
		"code":  code,
	})
}
