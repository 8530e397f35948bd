// Package middleware はゲートウェイのGinミドルウェアを提供する。
//
// パニックリカバリ、リクエストログ、CORS、Bearerトークン認証、
// 固定ウィンドウのレート制限を含む。エラー応答はすべて
// {"error": "...", "code": "..."} の形式で返す。
package middleware
