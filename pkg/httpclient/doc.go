// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// dispatcherがゲートウェイのセッションAPIを呼び出す際に使用する。
// Bearerトークンの付与とリクエストIDの伝播を統一する。
package httpclient
