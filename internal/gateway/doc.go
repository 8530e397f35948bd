// Package gateway はエッジゲートウェイのHTTPサーバーを提供する。
//
// CORSのプリフライトとヘルスチェックは認証を経ずに応答し、それ以外のルートは
// トークン検証、レート制限の順に通してからセッション、イベント投入、
// キャッシュの各ハンドラに渡す。
package gateway
