// Package dispatch はイベントキューのプロデューサとコンシューマを提供する。
//
// Producer はリクエスト処理から呼ばれ、呼び出し元のキャンセルから切り離して
// メッセージをキューに投入する。Heartbeat は一定間隔でheartbeatイベントを投入する。
// Consumer はキューからバッチを取り出し、ペイロードの sessionId が示す
// セッションへ書き込む。失敗したメッセージは固定の遅延で再配信し、
// 試行回数の上限に達したものはデッドレターに移す。
package dispatch
