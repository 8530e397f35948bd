// Package session はセッションキーごとの単一書き込みアクターを提供する。
//
// Registry はセッションキーごとに1つのアクター（ゴルーチンと受信チャネル）を
// 割り当てる。同じキーへの操作はすべてアクターが1件ずつ処理するため全順序が
// 付き、異なるキーへの操作は並行に実行される。楽観的リトライは使わない。
//
// アクターは最初のメッセージでBackendから状態を読み込み、変更のたびに
// 書き込む。一定時間参照されないアクターは停止し、次の操作で再生成される。
package session
