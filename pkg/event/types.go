// Package event はキューを流れるイベントメッセージを定義する。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeHeartbeat はスケジューラが定期的に発行する死活監視イベント。
	TypeHeartbeat Type = "heartbeat"
	// TypeCustom は種類を指定せずに投入されたイベント。
	TypeCustom Type = "custom"
)

// Message はキューに投入するイベント。投入後は変更しない。
type Message struct {
	// ID はメッセージの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Payload はイベント固有のデータ（JSON形式）。
	Payload json.RawMessage `json:"payload"`
	// Subject は投入したユーザーの識別子。スケジューラが発行した場合は空。
	Subject string `json:"subject,omitempty"`
	// IssuedAt はメッセージが作成された日時。
	IssuedAt time.Time `json:"issuedAt"`
	// Metadata は呼び出し元が付与した任意の文字列属性。
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HeartbeatData はheartbeatイベントのペイロード。
type HeartbeatData struct {
	// At は発行時刻。
	At time.Time `json:"at"`
}

// SessionUpdateData はセッションへの書き込みを指示するペイロード。
// SessionID が空の場合、コンシューマはメッセージを何もせずに確認応答する。
type SessionUpdateData struct {
	// SessionID は書き込み先のセッションキー。
	SessionID string `json:"sessionId"`
	// Data はセッションに書き込むJSONオブジェクト。
	Data json.RawMessage `json:"data,omitempty"`
}
