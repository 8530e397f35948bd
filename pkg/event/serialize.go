package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいメッセージを生成する。
// payloadにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(eventType Type, subject string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Message{
		ID:       uuid.New().String(),
		Type:     eventType,
		Payload:  raw,
		Subject:  subject,
		IssuedAt: time.Now().UTC(),
	}, nil
}

// Stamp はIDと作成日時が未設定であれば設定する。
func (m *Message) Stamp(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.IssuedAt.IsZero() {
		m.IssuedAt = now.UTC()
	}
	if m.Type == "" {
		m.Type = TypeCustom
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage(`{}`)
	}
}

// Marshal はメッセージをキューに書き込む形式にシリアライズする。
func Marshal(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Unmarshal はキューから読み込んだデータをメッセージにデシリアライズする。
func Unmarshal(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("メッセージのデシリアライズに失敗: %w", err)
	}
	return &m, nil
}

// DecodePayload はメッセージのPayloadを指定された型にデシリアライズする。
func DecodePayload[T any](m *Message) (*T, error) {
	var data T
	if err := json.Unmarshal(m.Payload, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
