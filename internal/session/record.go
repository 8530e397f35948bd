package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrInvalidKey はセッションキーの形式が不正であることを表す。
	ErrInvalidKey = errors.New("invalid session key")
	// ErrClosed はRegistryが停止済みであることを表す。
	ErrClosed = errors.New("session registry closed")
)

// keyPattern はセッションキーとして受け付ける形式。
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidateKey はセッションキーの形式を検証する。
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// Record はセッションの状態。
type Record struct {
	// ID はレコード作成時に生成し、削除されるまで変わらない識別子。
	ID string `json:"id"`
	// Data は常にJSONオブジェクト。
	Data json.RawMessage `json:"data"`
	// CreatedAt は作成時刻。
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt は最終更新時刻。更新のたびに厳密に増加する。
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = bytes.Clone(r.Data)
	return &c
}

// emptyObject はオブジェクトでない入力を置き換える値。
var emptyObject = json.RawMessage(`{}`)

// normalizeData は入力をJSONオブジェクトに正規化する。
// 不正なJSONやオブジェクト以外の値はエラーにせず空オブジェクトとして扱う。
func normalizeData(raw []byte) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return bytes.Clone(emptyObject)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return bytes.Clone(emptyObject)
	}
	return buf.Bytes()
}
