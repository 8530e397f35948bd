package kv

import (
	"context"
	"time"
)

// Store はキーバリューストアのインターフェース。
type Store interface {
	// Get はキーの値を返す。キーが無い、または期限切れの場合はfoundがfalseになる。
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Put は値を保存する。ttlが0以下の場合は期限なし。
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete はキーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}
