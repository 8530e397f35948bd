package session

import (
	"context"
	"sync"
)

// Backend はセッションレコードの永続化先。
// 同じキーへの呼び出しはアクターが直列化するため、実装側でキー単位の排他は不要。
type Backend interface {
	// Load はレコードを返す。存在しない場合はnil, nilを返す。
	Load(ctx context.Context, key string) (*Record, error)
	// Save はレコードを保存する。
	Save(ctx context.Context, key string, rec *Record) error
	// Remove はレコードを削除する。存在しない場合もエラーにしない。
	Remove(ctx context.Context, key string) error
}

// MemoryBackend はプロセス内のBackend実装。
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend は新しいMemoryBackendを生成する。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

// Load はレコードを返す。
func (b *MemoryBackend) Load(_ context.Context, key string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.records[key].clone(), nil
}

// Save はレコードを保存する。
func (b *MemoryBackend) Save(_ context.Context, key string, rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = rec.clone()
	return nil
}

// Remove はレコードを削除する。
func (b *MemoryBackend) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}
