package token

import (
	"context"
	"errors"
)

// KeySource は署名検証に使う鍵を返す。
// kidはトークンヘッダーの値で、無い場合は空文字列になる。
// 返す鍵の型は署名アルゴリズムに従う（HS256なら[]byte、RS256なら*rsa.PublicKey）。
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// StaticKey はHS256の共有鍵を返すKeySource。
type StaticKey struct {
	secret []byte
}

var _ KeySource = StaticKey{}

// NewStaticKey は共有鍵からKeySourceを生成する。
func NewStaticKey(secret string) StaticKey {
	return StaticKey{secret: []byte(secret)}
}

// Key は常に同じ共有鍵を返す。
func (s StaticKey) Key(_ context.Context, _ string) (any, error) {
	if len(s.secret) == 0 {
		return nil, errors.New("共有鍵が設定されていません")
	}
	return s.secret, nil
}
