package token

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims は検証済みトークンから取り出したクレーム。
type Claims struct {
	// Subject は主体の識別子。無い場合は空文字列。
	Subject string
	// Issuer は発行者。
	Issuer string
	// Audience は文字列・配列のどちらで渡されても集合として正規化したもの。
	Audience []string
	// ExpiresAt は有効期限。無い場合はnil。
	ExpiresAt *time.Time
	// NotBefore は有効開始時刻。無い場合はnil。
	NotBefore *time.Time
	// IssuedAt は発行時刻。無い場合はnil。
	IssuedAt *time.Time
	// ID はjti。
	ID string
	// Scope はスペース区切りのスコープ文字列。
	Scope string
	// Extra は登録済みクレーム以外の全フィールド。
	Extra map[string]any
}

// registered は Claims の型付きフィールドに取り出すクレーム名。
var registered = map[string]struct{}{
	"sub": {}, "iss": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {}, "scope": {},
}

// HasAudience はaudに指定した値が含まれるかを返す。
func (c *Claims) HasAudience(aud string) bool {
	return slices.Contains(c.Audience, aud)
}

// claimsFromMap はjwt.MapClaimsを型付きのClaimsに変換する。
// 型が不正な登録済みクレームがある場合はエラーを返す。
func claimsFromMap(m jwt.MapClaims) (*Claims, error) {
	c := &Claims{Extra: make(map[string]any)}

	var err error
	if c.Subject, err = m.GetSubject(); err != nil {
		return nil, fmt.Errorf("sub: %w", err)
	}
	if c.Issuer, err = m.GetIssuer(); err != nil {
		return nil, fmt.Errorf("iss: %w", err)
	}
	aud, err := m.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("aud: %w", err)
	}
	c.Audience = []string(aud)

	if c.ExpiresAt, err = numericTime(m.GetExpirationTime); err != nil {
		return nil, fmt.Errorf("exp: %w", err)
	}
	if c.NotBefore, err = numericTime(m.GetNotBefore); err != nil {
		return nil, fmt.Errorf("nbf: %w", err)
	}
	if c.IssuedAt, err = numericTime(m.GetIssuedAt); err != nil {
		return nil, fmt.Errorf("iat: %w", err)
	}

	if v, ok := m["jti"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("jti: %w", jwt.ErrInvalidType)
		}
		c.ID = s
	}
	if v, ok := m["scope"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("scope: %w", jwt.ErrInvalidType)
		}
		c.Scope = s
	}

	for k, v := range m {
		if _, ok := registered[k]; !ok {
			c.Extra[k] = v
		}
	}
	return c, nil
}

func numericTime(get func() (*jwt.NumericDate, error)) (*time.Time, error) {
	d, err := get()
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	t := d.Time
	return &t, nil
}
