package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer はHS256で署名したトークンを発行する。
// 開発用トークンの発行と、dispatcherのサービス間認証に使用する。
type Issuer struct {
	secret   []byte
	issuer   string
	audience []string
	now      func() time.Time
}

// NewIssuer は新しいIssuerを生成する。
func NewIssuer(secret, issuer string, audience ...string) *Issuer {
	return &Issuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Issue はsubjectを主体とするトークンを発行する。
// extraのキーは登録済みクレームを上書きしない。
func (i *Issuer) Issue(subject string, ttl time.Duration, extra map[string]any) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["sub"] = subject
	claims["iat"] = jwt.NewNumericDate(now)
	claims["jti"] = uuid.NewString()
	if ttl > 0 {
		claims["exp"] = jwt.NewNumericDate(now.Add(ttl))
	}
	if i.issuer != "" {
		claims["iss"] = i.issuer
	}
	switch len(i.audience) {
	case 0:
	case 1:
		claims["aud"] = i.audience[0]
	default:
		claims["aud"] = i.audience
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
