package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier はBearerトークンを検証する。
// 状態を持たないため複数のゴルーチンから同時に使用できる。
type Verifier struct {
	keys       KeySource
	algorithms []string
	issuer     string
	audience   string
	leeway     time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// Option はVerifierの設定を変更する。
type Option func(*Verifier)

// WithAlgorithms は受け入れる署名アルゴリズムを設定する。デフォルトはHS256のみ。
func WithAlgorithms(algs ...string) Option {
	return func(v *Verifier) { v.algorithms = algs }
}

// WithIssuer は期待する発行者を設定する。空文字列の場合は検証しない。
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithAudience は期待するオーディエンスを設定する。空文字列の場合は検証しない。
func WithAudience(aud string) Option {
	return func(v *Verifier) { v.audience = aud }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLeeway はexp・nbfの判定に許容する時刻のずれを設定する。
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(keys KeySource, opts ...Option) *Verifier {
	v := &Verifier{
		keys:       keys,
		algorithms: []string{jwt.SigningMethodHS256.Alg()},
		now:        time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods(v.algorithms),
		jwt.WithoutClaimsValidation(),
		jwt.WithPaddingAllowed(),
	)
	return v
}

// Verify はトークンを検証し、クレームを返す。
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if !wellFormed(raw) {
		return nil, ErrMalformedCredential
	}

	var keyErr error
	mc := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, mc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return nil, classify(err, keyErr)
	}

	claims, err := claimsFromMap(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	}

	now := v.now()
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Add(v.leeway)) {
		return nil, ErrExpired
	}
	if claims.NotBefore != nil && claims.NotBefore.After(now.Add(v.leeway)) {
		return nil, ErrNotYetValid
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrUnexpectedIssuer
	}
	if v.audience != "" && !claims.HasAudience(v.audience) {
		return nil, ErrUnexpectedAudience
	}
	return claims, nil
}

// wellFormed はトークンが空でない3つのセグメントから成るかを返す。
func wellFormed(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// classify はパーサーのエラーをパッケージのセンチネルエラーに変換する。
func classify(err, keyErr error) error {
	if keyErr != nil {
		if errors.Is(keyErr, ErrUnknownKey) {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, keyErr)
		}
		if errors.Is(keyErr, ErrKeyUnavailable) {
			return keyErr
		}
		return fmt.Errorf("%w: %w", ErrKeyUnavailable, keyErr)
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
}
