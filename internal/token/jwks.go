package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// JWKSSource はJWKSエンドポイントから取得したRSA公開鍵を返すKeySource。
//
// 取得した鍵はkidごとにキャッシュし、refreshInterval を過ぎるか未知のkidを
// 受け取ったときに再取得する。再取得の頻度はレートリミッタで抑え、
// 未知のkidを大量に送られても取得要求が殺到しないようにする。
// 再取得に失敗した場合は古い鍵を使い続ける。
type JWKSSource struct {
	url             string
	httpClient      *http.Client
	refreshInterval time.Duration
	refreshLimiter  *rate.Limiter
	now             func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
	lastErr   error
}

var _ KeySource = (*JWKSSource)(nil)

// JWKSOption はJWKSSourceの設定を変更する。
type JWKSOption func(*JWKSSource)

// WithHTTPClient は鍵セット取得に使うHTTPクライアントを設定する。
func WithHTTPClient(c *http.Client) JWKSOption {
	return func(s *JWKSSource) { s.httpClient = c }
}

// WithRefreshInterval はキャッシュの有効期間を設定する。デフォルトは1時間。
func WithRefreshInterval(d time.Duration) JWKSOption {
	return func(s *JWKSSource) { s.refreshInterval = d }
}

// WithMinRefreshInterval は再取得の最短間隔を設定する。デフォルトは10秒。
func WithMinRefreshInterval(d time.Duration) JWKSOption {
	return func(s *JWKSSource) { s.refreshLimiter = rate.NewLimiter(rate.Every(d), 1) }
}

// NewJWKSSource は新しいJWKSSourceを生成する。
func NewJWKSSource(url string, opts ...JWKSOption) *JWKSSource {
	s := &JWKSSource{
		url:             url,
		httpClient:      &http.Client{Timeout: 5 * time.Second},
		refreshInterval: time.Hour,
		refreshLimiter:  rate.NewLimiter(rate.Every(10*time.Second), 1),
		now:             time.Now,
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key はkidに対応する公開鍵を返す。
func (s *JWKSSource) Key(ctx context.Context, kid string) (any, error) {
	s.mu.RLock()
	key, found := s.lookup(kid)
	stale := s.now().Sub(s.lastFetch) > s.refreshInterval
	s.mu.RUnlock()

	if found && !stale {
		return key, nil
	}

	if s.refreshLimiter.Allow() {
		if err := s.refresh(ctx); err != nil {
			if found {
				return key, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.lookup(kid); ok {
		return key, nil
	}
	if len(s.keys) == 0 && s.lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, s.lastErr)
	}
	return nil, fmt.Errorf("%w: kid=%q", ErrUnknownKey, kid)
}

// lookup はキャッシュから鍵を探す。呼び出し側でロックを取得しておくこと。
// kidが空でキャッシュに鍵が1つだけある場合はその鍵を返す。
func (s *JWKSSource) lookup(kid string) (*rsa.PublicKey, bool) {
	if key, ok := s.keys[kid]; ok {
		return key, true
	}
	if kid == "" && len(s.keys) == 1 {
		for _, k := range s.keys {
			return k, true
		}
	}
	return nil, false
}

// refresh は鍵セットを取得してキャッシュを置き換える。
func (s *JWKSSource) refresh(ctx context.Context) error {
	keys, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		return err
	}
	s.keys = keys
	s.lastFetch = s.now()
	s.lastErr = nil
	return nil
}

func (s *JWKSSource) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("鍵セット取得リクエストの作成に失敗: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("鍵セットの取得に失敗: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("鍵セットの取得に失敗: status=%d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("鍵セットのデコードに失敗: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("鍵セットに有効なRSA署名鍵がありません")
	}
	return keys, nil
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulusのデコードに失敗: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponentのデコードに失敗: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}
