// Package ratelimit は固定ウィンドウ方式のレートリミッタを提供する。
//
// カウンタは kv.Store に `rate:{identity}:{windowIndex}` のキーで保存する。
// 読み込みと書き込みは分離しているため、同じウィンドウへの同時リクエストは
// 上限をわずかに超えて許可されることがある。固定ウィンドウの境界をまたぐと
// 最大で上限の2倍まで許可される。いずれも近似として許容している。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nao1215/edgegate/internal/kv"
)

// DefaultGrace はウィンドウ終了後もカウンタを保持する猶予時間。
const DefaultGrace = 5 * time.Second

// ErrInvalidCount は保存されたカウンタが数値でないことを表す。
var ErrInvalidCount = errors.New("invalid rate counter")

// Result はレート判定の結果。
type Result struct {
	// Allowed はリクエストを許可するかどうか。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining はこのウィンドウで残っているリクエスト数。
	Remaining int
	// ResetAt は現在のウィンドウが終わる時刻（エポックミリ秒）。
	ResetAt int64
}

// Limiter は固定ウィンドウのレートリミッタ。
type Limiter struct {
	store kv.Store
	grace time.Duration
	now   func() time.Time
}

// Option はLimiterの設定を変更する。
type Option func(*Limiter)

// WithGrace はカウンタのTTLに加える猶予時間を設定する。
func WithGrace(d time.Duration) Option {
	return func(l *Limiter) { l.grace = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New は新しいLimiterを生成する。
func New(store kv.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		grace: DefaultGrace,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Now はLimiterが判定に使う現在時刻を返す。
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Key はidentityとウィンドウ番号からカウンタのキーを返す。
func Key(identity string, windowIndex int64) string {
	return "rate:" + identity + ":" + strconv.FormatInt(windowIndex, 10)
}

// Check はidentityのリクエストを1件数え、許可するかを判定する。
// 上限に達している場合はカウンタを増やさずに拒否する。
func (l *Limiter) Check(ctx context.Context, identity string, limit, windowSeconds int) (Result, error) {
	if limit <= 0 || windowSeconds <= 0 {
		return Result{}, fmt.Errorf("上限とウィンドウは正の値である必要があります: limit=%d window=%d", limit, windowSeconds)
	}

	windowMs := int64(windowSeconds) * 1000
	index := l.now().UnixMilli() / windowMs
	key := Key(identity, index)
	res := Result{Limit: limit, ResetAt: (index + 1) * windowMs}

	raw, found, err := l.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("レートカウンタの取得に失敗: %w", err)
	}

	count := 0
	if found {
		count, err = strconv.Atoi(raw)
		if err != nil {
			return Result{}, fmt.Errorf("%w: key=%s value=%q", ErrInvalidCount, key, raw)
		}
	}

	if count >= limit {
		return res, nil
	}

	count++
	ttl := time.Duration(windowSeconds)*time.Second + l.grace
	if err := l.store.Put(ctx, key, strconv.Itoa(count), ttl); err != nil {
		return Result{}, fmt.Errorf("レートカウンタの保存に失敗: %w", err)
	}

	res.Allowed = true
	res.Remaining = max(limit-count, 0)
	return res, nil
}
