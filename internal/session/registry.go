package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/edgegate/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultIdleTimeout は参照されないアクターを停止するまでの時間。
const DefaultIdleTimeout = 5 * time.Minute

type opKind int

const (
	opGet opKind = iota
	opPut
	opDelete
)

func (o opKind) String() string {
	switch o {
	case opGet:
		return "get"
	case opPut:
		return "put"
	default:
		return "delete"
	}
}

// request はアクターへのメッセージ。
type request struct {
	ctx   context.Context
	op    opKind
	data  json.RawMessage
	reply chan response
}

type response struct {
	rec *Record
	err error
}

// actor は1つのセッションキーの状態を所有する。
type actor struct {
	key   string
	inbox chan request
	// done はアクターのゴルーチン終了時に閉じる。
	done chan struct{}
	// refs は操作中の呼び出し元の数。Registry.mu で保護する。
	refs int
}

// Registry はセッションキーとアクターの対応を管理する。
type Registry struct {
	backend     Backend
	idleTimeout time.Duration
	now         func() time.Time
	log         *zap.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	actors map[string]*actor
	stop   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option はRegistryの設定を変更する。
type Option func(*Registry)

// WithIdleTimeout はアクターのアイドル停止時間を設定する。0以下の場合は停止しない。
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry は新しいRegistryを生成する。
func NewRegistry(backend Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:     backend,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		log:         zap.NewNop(),
		actors:      make(map[string]*actor),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get は現在のレコードを返す。存在しない場合はnil, nilを返す。
func (r *Registry) Get(ctx context.Context, key string) (*Record, error) {
	return r.call(ctx, key, opGet, nil)
}

// Put はdataでレコードを置き換え、更新後のレコードを返す。
// レコードが無ければ新しいIDで作成する。dataがJSONオブジェクトでない場合は空オブジェクトとして保存する。
func (r *Registry) Put(ctx context.Context, key string, data json.RawMessage) (*Record, error) {
	return r.call(ctx, key, opPut, data)
}

// Delete はレコードを削除する。存在しない場合もエラーにしない。
func (r *Registry) Delete(ctx context.Context, key string) error {
	_, err := r.call(ctx, key, opDelete, nil)
	return err
}

// Len は稼働中のアクター数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close はすべてのアクターを停止し、終了を待つ。
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Registry) call(ctx context.Context, key string, op opKind, data json.RawMessage) (*Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	defer r.metrics.ObserveSessionOp(op.String(), time.Now())

	a, err := r.acquire(key)
	if err != nil {
		return nil, err
	}
	defer r.release(a)

	req := request{ctx: ctx, op: op, data: data, reply: make(chan response, 1)}
	select {
	case a.inbox <- req:
	case <-a.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.rec, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire はキーのアクターを返す。無ければ起動する。
// 呼び出し元は操作後に release を呼ぶこと。
func (r *Registry) acquire(key string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	a, ok := r.actors[key]
	if !ok {
		a = &actor{
			key:   key,
			inbox: make(chan request),
			done:  make(chan struct{}),
		}
		r.actors[key] = a
		r.wg.Add(1)
		go r.run(a)
	}
	a.refs++
	return a, nil
}

func (r *Registry) release(a *actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.refs--
}

// retire は参照が無ければアクターを登録から外し、trueを返す。
func (r *Registry) retire(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.refs > 0 {
		return false
	}
	if r.actors[a.key] == a {
		delete(r.actors, a.key)
	}
	return true
}

// run はアクターのメインループ。
func (r *Registry) run(a *actor) {
	defer r.wg.Done()
	defer close(a.done)

	var (
		state  *Record
		loaded bool
		idle   <-chan time.Time
		timer  *time.Timer
	)
	if r.idleTimeout > 0 {
		timer = time.NewTimer(r.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case req := <-a.inbox:
			if !loaded {
				rec, err := r.backend.Load(req.ctx, a.key)
				if err != nil {
					req.reply <- response{err: fmt.Errorf("セッション %s の読み込みに失敗: %w", a.key, err)}
					break
				}
				state, loaded = rec, true
			}
			next, resp := r.apply(a.key, req, state)
			if resp.err == nil {
				state = next
			}
			req.reply <- resp
		case <-idle:
			if r.retire(a) {
				r.log.Debug("アイドル状態のセッションアクターを停止しました", zap.String("key", a.key))
				return
			}
		case <-r.stop:
			r.retire(a)
			return
		}

		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.idleTimeout)
		}
	}
}

// apply は1件の操作を処理し、新しい状態と応答を返す。
// バックエンドへの書き込みに失敗した場合は状態を変更しない。
func (r *Registry) apply(key string, req request, state *Record) (*Record, response) {
	switch req.op {
	case opGet:
		return state, response{rec: state.clone()}

	case opPut:
		now := r.now().UTC()
		next := &Record{
			ID:        uuid.NewString(),
			Data:      normalizeData(req.data),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if state != nil {
			next.ID = state.ID
			next.CreatedAt = state.CreatedAt
			if !now.After(state.UpdatedAt) {
				next.UpdatedAt = state.UpdatedAt.Add(time.Nanosecond)
			}
		}
		if err := r.backend.Save(req.ctx, key, next); err != nil {
			return state, response{err: err}
		}
		return next, response{rec: next.clone()}

	default:
		if err := r.backend.Remove(req.ctx, key); err != nil {
			return state, response{err: err}
		}
		return nil, response{}
	}
}
