package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nao1215/edgegate/pkg/event"
	"github.com/redis/go-redis/v9"
)

// DefaultVisibilityTimeout は取り出したメッセージを他のコンシューマから隠しておく既定の時間。
const DefaultVisibilityTimeout = 30 * time.Second

// receiveScript は再配信時刻を過ぎた遅延メッセージと期限切れのリースを配信待ちリストへ戻し、
// 先頭から最大 ARGV[2] 件をリース付きで取り出す。
//
// KEYS: delayed, ready, leases
// ARGV: 現在時刻(ms), 件数, リース期限(ms)
var receiveScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, limit)
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('RPUSH', KEYS[2], m)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, limit)
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[3], m)
  redis.call('RPUSH', KEYS[2], m)
end
local out = {}
for i = 1, limit do
  local m = redis.call('LPOP', KEYS[2])
  if not m then break end
  redis.call('ZADD', KEYS[3], ARGV[3], m)
  out[#out + 1] = m
end
return out
`)

// RedisQueue はRedisのリストとソート済みセットを使うQueue実装。
//
// 配信待ちは name のリスト、取り出し済みは name:leases のソート済みセット
// （スコアはリース期限のミリ秒）、再配信待ちは name:delayed のソート済みセット
// （スコアは再配信時刻のミリ秒）、デッドレターは name:dead のリストに置く。
// リース期限までに確定しなかったメッセージは、次の Receive で同じ配信回数のまま
// 配信待ちに戻る。
type RedisQueue struct {
	rdb        redis.UniversalClient
	ready      string
	leases     string
	delayed    string
	dead       string
	visibility time.Duration
	now        func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue は新しいRedisQueueを生成する。
func NewRedisQueue(rdb redis.UniversalClient, name string) *RedisQueue {
	return &RedisQueue{
		rdb:        rdb,
		ready:      name,
		leases:     name + ":leases",
		delayed:    name + ":delayed",
		dead:       name + ":dead",
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える。
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

// SetVisibilityTimeout は取り出したメッセージのリース期間を設定する。
// 0以下の場合は DefaultVisibilityTimeout を使う。
func (q *RedisQueue) SetVisibilityTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultVisibilityTimeout
	}
	q.visibility = d
}

// Send はメッセージを投入する。
func (q *RedisQueue) Send(ctx context.Context, msg *event.Message) error {
	b, err := json.Marshal(envelope{Message: msg})
	if err != nil {
		return fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.ready, b).Err(); err != nil {
		return fmt.Errorf("キューへの投入に失敗: %w", err)
	}
	return nil
}

// Receive は配信可能なメッセージを最大limit件返す。
// 取り出したメッセージにはリースが付き、期限までに確定しなければ再配信される。
func (q *RedisQueue) Receive(ctx context.Context, limit int) ([]*Delivery, error) {
	out := []*Delivery{}
	if limit <= 0 {
		return out, nil
	}

	now := q.now()
	raws, err := receiveScript.Run(ctx, q.rdb,
		[]string{q.delayed, q.ready, q.leases},
		now.UnixMilli(), limit, now.Add(q.visibility).UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("キューからの取り出しに失敗: %w", err)
	}

	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Message == nil {
			// 読めないメッセージは理由を付けてデッドレターに移す
			q.quarantine(ctx, raw)
			continue
		}
		out = append(out, &Delivery{
			Message:  env.Message,
			Attempts: env.Attempts + 1,
			q:        q,
			raw:      raw,
		})
	}
	return out, nil
}

func (q *RedisQueue) quarantine(ctx context.Context, raw string) {
	b, _ := json.Marshal(map[string]any{"raw": raw, "reason": "undecodable", "at": q.now()})
	_, _ = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.leases, raw)
		p.RPush(ctx, q.dead, b)
		return nil
	})
}

// DeadLetters はデッドレターに移されたメッセージを返す。
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	raws, err := q.rdb.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("デッドレターの取得に失敗: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil || dl.Message == nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQueue) ack(ctx context.Context, d *Delivery) error {
	if err := q.rdb.ZRem(ctx, q.leases, d.raw).Err(); err != nil {
		return fmt.Errorf("確認応答に失敗: %w", err)
	}
	return nil
}

func (q *RedisQueue) retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	b, err := json.Marshal(envelope{Message: d.Message, Attempts: d.Attempts})
	if err != nil {
		return fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	visibleAt := q.now().Add(delay).UnixMilli()

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.leases, d.raw)
		p.ZAdd(ctx, q.delayed, redis.Z{Score: float64(visibleAt), Member: string(b)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("再配信の登録に失敗: %w", err)
	}
	return nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, d *Delivery, reason string) error {
	b, err := json.Marshal(DeadLetter{
		Message:  d.Message,
		Attempts: d.Attempts,
		Reason:   reason,
		At:       q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("デッドレターのシリアライズに失敗: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.leases, d.raw)
		p.RPush(ctx, q.dead, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("デッドレターへの移動に失敗: %w", err)
	}
	return nil
}
