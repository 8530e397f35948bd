// Package queue はイベントメッセージの永続キューを提供する。
//
// プロデューサは Send でメッセージを投入し、コンシューマは Receive で
// バッチを取り出す。取り出したメッセージは Delivery として渡され、
// Ack（削除）、Retry（指定時間後に再配信）、DeadLetter（デッドレターへ移動）の
// いずれかで確定させる。RedisQueueでは確定しなかったメッセージはリース期限後に
// 再配信される。
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nao1215/edgegate/pkg/event"
)

// ErrSettled は確定済みのDeliveryを再度確定しようとしたことを表す。
var ErrSettled = errors.New("delivery already settled")

// Producer はメッセージを投入する。
type Producer interface {
	Send(ctx context.Context, msg *event.Message) error
}

// Consumer はメッセージを取り出す。
type Consumer interface {
	// Receive は配信可能なメッセージを最大limit件返す。無い場合は空のスライスを返す。
	Receive(ctx context.Context, limit int) ([]*Delivery, error)
}

// Queue はProducerとConsumerの両方を満たす。
type Queue interface {
	Producer
	Consumer
}

// DeadLetter はデッドレターに移されたメッセージ。
type DeadLetter struct {
	// Message は元のメッセージ。
	Message *event.Message `json:"message"`
	// Attempts は移動時点の配信回数。
	Attempts int `json:"attempts"`
	// Reason は最後の失敗理由。
	Reason string `json:"reason"`
	// At は移動した時刻。
	At time.Time `json:"at"`
}

// envelope はキューに格納する単位。Attempts はこれまでの配信回数。
type envelope struct {
	Message  *event.Message `json:"message"`
	Attempts int            `json:"attempts"`
}

// settler はDeliveryを確定させるキュー実装。
type settler interface {
	ack(ctx context.Context, d *Delivery) error
	retry(ctx context.Context, d *Delivery, delay time.Duration) error
	deadLetter(ctx context.Context, d *Delivery, reason string) error
}

// Delivery は取り出した1件のメッセージ。
type Delivery struct {
	// Message は配信されたメッセージ。
	Message *event.Message
	// Attempts は今回を含む配信回数。初回は1。
	Attempts int

	q   settler
	raw string // RedisQueueがリースを外すための元データ

	mu      sync.Mutex
	settled bool
}

func (d *Delivery) settle(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return ErrSettled
	}
	if err := fn(); err != nil {
		return err
	}
	d.settled = true
	return nil
}

// Ack はメッセージの処理完了を通知し、キューから削除する。
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(func() error { return d.q.ack(ctx, d) })
}

// Retry はdelay経過後にメッセージを再配信させる。
func (d *Delivery) Retry(ctx context.Context, delay time.Duration) error {
	return d.settle(func() error { return d.q.retry(ctx, d, delay) })
}

// DeadLetter はメッセージをデッドレターに移す。
func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.settle(func() error { return d.q.deadLetter(ctx, d, reason) })
}
