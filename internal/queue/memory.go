package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nao1215/edgegate/pkg/event"
)

// MemoryQueue はプロセス内のQueue実装。プロセスが終了すると内容は失われる。
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []envelope
	delayed  delayHeap
	inflight int
	dead     []DeadLetter
	now      func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue は新しいMemoryQueueを生成する。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

// SetClock は現在時刻の取得関数を差し替える。
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Send はメッセージを投入する。
func (q *MemoryQueue) Send(ctx context.Context, msg *event.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, envelope{Message: msg})
	return nil
}

// Receive は配信可能なメッセージを最大limit件返す。
func (q *MemoryQueue) Receive(ctx context.Context, limit int) ([]*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].visibleAt.After(now) {
		item := heap.Pop(&q.delayed).(delayedItem)
		q.ready = append(q.ready, item.env)
	}

	n := min(limit, len(q.ready))
	if n <= 0 {
		return []*Delivery{}, nil
	}

	out := make([]*Delivery, 0, n)
	for _, env := range q.ready[:n] {
		out = append(out, &Delivery{
			Message:  env.Message,
			Attempts: env.Attempts + 1,
			q:        q,
		})
	}
	q.ready = append(q.ready[:0:0], q.ready[n:]...)
	q.inflight += n
	return out, nil
}

// Len は配信待ち（遅延中を含む）のメッセージ数を返す。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.delayed.Len()
}

// Inflight は取り出し済みで未確定のメッセージ数を返す。
func (q *MemoryQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// DeadLetters はデッドレターに移されたメッセージを返す。
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *MemoryQueue) ack(_ context.Context, _ *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	return nil
}

func (q *MemoryQueue) retry(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	heap.Push(&q.delayed, delayedItem{
		env:       envelope{Message: d.Message, Attempts: d.Attempts},
		visibleAt: q.now().Add(delay),
	})
	return nil
}

func (q *MemoryQueue) deadLetter(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	q.dead = append(q.dead, DeadLetter{
		Message:  d.Message,
		Attempts: d.Attempts,
		Reason:   reason,
		At:       q.now(),
	})
	return nil
}

type delayedItem struct {
	env       envelope
	visibleAt time.Time
}

// delayHeap は再配信時刻の早い順に並ぶヒープ。
type delayHeap []delayedItem

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].visibleAt.Before(h[j].visibleAt) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)        { *h = append(*h, x.(delayedItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
