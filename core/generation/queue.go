package generation

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 队列已关闭
var ErrQueueClosed = errors.New("job queue closed")

// KeyedQueue 按 key 分道的 FIFO 队列：同一个 key 的任务串行执行，
// 不同 key 之间并行，总并发由 workers 限制。
type KeyedQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	mu     sync.Mutex
	lanes  map[string][]func(context.Context)
	closed bool
	wg     sync.WaitGroup
}

// NewKeyedQueue 创建队列，ctx 取消后未开始的任务被丢弃
func NewKeyedQueue(ctx context.Context, workers int) *KeyedQueue {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &KeyedQueue{
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, workers),
		lanes:  make(map[string][]func(context.Context)),
	}
}

// Enqueue 把任务追加到 key 的队尾
func (q *KeyedQueue) Enqueue(key string, fn func(context.Context)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.ctx.Err() != nil {
		return ErrQueueClosed
	}

	_, running := q.lanes[key]
	q.lanes[key] = append(q.lanes[key], fn)
	if !running {
		q.wg.Add(1)
		go q.drain(key)
	}
	return nil
}

// Pending 返回 key 上排队和执行中的任务数
func (q *KeyedQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[key])
}

// drain 依次执行 key 上的任务，队列空了就退出。
// 正在执行的任务留在队首，直到完成才移除。
func (q *KeyedQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		lane := q.lanes[key]
		if len(lane) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		fn := lane[0]
		q.mu.Unlock()

		acquired := false
		select {
		case q.sem <- struct{}{}:
			acquired = true
		case <-q.ctx.Done():
		}
		if q.ctx.Err() != nil {
			if acquired {
				<-q.sem
			}
			q.mu.Lock()
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		fn(q.ctx)
		<-q.sem

		q.mu.Lock()
		q.lanes[key] = q.lanes[key][1:]
		q.mu.Unlock()
	}
}

// Close 不再接收新任务，等待已入队的任务执行完
func (q *KeyedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
}

// Abort 取消上下文并等待正在执行的任务返回，排队中的任务被丢弃
func (q *KeyedQueue) Abort() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
