package tripcache

import (
	"context"
	"sync"
	"time"
)

// background runs detached work that must outlive the request that started
// it, such as a stale-while-revalidate refresh. Close waits for it.
type background struct {
	sem     chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newBackground(concurrency int, timeout time.Duration) *background {
	if concurrency <= 0 {
		concurrency = 32
	}
	return &background{sem: make(chan struct{}, concurrency), timeout: timeout}
}

// TryGo starts fn on a fresh context bounded by the network timeout. It
// returns false without running fn when all slots are busy or the runner
// is closed.
func (b *background) TryGo(fn func(ctx context.Context)) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	select {
	case b.sem <- struct{}{}:
	default:
		b.mu.Unlock()
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if b.timeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), b.timeout)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Wait blocks until every started task has returned.
func (b *background) Wait() { b.wg.Wait() }

func (b *background) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
