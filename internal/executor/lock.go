package executor

import (
	"context"
	"sync"
)

type waiter struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

// fifoLock is a non-reentrant mutex that grants waiters in arrival order.
// Each waiter parks on its own one-shot channel. The cancel func a holder
// queued with is recorded when the lock is granted, so CancelHolder never
// sees a held lock without it.
type fifoLock struct {
	mu      sync.Mutex
	locked  bool
	holder  context.CancelFunc
	waiters []*waiter
}

// enqueue takes a place in line without blocking. The returned wait blocks
// until that place is granted; it must be called exactly once.
func (l *fifoLock) enqueue(cancel context.CancelFunc) (wait func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		l.locked = true
		l.holder = cancel
		return func(context.Context) error { return nil }
	}
	w := &waiter{ch: make(chan struct{}), cancel: cancel}
	l.waiters = append(l.waiters, w)
	return func(ctx context.Context) error { return l.wait(ctx, w) }
}

func (l *fifoLock) wait(ctx context.Context, w *waiter) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, q := range l.waiters {
		if q == w {
			l.waiters = append(l.waiters[:i:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()
	// Granted while giving up: hand the lock to the next waiter.
	l.Release()
	return ctx.Err()
}

func (l *fifoLock) Acquire(ctx context.Context) error {
	return l.enqueue(nil)(ctx)
}

func (l *fifoLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.holder = next.cancel
		close(next.ch)
		return
	}
	l.locked = false
	l.holder = nil
}

// CancelHolder cancels the current holder. It reports false when the lock
// is free or held without a cancel func.
func (l *fifoLock) CancelHolder() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked || l.holder == nil {
		return false
	}
	l.holder()
	return true
}

func (l *fifoLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Waiting reports the queue length.
func (l *fifoLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
