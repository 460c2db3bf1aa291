package transport

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultSendLimit  = 6
	DefaultSendWindow = 60 * time.Second
)

// ReachLimit is returned once a session used up its send budget.
type ReachLimit struct {
	Msg   string
	Limit int
}

func (e *ReachLimit) Error() string {
	return fmt.Sprintf("%s (limit=%d)", e.Msg, e.Limit)
}

func (e *ReachLimit) Kind() string { return "ReachLimit" }

func (e *ReachLimit) Repr() string {
	return fmt.Sprintf("ReachLimit('%s', %d)", e.Msg, e.Limit)
}

// Limiter caps sends per session. The first send in a window arms a timer
// that forgets the session; hitting the limit latches the counter negative
// until then.
type Limiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	counts map[string]int
	timers map[string]*time.Timer
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultSendLimit
	}
	if window <= 0 {
		window = DefaultSendWindow
	}
	return &Limiter{
		limit:  limit,
		window: window,
		counts: make(map[string]int),
		timers: make(map[string]*time.Timer),
	}
}

// Acquire reserves one send for key.
func (l *Limiter) Acquire(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, seen := l.counts[key]
	if !seen {
		l.timers[key] = time.AfterFunc(l.window, func() { l.forget(key) })
	}
	if count < 0 {
		return &ReachLimit{Msg: "消息发送触发次数限制", Limit: l.limit}
	}
	count++
	if count >= l.limit {
		count = -1
	}
	l.counts[key] = count
	return nil
}

// Send runs fn if key still has budget. Failed sends count.
func (l *Limiter) Send(key string, fn func() error) error {
	if err := l.Acquire(key); err != nil {
		return err
	}
	return fn()
}

func (l *Limiter) forget(key string) {
	l.mu.Lock()
	delete(l.counts, key)
	delete(l.timers, key)
	l.mu.Unlock()
}

// Stop cancels pending reset timers.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, timer := range l.timers {
		timer.Stop()
		delete(l.timers, key)
	}
}
