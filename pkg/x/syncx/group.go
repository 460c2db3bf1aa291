package syncx

import (
	"context"
	"sync"
)

// Group runs goroutines under a shared cancellation. The first non-nil error
// returned by a member cancels the others and is reported by Wait.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	err     error
}

func NewGroup(parent context.Context) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

func (g *Group) Context() context.Context { return g.ctx }

func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil {
			g.errOnce.Do(func() {
				g.err = err
				g.cancel()
			})
		}
	}()
}

// Wait blocks until every member returned and reports the first error.
func (g *Group) Wait() error {
	g.wg.Wait()
	return g.err
}

func (g *Group) Stop() error {
	g.cancel()
	return g.Wait()
}
