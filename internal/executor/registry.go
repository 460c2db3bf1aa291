// Package executor runs user snippets. Each user owns a Context whose
// namespace survives between executions; executions of one user are
// serialized in arrival order.
package executor

import (
	"context"
	"sync"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/api"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

type Registry struct {
	deps *api.Deps

	mu       sync.Mutex
	contexts map[string]*Context
	sessions map[string]transport.Session
}

func NewRegistry(deps *api.Deps) *Registry {
	return &Registry{
		deps:     deps,
		contexts: make(map[string]*Context),
		sessions: make(map[string]transport.Session),
	}
}

// Get returns the context of uid, creating it on first use.
func (r *Registry) Get(uid string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contexts[uid]; ok {
		return c
	}
	c := newContext(r, uid)
	r.contexts[uid] = c
	return c
}

// Lookup returns an existing context without creating one.
func (r *Registry) Lookup(uid string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[uid]
	return c, ok
}

func sessionKey(adapter, userID string) string { return adapter + "\x00" + userID }

func (r *Registry) remember(s transport.Session) {
	r.mu.Lock()
	r.sessions[sessionKey(s.Adapter, s.UserID)] = s
	r.mu.Unlock()
}

// Session returns the last session seen for a user on adapter.
func (r *Registry) Session(adapter, userID string) (transport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey(adapter, userID)]
	return s, ok
}

// Execute routes code to the context of the event's sender.
func (r *Registry) Execute(ctx context.Context, bot transport.Transport, ev *transport.Event, code string) error {
	if ev == nil || ev.UserID == "" {
		return ErrSessionNotInitialized
	}
	return r.Get(ev.Session().UID()).Execute(ctx, bot, ev, code)
}

// Submit queues code on the context of the event's sender. See
// Context.Submit.
func (r *Registry) Submit(ctx context.Context, bot transport.Transport, ev *transport.Event, code string) (func() error, error) {
	if ev == nil || ev.UserID == "" {
		return nil, ErrSessionNotInitialized
	}
	return r.Get(ev.Session().UID()).Submit(ctx, bot, ev, code)
}

// Cancel stops the running execution of uid.
func (r *Registry) Cancel(uid string) bool {
	c, ok := r.Lookup(uid)
	if !ok {
		return false
	}
	return c.Cancel()
}

// Close cancels running executions and frees every VM. Contexts must not be
// used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	contexts := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		contexts = append(contexts, c)
	}
	r.contexts = make(map[string]*Context)
	r.mu.Unlock()

	for _, c := range contexts {
		c.Cancel()
		if err := c.lock.Acquire(context.Background()); err == nil {
			c.close()
			c.lock.Release()
		}
	}
}
