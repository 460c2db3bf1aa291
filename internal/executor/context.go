package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/api"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

const logPrefix = "[exe-code]"

var (
	ErrSessionNotInitialized = errors.New("session not initialized")
	ErrBotMismatch           = errors.New("bot does not match event")
	ErrCancelled             = errors.New("execution cancelled")
)

// Context is one user's script state: a Lua VM, the namespace every snippet
// of that user shares, and the lock serializing their executions.
type Context struct {
	UID string

	reg  *Registry
	lock fifoLock

	// L and ns are only touched while lock is held.
	L  *lua.LState
	ns *lua.LTable

	mu     sync.Mutex
	closed bool
}

func newContext(reg *Registry, uid string) *Context {
	L := lua.NewState()
	ns := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.G.Global)
	L.SetMetatable(ns, mt)
	api.InstallDefaults(L, ns)
	return &Context{UID: uid, reg: reg, L: L, ns: ns}
}

func (c *Context) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.L.Close()
}

// acquire takes the lock of a context that is still open.
func (c *Context) acquire(ctx context.Context) error {
	return c.admit(ctx, c.lock.enqueue(nil))
}

// admit waits for a queued place and checks the context is still open.
func (c *Context) admit(ctx context.Context, wait func(context.Context) error) error {
	if err := wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.lock.Release()
		return ErrCancelled
	}
	return nil
}

// Running reports whether an execution holds the lock.
func (c *Context) Running() bool { return c.lock.Locked() }

// Cancel stops the current execution. It reports whether one was running.
func (c *Context) Cancel() bool { return c.lock.CancelHolder() }

// compile parses code as the body of one function. Nothing is touched when
// it fails.
func compile(code string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(code), "<exe_code>")
	if err != nil {
		return nil, &luax.ScriptError{Msg: err.Error()}
	}
	proto, err := lua.Compile(chunk, "<exe_code>")
	if err != nil {
		return nil, &luax.ScriptError{Msg: err.Error()}
	}
	return proto, nil
}

// frame is the environment of one execution. Reads fall through to the
// namespace; assignments land in the namespace unless the name is a dunder.
func (c *Context) frame() *lua.LTable {
	L := c.L
	frame := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", c.ns)
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		t := L.CheckTable(1)
		key := L.Get(2)
		value := L.Get(3)
		if name, ok := key.(lua.LString); ok && luax.IsDunder(string(name)) {
			t.RawSet(key, value)
			return 0
		}
		c.ns.RawSet(key, value)
		return 0
	}))
	L.SetMetatable(frame, mt)
	return frame
}

func (c *Context) loadConsts() {
	consts, err := c.reg.deps.Consts.Load(c.UID)
	if err != nil {
		log.Printf("%s load consts failed uid=%s err=%v", logPrefix, c.UID, err)
		return
	}
	for name, value := range consts {
		c.ns.RawSetString(name, luax.FromGo(c.L, value))
	}
}

// wipe empties the namespace in place and reinstalls the defaults.
func (c *Context) wipe() {
	var keys []lua.LValue
	c.ns.ForEach(func(k, _ lua.LValue) { keys = append(keys, k) })
	for _, k := range keys {
		c.ns.RawSet(k, lua.LNil)
	}
	api.InstallDefaults(c.L, c.ns)
}

// setSession exposes the sender as qid and the group, if any, as gid.
func (c *Context) setSession(s transport.Session) {
	c.ns.RawSetString("qid", lua.LString(s.UserID))
	if s.GroupID != "" {
		c.ns.RawSetString("gid", lua.LString(s.GroupID))
	} else {
		c.ns.RawSetString("gid", lua.LNil)
	}
}

func (c *Context) resetException() {
	exc := c.L.NewTable()
	exc.RawSetInt(1, lua.LNil)
	exc.RawSetInt(2, lua.LNil)
	c.ns.RawSetString("__exception__", exc)
}

func (c *Context) setException(err error, traceback string) {
	exc := c.L.NewTable()
	exc.RawSetInt(1, luax.NewError(c.L, err))
	if traceback != "" {
		exc.RawSetInt(2, lua.LString(traceback))
	} else {
		exc.RawSetInt(2, lua.LNil)
	}
	c.ns.RawSetString("__exception__", exc)
}

// Execute runs code as bot's reply to ev. Output printed by the snippet is
// sent first, then the returned value; the snippet's error, if any, is
// returned after both.
func (c *Context) Execute(ctx context.Context, bot transport.Transport, ev *transport.Event, code string) error {
	run, err := c.Submit(ctx, bot, ev, code)
	if err != nil {
		return err
	}
	return run()
}

// Submit checks ev, compiles code and takes the next place in the queue
// without blocking. run waits for the submissions queued before it, then
// executes as Execute does. run must be called exactly once.
func (c *Context) Submit(ctx context.Context, bot transport.Transport, ev *transport.Event, code string) (run func() error, err error) {
	if ev == nil || ev.UserID == "" {
		return nil, ErrSessionNotInitialized
	}
	if bot.Adapter() != ev.Adapter || (ev.SelfID != "" && ev.SelfID != bot.SelfID()) {
		return nil, ErrBotMismatch
	}
	session := ev.Session()
	if session.UID() != c.UID {
		return nil, fmt.Errorf("%w: event of %s sent to context %s", ErrSessionNotInitialized, session.UID(), c.UID)
	}
	c.reg.remember(session)

	proto, err := compile(code)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	wait := c.lock.enqueue(cancel)
	return func() error {
		defer cancel()
		if err := c.admit(ctx, wait); err != nil {
			return err
		}
		defer c.lock.Release()
		return c.run(ctx, execCtx, bot, ev, session, proto)
	}, nil
}

func (c *Context) run(ctx, execCtx context.Context, bot transport.Transport, ev *transport.Event, session transport.Session, proto *lua.FunctionProto) error {
	L := c.L
	deps := c.reg.deps
	c.loadConsts()
	c.resetException()
	c.setSession(session)

	var (
		a       *api.API
		release = func() {}
		admin   *adminScope
	)
	bind := func() {
		release = a.Bind(L, c.ns)
		if admin != nil {
			admin.bind(L, c.ns)
		}
	}
	a = api.Create(deps, api.Env{
		Bot:     bot,
		Event:   ev,
		Session: session,
		NS:      c.ns,
		Reset: func(*lua.LState) {
			release()
			c.wipe()
			c.loadConsts()
			c.setSession(session)
			bind()
		},
	})
	if deps.Config != nil && deps.Config.IsSuperuser(ev.UserID) {
		admin = &adminScope{reg: c.reg, self: c, session: session}
		defer admin.close()
	}
	bind()
	defer func() { release() }()

	fn := L.NewFunctionFromProto(proto)
	frame := c.frame()
	frame.RawSetString("__executor__", fn)
	L.SetFEnv(fn, frame)

	log.Printf("%s execute uid=%s adapter=%s", logPrefix, c.UID, bot.Adapter())
	value, runErr := c.resume(execCtx, a, fn)
	if runErr != nil {
		c.setException(runErr.err, runErr.traceback)
	}

	buf := deps.Buffers.Get(c.UID).Drain()
	if text := strings.TrimRight(buf, "\n"); text != "" {
		if _, err := a.Feedback(ctx, message.Message{message.Text(text)}); err != nil {
			log.Printf("%s send output failed uid=%s err=%v", logPrefix, c.UID, err)
			if runErr == nil {
				return err
			}
		}
	}
	if runErr != nil {
		log.Printf("%s execute failed uid=%s err=%s", logPrefix, c.UID, luax.ReprError(runErr.err))
		return runErr.err
	}
	if value != lua.LNil {
		if _, err := a.Feedback(ctx, message.Message{message.Text(luax.Repr(value))}); err != nil {
			return err
		}
	}
	return nil
}

type runError struct {
	err       error
	traceback string
}

// resume drives fn as a coroutine. Every yielded value is sent to the
// current conversation.
func (c *Context) resume(execCtx context.Context, a *api.API, fn *lua.LFunction) (lua.LValue, *runError) {
	L := c.L
	L.SetContext(execCtx)
	defer L.RemoveContext()
	th, cancel := L.NewThread()
	if cancel != nil {
		defer cancel()
	}

	state, err, values := L.Resume(th, fn)
	for state == lua.ResumeYield {
		for _, v := range values {
			if _, ferr := a.Feedback(execCtx, message.Message{message.Text(luax.Repr(v))}); ferr != nil {
				return lua.LNil, c.failure(execCtx, ferr)
			}
		}
		state, err, values = L.Resume(th, fn)
	}
	if state == lua.ResumeError {
		return lua.LNil, c.failure(execCtx, err)
	}
	if len(values) == 0 {
		return lua.LNil, nil
	}
	return values[0], nil
}

func (c *Context) failure(execCtx context.Context, err error) *runError {
	var traceback string
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		traceback = apiErr.StackTrace
	}
	if execCtx.Err() != nil {
		return &runError{err: ErrCancelled, traceback: traceback}
	}
	return &runError{err: luax.Recover(err), traceback: traceback}
}

// SetValue stores v in the namespace under name, waiting for any running
// execution to finish first.
func (c *Context) SetValue(ctx context.Context, name string, v any) error {
	if !luax.IsIdentifier(name) {
		return luax.IdentifierError(name)
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.lock.Release()
	c.ns.RawSetString(name, luax.FromGo(c.L, v))
	return nil
}

// SetGem stores a captured message as `gem`.
func (c *Context) SetGem(ctx context.Context, msg message.Message) error {
	return c.SetValue(ctx, "gem", api.Msg(msg))
}

// SetGurl stores a captured image url as `gurl`.
func (c *Context) SetGurl(ctx context.Context, url string) error {
	return c.SetValue(ctx, "gurl", url)
}

// Value reads a namespace entry as a Go value.
func (c *Context) Value(ctx context.Context, name string) (any, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.lock.Release()
	return luax.ToGo(c.ns.RawGetString(name)), nil
}
