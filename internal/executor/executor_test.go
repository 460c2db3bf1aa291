package executor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/api"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/config"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/store"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport/transporttest"
)

func newDeps(t *testing.T, dir string, superusers ...string) *api.Deps {
	t.Helper()
	limiter := transport.NewLimiter(6, time.Minute)
	t.Cleanup(limiter.Stop)
	return &api.Deps{
		Sender:  transport.NewSender(limiter),
		Hub:     transport.NewHub("[test]"),
		Consts:  store.NewConstStore(dir),
		Buffers: store.NewBuffers(),
		Config:  config.New(config.Static{}, superusers, nil, nil),
		HTTP:    http.DefaultClient,
	}
}

func newRegistry(t *testing.T, superusers ...string) (*Registry, *transporttest.Bot) {
	t.Helper()
	reg := NewRegistry(newDeps(t, t.TempDir(), superusers...))
	t.Cleanup(reg.Close)
	return reg, transporttest.New(transport.AdapterOneBot11, "10000")
}

func execute(t *testing.T, reg *Registry, bot *transporttest.Bot, userID, groupID, code string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return reg.Execute(ctx, bot, bot.Event(userID, groupID, "code "+code), code)
}

func mustExecute(t *testing.T, reg *Registry, bot *transporttest.Bot, userID, code string) {
	t.Helper()
	if err := execute(t, reg, bot, userID, "", code); err != nil {
		t.Fatalf("execute %q: %v", code, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalTexts(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("sent = %q, want %q", got, want)
	}
}

func TestNamespacePersists(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	mustExecute(t, reg, bot, "1", "x = 41")
	mustExecute(t, reg, bot, "1", "return x + 1")
	equalTexts(t, bot.Texts(), "42")

	// another user has a namespace of their own
	mustExecute(t, reg, bot, "2", "return x")
	equalTexts(t, bot.Texts(), "42")
}

func TestDunderNamesStayInFrame(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	mustExecute(t, reg, bot, "1", "__tmp__ = 5 kept = __tmp__")
	c := reg.Get(transport.UID(transport.AdapterOneBot11, "1"))
	ctx := context.Background()
	if v, _ := c.Value(ctx, "__tmp__"); v != nil {
		t.Fatalf("__tmp__ = %v, want nil", v)
	}
	if v, _ := c.Value(ctx, "kept"); v != int64(5) {
		t.Fatalf("kept = %v, want 5", v)
	}
}

func TestOutputBeforeResult(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	mustExecute(t, reg, bot, "1", `print("A") print("B", 1) return "C"`)
	equalTexts(t, bot.Texts(), "A\nB 1", "'C'")
}

func TestYieldSendsValues(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	mustExecute(t, reg, bot, "1", `coroutine.yield(1) coroutine.yield("x") return 3`)
	equalTexts(t, bot.Texts(), "1", "'x'", "3")
}

func TestCompileErrorLeavesNamespace(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	mustExecute(t, reg, bot, "1", "x = 1")
	err := execute(t, reg, bot, "1", "", "x = 2 y = ")
	var scriptErr *luax.ScriptError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("err = %v, want ScriptError", err)
	}
	mustExecute(t, reg, bot, "1", "return x, y")
	equalTexts(t, bot.Texts(), "1")
}

func TestRuntimeErrorRecordsException(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	err := execute(t, reg, bot, "1", "", `print("before") error("boom")`)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want boom", err)
	}
	if got := luax.ReprError(err); !strings.HasPrefix(got, "LuaError(") {
		t.Fatalf("repr = %s", got)
	}
	equalTexts(t, bot.Texts(), "before")

	mustExecute(t, reg, bot, "1", `return __exception__[1] ~= nil`)
	equalTexts(t, bot.Texts(), "before", "false")
}

func TestExceptionVisibleWithinExecution(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	_ = execute(t, reg, bot, "1", "", `error("boom")`)
	c := reg.Get(transport.UID(transport.AdapterOneBot11, "1"))
	v, err := c.Value(context.Background(), "__exception__")
	if err != nil {
		t.Fatal(err)
	}
	if items, ok := v.([]any); !ok || len(items) == 0 || items[0] == nil {
		t.Fatalf("__exception__ = %#v", v)
	}
}

func TestResetClearsNamespace(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	mustExecute(t, reg, bot, "1", `x = 1 reset() feedback(tostring(x))`)
	mustExecute(t, reg, bot, "1", `return x`)
	equalTexts(t, bot.Texts(), "nil")
}

func TestConstsSurviveRegistry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bot := transporttest.New(transport.AdapterOneBot11, "10000")

	first := NewRegistry(newDeps(t, dir))
	mustExecute(t, first, bot, "1", `api.set_const("answer", {value = 42})`)
	first.Close()

	second := NewRegistry(newDeps(t, dir))
	defer second.Close()
	mustExecute(t, second, bot, "1", `return answer.value`)
	equalTexts(t, bot.Texts(), "42")
}

func TestSendLimit(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	err := execute(t, reg, bot, "1", "", `for i = 1, 7 do feedback(i) end`)
	var limit *transport.ReachLimit
	if !errors.As(err, &limit) {
		t.Fatalf("err = %v, want ReachLimit", err)
	}
	if n := len(bot.Sent()); n != 6 {
		t.Fatalf("sent %d messages, want 6", n)
	}
}

func TestSendForwardTargets(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)

	if err := execute(t, reg, bot, "1", "", `api.send_fwd({"a", "b"})`); err != nil {
		t.Fatal(err)
	}
	if err := execute(t, reg, bot, "1", "500", `api.send_fwd({"c"})`); err != nil {
		t.Fatal(err)
	}
	sent := bot.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent = %d", len(sent))
	}
	if !sent[0].Target.Private || sent[0].Target.ID != "1" || len(sent[0].Forward) != 2 {
		t.Fatalf("private forward = %+v", sent[0])
	}
	if sent[1].Target.Private || sent[1].Target.ID != "500" || len(sent[1].Forward) != 1 {
		t.Fatalf("group forward = %+v", sent[1])
	}
}

func TestExecutionsRunInOrder(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)
	c := reg.Get(transport.UID(transport.AdapterOneBot11, "1"))

	var wg sync.WaitGroup
	start := func(code string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := execute(t, reg, bot, "1", "", code); err != nil {
				t.Errorf("execute %q: %v", code, err)
			}
		}()
	}
	start(`sleep(0.1) seq = (seq or "") .. "a"`)
	waitFor(t, c.Running)
	start(`seq = (seq or "") .. "b"`)
	waitFor(t, func() bool { return c.lock.Waiting() == 1 })
	start(`seq = (seq or "") .. "c"`)
	waitFor(t, func() bool { return c.lock.Waiting() == 2 })
	wg.Wait()

	v, err := c.Value(context.Background(), "seq")
	if err != nil {
		t.Fatal(err)
	}
	if v != "abc" {
		t.Fatalf("seq = %v, want abc", v)
	}
}

func TestSubmitTakesPlaceInOrder(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)
	ctx := context.Background()

	var runs []func() error
	for _, s := range []string{"a", "b", "c"} {
		code := `seq = (seq or "") .. "` + s + `"`
		run, err := reg.Submit(ctx, bot, bot.Event("1", "", "code "+code), code)
		if err != nil {
			t.Fatalf("submit %q: %v", code, err)
		}
		runs = append(runs, run)
	}

	// Started last to first; the queue still runs them as submitted.
	var wg sync.WaitGroup
	for i := len(runs) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(run func() error) {
			defer wg.Done()
			if err := run(); err != nil {
				t.Errorf("run: %v", err)
			}
		}(runs[i])
	}
	wg.Wait()

	v, err := reg.Get(transport.UID(transport.AdapterOneBot11, "1")).Value(ctx, "seq")
	if err != nil {
		t.Fatal(err)
	}
	if v != "abc" {
		t.Fatalf("seq = %v, want abc", v)
	}
}

func TestCancelOnceGranted(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)
	uid := transport.UID(transport.AdapterOneBot11, "1")

	code := `print(1)`
	run, err := reg.Submit(context.Background(), bot, bot.Event("1", "", "code "+code), code)
	if err != nil {
		t.Fatal(err)
	}
	// The lock was free, so this submission already holds it.
	if !reg.Cancel(uid) {
		t.Fatal("granted execution not reported as running")
	}
	if err := run(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if sent := bot.Texts(); len(sent) != 0 {
		t.Fatalf("sent = %q", sent)
	}
	if reg.Cancel(uid) {
		t.Fatal("nothing should be running")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)
	uid := transport.UID(transport.AdapterOneBot11, "1")

	done := make(chan error, 1)
	go func() { done <- execute(t, reg, bot, "1", "", `sleep(3) print(1)`) }()
	waitFor(t, func() bool { return reg.Cancel(uid) })

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execution not cancelled")
	}
	if sent := bot.Texts(); len(sent) != 0 {
		t.Fatalf("sent = %q", sent)
	}
	if reg.Cancel(uid) {
		t.Fatal("nothing should be running")
	}
}

func TestSessionChecks(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)
	ctx := context.Background()

	if err := reg.Execute(ctx, bot, nil, "return 1"); !errors.Is(err, ErrSessionNotInitialized) {
		t.Fatalf("nil event: %v", err)
	}
	other := reg.Get(transport.UID(transport.AdapterOneBot11, "2"))
	if err := other.Execute(ctx, bot, bot.Event("1", "", ""), "return 1"); !errors.Is(err, ErrSessionNotInitialized) {
		t.Fatalf("foreign event: %v", err)
	}
	console := transporttest.New(transport.AdapterConsole, "console")
	if err := reg.Execute(ctx, console, bot.Event("1", "", ""), "return 1"); !errors.Is(err, ErrBotMismatch) {
		t.Fatalf("wrong bot: %v", err)
	}
	if _, ok := reg.Session(transport.AdapterOneBot11, "1"); ok {
		t.Fatal("rejected events must not be remembered")
	}
	if len(bot.Sent()) != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestAdminHelpers(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t, "1")

	mustExecute(t, reg, bot, "2", `secret = 42`)
	mustExecute(t, reg, bot, "1", `return get_ctx(2).secret`)
	mustExecute(t, reg, bot, "1", `return get_ctx("2").uid`)
	mustExecute(t, reg, bot, "1", `local c = get_ctx("OneBot V11:2") c.set("other", "x") return c.get("other")`)
	equalTexts(t, bot.Texts(), "42", "'OneBot V11:2'", "'x'")

	err := execute(t, reg, bot, "1", "", `get_ctx({})`)
	var overload *iface.OverloadMismatchError
	if !errors.As(err, &overload) {
		t.Fatalf("err = %v, want OverloadMismatchError", err)
	}

	if err := execute(t, reg, bot, "2", "", `get_ctx(1)`); err == nil {
		t.Fatal("get_ctx must not be bound for regular users")
	}

	mustExecute(t, reg, bot, "1", `set_usr(3) set_grp("600") set_usr(4) set_usr(4, false)`)
	cfg := reg.deps.Config
	if !cfg.UserAllowed("3") || !cfg.GroupAllowed("600") || cfg.UserAllowed("4") {
		t.Fatal("permissions not updated")
	}
}

func TestGetCtxHoldsTarget(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t, "1")
	target := reg.Get(transport.UID(transport.AdapterOneBot11, "2"))

	admin := make(chan error, 1)
	go func() {
		admin <- execute(t, reg, bot, "1", "", `local c = get_ctx(2) sleep(0.2) c.set("v", 1)`)
	}()
	waitFor(t, target.Running)

	if err := execute(t, reg, bot, "2", "", `return v`); err != nil {
		t.Fatal(err)
	}
	if err := <-admin; err != nil {
		t.Fatal(err)
	}
	equalTexts(t, bot.Texts(), "1")
	if target.Running() {
		t.Fatal("target lock not released")
	}
}

func TestIngressValues(t *testing.T) {
	t.Parallel()
	reg, bot := newRegistry(t)
	c := reg.Get(transport.UID(transport.AdapterOneBot11, "1"))
	ctx := context.Background()

	if err := c.SetGurl(ctx, "http://img/1.png"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetValue(ctx, "1bad", 1); err == nil {
		t.Fatal("invalid identifier accepted")
	}
	mustExecute(t, reg, bot, "1", `return gurl`)
	equalTexts(t, bot.Texts(), "'http://img/1.png'")
}
