package luax

import (
	"errors"
	"fmt"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func eval(t *testing.T, L *lua.LState, code string) lua.LValue {
	t.Helper()
	if err := L.DoString("return " + code); err != nil {
		t.Fatalf("eval %q: %v", code, err)
	}
	v := L.Get(-1)
	L.Pop(1)
	return v
}

func TestRepr(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	cases := map[string]string{
		`'1234'`:             `'1234'`,
		`"it's"`:             `"it's"`,
		`"a\nb"`:             `'a\nb'`,
		`1`:                  `1`,
		`1.5`:                `1.5`,
		`true`:               `true`,
		`nil`:                `nil`,
		`{1, "2"}`:           `[1, '2']`,
		`{a = {1, "2"}}`:     `{'a': [1, '2']}`,
		`{}`:                 `{}`,
		`{[2] = "x", b = 1}`: `{2: 'x', 'b': 1}`,
	}
	for code, want := range cases {
		if got := Repr(eval(t, L, code)); got != want {
			t.Fatalf("Repr(%s) = %s, want %s", code, got, want)
		}
	}
}

func TestToGoAndBack(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	v := ToGo(eval(t, L, `{a = {1, "2"}, b = 1.5, c = true}`))
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	arr, ok := m["a"].([]any)
	if !ok || len(arr) != 2 || arr[0] != int64(1) || arr[1] != "2" {
		t.Fatalf("unexpected a: %#v", m["a"])
	}
	if m["b"] != 1.5 || m["c"] != true {
		t.Fatalf("unexpected scalars: %#v", m)
	}

	back := FromGo(L, v)
	if got := Repr(back); got != `{'a': [1, '2'], 'b': 1.5, 'c': true}` {
		t.Fatalf("unexpected round trip: %s", got)
	}
}

func TestToJSONRejectsFunctions(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	var te *TypeError
	if _, err := ToJSON(eval(t, L, `{f = print}`)); !errors.As(err, &te) {
		t.Fatalf("expected TypeError, got %v", err)
	}
}

func TestToJSONRejectsCycles(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(`shared = {1} t = {a = shared, b = shared} c = {a = 1} c.self = c`); err != nil {
		t.Fatal(err)
	}
	if _, err := ToJSON(L.GetGlobal("t")); err != nil {
		t.Fatalf("shared subtable is not a cycle: %v", err)
	}
	var te *TypeError
	if _, err := ToJSON(L.GetGlobal("c")); !errors.As(err, &te) {
		t.Fatalf("expected TypeError, got %v", err)
	}
}

func TestIsIdentifier(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"a", "_x1", "tv", "gem"} {
		if !IsIdentifier(name) {
			t.Fatalf("%q should be valid", name)
		}
	}
	for _, name := range []string{"", "@@@", "1a", "end", "a-b"} {
		if IsIdentifier(name) {
			t.Fatalf("%q should be invalid", name)
		}
	}
	if got := IdentifierError("@@@").Error(); got != "'@@@' 不是合法的 Lua 标识符" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestRaisedErrorsSurviveLua(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	sentinel := &ValueError{Msg: "bad"}
	L.SetGlobal("fail", L.NewFunction(func(L *lua.LState) int {
		Raise(L, sentinel)
		return 0
	}))

	if err := L.DoString(`local ok, e = pcall(fail); assert(not ok); assert(e.kind == "ValueError"); assert(e.message == "bad")`); err != nil {
		t.Fatalf("pcall inspection failed: %v", err)
	}

	err := Recover(L.DoString(`fail()`))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected original error, got %v", err)
	}

	err = Recover(L.DoString(`error("boom")`))
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("expected ScriptError, got %T %v", err, err)
	}
	if got := ReprError(err); got != fmt.Sprintf("LuaError(%s)", Quote(se.Msg)) {
		t.Fatalf("unexpected repr: %s", got)
	}
}

func TestReprErrorDefaultsKind(t *testing.T) {
	t.Parallel()

	if got := ReprError(errors.New("x")); got != "Error('x')" {
		t.Fatalf("unexpected repr: %s", got)
	}
	if got := ReprError(&TypeError{Msg: "t"}); got != "TypeError('t')" {
		t.Fatalf("unexpected repr: %s", got)
	}
}

func TestIsDunder(t *testing.T) {
	t.Parallel()

	if !IsDunder("__exception__") || IsDunder("__x") || IsDunder("____") || IsDunder("qid") {
		t.Fatalf("unexpected dunder classification")
	}
}
