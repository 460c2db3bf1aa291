package iface

import (
	"errors"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

type counter struct{ calls []string }

func testClass() *Class {
	cls := NewClass("Test", "obj", nil)
	cls.Define(Spec{
		Name:    "echo",
		Export:  true,
		Returns: ReturnsValue,
		Desc: &Descriptor{
			Description: "回显",
			Params:      map[string]string{"text": "文本", "times": "次数"},
			Result:      "拼接后的文本",
		},
		Params: []Param{P("text", String), Opt("times", Int, lua.LNumber(1))},
		Call: func(c *Call) (any, error) {
			self := c.Self.(*counter)
			self.calls = append(self.calls, "echo")
			return strings.Repeat(c.String("text"), int(c.Int("times"))), nil
		},
	})
	cls.Define(Spec{
		Name:    "kind",
		Returns: ReturnsValue,
		Desc: &Descriptor{
			Description: "判断类型",
			Params:      map[string]string{"s": "字符串", "n": "数字"},
			Result:      "类型名",
		},
		Signatures: []Signature{
			{Params: []Param{P("s", String)}, Call: func(*Call) (any, error) { return "string", nil }},
			{Params: []Param{P("n", Number)}, Call: func(*Call) (any, error) { return "number", nil }},
		},
	})
	return cls
}

func TestBindExposesInstanceAndExports(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	cls := testClass()
	self := &counter{}
	ns := L.G.Global
	_, release := Bind(L, ns, cls, self)

	if err := L.DoString(`
		assert(echo("a", 2) == "aa")
		assert(obj.echo("b") == "b")
		assert(obj:echo("c", 3) == "ccc")
		assert(obj.kind(1) == "number")
		assert(obj:kind("x") == "string")
	`); err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if len(self.calls) != 3 {
		t.Fatalf("expected 3 echo calls, got %d", len(self.calls))
	}

	release()
	if ns.RawGetString("obj") != lua.LNil || ns.RawGetString("echo") != lua.LNil {
		t.Fatalf("release should remove bound keys")
	}
}

func TestStrictMismatch(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	cls := testClass()
	m, _ := cls.Lookup("echo")
	_, err := m.Invoke(L, &counter{}, []lua.LValue{lua.LNumber(1)})
	var pm *ParamMismatchError
	if !errors.As(err, &pm) {
		t.Fatalf("expected ParamMismatchError, got %v", err)
	}
	if pm.Param != "text" || pm.Expected != "string" || pm.Actual != "integer" {
		t.Fatalf("unexpected mismatch: %+v", pm)
	}
}

func TestOverloadMismatch(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	m, _ := testClass().Lookup("kind")
	_, err := m.Invoke(L, &counter{}, []lua.LValue{lua.LTrue})
	var om *OverloadMismatchError
	if !errors.As(err, &om) {
		t.Fatalf("expected OverloadMismatchError, got %v", err)
	}
	if len(om.Candidates) != 2 || om.Args[0] != "boolean" {
		t.Fatalf("unexpected overload error: %+v", om)
	}
}

func TestDefinePanicsOnMissingDescription(t *testing.T) {
	t.Parallel()

	cases := []Spec{
		{
			Name: "a", Returns: ReturnsValue,
			Desc:   &Descriptor{Description: "x", Result: "y"},
			Params: []Param{P("p", String)},
			Call:   func(*Call) (any, error) { return nil, nil },
		},
		{
			Name: "b",
			Desc: &Descriptor{Description: "x", Result: "y"},
			Call: func(*Call) (any, error) { return nil, nil },
		},
		{
			Name: "c", Returns: ReturnsValue,
			Desc: &Descriptor{Description: "x"},
			Call: func(*Call) (any, error) { return nil, nil },
		},
	}
	for _, spec := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic for %s", spec.Name)
				}
			}()
			NewClass("Bad", "bad", nil).Define(spec)
		}()
	}

	cls := NewClass("Ok", "ok", nil).Define(Spec{
		Name: "r", Returns: ReturnsReceipt,
		Desc:   &Descriptor{Description: "x", Params: map[string]string{}, Ignore: []string{"p"}},
		Params: []Param{P("p", String)},
		Call:   func(*Call) (any, error) { return nil, nil },
	})
	m, _ := cls.Lookup("r")
	if m.Desc.Result != receiptPhrase {
		t.Fatalf("expected canonical receipt phrase, got %q", m.Desc.Result)
	}
}

func TestInheritanceAndCatalogOrder(t *testing.T) {
	t.Parallel()

	base := testClass()
	child := NewClass("Child", "obj", base).Define(Spec{
		Name: "zeta", Returns: ReturnsNil,
		Desc: &Descriptor{Description: "最后", Result: "无"},
		Call: func(*Call) (any, error) { return nil, nil },
	})
	user := NewClass("User", "usr", nil).Define(Spec{
		Name: "send", Returns: ReturnsNil,
		Desc: &Descriptor{Description: "发送", Result: "无"},
		Call: func(*Call) (any, error) { return nil, nil },
	})
	child.Related = []*Class{user}

	if got := child.ExportList(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("unexpected exports: %v", got)
	}
	if _, ok := child.DescriptionMap()["kind"]; !ok {
		t.Fatalf("inherited method missing from description map")
	}

	dir, details := child.Catalog()
	lines := strings.Split(dir, "\n")
	want := []string{"1. obj.echo", "2. obj.kind", "3. obj.zeta", "4. usr.send"}
	for i, prefix := range want {
		if !strings.HasPrefix(lines[i+1], prefix) {
			t.Fatalf("line %d = %q, want prefix %q", i+1, lines[i+1], prefix)
		}
	}
	if len(details) != 4 {
		t.Fatalf("expected 4 details, got %d", len(details))
	}

	text, err := child.Help("usr.send")
	if err != nil || !strings.Contains(text, "发送") {
		t.Fatalf("unexpected help: %q %v", text, err)
	}
	var nd *NoMethodDescriptionError
	if _, err := child.Help("missing"); !errors.As(err, &nd) {
		t.Fatalf("expected NoMethodDescriptionError, got %v", err)
	}
}

func TestFallbackAndProperty(t *testing.T) {
	t.Parallel()

	L := lua.NewState()
	defer L.Close()

	cls := NewClass("Proxy", "p", nil).
		Property("name", func(L *lua.LState, self any) lua.LValue { return lua.LString("proxy") }).
		Fallback(func(L *lua.LState, self any, name string) lua.LValue {
			return L.NewFunction(func(L *lua.LState) int {
				L.Push(lua.LString("called " + name))
				return 1
			})
		})
	L.SetGlobal("p", cls.New(L, struct{}{}))
	if err := L.DoString(`assert(p.name == "proxy"); assert(p.get_status() == "called get_status")`); err != nil {
		t.Fatalf("script failed: %v", err)
	}
}
