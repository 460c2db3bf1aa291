package iface

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
)

var debug atomic.Bool

// SetDebug toggles method-entry logging.
func SetDebug(on bool) { debug.Store(on) }

// Returns classifies what a method gives back.
type Returns int

const (
	ReturnsUnset Returns = iota
	ReturnsNil
	ReturnsValue
	ReturnsResult
	ReturnsReceipt
)

const (
	resultPhrase  = "返回值为 Result 对象, 可通过属性或下标访问数据, 调用失败时 error 字段非空"
	receiptPhrase = "返回值为 Receipt 对象, 可用于撤回或回复已发送的消息"
)

// Descriptor is the help text of a method.
type Descriptor struct {
	Description string
	Params      map[string]string
	Result      string
	// Ignore lists parameters that need no description.
	Ignore  []string
	Example string
}

func (d *Descriptor) ignored(name string) bool {
	for _, n := range d.Ignore {
		if n == name {
			return true
		}
	}
	return false
}

type Param struct {
	Name     string
	Type     Type
	Optional bool
	Default  lua.LValue
	Variadic bool
}

func P(name string, t Type) Param { return Param{Name: name, Type: t} }

// Opt declares a parameter that takes def when omitted.
func Opt(name string, t Type, def lua.LValue) Param {
	if def == nil {
		def = lua.LNil
	}
	return Param{Name: name, Type: t, Optional: true, Default: def}
}

// Rest collects every remaining argument.
func Rest(name string, t Type) Param {
	return Param{Name: name, Type: t, Variadic: true}
}

func (p Param) String() string {
	switch {
	case p.Variadic:
		return "..." + p.Name
	case p.Optional:
		return p.Name + "?"
	default:
		return p.Name
	}
}

// Impl implements one signature.
type Impl func(c *Call) (any, error)

type Signature struct {
	Params []Param
	Call   Impl
}

func (s Signature) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (s Signature) typeString() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = p.Name + ": " + p.Type.Name()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Spec declares a method. Params and Call are shorthand for a single
// signature.
type Spec struct {
	Name       string
	Export     bool
	Desc       *Descriptor
	Returns    Returns
	Params     []Param
	Call       Impl
	Signatures []Signature
}

type Method struct {
	Name       string
	Export     bool
	Desc       *Descriptor
	Returns    Returns
	Signatures []Signature

	class *Class
}

func (m *Method) qualified() string {
	if m.class == nil || m.class.InstanceName == "" {
		return m.Name
	}
	return m.class.InstanceName + "." + m.Name
}

// Call carries the bound arguments of one invocation.
type Call struct {
	L      *lua.LState
	Ctx    context.Context
	Self   any
	Method string

	args map[string]lua.LValue
	rest []lua.LValue
}

func (c *Call) Arg(name string) lua.LValue {
	if v, ok := c.args[name]; ok {
		return v
	}
	return lua.LNil
}

func (c *Call) Has(name string) bool { return c.Arg(name) != lua.LNil }

// String returns a string argument; numbers are rendered without a
// fractional part when integral.
func (c *Call) String(name string) string {
	switch v := c.Arg(name).(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return luax.Repr(v)
	case *lua.LNilType:
		return ""
	default:
		return lua.LVAsString(v)
	}
}

func (c *Call) Int(name string) int64 {
	if n, ok := c.Arg(name).(lua.LNumber); ok {
		return int64(n)
	}
	return 0
}

func (c *Call) Number(name string) float64 {
	if n, ok := c.Arg(name).(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

func (c *Call) Bool(name string) bool { return lua.LVAsBool(c.Arg(name)) }

func (c *Call) Table(name string) *lua.LTable {
	t, _ := c.Arg(name).(*lua.LTable)
	return t
}

// Go returns the argument converted to plain Go values.
func (c *Call) Go(name string) any { return luax.ToGo(c.Arg(name)) }

func (c *Call) Rest() []lua.LValue { return c.rest }

func (c *Call) bind(m *Method, sig Signature, args []lua.LValue) error {
	c.args = make(map[string]lua.LValue, len(sig.Params))
	for i, p := range sig.Params {
		if p.Variadic {
			if i < len(args) {
				for _, v := range args[i:] {
					if !p.Type.Check(v) {
						return &ParamMismatchError{Method: m.qualified(), Param: p.Name, Expected: p.Type.Name(), Actual: luax.TypeName(v)}
					}
				}
				c.rest = args[i:]
			}
			return nil
		}
		v := lua.LValue(lua.LNil)
		if i < len(args) {
			v = args[i]
		}
		if v == lua.LNil && p.Optional {
			c.args[p.Name] = p.Default
			continue
		}
		if !p.Type.Check(v) {
			return &ParamMismatchError{Method: m.qualified(), Param: p.Name, Expected: p.Type.Name(), Actual: luax.TypeName(v)}
		}
		c.args[p.Name] = v
	}
	if len(args) > len(sig.Params) {
		extra := args[len(sig.Params):]
		for _, v := range extra {
			if v != lua.LNil {
				return &ParamMismatchError{
					Method:   m.qualified(),
					Param:    "...",
					Expected: fmt.Sprintf("最多 %d 个参数", len(sig.Params)),
					Actual:   fmt.Sprintf("%d 个参数", len(args)),
				}
			}
		}
	}
	return nil
}

// Invoke dispatches args to the first matching signature.
func (m *Method) Invoke(L *lua.LState, self any, args []lua.LValue) (any, error) {
	if debug.Load() {
		log.Printf("[exe-code] call %s args=%s", m.qualified(), reprArgs(args))
	}
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(m.Signatures) == 1 {
		call := &Call{L: L, Ctx: ctx, Self: self, Method: m.qualified()}
		if err := call.bind(m, m.Signatures[0], args); err != nil {
			return nil, err
		}
		return m.Signatures[0].Call(call)
	}
	for _, sig := range m.Signatures {
		call := &Call{L: L, Ctx: ctx, Self: self, Method: m.qualified()}
		if err := call.bind(m, sig, args); err != nil {
			continue
		}
		return sig.Call(call)
	}
	actual := make([]string, len(args))
	for i, v := range args {
		actual[i] = luax.TypeName(v)
	}
	candidates := make([]string, len(m.Signatures))
	for i, sig := range m.Signatures {
		candidates[i] = sig.typeString()
	}
	return nil, &OverloadMismatchError{Method: m.qualified(), Args: actual, Candidates: candidates}
}

func reprArgs(args []lua.LValue) string {
	parts := make([]string, len(args))
	for i, v := range args {
		parts[i] = luax.Repr(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// function wraps m as a Lua function bound to ud. Calls of the form
// obj:m(...) pass ud first; it is dropped.
func (m *Method) function(L *lua.LState, ud *lua.LUserData) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		args := make([]lua.LValue, 0, top)
		for i := 1; i <= top; i++ {
			args = append(args, L.Get(i))
		}
		if len(args) > 0 && args[0] == lua.LValue(ud) {
			args = args[1:]
		}
		ret, err := m.Invoke(L, ud.Value, args)
		if err != nil {
			luax.Raise(L, err)
			return 0
		}
		if ret == nil {
			return 0
		}
		L.Push(luax.FromGo(L, ret))
		return 1
	})
}

func validate(cls string, m *Method) {
	if m.Desc == nil {
		return
	}
	where := cls + "." + m.Name
	if m.Returns == ReturnsUnset {
		panic(fmt.Sprintf("iface: %s: result kind not declared", where))
	}
	for _, sig := range m.Signatures {
		for _, p := range sig.Params {
			if p.Type == nil {
				panic(fmt.Sprintf("iface: %s: parameter %s has no type", where, p.Name))
			}
			if m.Desc.ignored(p.Name) {
				continue
			}
			if strings.TrimSpace(m.Desc.Params[p.Name]) == "" {
				panic(fmt.Sprintf("iface: %s: parameter %s has no description", where, p.Name))
			}
		}
	}
	switch m.Returns {
	case ReturnsResult:
		if m.Desc.Result == "" {
			m.Desc.Result = resultPhrase
		}
	case ReturnsReceipt:
		if m.Desc.Result == "" {
			m.Desc.Result = receiptPhrase
		}
	default:
		if strings.TrimSpace(m.Desc.Result) == "" {
			panic(fmt.Sprintf("iface: %s: result needs a description", where))
		}
	}
}
