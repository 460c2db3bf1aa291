// Package iface describes script-facing objects: typed methods with help
// text, grouped into classes that are bound into a Lua namespace.
package iface

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
)

// PropertyFunc produces the value of a read-only attribute.
type PropertyFunc func(L *lua.LState, self any) lua.LValue

// FallbackFunc resolves attributes that are neither methods nor
// properties. It returns nil when the name is unknown.
type FallbackFunc func(L *lua.LState, self any, name string) lua.LValue

// Class is a named set of methods. Lookups fall through to Parent.
type Class struct {
	Name         string
	InstanceName string
	Parent       *Class
	// Related classes are listed in the help catalog next to this one.
	Related []*Class

	methods    map[string]*Method
	order      []string
	properties map[string]PropertyFunc
	fallback   FallbackFunc
}

func NewClass(name, instanceName string, parent *Class) *Class {
	return &Class{
		Name:         name,
		InstanceName: instanceName,
		Parent:       parent,
		methods:      make(map[string]*Method),
		properties:   make(map[string]PropertyFunc),
	}
}

// Define adds a method. Invalid declarations are programming errors and
// panic.
func (c *Class) Define(spec Spec) *Class {
	if spec.Name == "" {
		panic("iface: method without name in " + c.Name)
	}
	sigs := spec.Signatures
	if len(sigs) == 0 {
		sigs = []Signature{{Params: spec.Params, Call: spec.Call}}
	}
	for _, sig := range sigs {
		if sig.Call == nil {
			panic(fmt.Sprintf("iface: %s.%s: signature without implementation", c.Name, spec.Name))
		}
	}
	m := &Method{
		Name:       spec.Name,
		Export:     spec.Export,
		Desc:       spec.Desc,
		Returns:    spec.Returns,
		Signatures: sigs,
		class:      c,
	}
	validate(c.Name, m)
	if _, exists := c.methods[m.Name]; !exists {
		c.order = append(c.order, m.Name)
	}
	c.methods[m.Name] = m
	return c
}

func (c *Class) Property(name string, fn PropertyFunc) *Class {
	c.properties[name] = fn
	return c
}

func (c *Class) Fallback(fn FallbackFunc) *Class {
	c.fallback = fn
	return c
}

// Lookup finds a method along the inheritance chain.
func (c *Class) Lookup(name string) (*Method, bool) {
	for cls := c; cls != nil; cls = cls.Parent {
		if m, ok := cls.methods[name]; ok {
			return m, true
		}
	}
	return nil, false
}

func (c *Class) property(name string) (PropertyFunc, bool) {
	for cls := c; cls != nil; cls = cls.Parent {
		if fn, ok := cls.properties[name]; ok {
			return fn, true
		}
	}
	return nil, false
}

func (c *Class) fallbackFunc() FallbackFunc {
	for cls := c; cls != nil; cls = cls.Parent {
		if cls.fallback != nil {
			return cls.fallback
		}
	}
	return nil
}

// Methods returns every method visible on c, subclasses overriding parents.
func (c *Class) Methods() []*Method {
	seen := make(map[string]bool)
	var out []*Method
	for cls := c; cls != nil; cls = cls.Parent {
		for _, name := range cls.order {
			if seen[name] {
				continue
			}
			seen[name] = true
			m, _ := c.Lookup(name)
			out = append(out, m)
		}
	}
	return out
}

// ExportList returns the names bound as bare globals.
func (c *Class) ExportList() []string {
	var out []string
	for _, m := range c.Methods() {
		if m.Export {
			out = append(out, m.Name)
		}
	}
	sort.Strings(out)
	return out
}

// DescriptionMap returns the described methods keyed by name.
func (c *Class) DescriptionMap() map[string]*Method {
	out := make(map[string]*Method)
	for _, m := range c.Methods() {
		if m.Desc != nil {
			out[m.Name] = m
		}
	}
	return out
}

func (c *Class) metatableName() string {
	return "exe_code.class." + c.Name
}

// New wraps self in a userdata of class c.
func (c *Class) New(L *lua.LState, self any) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = self
	L.SetMetatable(ud, c.metatable(L))
	return ud
}

func (c *Class) metatable(L *lua.LState) *lua.LTable {
	mt := L.NewTypeMetatable(c.metatableName())
	if mt.RawGetString("__index") != lua.LNil {
		return mt
	}
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		name, ok := L.Get(2).(lua.LString)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		key := string(name)
		if m, ok := c.Lookup(key); ok {
			L.Push(m.function(L, ud))
			return 1
		}
		if fn, ok := c.property(key); ok {
			L.Push(fn(L, ud.Value))
			return 1
		}
		if fb := c.fallbackFunc(); fb != nil {
			if v := fb(L, ud.Value, key); v != nil {
				L.Push(v)
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	}))
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		L.Push(lua.LString(luax.ReprGo(ud.Value)))
		return 1
	}))
	return mt
}

// Bind writes the instance under its instance name and every exported
// method as a bare name into ns. The returned func removes exactly those
// keys.
func Bind(L *lua.LState, ns *lua.LTable, cls *Class, self any) (*lua.LUserData, func()) {
	ud := cls.New(L, self)
	var keys []string
	if cls.InstanceName != "" {
		ns.RawSetString(cls.InstanceName, ud)
		keys = append(keys, cls.InstanceName)
	}
	for _, name := range cls.ExportList() {
		m, _ := cls.Lookup(name)
		ns.RawSetString(name, m.function(L, ud))
		keys = append(keys, name)
	}
	var once sync.Once
	return ud, func() {
		once.Do(func() {
			for _, key := range keys {
				ns.RawSetString(key, lua.LNil)
			}
		})
	}
}

type helpEntry struct {
	instance string
	method   *Method
}

func (c *Class) entries() []helpEntry {
	var out []helpEntry
	seen := make(map[*Class]bool)
	var walk func(cls *Class)
	walk = func(cls *Class) {
		if cls == nil || seen[cls] {
			return
		}
		seen[cls] = true
		for _, m := range cls.Methods() {
			if m.Desc != nil {
				out = append(out, helpEntry{instance: cls.InstanceName, method: m})
			}
		}
		for _, rel := range cls.Related {
			walk(rel)
		}
	}
	walk(c)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.method.Export != b.method.Export {
			return a.method.Export
		}
		if a.instance != b.instance {
			return a.instance < b.instance
		}
		return a.method.Name < b.method.Name
	})
	return out
}

func (e helpEntry) title() string {
	if e.instance == "" {
		return e.method.Name
	}
	return e.instance + "." + e.method.Name
}

// Help renders the description of one method. name may be qualified with
// an instance name, as in "usr.send".
func (c *Class) Help(name string) (string, error) {
	for _, e := range c.entries() {
		if e.method.Name == name || e.title() == name {
			return e.render(), nil
		}
	}
	return "", &NoMethodDescriptionError{Method: name}
}

func (e helpEntry) render() string {
	m := e.method
	var b strings.Builder
	for i, sig := range m.Signatures {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.title() + sig.String())
	}
	if m.Export {
		b.WriteString("\n* 可直接以 " + m.Name + "(...) 调用")
	}
	b.WriteString("\n说明: " + m.Desc.Description)

	var params []Param
	seen := make(map[string]bool)
	for _, sig := range m.Signatures {
		for _, p := range sig.Params {
			if !seen[p.Name] && !m.Desc.ignored(p.Name) {
				seen[p.Name] = true
				params = append(params, p)
			}
		}
	}
	if len(params) > 0 {
		b.WriteString("\n参数:")
		for _, p := range params {
			fmt.Fprintf(&b, "\n  - %s (%s): %s", p.String(), p.Type.Name(), m.Desc.Params[p.Name])
		}
	}
	b.WriteString("\n返回: " + m.Desc.Result)
	if m.Desc.Example != "" {
		b.WriteString("\n示例:\n" + m.Desc.Example)
	}
	return b.String()
}

// Catalog returns the numbered directory followed by one detail text per
// method, exported methods first.
func (c *Class) Catalog() (string, []string) {
	entries := c.entries()
	var dir strings.Builder
	dir.WriteString("接口目录:")
	details := make([]string, 0, len(entries))
	for i, e := range entries {
		n := strconv.Itoa(i + 1)
		dir.WriteString("\n" + n + ". " + e.title())
		if e.method.Desc.Description != "" {
			dir.WriteString(" - " + firstLine(e.method.Desc.Description))
		}
		details = append(details, n+". "+e.render())
	}
	return dir.String(), details
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
