package iface

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
)

// Type is the semantic type of a method parameter.
type Type interface {
	Name() string
	Check(v lua.LValue) bool
}

type basicType struct {
	name  string
	check func(lua.LValue) bool
}

func (t basicType) Name() string            { return t.name }
func (t basicType) Check(v lua.LValue) bool { return t.check(v) }
func basic(name string, check func(lua.LValue) bool) Type {
	return basicType{name: name, check: check}
}

func ofType(typ lua.LValueType) func(lua.LValue) bool {
	return func(v lua.LValue) bool { return v.Type() == typ }
}

var (
	String   = basic("string", ofType(lua.LTString))
	Number   = basic("number", ofType(lua.LTNumber))
	Bool     = basic("boolean", ofType(lua.LTBool))
	Table    = basic("table", ofType(lua.LTTable))
	Function = basic("function", ofType(lua.LTFunction))
	Any      = basic("any", func(lua.LValue) bool { return true })

	Int = basic("integer", func(v lua.LValue) bool {
		n, ok := v.(lua.LNumber)
		if !ok {
			return false
		}
		_, isInt := luax.ToGo(n).(int64)
		return isInt
	})

	// ID accepts platform ids given as strings or integers.
	ID = Union(String, Int)

	Message     = basic("message", isMessage)
	MessageList = basic("message[]", isMessageList)

	Bytes = basic("bytes", func(v lua.LValue) bool {
		if v.Type() == lua.LTString {
			return true
		}
		ud, ok := v.(*lua.LUserData)
		if !ok {
			return false
		}
		_, ok = ud.Value.(interface{ Bytes() []byte })
		if !ok {
			_, ok = ud.Value.([]byte)
		}
		return ok
	})
)

func isMessage(v lua.LValue) bool {
	switch x := v.(type) {
	case lua.LString, lua.LNumber:
		return true
	case *lua.LUserData:
		switch x.Value.(type) {
		case message.Message, message.Segment, message.UserStr, message.Converter, []byte:
			return true
		}
		_, ok := x.Value.(interface{ Bytes() []byte })
		return ok
	case *lua.LTable:
		if !luax.IsSequence(x) {
			return false
		}
		ok := true
		x.ForEach(func(_, item lua.LValue) {
			if ok && !isMessage(item) {
				ok = false
			}
		})
		return ok
	}
	return false
}

func isMessageList(v lua.LValue) bool {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return false
	}
	if tbl.Len() == 0 {
		return true
	}
	if !luax.IsSequence(tbl) {
		return false
	}
	ok = true
	tbl.ForEach(func(_, item lua.LValue) {
		if ok && !isMessage(item) {
			ok = false
		}
	})
	return ok
}

type optionalType struct{ inner Type }

func (t optionalType) Name() string { return t.inner.Name() + "?" }
func (t optionalType) Check(v lua.LValue) bool {
	return v == lua.LNil || t.inner.Check(v)
}

// Optional accepts nil or a value of t.
func Optional(t Type) Type { return optionalType{inner: t} }

type unionType struct{ types []Type }

func (t unionType) Name() string {
	names := make([]string, len(t.types))
	for i, typ := range t.types {
		names[i] = typ.Name()
	}
	return strings.Join(names, " | ")
}

func (t unionType) Check(v lua.LValue) bool {
	for _, typ := range t.types {
		if typ.Check(v) {
			return true
		}
	}
	return false
}

func Union(types ...Type) Type { return unionType{types: types} }

// UserData accepts userdata whose Go value passes check.
func UserData(name string, check func(any) bool) Type {
	return basic(name, func(v lua.LValue) bool {
		ud, ok := v.(*lua.LUserData)
		return ok && check(ud.Value)
	})
}
