package api

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
)

const resultTypeName = "exe_code.result"

// Result is the immutable outcome of an adapter action. Objects and arrays
// are exposed to scripts by key and by 1-based index.
type Result struct {
	data gjson.Result
	err  error
}

func NewResult(raw json.RawMessage, err error) *Result {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return &Result{data: gjson.ParseBytes(raw), err: err}
}

func (r *Result) Err() error         { return r.err }
func (r *Result) Data() gjson.Result { return r.data }
func (r *Result) TypeName() string   { return "Result" }

func (r *Result) Repr() string {
	if r.err != nil {
		return "Result(error=" + luax.ReprError(r.err) + ")"
	}
	return "Result(" + r.data.Raw + ")"
}

func (r *Result) String() string { return r.Repr() }

// MarshalJSON lets results flow back into set_const and call_api payloads.
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.data.Raw == "" {
		return []byte("null"), nil
	}
	return []byte(r.data.Raw), nil
}

// Get returns the member at key for objects or at 1-based index for arrays.
func (r *Result) Get(key lua.LValue) (gjson.Result, bool) {
	switch k := key.(type) {
	case lua.LNumber:
		if !r.data.IsArray() {
			v := r.data.Get(escapeKey(luax.Repr(k)))
			return v, v.Exists()
		}
		idx := int(k) - 1
		arr := r.data.Array()
		if idx < 0 || idx >= len(arr) || float64(int(k)) != float64(k) {
			return gjson.Result{}, false
		}
		return arr[idx], true
	case lua.LString:
		if !r.data.IsObject() {
			return gjson.Result{}, false
		}
		var out gjson.Result
		found := false
		r.data.ForEach(func(name, value gjson.Result) bool {
			if name.String() == string(k) {
				out, found = value, true
				return false
			}
			return true
		})
		return out, found
	}
	return gjson.Result{}, false
}

func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

func (r *Result) LValue(L *lua.LState) lua.LValue {
	ud := L.NewUserData()
	ud.Value = r
	L.SetMetatable(ud, resultMetatable(L))
	return ud
}

func gjsonToLua(L *lua.LState, v gjson.Result) lua.LValue {
	switch v.Type {
	case gjson.Null:
		return lua.LNil
	case gjson.False:
		return lua.LFalse
	case gjson.True:
		return lua.LTrue
	case gjson.Number:
		return lua.LNumber(v.Num)
	case gjson.String:
		return lua.LString(v.Str)
	default:
		if !v.Exists() {
			return lua.LNil
		}
		return (&Result{data: v}).LValue(L)
	}
}

func resultMetatable(L *lua.LState) *lua.LTable {
	mt := L.NewTypeMetatable(resultTypeName)
	if mt.RawGetString("__index") != lua.LNil {
		return mt
	}
	check := func(L *lua.LState) *Result {
		ud := L.CheckUserData(1)
		r, ok := ud.Value.(*Result)
		if !ok {
			L.ArgError(1, "Result expected")
		}
		return r
	}
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		r := check(L)
		key := L.Get(2)
		if s, ok := key.(lua.LString); ok && s == "error" {
			if r.err == nil {
				L.Push(lua.LNil)
			} else {
				L.Push(luax.NewError(L, r.err))
			}
			return 1
		}
		v, ok := r.Get(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(gjsonToLua(L, v))
		return 1
	}))
	mt.RawSetString("__len", L.NewFunction(func(L *lua.LState) int {
		r := check(L)
		if r.data.IsArray() {
			L.Push(lua.LNumber(len(r.data.Array())))
		} else {
			L.Push(lua.LNumber(0))
		}
		return 1
	}))
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(check(L).Repr()))
		return 1
	}))
	mt.RawSetString("__call", L.NewFunction(func(L *lua.LState) int {
		// res() converts the whole payload into plain Lua tables.
		r := check(L)
		var v any
		if r.data.Raw != "" {
			if err := json.Unmarshal([]byte(r.data.Raw), &v); err != nil {
				luax.Raise(L, err)
			}
		}
		L.Push(luax.FromGo(L, v))
		return 1
	}))
	return mt
}
