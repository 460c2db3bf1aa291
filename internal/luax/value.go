// Package luax converts between Go and Lua values and renders Lua values
// the way chat replies show them.
package luax

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// Pusher is implemented by Go values with their own Lua representation.
type Pusher interface {
	LValue(L *lua.LState) lua.LValue
}

// ToGo converts v into plain Go values. Integral numbers become int64,
// sequences become []any, other tables map[string]any and userdata yields
// its Go value.
func ToGo(v lua.LValue) any {
	return toGo(v, map[*lua.LTable]bool{})
}

func toGo(v lua.LValue, seen map[*lua.LTable]bool) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return numberToGo(x)
	case lua.LString:
		return string(x)
	case *lua.LUserData:
		return x.Value
	case *lua.LTable:
		if seen[x] {
			return nil
		}
		seen[x] = true
		defer delete(seen, x)
		if n, ok := sequenceLen(x); ok && n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, toGo(x.RawGetInt(i), seen))
			}
			return out
		}
		out := make(map[string]any)
		x.ForEach(func(k, val lua.LValue) {
			out[keyString(k)] = toGo(val, seen)
		})
		return out
	default:
		return v
	}
}

func numberToGo(n lua.LNumber) any {
	f := float64(n)
	if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 && !math.IsInf(f, 0) {
		return int64(f)
	}
	return f
}

func keyString(k lua.LValue) string {
	if n, ok := k.(lua.LNumber); ok {
		return formatNumber(n)
	}
	return lua.LVAsString(k)
}

// sequenceLen reports whether t holds exactly the keys 1..n.
func sequenceLen(t *lua.LTable) (int, bool) {
	count := 0
	isSeq := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		n, ok := k.(lua.LNumber)
		if !ok || float64(n) != math.Trunc(float64(n)) || n < 1 {
			isSeq = false
		}
	})
	if !isSeq {
		return 0, false
	}
	for i := 1; i <= count; i++ {
		if t.RawGetInt(i) == lua.LNil {
			return 0, false
		}
	}
	return count, true
}

// IsSequence reports whether t is a non-empty 1..n array.
func IsSequence(t *lua.LTable) bool {
	n, ok := sequenceLen(t)
	return ok && n > 0
}

// ToJSON converts v into a JSON-compatible Go value. Tables that contain
// themselves are rejected.
func ToJSON(v lua.LValue) (any, error) {
	if t, ok := v.(*lua.LTable); ok && hasCycle(t, map[*lua.LTable]bool{}) {
		return nil, &TypeError{Msg: "circular reference detected"}
	}
	out := ToGo(v)
	if err := checkJSON(out); err != nil {
		return nil, err
	}
	return out, nil
}

func hasCycle(t *lua.LTable, path map[*lua.LTable]bool) bool {
	if path[t] {
		return true
	}
	path[t] = true
	defer delete(path, t)
	found := false
	t.ForEach(func(_, v lua.LValue) {
		if sub, ok := v.(*lua.LTable); ok && !found {
			found = hasCycle(sub, path)
		}
	})
	return found
}

func checkJSON(v any) error {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return nil
	case []any:
		for _, item := range x {
			if err := checkJSON(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, item := range x {
			if err := checkJSON(item); err != nil {
				return err
			}
		}
		return nil
	case json.Marshaler:
		return nil
	default:
		return &TypeError{Msg: fmt.Sprintf("value of type %s is not JSON serializable", GoTypeName(v))}
	}
}

// FromGo converts a Go value into a Lua value.
func FromGo(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case Pusher:
		return x.LValue(L)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return lua.LString(x.String())
		}
		return lua.LNumber(f)
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case []string:
		tbl := L.CreateTable(len(x), 0)
		for _, s := range x {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for i, item := range x {
			tbl.RawSetInt(i+1, FromGo(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(x))
		for k, item := range x {
			tbl.RawSetString(k, FromGo(L, item))
		}
		return tbl
	case map[string]string:
		tbl := L.CreateTable(0, len(x))
		for k, item := range x {
			tbl.RawSetString(k, lua.LString(item))
		}
		return tbl
	case error:
		return NewError(L, x)
	default:
		ud := L.NewUserData()
		ud.Value = v
		return ud
	}
}

// TypeName names the type of v for error messages.
func TypeName(v lua.LValue) string {
	if ud, ok := v.(*lua.LUserData); ok {
		return GoTypeName(ud.Value)
	}
	if n, ok := v.(lua.LNumber); ok {
		if _, isInt := numberToGo(n).(int64); isInt {
			return "integer"
		}
		return "number"
	}
	return v.Type().String()
}

// Named is implemented by userdata values with a script-facing type name.
type Named interface {
	TypeName() string
}

func GoTypeName(v any) string {
	switch x := v.(type) {
	case Named:
		return x.TypeName()
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// sortedKeys orders table keys numbers first, then by rendering.
func sortedKeys(t *lua.LTable) []lua.LValue {
	var keys []lua.LValue
	t.ForEach(func(k, _ lua.LValue) { keys = append(keys, k) })
	sort.SliceStable(keys, func(i, j int) bool {
		ni, iNum := keys[i].(lua.LNumber)
		nj, jNum := keys[j].(lua.LNumber)
		switch {
		case iNum && jNum:
			return ni < nj
		case iNum != jNum:
			return iNum
		default:
			return lua.LVAsString(keys[i]) < lua.LVAsString(keys[j])
		}
	})
	return keys
}

func formatNumber(n lua.LNumber) string {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if i, ok := numberToGo(n).(int64); ok && math.Abs(f) < 1e16 {
		return strconv.FormatInt(i, 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
