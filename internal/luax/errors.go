package luax

import (
	"errors"
	"regexp"

	lua "github.com/yuin/gopher-lua"
)

const errorTypeName = "exe_code.error"

// Kinded errors render as Kind('message').
type Kinded interface {
	Kind() string
}

// ScriptError is an error raised by Lua code itself.
type ScriptError struct {
	Msg       string
	Traceback string
}

func (e *ScriptError) Error() string { return e.Msg }
func (e *ScriptError) Kind() string  { return "LuaError" }

// TypeError reports a value of the wrong type.
type TypeError struct {
	Msg string
}

func (e *TypeError) Error() string { return e.Msg }
func (e *TypeError) Kind() string  { return "TypeError" }

// ValueError reports an invalid value.
type ValueError struct {
	Msg string
}

func (e *ValueError) Error() string { return e.Msg }
func (e *ValueError) Kind() string  { return "ValueError" }

// ReprError renders err for chat replies.
func ReprError(err error) string {
	if err == nil {
		return "nil"
	}
	var r Reprer
	if errors.As(err, &r) {
		return r.Repr()
	}
	kind := "Error"
	var k Kinded
	if errors.As(err, &k) {
		kind = k.Kind()
	}
	return kind + "(" + Quote(err.Error()) + ")"
}

// NewError wraps err in userdata so scripts can pcall and inspect it.
func NewError(L *lua.LState, err error) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = err
	L.SetMetatable(ud, errorMetatable(L))
	return ud
}

// Raise raises err inside L. It does not return.
func Raise(L *lua.LState, err error) {
	L.Error(NewError(L, err), 1)
}

func errorMetatable(L *lua.LState) *lua.LTable {
	mt := L.NewTypeMetatable(errorTypeName)
	if mt.RawGetString("__index") != lua.LNil {
		return mt
	}
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		err, _ := ud.Value.(error)
		L.Push(lua.LString(ReprError(err)))
		return 1
	}))
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		err, _ := ud.Value.(error)
		switch L.CheckString(2) {
		case "message":
			L.Push(lua.LString(errMessage(err)))
		case "kind":
			kind := "Error"
			var k Kinded
			if errors.As(err, &k) {
				kind = k.Kind()
			}
			L.Push(lua.LString(kind))
		default:
			L.Push(lua.LNil)
		}
		return 1
	}))
	return mt
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Recover maps an error returned by the Lua VM back to the Go error that was
// raised, or a ScriptError for plain Lua errors.
func Recover(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if inner, ok := ud.Value.(error); ok {
			return inner
		}
	}
	if apiErr.Cause != nil {
		return apiErr.Cause
	}
	msg := apiErr.Error()
	if apiErr.Object != nil {
		if s, ok := apiErr.Object.(lua.LString); ok {
			msg = string(s)
		} else {
			msg = Repr(apiErr.Object)
		}
	}
	return &ScriptError{Msg: msg, Traceback: apiErr.StackTrace}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var keywords = map[string]struct{}{
	"and": {}, "break": {}, "do": {}, "else": {}, "elseif": {}, "end": {},
	"false": {}, "for": {}, "function": {}, "goto": {}, "if": {}, "in": {},
	"local": {}, "nil": {}, "not": {}, "or": {}, "repeat": {}, "return": {},
	"then": {}, "true": {}, "until": {}, "while": {},
}

// IsIdentifier reports whether name can be used as a Lua variable name.
func IsIdentifier(name string) bool {
	if !identRe.MatchString(name) {
		return false
	}
	_, kw := keywords[name]
	return !kw
}

// IdentifierError is the reply for an invalid variable name.
func IdentifierError(name string) error {
	return &ValueError{Msg: "'" + name + "' 不是合法的 Lua 标识符"}
}

// IsDunder reports names of the __x__ form.
func IsDunder(name string) bool {
	return len(name) > 4 && name[:2] == "__" && name[len(name)-2:] == "__"
}
