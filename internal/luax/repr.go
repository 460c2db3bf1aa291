package luax

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Reprer is implemented by userdata values with a custom rendering.
type Reprer interface {
	Repr() string
}

// Repr renders v like an interactive interpreter echo: strings quoted,
// sequences as [a, b] and other tables as {'k': v}.
func Repr(v lua.LValue) string {
	var b strings.Builder
	writeRepr(&b, v, map[*lua.LTable]bool{})
	return b.String()
}

func writeRepr(b *strings.Builder, v lua.LValue, seen map[*lua.LTable]bool) {
	switch x := v.(type) {
	case *lua.LNilType:
		b.WriteString("nil")
	case lua.LBool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case lua.LNumber:
		b.WriteString(formatNumber(x))
	case lua.LString:
		b.WriteString(Quote(string(x)))
	case *lua.LTable:
		if seen[x] {
			b.WriteString("{...}")
			return
		}
		seen[x] = true
		defer delete(seen, x)
		if n, ok := sequenceLen(x); ok && n > 0 {
			b.WriteByte('[')
			for i := 1; i <= n; i++ {
				if i > 1 {
					b.WriteString(", ")
				}
				writeRepr(b, x.RawGetInt(i), seen)
			}
			b.WriteByte(']')
			return
		}
		b.WriteByte('{')
		for i, k := range sortedKeys(x) {
			if i > 0 {
				b.WriteString(", ")
			}
			writeRepr(b, k, seen)
			b.WriteString(": ")
			writeRepr(b, x.RawGet(k), seen)
		}
		b.WriteByte('}')
	case *lua.LUserData:
		b.WriteString(ReprGo(x.Value))
	case *lua.LFunction:
		if x.IsG {
			b.WriteString("<builtin function>")
		} else {
			b.WriteString("<function>")
		}
	default:
		b.WriteString("<" + v.Type().String() + ">")
	}
}

// Str renders v for print: strings stay bare, everything else uses Repr.
func Str(v lua.LValue) string {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case *lua.LUserData:
		if s, ok := x.Value.(fmt.Stringer); ok {
			return s.String()
		}
	}
	return Repr(v)
}

// ReprGo renders a Go value held by userdata.
func ReprGo(v any) string {
	switch x := v.(type) {
	case Reprer:
		return x.Repr()
	case error:
		return ReprError(x)
	case fmt.Stringer:
		return x.String()
	case string:
		return Quote(x)
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("<%T>", v)
	}
}

// Quote quotes s with single quotes unless it only contains single quotes.
func Quote(s string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(q)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(q):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(q)
	return b.String()
}
