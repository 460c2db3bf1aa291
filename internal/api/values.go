package api

import (
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
)

const messageTypeName = "exe_code.message"

// Msg pushes a message as userdata with the message metatable.
type Msg message.Message

func (m Msg) LValue(L *lua.LState) lua.LValue {
	ud := L.NewUserData()
	ud.Value = message.Message(m)
	L.SetMetatable(ud, messageMetatable(L))
	return ud
}

func messageArg(L *lua.LState, n int) message.Message {
	msg, err := ToMessage(L.Get(n))
	if err != nil {
		luax.Raise(L, &luax.TypeError{Msg: err.Error()})
	}
	return msg
}

// ToMessage converts a script value into a message.
func ToMessage(v lua.LValue) (message.Message, error) {
	return message.Convert(luax.ToGo(v))
}

func messageMetatable(L *lua.LState) *lua.LTable {
	mt := L.NewTypeMetatable(messageTypeName)
	if mt.RawGetString("__index") != lua.LNil {
		return mt
	}
	methods := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"text": func(L *lua.LState) int {
			L.Push(lua.LString(messageArg(L, 1).PlainText()))
			return 1
		},
		"has": func(L *lua.LState) int {
			L.Push(lua.LBool(messageArg(L, 1).Has(L.CheckString(2))))
			return 1
		},
		"segments": func(L *lua.LState) int {
			msg := messageArg(L, 1)
			tbl := L.CreateTable(len(msg), 0)
			for _, seg := range msg {
				data := make(map[string]any, len(seg.Data))
				for k, v := range seg.Data {
					if b, ok := v.([]byte); ok {
						v = string(b)
					}
					data[k] = v
				}
				item := L.NewTable()
				item.RawSetString("type", lua.LString(seg.Type))
				item.RawSetString("data", luax.FromGo(L, data))
				tbl.Append(item)
			}
			L.Push(tbl)
			return 1
		},
		"extract": func(L *lua.LState) int {
			L.Push(Msg(messageArg(L, 1).Filter(L.CheckString(2))).LValue(L))
			return 1
		},
	})
	mt.RawSetString("__index", methods)
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(messageArg(L, 1).String()))
		return 1
	}))
	concat := L.NewFunction(func(L *lua.LState) int {
		left := messageArg(L, 1)
		right := messageArg(L, 2)
		L.Push(Msg(append(append(message.Message(nil), left...), right...)).LValue(L))
		return 1
	})
	mt.RawSetString("__concat", concat)
	mt.RawSetString("__add", concat)
	mt.RawSetString("__len", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(len(messageArg(L, 1))))
		return 1
	}))
	return mt
}

func idArg(L *lua.LState, n int) string {
	switch v := L.Get(n).(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return luax.Repr(v)
	default:
		L.ArgError(n, "string or integer expected, got "+luax.TypeName(v))
		return ""
	}
}

// InstallDefaults writes the message builders and __exception__ into ns.
func InstallDefaults(L *lua.LState, ns *lua.LTable) {
	builders := map[string]lua.LGFunction{
		"text": func(L *lua.LState) int {
			L.Push(Msg{message.Text(luax.Str(L.Get(1)))}.LValue(L))
			return 1
		},
		"at": func(L *lua.LState) int {
			L.Push(Msg{message.At(idArg(L, 1))}.LValue(L))
			return 1
		},
		"image": func(L *lua.LState) int {
			L.Push(Msg{imageSegment(L, L.Get(1))}.LValue(L))
			return 1
		},
		"reply": func(L *lua.LState) int {
			L.Push(Msg{message.Reply(idArg(L, 1))}.LValue(L))
			return 1
		},
		"face": func(L *lua.LState) int {
			L.Push(Msg{message.Face(idArg(L, 1))}.LValue(L))
			return 1
		},
	}
	segTable := L.NewTable()
	for name, fn := range builders {
		f := L.NewFunction(fn)
		segTable.RawSetString(name, f)
		ns.RawSetString(strings.ToUpper(name[:1])+name[1:], f)
	}
	ns.RawSetString("MessageSegment", segTable)
	ns.RawSetString("Message", L.NewFunction(func(L *lua.LState) int {
		var out message.Message
		for i := 1; i <= L.GetTop(); i++ {
			out = append(out, messageArg(L, i)...)
		}
		L.Push(Msg(out).LValue(L))
		return 1
	}))
	ns.RawSetString("UserStr", L.NewFunction(func(L *lua.LState) int {
		us := message.UserStr{Content: luax.Str(L.Get(1))}
		for i := 2; i <= L.GetTop(); i++ {
			us.Args = append(us.Args, luax.ToGo(L.Get(i)))
		}
		ud := L.NewUserData()
		ud.Value = us
		L.Push(ud)
		return 1
	}))
	exc := L.NewTable()
	exc.RawSetInt(1, lua.LNil)
	exc.RawSetInt(2, lua.LNil)
	ns.RawSetString("__exception__", exc)
}

func imageSegment(L *lua.LState, v lua.LValue) message.Segment {
	switch x := v.(type) {
	case lua.LString:
		s := string(x)
		if !strings.Contains(s, "://") {
			if data, err := os.ReadFile(s); err == nil {
				return message.ImageBytes(data)
			}
		}
		return message.Image(s)
	case *lua.LUserData:
		switch val := x.Value.(type) {
		case *Image:
			return message.ImageBytes(val.Data)
		case []byte:
			return message.ImageBytes(val)
		}
	}
	L.ArgError(1, "image url, path or bytes expected, got "+luax.TypeName(v))
	return message.Segment{}
}

// Image is a picture captured from chat.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
	URL    string
}

func (img *Image) Bytes() []byte                   { return img.Data }
func (img *Image) ToMessage() message.Message      { return message.Message{message.ImageBytes(img.Data)} }
func (img *Image) TypeName() string                { return "Image" }
func (img *Image) LValue(L *lua.LState) lua.LValue { return imageClass.New(L, img) }
func (img *Image) Repr() string {
	return fmt.Sprintf("<Image format=%s size=%dx%d bytes=%d>", img.Format, img.Width, img.Height, len(img.Data))
}

var imageClass = iface.NewClass("Image", "", nil).
	Property("format", func(L *lua.LState, self any) lua.LValue { return lua.LString(self.(*Image).Format) }).
	Property("width", func(L *lua.LState, self any) lua.LValue { return lua.LNumber(self.(*Image).Width) }).
	Property("height", func(L *lua.LState, self any) lua.LValue { return lua.LNumber(self.(*Image).Height) }).
	Property("size", func(L *lua.LState, self any) lua.LValue { return lua.LNumber(len(self.(*Image).Data)) }).
	Property("url", func(L *lua.LState, self any) lua.LValue { return lua.LString(self.(*Image).URL) }).
	Property("bytes", func(L *lua.LState, self any) lua.LValue { return lua.LString(self.(*Image).Data) })

// Receipt wraps a send receipt for scripts.
type Receipt struct {
	*message.Receipt
	api *API
}

func (r *Receipt) TypeName() string                { return "Receipt" }
func (r *Receipt) Repr() string                    { return r.Receipt.String() }
func (r *Receipt) LValue(L *lua.LState) lua.LValue { return receiptClass.New(L, r) }

func (a *API) receipt(r *message.Receipt) any {
	if r == nil {
		return nil
	}
	return &Receipt{Receipt: r, api: a}
}

var receiptClass = iface.NewClass("Receipt", "", nil).
	Property("msg_id", func(L *lua.LState, self any) lua.LValue {
		return lua.LString(self.(*Receipt).MessageID)
	}).
	Define(iface.Spec{
		Name: "recall",
		Call: func(c *iface.Call) (any, error) {
			r := c.Self.(*Receipt)
			return nil, r.api.recall(c.Ctx, r.MessageID)
		},
	}).
	Define(iface.Spec{
		Name:   "reply",
		Params: []iface.Param{iface.P("msg", iface.Message)},
		Call: func(c *iface.Call) (any, error) {
			r := c.Self.(*Receipt)
			msg, err := ToMessage(c.Arg("msg"))
			if err != nil {
				return nil, err
			}
			target := r.api.env.Session.Target()
			if r.TargetID != "" {
				target.ID, target.Private = r.TargetID, r.Private
			}
			out := append(message.Message{message.Reply(r.MessageID)}, msg...)
			sent, err := r.api.send(c.Ctx, target, out)
			if err != nil {
				return nil, err
			}
			return r.api.receipt(sent), nil
		},
	})
