package api

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

// Target is a user or group handle returned by api.user / api.group.
type Target struct {
	api     *API
	ID      string
	Private bool
}

func (t *Target) TypeName() string {
	if t.Private {
		return "User"
	}
	return "Group"
}

func (t *Target) Repr() string { return "<" + t.TypeName() + " " + t.ID + ">" }

func (t *Target) LValue(L *lua.LState) lua.LValue {
	if t.Private {
		return t.api.variant.User.New(L, t)
	}
	return t.api.variant.Group.New(L, t)
}

func (t *Target) target() transport.Target {
	return transport.Target{ID: t.ID, Private: t.Private}
}

func targetOf(c *iface.Call) *Target { return c.Self.(*Target) }

func defineTarget(cls *iface.Class, noun string) {
	cls.Define(iface.Spec{
		Name:    "send",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "向该" + noun + "发送消息",
			Params:      map[string]string{"msg": "消息内容"},
		},
		Params: []iface.Param{iface.P("msg", iface.Message)},
		Call: func(c *iface.Call) (any, error) {
			t := targetOf(c)
			msg, err := ToMessage(c.Arg("msg"))
			if err != nil {
				return nil, err
			}
			r, err := t.api.send(c.Ctx, t.target(), msg)
			if err != nil {
				return nil, err
			}
			return t.api.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "send_fwd",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "向该" + noun + "发送合并转发消息",
			Params:      map[string]string{"msgs": "消息列表"},
		},
		Params: []iface.Param{iface.P("msgs", iface.MessageList)},
		Call: func(c *iface.Call) (any, error) {
			t := targetOf(c)
			r, err := t.api.sendForward(c.Ctx, t.target(), forwardItems(c.Arg("msgs")))
			if err != nil {
				return nil, err
			}
			return t.api.receipt(r), nil
		},
	})
	cls.Property("id", func(L *lua.LState, self any) lua.LValue {
		return lua.LString(self.(*Target).ID)
	})
}

var (
	userClass  = iface.NewClass("User", "usr", nil)
	groupClass = iface.NewClass("Group", "grp", nil)
)

func init() {
	defineTarget(userClass, "用户")
	defineTarget(groupClass, "群聊")
}
