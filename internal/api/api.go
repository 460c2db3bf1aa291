// Package api is the object model scripts talk to: the per-execution API
// instance, its User/Group helpers and the adapter-specific refinements.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/config"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/store"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

const logPrefix = "[exe-code]"

// Deps are the process-wide services every API instance shares.
type Deps struct {
	Sender  *transport.Sender
	Hub     *transport.Hub
	Consts  *store.ConstStore
	Buffers *store.Buffers
	Config  *config.Config
	HTTP    *http.Client
}

// Env binds an API instance to one execution.
type Env struct {
	Bot     transport.Transport
	Event   *transport.Event
	Session transport.Session
	NS      *lua.LTable
	// Reset wipes and reinitializes the namespace.
	Reset func(L *lua.LState)
}

// Variant is the class set used for one adapter.
type Variant struct {
	API   *iface.Class
	User  *iface.Class
	Group *iface.Class
}

var variants = map[string]*Variant{}

func register(adapter string, v *Variant) {
	v.API.Related = []*iface.Class{v.User, v.Group, httpClass}
	variants[adapter] = v
}

// VariantFor returns the class set of adapter, falling back to the base.
func VariantFor(adapter string) *Variant {
	if v, ok := variants[adapter]; ok {
		return v
	}
	return baseVariant
}

type API struct {
	deps    *Deps
	env     Env
	variant *Variant

	platform string
}

// Create builds the API matching the bot's adapter.
func Create(deps *Deps, env Env) *API {
	return &API{deps: deps, env: env, variant: VariantFor(env.Bot.Adapter())}
}

func (a *API) TypeName() string { return "API" }
func (a *API) Repr() string     { return "<API " + a.env.Bot.Adapter() + ">" }

func (a *API) Class() *iface.Class { return a.variant.API }

func (a *API) UID() string { return a.env.Session.UID() }

// Bind exposes the API in ns as `api` plus its exported methods.
func (a *API) Bind(L *lua.LState, ns *lua.LTable) func() {
	_, release := iface.Bind(L, ns, a.variant.API, a)
	return release
}

func (a *API) send(ctx context.Context, target transport.Target, msg message.Message) (*message.Receipt, error) {
	return a.deps.Sender.Send(ctx, a.env.Bot, a.env.Session, target, msg)
}

func (a *API) sendForward(ctx context.Context, target transport.Target, items []any) (*message.Receipt, error) {
	return a.deps.Sender.SendForward(ctx, a.env.Bot, a.env.Session, target, items)
}

// Feedback sends msg to the conversation of the current event.
func (a *API) Feedback(ctx context.Context, msg message.Message) (*message.Receipt, error) {
	return a.send(ctx, a.env.Session.Target(), msg)
}

// Call runs a raw action. Adapter failures are kept in the Result; a
// cancelled context is returned as an error.
func (a *API) Call(ctx context.Context, action string, params map[string]any) (*Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := a.env.Bot.Call(ctx, action, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Printf("%s action failed uid=%s action=%s err=%v", logPrefix, a.UID(), action, err)
		return NewResult(nil, err), nil
	}
	return NewResult(raw, nil), nil
}

// mustCall runs an action and converts a failure into APICallFailed.
func (a *API) mustCall(ctx context.Context, action string, params map[string]any) (*Result, error) {
	res, err := a.Call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, &APICallFailed{Action: action, Msg: "调用失败", Cause: res.err}
	}
	return res, nil
}

func (a *API) recall(ctx context.Context, messageID string) error {
	target := a.env.Session.Target()
	var err error
	switch a.env.Bot.Adapter() {
	case transport.AdapterOneBot11:
		_, err = a.mustCall(ctx, "delete_msg", map[string]any{"message_id": numericID(messageID)})
	case transport.AdapterSatori:
		_, err = a.mustCall(ctx, "message.delete", map[string]any{"channel_id": target.ID, "message_id": messageID})
	case transport.AdapterTelegram:
		_, err = a.mustCall(ctx, "delete_message", map[string]any{"chat_id": target.ID, "message_id": numericID(messageID)})
	default:
		err = &APICallFailed{Action: "recall", Msg: "当前平台不支持撤回", Cause: transport.ErrUnsupported}
	}
	return err
}

func (a *API) currentGroup(method, param string, c *iface.Call) (string, error) {
	if c.Has(param) {
		return c.String(param), nil
	}
	if a.env.Session.GroupID == "" {
		return "", &ParamMissingError{Method: method, Param: param}
	}
	return a.env.Session.GroupID, nil
}

func apiOf(c *iface.Call) *API { return c.Self.(*API) }

// feedbackMessage renders non-message values the way print would.
func feedbackMessage(v lua.LValue) (message.Message, error) {
	switch x := v.(type) {
	case *lua.LUserData:
		if msg, err := ToMessage(x); err == nil {
			return msg, nil
		}
		return message.Message{message.Text(luax.Str(x))}, nil
	case *lua.LTable:
		if luax.IsSequence(x) {
			allMessages := true
			x.ForEach(func(_, item lua.LValue) {
				if ud, ok := item.(*lua.LUserData); !ok {
					allMessages = false
				} else if _, ok := ud.Value.(message.Message); !ok {
					allMessages = false
				}
			})
			if allMessages {
				return ToMessage(x)
			}
		}
	}
	return message.Message{message.Text(luax.Str(v))}, nil
}

func forwardItems(v lua.LValue) []any {
	if tbl, ok := v.(*lua.LTable); ok && (tbl.Len() == 0 || luax.IsSequence(tbl)) {
		items := make([]any, 0, tbl.Len())
		for i := 1; i <= tbl.Len(); i++ {
			items = append(items, luax.ToGo(tbl.RawGetInt(i)))
		}
		return items
	}
	return []any{luax.ToGo(v)}
}

func sendParams() []iface.Param {
	return []iface.Param{iface.P("uid", iface.ID), iface.P("msg", iface.Message)}
}

var baseAPI = iface.NewClass("API", "api", nil)

var baseVariant = &Variant{API: baseAPI, User: userClass, Group: groupClass}

func init() {
	defineBase(baseAPI)
	register(transport.AdapterConsole, &Variant{
		API:   iface.NewClass("ConsoleAPI", "api", baseAPI),
		User:  userClass,
		Group: groupClass,
	})
}

func defineBase(cls *iface.Class) {
	cls.Define(iface.Spec{
		Name:    "send_prv",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "向用户发送私聊消息",
			Params:      map[string]string{"uid": "用户ID", "msg": "消息内容"},
			Example:     "api.send_prv(114514, '你好')",
		},
		Params: sendParams(),
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			msg, err := ToMessage(c.Arg("msg"))
			if err != nil {
				return nil, err
			}
			r, err := a.send(c.Ctx, transport.Target{ID: c.String("uid"), Private: true}, msg)
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "send_grp",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "向群聊发送消息",
			Params:      map[string]string{"gid": "群号", "msg": "消息内容"},
		},
		Params: []iface.Param{iface.P("gid", iface.ID), iface.P("msg", iface.Message)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			msg, err := ToMessage(c.Arg("msg"))
			if err != nil {
				return nil, err
			}
			r, err := a.send(c.Ctx, transport.Target{ID: c.String("gid")}, msg)
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "send_prv_fwd",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "向用户发送合并转发消息",
			Params:      map[string]string{"uid": "用户ID", "msgs": "消息列表, 元素可以是 UserStr(发送者ID, 内容, 昵称)"},
		},
		Params: []iface.Param{iface.P("uid", iface.ID), iface.P("msgs", iface.MessageList)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			r, err := a.sendForward(c.Ctx, transport.Target{ID: c.String("uid"), Private: true}, forwardItems(c.Arg("msgs")))
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "send_grp_fwd",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "向群聊发送合并转发消息",
			Params:      map[string]string{"gid": "群号", "msgs": "消息列表"},
		},
		Params: []iface.Param{iface.P("gid", iface.ID), iface.P("msgs", iface.MessageList)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			r, err := a.sendForward(c.Ctx, transport.Target{ID: c.String("gid")}, forwardItems(c.Arg("msgs")))
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "send_fwd",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "在当前会话发送合并转发消息",
			Params:      map[string]string{"msgs": "消息列表"},
		},
		Params: []iface.Param{iface.P("msgs", iface.MessageList)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			r, err := a.sendForward(c.Ctx, a.env.Session.Target(), forwardItems(c.Arg("msgs")))
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "feedback",
		Export:  true,
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "向当前会话发送消息",
			Params: map[string]string{
				"msg": "消息内容, 非消息对象会先转为字符串",
				"fwd": "为 true 时以合并转发发送, 此时 msg 应为消息列表",
			},
			Example: "feedback('hello')\nfeedback({'a', 'b'}, true)",
		},
		Params: []iface.Param{iface.P("msg", iface.Any), iface.Opt("fwd", iface.Bool, lua.LFalse)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			var (
				r   *message.Receipt
				err error
			)
			if c.Bool("fwd") {
				r, err = a.sendForward(c.Ctx, a.env.Session.Target(), forwardItems(c.Arg("msg")))
			} else {
				var msg message.Message
				msg, err = feedbackMessage(c.Arg("msg"))
				if err != nil {
					return nil, err
				}
				r, err = a.Feedback(c.Ctx, msg)
			}
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "user",
		Export:  true,
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "获取用户对象",
			Params:      map[string]string{"uid": "用户ID"},
			Result:      "User 对象, 可调用 send/send_fwd",
		},
		Params: []iface.Param{iface.P("uid", iface.ID)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			return &Target{api: a, ID: c.String("uid"), Private: true}, nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "group",
		Export:  true,
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "获取群聊对象",
			Params:      map[string]string{"gid": "群号"},
			Result:      "Group 对象, 可调用 send/send_fwd",
		},
		Params: []iface.Param{iface.P("gid", iface.ID)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			return &Target{api: a, ID: c.String("gid")}, nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "is_group",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "判断当前会话是否为群聊",
			Result:      "布尔值",
		},
		Call: func(c *iface.Call) (any, error) {
			return apiOf(c).env.Session.GroupID != "", nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "set_const",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "设置持久化常量, 每次执行时自动载入; value 为 nil 时删除",
			Params:      map[string]string{"name": "常量名, 须为合法的 Lua 标识符", "value": "常量值, 须可序列化为 JSON"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("name", iface.String), iface.Opt("value", iface.Any, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			name := c.String("name")
			if !luax.IsIdentifier(name) {
				return nil, luax.IdentifierError(name)
			}
			value, err := luax.ToJSON(c.Arg("value"))
			if err != nil {
				return nil, err
			}
			if err := a.deps.Consts.Set(a.UID(), name, value); err != nil {
				return nil, err
			}
			a.env.NS.RawSetString(name, c.Arg("value"))
			return nil, nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "print",
		Export:  true,
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "输出到缓冲区, 执行结束后统一发送",
			Params:      map[string]string{"args": "任意数量的值, 以空格分隔"},
			Result:      "无",
		},
		Params: []iface.Param{iface.Rest("args", iface.Any)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			parts := make([]string, len(c.Rest()))
			for i, v := range c.Rest() {
				parts[i] = luax.Str(v)
			}
			a.deps.Buffers.Get(a.UID()).Write(strings.Join(parts, " ") + "\n")
			return nil, nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "input",
		Export:  true,
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "等待当前用户在当前会话的下一条消息",
			Params:      map[string]string{"prompt": "提示内容, 为空时不发送", "timeout": "超时秒数"},
			Result:      "消息的纯文本内容",
		},
		Params: []iface.Param{iface.Opt("prompt", iface.String, lua.LString("")), iface.Opt("timeout", iface.Number, lua.LNumber(30))},
		Call: func(c *iface.Call) (any, error) {
			return apiOf(c).input(c.Ctx, c.String("prompt"), time.Duration(c.Number("timeout")*float64(time.Second)))
		},
	})
	cls.Define(iface.Spec{
		Name:    "help",
		Export:  true,
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "查看接口说明",
			Params:      map[string]string{"method": "方法名, 为空时以合并转发发送全部说明"},
		},
		Params: []iface.Param{iface.Opt("method", iface.String, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			target := a.env.Session.Target()
			if c.Has("method") {
				text, err := a.variant.API.Help(c.String("method"))
				if err != nil {
					return nil, err
				}
				r, err := a.send(c.Ctx, target, message.Message{message.Text(text)})
				if err != nil {
					return nil, err
				}
				return a.receipt(r), nil
			}
			dir, details := a.variant.API.Catalog()
			items := make([]any, 0, len(details)+1)
			items = append(items, dir)
			for _, d := range details {
				items = append(items, d)
			}
			r, err := a.sendForward(c.Ctx, target, items)
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "sleep",
		Export:  true,
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "暂停执行",
			Params:      map[string]string{"seconds": "秒数, 可为小数"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("seconds", iface.Number)},
		Call: func(c *iface.Call) (any, error) {
			d := time.Duration(c.Number("seconds") * float64(time.Second))
			if d <= 0 {
				return nil, c.Ctx.Err()
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil, nil
			case <-c.Ctx.Done():
				return nil, c.Ctx.Err()
			}
		},
	})
	cls.Define(iface.Spec{
		Name:    "reset",
		Export:  true,
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "清空当前用户的全部变量, 持久化常量不受影响",
			Result:      "无",
		},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			if a.env.Reset != nil {
				a.env.Reset(c.L)
			}
			return nil, nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "get_platform",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "获取当前平台名称",
			Result:      "平台名称字符串",
		},
		Call: func(c *iface.Call) (any, error) {
			return apiOf(c).env.Bot.Adapter(), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "call_api",
		Returns: iface.ReturnsResult,
		Desc: &iface.Descriptor{
			Description: "调用适配器的原始接口",
			Params: map[string]string{
				"name":       "接口名",
				"data":       "接口参数表",
				"raise_text": "设置后调用失败时抛出以此为内容的错误",
			},
			Example: "local res = api.call_api('get_login_info')\nprint(res.user_id)",
		},
		Params: []iface.Param{
			iface.P("name", iface.String),
			iface.Opt("data", iface.Table, nil),
			iface.Opt("raise_text", iface.String, nil),
		},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			params, err := tableParams(c.Arg("data"))
			if err != nil {
				return nil, err
			}
			res, err := a.Call(c.Ctx, c.String("name"), params)
			if err != nil {
				return nil, err
			}
			if res.err != nil && c.Has("raise_text") {
				return nil, &RuntimeError{Msg: c.String("raise_text"), Cause: res.err}
			}
			return res, nil
		},
	})
	cls.Property("http", func(L *lua.LState, self any) lua.LValue {
		return httpClass.New(L, &HTTPClient{api: self.(*API)})
	})
}

func tableParams(v lua.LValue) (map[string]any, error) {
	if v == lua.LNil {
		return map[string]any{}, nil
	}
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, &luax.TypeError{Msg: "data must be a table, got " + luax.TypeName(v)}
	}
	if tbl.Len() > 0 && luax.IsSequence(tbl) {
		return nil, &luax.TypeError{Msg: "data must be a key/value table"}
	}
	out, err := luax.ToJSON(tbl)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func (a *API) input(ctx context.Context, prompt string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	session := a.env.Session
	sub := a.deps.Hub.Subscribe(func(bot transport.Transport, ev *transport.Event) bool {
		return bot.Adapter() == session.Adapter && bot.SelfID() == session.SelfID &&
			ev.UserID == session.UserID && ev.GroupID == session.GroupID
	})
	defer sub.Close()

	if prompt != "" {
		if _, err := a.Feedback(ctx, message.Message{message.Text(prompt)}); err != nil {
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	in, err := sub.Next(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Msg: "等待输入超时"}
		}
		return nil, err
	}
	return in.Event.Message.PlainText(), nil
}
