package api

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"regexp"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/adapters/onebot11"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

func numericID(id string) any { return onebot11.ID(id) }

var (
	onebotAPI   = iface.NewClass("OneBotAPI", "api", baseAPI)
	onebotUser  = iface.NewClass("OneBotUser", "usr", userClass)
	onebotGroup = iface.NewClass("OneBotGroup", "grp", groupClass)
)

func init() {
	defineOneBot(onebotAPI)
	defineOneBotTarget(onebotUser, "用户")
	defineOneBotTarget(onebotGroup, "群聊")
	register(transport.AdapterOneBot11, &Variant{API: onebotAPI, User: onebotUser, Group: onebotGroup})
}

// Client families that differ in their reaction action.
const (
	clientNapCat   = "napcat"
	clientLagrange = "lagrange"
)

// onebotPlatform returns the lower-cased app_name of the OneBot implementation.
func (a *API) onebotPlatform(ctx context.Context) (string, error) {
	if a.platform != "" {
		return a.platform, nil
	}
	res, err := a.mustCall(ctx, "get_version_info", nil)
	if err != nil {
		return "", err
	}
	a.platform = strings.ToLower(res.data.Get("app_name").String())
	return a.platform, nil
}

func clientFamily(appName string) string {
	switch {
	case strings.Contains(appName, "napcat"), strings.Contains(appName, "llonebot"), strings.Contains(appName, "llbot"):
		return clientNapCat
	case strings.Contains(appName, "lagrange"):
		return clientLagrange
	}
	return ""
}

// onebotFile turns a url, base64:// string, local path or bytes into a
// value accepted by the upload actions.
func onebotFile(v lua.LValue) (string, error) {
	if s, ok := v.(lua.LString); ok {
		str := string(s)
		for _, prefix := range []string{"http://", "https://", "base64://", "file://"} {
			if strings.HasPrefix(str, prefix) {
				return str, nil
			}
		}
		data, err := os.ReadFile(str)
		if err != nil {
			return "", &luax.ValueError{Msg: "无法读取文件: " + str}
		}
		return "base64://" + base64.StdEncoding.EncodeToString(data), nil
	}
	if ud, ok := v.(*lua.LUserData); ok {
		switch x := ud.Value.(type) {
		case []byte:
			return "base64://" + base64.StdEncoding.EncodeToString(x), nil
		case interface{ Bytes() []byte }:
			return "base64://" + base64.StdEncoding.EncodeToString(x.Bytes()), nil
		}
	}
	return "", &luax.TypeError{Msg: "file must be a url, path or bytes, got " + luax.TypeName(v)}
}

var fileType = iface.Union(iface.String, iface.Bytes)

var resIDRe = regexp.MustCompile(`res_?id["'=:\s]+([A-Za-z0-9_\-+/=]+)`)

// markdownResID uploads md as a forward node. Servers that refuse to send
// it still report the stored resource id.
func (a *API) markdownResID(ctx context.Context, md string) (string, error) {
	node := map[string]any{
		"type": "node",
		"data": map[string]any{
			"user_id":  numericID(a.env.Bot.SelfID()),
			"nickname": "markdown",
			"content":  []map[string]any{{"type": "markdown", "data": map[string]any{"content": md}}},
		},
	}
	res, err := a.Call(ctx, "send_forward_msg", map[string]any{"messages": []any{node}})
	if err != nil {
		return "", err
	}
	if res.err == nil {
		for _, key := range []string{"res_id", "forward_id"} {
			if id := res.data.Get(key).String(); id != "" {
				return id, nil
			}
		}
		return "", &APICallFailed{Action: "send_forward_msg", Msg: "未获取到 res_id"}
	}
	var failed *transport.ActionFailed
	text := res.err.Error()
	if errors.As(res.err, &failed) {
		text = failed.Message
	}
	if m := resIDRe.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	return "", &APICallFailed{Action: "send_forward_msg", Msg: "未获取到 res_id", Cause: res.err}
}

func defineOneBot(cls *iface.Class) {
	cls.Define(iface.Spec{
		Name:    "recall",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "撤回消息",
			Params:      map[string]string{"msg_id": "消息ID"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("msg_id", iface.ID)},
		Call: func(c *iface.Call) (any, error) {
			return nil, apiOf(c).recall(c.Ctx, c.String("msg_id"))
		},
	})
	cls.Define(iface.Spec{
		Name:    "get_msg",
		Returns: iface.ReturnsResult,
		Desc: &iface.Descriptor{
			Description: "获取消息详情",
			Params:      map[string]string{"msg_id": "消息ID"},
		},
		Params: []iface.Param{iface.P("msg_id", iface.ID)},
		Call: func(c *iface.Call) (any, error) {
			return apiOf(c).Call(c.Ctx, "get_msg", map[string]any{"message_id": numericID(c.String("msg_id"))})
		},
	})
	cls.Define(iface.Spec{
		Name:    "get_fwd",
		Returns: iface.ReturnsResult,
		Desc: &iface.Descriptor{
			Description: "获取合并转发消息内容",
			Params:      map[string]string{"msg_id": "合并转发ID"},
		},
		Params: []iface.Param{iface.P("msg_id", iface.ID)},
		Call: func(c *iface.Call) (any, error) {
			return apiOf(c).Call(c.Ctx, "get_forward_msg", map[string]any{"id": c.String("msg_id")})
		},
	})
	cls.Define(iface.Spec{
		Name:    "upload_prv_file",
		Returns: iface.ReturnsResult,
		Desc: &iface.Descriptor{
			Description: "向用户上传文件",
			Params: map[string]string{
				"uid":  "用户ID",
				"file": "文件: URL, base64:// 字符串, 本地路径或字节数据",
				"name": "文件名",
			},
		},
		Params: []iface.Param{iface.P("uid", iface.ID), iface.P("file", fileType), iface.P("name", iface.String)},
		Call: func(c *iface.Call) (any, error) {
			file, err := onebotFile(c.Arg("file"))
			if err != nil {
				return nil, err
			}
			return apiOf(c).mustCall(c.Ctx, "upload_private_file", map[string]any{
				"user_id": numericID(c.String("uid")),
				"file":    file,
				"name":    c.String("name"),
			})
		},
	})
	cls.Define(iface.Spec{
		Name:    "upload_grp_file",
		Returns: iface.ReturnsResult,
		Desc: &iface.Descriptor{
			Description: "向群聊上传文件",
			Params: map[string]string{
				"gid":    "群号",
				"file":   "文件: URL, base64:// 字符串, 本地路径或字节数据",
				"name":   "文件名",
				"folder": "群文件夹ID",
			},
		},
		Params: []iface.Param{
			iface.P("gid", iface.ID),
			iface.P("file", fileType),
			iface.P("name", iface.String),
			iface.Opt("folder", iface.String, nil),
		},
		Call: func(c *iface.Call) (any, error) {
			file, err := onebotFile(c.Arg("file"))
			if err != nil {
				return nil, err
			}
			params := map[string]any{
				"group_id": numericID(c.String("gid")),
				"file":     file,
				"name":     c.String("name"),
			}
			if c.Has("folder") {
				params["folder"] = c.String("folder")
			}
			return apiOf(c).mustCall(c.Ctx, "upload_group_file", params)
		},
	})
	cls.Define(iface.Spec{
		Name:    "set_card",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "设置群名片",
			Params:      map[string]string{"uid": "用户ID", "card": "新的群名片", "gid": "群号, 默认为当前群"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("uid", iface.ID), iface.P("card", iface.String), iface.Opt("gid", iface.ID, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			gid, err := a.currentGroup(c.Method, "gid", c)
			if err != nil {
				return nil, err
			}
			_, err = a.mustCall(c.Ctx, "set_group_card", map[string]any{
				"group_id": numericID(gid),
				"user_id":  numericID(c.String("uid")),
				"card":     c.String("card"),
			})
			return nil, err
		},
	})
	cls.Define(iface.Spec{
		Name:    "set_mute",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "禁言群成员",
			Params:      map[string]string{"duration": "禁言秒数, 0 为解除", "uid": "用户ID", "gid": "群号, 默认为当前群"},
			Result:      "无",
			Example:     "api.set_mute(60, 114514)",
		},
		Params: []iface.Param{iface.P("duration", iface.Number), iface.P("uid", iface.ID), iface.Opt("gid", iface.ID, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			gid, err := a.currentGroup(c.Method, "gid", c)
			if err != nil {
				return nil, err
			}
			_, err = a.mustCall(c.Ctx, "set_group_ban", map[string]any{
				"group_id": numericID(gid),
				"user_id":  numericID(c.String("uid")),
				"duration": int64(c.Number("duration")),
			})
			return nil, err
		},
	})
	cls.Define(iface.Spec{
		Name:    "send_like",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "给用户点赞",
			Params:      map[string]string{"uid": "用户ID", "times": "次数"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("uid", iface.ID), iface.Opt("times", iface.Int, lua.LNumber(10))},
		Call: func(c *iface.Call) (any, error) {
			_, err := apiOf(c).mustCall(c.Ctx, "send_like", map[string]any{
				"user_id": numericID(c.String("uid")),
				"times":   c.Int("times"),
			})
			return nil, err
		},
	})
	cls.Define(iface.Spec{
		Name:    "set_reaction",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "给消息添加表情回应",
			Params:      map[string]string{"emoji_id": "表情ID", "msg_id": "消息ID", "gid": "群号, 部分协议端必须提供"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("emoji_id", iface.ID), iface.P("msg_id", iface.ID), iface.Opt("gid", iface.ID, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			app, err := a.onebotPlatform(c.Ctx)
			if err != nil {
				return nil, err
			}
			switch clientFamily(app) {
			case clientNapCat:
				_, err = a.mustCall(c.Ctx, "set_msg_emoji_like", map[string]any{
					"message_id": numericID(c.String("msg_id")),
					"emoji_id":   c.String("emoji_id"),
				})
			case clientLagrange:
				var gid string
				gid, err = a.currentGroup(c.Method, "gid", c)
				if err != nil {
					return nil, err
				}
				_, err = a.mustCall(c.Ctx, "set_group_reaction", map[string]any{
					"group_id":   numericID(gid),
					"message_id": numericID(c.String("msg_id")),
					"code":       c.String("emoji_id"),
					"is_add":     true,
				})
			default:
				err = &APICallFailed{Action: "set_reaction", Msg: "不支持的协议端: " + app, Cause: transport.ErrUnsupported}
			}
			return nil, err
		},
	})
	cls.Define(iface.Spec{
		Name:    "img_summary",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "构造带外显文字的图片消息",
			Params:      map[string]string{"image": "图片: URL, 本地路径或字节数据", "summary": "外显文字"},
			Result:      "消息对象",
		},
		Params: []iface.Param{iface.P("image", fileType), iface.P("summary", iface.String)},
		Call: func(c *iface.Call) (any, error) {
			seg := imageSegment(c.L, c.Arg("image"))
			seg.Data["summary"] = c.String("summary")
			return Msg{seg}, nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "group_poke",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "戳一戳",
			Params:      map[string]string{"uid": "用户ID", "gid": "群号, 私聊中可省略"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("uid", iface.ID), iface.Opt("gid", iface.ID, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			uid := numericID(c.String("uid"))
			if !c.Has("gid") && a.env.Session.GroupID == "" {
				_, err := a.mustCall(c.Ctx, "friend_poke", map[string]any{"user_id": uid})
				return nil, err
			}
			gid, err := a.currentGroup(c.Method, "gid", c)
			if err != nil {
				return nil, err
			}
			_, err = a.mustCall(c.Ctx, "group_poke", map[string]any{"group_id": numericID(gid), "user_id": uid})
			return nil, err
		},
	})
	cls.Define(iface.Spec{
		Name:    "send_md",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "在当前会话发送 markdown 消息",
			Params:      map[string]string{"content": "markdown 文本"},
		},
		Params: []iface.Param{iface.P("content", iface.String)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			resID, err := a.markdownResID(c.Ctx, c.String("content"))
			if err != nil {
				return nil, err
			}
			seg := message.Raw(transport.AdapterOneBot11, "longmsg", map[string]any{"id": resID})
			r, err := a.Feedback(c.Ctx, message.Message{seg})
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
	cls.Define(iface.Spec{
		Name:    "get_platform",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "获取协议端名称",
			Result:      "协议端 app_name, 小写",
		},
		Call: func(c *iface.Call) (any, error) {
			return apiOf(c).onebotPlatform(c.Ctx)
		},
	})
	defineArkBuilders(cls)
	defineSendArk(cls, bridgeArk)

	cls.Fallback(func(L *lua.LState, self any, name string) lua.LValue {
		if strings.HasPrefix(name, "_") {
			return nil
		}
		a := self.(*API)
		return L.NewFunction(func(L *lua.LState) int {
			arg := 1
			if ud, ok := L.Get(1).(*lua.LUserData); ok && ud.Value == self {
				arg = 2
			}
			params, err := tableParams(L.Get(arg))
			if err != nil {
				luax.Raise(L, err)
				return 0
			}
			ctx := L.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			res, err := a.Call(ctx, name, params)
			if err != nil {
				luax.Raise(L, err)
				return 0
			}
			L.Push(res.LValue(L))
			return 1
		})
	})
}

// sendLimited runs an action under the current session's send limit and
// reads the message_id of the answer.
func (a *API) sendLimited(ctx context.Context, action string, params map[string]any, target transport.Target) (*message.Receipt, error) {
	var res *Result
	err := a.deps.Sender.Limiter.Send(a.env.Session.Key(), func() error {
		var err error
		res, err = a.mustCall(ctx, action, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &message.Receipt{
		Adapter:   transport.AdapterOneBot11,
		MessageID: res.data.Get("message_id").String(),
		TargetID:  target.ID,
		Private:   target.Private,
	}, nil
}

func onebotTargetParams(t transport.Target) map[string]any {
	if t.Private {
		return map[string]any{"message_type": "private", "user_id": numericID(t.ID)}
	}
	return map[string]any{"message_type": "group", "group_id": numericID(t.ID)}
}

func defineOneBotTarget(cls *iface.Class, noun string) {
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
			params := onebotTargetParams(t.target())
			params["message"] = onebot11.EncodeMessage(msg)
			r, err := t.api.sendLimited(c.Ctx, "send_msg", params, t.target())
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
			nodes, err := transport.BuildForward(c.Ctx, t.api.env.Bot.SelfID(), forwardItems(c.Arg("msgs")))
			if err != nil {
				return nil, err
			}
			action, params := "send_group_forward_msg", map[string]any{"group_id": numericID(t.ID)}
			if t.Private {
				action, params = "send_private_forward_msg", map[string]any{"user_id": numericID(t.ID)}
			}
			params["messages"] = onebot11.EncodeNodes(nodes)
			r, err := t.api.sendLimited(c.Ctx, action, params, t.target())
			if err != nil {
				return nil, err
			}
			return t.api.receipt(r), nil
		},
	})
}
