package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/errgroup"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

// Ark is a QQ template card.
type Ark struct {
	TemplateID int
	// JSON is the {"template_id":..,"kv":[..]} document.
	JSON string
}

func (a *Ark) TypeName() string                { return "Ark" }
func (a *Ark) Repr() string                    { return "<Ark template=" + strconv.Itoa(a.TemplateID) + ">" }
func (a *Ark) LValue(L *lua.LState) lua.LValue { return arkClass.New(L, a) }
func (a *Ark) ToMessage() message.Message      { return message.Message{a.Segment()} }

// Segment is the native QQ ark segment.
func (a *Ark) Segment() message.Segment {
	return message.Raw(transport.AdapterQQ, message.TypeArk, map[string]any{
		"ark": gjson.Parse(a.JSON).Value(),
	})
}

var arkClass = iface.NewClass("Ark", "", nil).
	Property("template_id", func(L *lua.LState, self any) lua.LValue { return lua.LNumber(self.(*Ark).TemplateID) }).
	Property("json", func(L *lua.LState, self any) lua.LValue { return lua.LString(self.(*Ark).JSON) })

// arkBuilder appends kv entries to an ark document.
type arkBuilder struct {
	doc string
	n   int
	err error
}

func newArkBuilder(templateID int) *arkBuilder {
	b := &arkBuilder{doc: `{"template_id":0,"kv":[]}`}
	b.doc, b.err = sjson.Set(b.doc, "template_id", templateID)
	return b
}

func (b *arkBuilder) value(key, value string) *arkBuilder {
	if b.err != nil || value == "" {
		return b
	}
	prefix := "kv." + strconv.Itoa(b.n)
	b.doc, b.err = sjson.Set(b.doc, prefix+".key", key)
	if b.err == nil {
		b.doc, b.err = sjson.Set(b.doc, prefix+".value", value)
	}
	b.n++
	return b
}

// list appends a #LIST# style entry; each row is an ordered kv list.
func (b *arkBuilder) list(key string, rows [][][2]string) *arkBuilder {
	if b.err != nil || len(rows) == 0 {
		return b
	}
	prefix := "kv." + strconv.Itoa(b.n)
	b.doc, b.err = sjson.Set(b.doc, prefix+".key", key)
	for i, row := range rows {
		for j, kv := range row {
			if b.err != nil {
				return b
			}
			at := fmt.Sprintf("%s.obj.%d.obj_kv.%d", prefix, i, j)
			b.doc, b.err = sjson.Set(b.doc, at+".key", kv[0])
			if b.err == nil {
				b.doc, b.err = sjson.Set(b.doc, at+".value", kv[1])
			}
		}
	}
	b.n++
	return b
}

func (b *arkBuilder) build(templateID int) (*Ark, error) {
	if b.err != nil {
		return nil, fmt.Errorf("build ark %d: %w", templateID, b.err)
	}
	return &Ark{TemplateID: templateID, JSON: b.doc}, nil
}

// arkRows reads a list of {desc, link} tables or plain strings.
func arkRows(tbl *lua.LTable) ([][][2]string, error) {
	if tbl == nil {
		return nil, nil
	}
	var rows [][][2]string
	for i := 1; i <= tbl.Len(); i++ {
		switch item := tbl.RawGetInt(i).(type) {
		case lua.LString:
			rows = append(rows, [][2]string{{"desc", string(item)}})
		case *lua.LTable:
			row := [][2]string{{"desc", luax.Str(item.RawGetString("desc"))}}
			if link := item.RawGetString("link"); link != lua.LNil {
				row = append(row, [2]string{"link", luax.Str(link)})
			}
			rows = append(rows, row)
		default:
			return nil, &luax.TypeError{Msg: "ark list item must be a string or a table, got " + luax.TypeName(item)}
		}
	}
	return rows, nil
}

func defineArkBuilders(cls *iface.Class) {
	cls.Define(iface.Spec{
		Name:    "ark_23",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "构造 23 号模板 ark 卡片 (文字列表)",
			Params: map[string]string{
				"desc":   "卡片描述",
				"prompt": "消息列表中显示的文字",
				"list":   "列表项, 元素为字符串或 {desc=, link=}",
			},
			Result:  "Ark 对象, 可传给 send_ark",
			Example: "api.send_ark(api.ark_23('描述', '提示', {'第一行', {desc='链接', link='https://example.com'}}))",
		},
		Params: []iface.Param{
			iface.P("desc", iface.String),
			iface.P("prompt", iface.String),
			iface.P("list", iface.Table),
		},
		Call: func(c *iface.Call) (any, error) {
			rows, err := arkRows(c.Table("list"))
			if err != nil {
				return nil, err
			}
			return newArkBuilder(23).
				value("#DESC#", c.String("desc")).
				value("#PROMPT#", c.String("prompt")).
				list("#LIST#", rows).
				build(23)
		},
	})
	cls.Define(iface.Spec{
		Name:    "ark_24",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "构造 24 号模板 ark 卡片 (小卡片)",
			Params: map[string]string{
				"desc":     "卡片描述",
				"prompt":   "消息列表中显示的文字",
				"title":    "标题",
				"metadesc": "详情",
				"img":      "图片链接",
				"link":     "跳转链接",
				"subtitle": "来源",
			},
			Result: "Ark 对象, 可传给 send_ark",
		},
		Params: []iface.Param{
			iface.P("desc", iface.String),
			iface.P("prompt", iface.String),
			iface.P("title", iface.String),
			iface.P("metadesc", iface.String),
			iface.Opt("img", iface.String, lua.LString("")),
			iface.Opt("link", iface.String, lua.LString("")),
			iface.Opt("subtitle", iface.String, lua.LString("")),
		},
		Call: func(c *iface.Call) (any, error) {
			return newArkBuilder(24).
				value("#DESC#", c.String("desc")).
				value("#PROMPT#", c.String("prompt")).
				value("#TITLE#", c.String("title")).
				value("#METADESC#", c.String("metadesc")).
				value("#IMG#", c.String("img")).
				value("#LINK#", c.String("link")).
				value("#SUBTITLE#", c.String("subtitle")).
				build(24)
		},
	})
	cls.Define(iface.Spec{
		Name:    "ark_37",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "构造 37 号模板 ark 卡片 (大图)",
			Params: map[string]string{
				"prompt":       "消息列表中显示的文字",
				"metatitle":    "标题",
				"metasubtitle": "副标题",
				"metacover":    "封面图片链接",
				"metaurl":      "跳转链接",
			},
			Result: "Ark 对象, 可传给 send_ark",
		},
		Params: []iface.Param{
			iface.P("prompt", iface.String),
			iface.P("metatitle", iface.String),
			iface.P("metasubtitle", iface.String),
			iface.P("metacover", iface.String),
			iface.Opt("metaurl", iface.String, lua.LString("")),
		},
		Call: func(c *iface.Call) (any, error) {
			return newArkBuilder(37).
				value("#PROMPT#", c.String("prompt")).
				value("#METATITLE#", c.String("metatitle")).
				value("#METASUBTITLE#", c.String("metasubtitle")).
				value("#METACOVER#", c.String("metacover")).
				value("#METAURL#", c.String("metaurl")).
				build(37)
		},
	})
}

var arkType = iface.UserData("Ark", func(v any) bool {
	_, ok := v.(*Ark)
	return ok
})

// defineSendArk adds send_ark. send turns the card into a message for the
// current adapter.
func defineSendArk(cls *iface.Class, convert func(a *API, ctx context.Context, ark *Ark) (message.Message, error)) {
	cls.Define(iface.Spec{
		Name:    "send_ark",
		Returns: iface.ReturnsReceipt,
		Desc: &iface.Descriptor{
			Description: "在当前会话发送 ark 卡片",
			Params:      map[string]string{"ark": "由 ark_23/ark_24/ark_37 构造的卡片"},
		},
		Params: []iface.Param{iface.P("ark", arkType)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			ark := c.Arg("ark").(*lua.LUserData).Value.(*Ark)
			msg, err := convert(a, c.Ctx, ark)
			if err != nil {
				return nil, err
			}
			r, err := a.Feedback(c.Ctx, msg)
			if err != nil {
				return nil, err
			}
			return a.receipt(r), nil
		},
	})
}

func nativeArk(_ *API, _ context.Context, ark *Ark) (message.Message, error) {
	return message.Message{ark.Segment()}, nil
}

func arkToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "ark-" + hex.EncodeToString(b[:])
}

// bridgeArk obtains a renderable card on OneBot v11: the token is sent to
// the configured QQ bot, the QQ adapter answers it with the real ark, and
// the card echoed back on v11 is captured as a json segment.
func bridgeArk(a *API, ctx context.Context, ark *Ark) (message.Message, error) {
	qbot := a.deps.Config.QBotID()
	if qbot == "" {
		return nil, &APICallFailed{Action: "send_ark", Msg: "未配置 qbot_id", Cause: transport.ErrUnsupported}
	}
	bot := a.env.Bot
	token := arkToken()

	relay := a.deps.Hub.Subscribe(func(b transport.Transport, ev *transport.Event) bool {
		return b.Adapter() == transport.AdapterQQ && strings.Contains(ev.Message.PlainText(), token)
	})
	defer relay.Close()
	capture := a.deps.Hub.Subscribe(func(b transport.Transport, ev *transport.Event) bool {
		return b.Adapter() == bot.Adapter() && b.SelfID() == bot.SelfID() &&
			ev.UserID == qbot && ev.Message.Has(message.TypeJSON)
	})
	defer capture.Close()

	timeout := a.deps.Config.QBotTimeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var card message.Segment
	g, gctx := errgroup.WithContext(waitCtx)
	g.Go(func() error {
		in, err := relay.Next(gctx)
		if err != nil {
			return err
		}
		_, err = a.deps.Sender.SendRaw(gctx, in.Bot, in.Event.Target(), message.Message{ark.Segment()})
		return err
	})
	g.Go(func() error {
		in, err := capture.Next(gctx)
		if err != nil {
			return err
		}
		card, _ = in.Event.Message.First(message.TypeJSON)
		return nil
	})
	if _, err := a.deps.Sender.SendRaw(waitCtx, bot, transport.Target{ID: qbot, Private: true}, message.Message{message.Text(token)}); err != nil {
		cancel()
		_ = g.Wait()
		return nil, err
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Printf("%s ark bridge timed out uid=%s qbot=%s", logPrefix, a.UID(), qbot)
			return nil, &TimeoutError{Msg: "等待 ark 卡片超时"}
		}
		return nil, err
	}
	return message.Message{card}, nil
}
