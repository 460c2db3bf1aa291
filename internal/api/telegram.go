package api

import (
	"strings"
	"unicode"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

var telegramAPI = iface.NewClass("TelegramAPI", "api", baseAPI)

func init() {
	telegramAPI.Define(iface.Spec{
		Name:    "set_reaction",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "给消息添加 emoji 回应",
			Params:      map[string]string{"emoji": "emoji 字符", "msg_id": "消息ID", "chat_id": "会话ID, 默认为当前会话"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("emoji", iface.String), iface.P("msg_id", iface.ID), iface.Opt("chat_id", iface.ID, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			emoji := c.String("emoji")
			if emoji == "" || strings.IndexFunc(emoji, func(r rune) bool { return r < 0x2000 && !unicode.IsSymbol(r) }) >= 0 {
				return nil, &luax.ValueError{Msg: "Telegram 仅支持 emoji 回应: " + emoji}
			}
			chat := a.env.Session.Target().ID
			if c.Has("chat_id") {
				chat = c.String("chat_id")
			}
			_, err := a.mustCall(c.Ctx, "set_message_reaction", map[string]any{
				"chat_id":    numericID(chat),
				"message_id": numericID(c.String("msg_id")),
				"reaction":   []map[string]any{{"type": "emoji", "emoji": emoji}},
			})
			return nil, err
		},
	})
	register(transport.AdapterTelegram, &Variant{API: telegramAPI, User: userClass, Group: groupClass})
}
