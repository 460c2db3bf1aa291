package api

import (
	"strings"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

var satoriAPI = iface.NewClass("SatoriAPI", "api", baseAPI)

func init() {
	defineSatori(satoriAPI)
	register(transport.AdapterSatori, &Variant{API: satoriAPI, User: userClass, Group: groupClass})
}

func defineSatori(cls *iface.Class) {
	cls.Define(iface.Spec{
		Name:    "set_mute",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "禁言群组成员",
			Params:      map[string]string{"duration": "禁言秒数, 0 为解除", "uid": "用户ID", "gid": "群组ID, 默认为当前群组"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("duration", iface.Number), iface.P("uid", iface.ID), iface.Opt("gid", iface.ID, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			gid, err := a.currentGroup(c.Method, "gid", c)
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(gid, "private:") {
				return nil, &luax.ValueError{Msg: "私聊频道无法禁言: " + gid}
			}
			_, err = a.mustCall(c.Ctx, "guild.member.mute", map[string]any{
				"guild_id": gid,
				"user_id":  c.String("uid"),
				"duration": int64(c.Number("duration") * 1000),
			})
			return nil, err
		},
	})
	cls.Define(iface.Spec{
		Name:    "set_reaction",
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "给消息添加表情回应",
			Params:      map[string]string{"emoji_id": "emoji 或表情ID", "msg_id": "消息ID", "channel_id": "频道ID, 默认为当前频道"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("emoji_id", iface.ID), iface.P("msg_id", iface.ID), iface.Opt("channel_id", iface.ID, nil)},
		Call: func(c *iface.Call) (any, error) {
			a := apiOf(c)
			channel := a.env.Session.Target().ID
			if c.Has("channel_id") {
				channel = c.String("channel_id")
			}
			react := func(emoji string) error {
				_, err := a.mustCall(c.Ctx, "reaction.create", map[string]any{
					"channel_id": channel,
					"message_id": c.String("msg_id"),
					"emoji":      emoji,
				})
				return err
			}
			if err := react(c.String("emoji_id")); err == nil {
				return nil, nil
			}
			return nil, react("face:" + c.String("emoji_id"))
		},
	})
}
