package api

import (
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

var qqAPI = iface.NewClass("QQAPI", "api", baseAPI)

func init() {
	defineArkBuilders(qqAPI)
	defineSendArk(qqAPI, nativeArk)
	register(transport.AdapterQQ, &Variant{API: qqAPI, User: userClass, Group: groupClass})
}
