package executor

import (
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

// adminScope backs the helpers bound for super-users. Contexts opened with
// get_ctx stay locked until the execution ends.
type adminScope struct {
	reg     *Registry
	self    *Context
	session transport.Session

	mu      sync.Mutex
	held    []*Context
	release func()
}

func (s *adminScope) bind(L *lua.LState, ns *lua.LTable) {
	if s.release != nil {
		s.release()
	}
	_, s.release = iface.Bind(L, ns, adminClass, s)
}

func (s *adminScope) close() {
	if s.release != nil {
		s.release()
	}
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, c := range held {
		c.lock.Release()
	}
}

func (s *adminScope) open(c *iface.Call, uid string) (any, error) {
	target := s.reg.Get(uid)
	if target == s.self {
		return &contextHandle{ctx: target}, nil
	}
	s.mu.Lock()
	for _, h := range s.held {
		if h == target {
			s.mu.Unlock()
			return &contextHandle{ctx: target}, nil
		}
	}
	s.mu.Unlock()

	if err := target.acquire(c.Ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.held = append(s.held, target)
	s.mu.Unlock()
	return &contextHandle{ctx: target}, nil
}

func (s *adminScope) uidOf(id string) string {
	if strings.Contains(id, ":") {
		return id
	}
	return transport.UID(s.session.Adapter, id)
}

// contextHandle exposes another user's namespace to a super-user script.
type contextHandle struct {
	ctx *Context
}

func (h *contextHandle) TypeName() string                { return "Context" }
func (h *contextHandle) Repr() string                    { return "<Context " + h.ctx.UID + ">" }
func (h *contextHandle) LValue(L *lua.LState) lua.LValue { return contextClass.New(L, h) }

var contextClass = iface.NewClass("Context", "", nil).
	Property("uid", func(L *lua.LState, self any) lua.LValue {
		return lua.LString(self.(*contextHandle).ctx.UID)
	}).
	Define(iface.Spec{
		Name:   "get",
		Params: []iface.Param{iface.P("name", iface.String)},
		Call: func(c *iface.Call) (any, error) {
			h := c.Self.(*contextHandle)
			return h.ctx.ns.RawGetString(c.String("name")), nil
		},
	}).
	Define(iface.Spec{
		Name:   "set",
		Params: []iface.Param{iface.P("name", iface.String), iface.Opt("value", iface.Any, nil)},
		Call: func(c *iface.Call) (any, error) {
			h := c.Self.(*contextHandle)
			name := c.String("name")
			if !luax.IsIdentifier(name) {
				return nil, luax.IdentifierError(name)
			}
			h.ctx.ns.RawSetString(name, c.Arg("value"))
			return nil, nil
		},
	}).
	Define(iface.Spec{
		Name: "keys",
		Call: func(c *iface.Call) (any, error) {
			h := c.Self.(*contextHandle)
			var keys []string
			h.ctx.ns.ForEach(func(k, _ lua.LValue) {
				if s, ok := k.(lua.LString); ok {
					keys = append(keys, string(s))
				}
			})
			sort.Strings(keys)
			return keys, nil
		},
	}).
	Fallback(func(L *lua.LState, self any, name string) lua.LValue {
		return self.(*contextHandle).ctx.ns.RawGetString(name)
	})

var adminClass = iface.NewClass("Admin", "", nil)

func init() {
	adminClass.Define(iface.Spec{
		Name:    "set_usr",
		Export:  true,
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "设置用户的执行权限",
			Params:      map[string]string{"uid": "用户ID", "enabled": "是否允许"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("uid", iface.ID), iface.Opt("enabled", iface.Bool, lua.LTrue)},
		Call: func(c *iface.Call) (any, error) {
			s := c.Self.(*adminScope)
			s.reg.deps.Config.SetUser(c.String("uid"), c.Bool("enabled"))
			return nil, nil
		},
	})
	adminClass.Define(iface.Spec{
		Name:    "set_grp",
		Export:  true,
		Returns: iface.ReturnsNil,
		Desc: &iface.Descriptor{
			Description: "设置群聊的执行权限",
			Params:      map[string]string{"gid": "群号", "enabled": "是否允许"},
			Result:      "无",
		},
		Params: []iface.Param{iface.P("gid", iface.ID), iface.Opt("enabled", iface.Bool, lua.LTrue)},
		Call: func(c *iface.Call) (any, error) {
			s := c.Self.(*adminScope)
			s.reg.deps.Config.SetGroup(c.String("gid"), c.Bool("enabled"))
			return nil, nil
		},
	})
	adminClass.Define(iface.Spec{
		Name:    "get_ctx",
		Export:  true,
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "获取其他用户的执行上下文, 该用户的执行会等待本次执行结束",
			Params:      map[string]string{"uid": "当前平台的用户ID, 或 \"平台:用户ID\" 形式的完整标识"},
			Result:      "Context 对象, 可读取变量或调用 get/set/keys",
		},
		Signatures: []iface.Signature{
			{
				Params: []iface.Param{iface.P("uid", iface.Int)},
				Call: func(c *iface.Call) (any, error) {
					s := c.Self.(*adminScope)
					return s.open(c, s.uidOf(c.String("uid")))
				},
			},
			{
				Params: []iface.Param{iface.P("uid", iface.String)},
				Call: func(c *iface.Call) (any, error) {
					s := c.Self.(*adminScope)
					return s.open(c, s.uidOf(c.String("uid")))
				},
			},
		},
	})
}
