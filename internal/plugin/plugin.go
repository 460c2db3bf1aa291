// Package plugin turns chat messages into executor calls: trigger matching,
// code extraction, authorization and the helper commands around `code`.
package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/api"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/config"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/executor"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

const logPrefix = "[exe-code]"

const defaultImageName = "img"

type Plugin struct {
	reg    *executor.Registry
	cfg    *config.Config
	sender *transport.Sender
}

func New(reg *executor.Registry, cfg *config.Config, sender *transport.Sender) *Plugin {
	return &Plugin{reg: reg, cfg: cfg, sender: sender}
}

// Handle is the transport.Handler of the plugin. Queue places are taken
// before it returns, so one user's snippets run in the order they arrived.
func (p *Plugin) Handle(ctx context.Context, bot transport.Transport, ev *transport.Event) {
	if job := p.prepare(ctx, bot, ev); job != nil {
		go job()
	}
}

// prepare does the non-blocking part of handling ev and returns the rest,
// or nil when ev is not for the plugin.
func (p *Plugin) prepare(ctx context.Context, bot transport.Transport, ev *transport.Event) func() {
	if ev == nil || ev.UserID == "" || ev.UserID == bot.SelfID() {
		return nil
	}
	name, args := command(ev.Message)
	var fn func() error
	switch name {
	case "getraw":
		if p.allowed(ev) {
			fn = func() error { return p.getRaw(ctx, bot, ev) }
		}
	case "getmid":
		if p.allowed(ev) {
			fn = func() error { return p.getMid(ctx, bot, ev) }
		}
	case "getimg":
		if p.allowed(ev) {
			fn = func() error { return p.getImg(ctx, bot, ev, args) }
		}
	case "terminate":
		if p.superuser(ev) {
			fn = func() error { return p.terminate(ctx, bot, ev) }
		}
	default:
		if startsWith(ev.Message, codePrefix) && p.allowed(ev) {
			return p.code(ctx, bot, ev)
		}
	}
	if fn == nil {
		return nil
	}
	return func() {
		if err := fn(); err != nil {
			log.Printf("%s command failed name=%s user=%s err=%v", logPrefix, name, ev.UserID, err)
		}
	}
}

func (p *Plugin) superuser(ev *transport.Event) bool {
	return ev.Adapter == transport.AdapterConsole || p.cfg.IsSuperuser(ev.UserID)
}

// allowed: super-users always, otherwise the sender or the group must be
// listed.
func (p *Plugin) allowed(ev *transport.Event) bool {
	if p.superuser(ev) || p.cfg.UserAllowed(ev.UserID) {
		return true
	}
	return ev.GroupID != "" && p.cfg.GroupAllowed(ev.GroupID)
}

func (p *Plugin) reply(ctx context.Context, bot transport.Transport, ev *transport.Event, text string) error {
	_, err := p.sender.SendRaw(ctx, bot, ev.Target(), message.Message{message.Text(text)})
	return err
}

// code queues the snippet of ev and returns the job that runs it and
// reports the outcome.
func (p *Plugin) code(ctx context.Context, bot transport.Transport, ev *transport.Event) func() {
	code, ok := ExtractCode(ev.Message)
	if !ok {
		return nil
	}
	uid := ev.Session().UID()
	log.Printf("%s code uid=%s group=%s len=%d", logPrefix, uid, ev.GroupID, len(code))

	run, err := p.reg.Submit(ctx, bot, ev, code)
	return func() {
		if err == nil {
			err = run()
		}
		p.report(ctx, bot, ev, err)
	}
}

func (p *Plugin) report(ctx context.Context, bot transport.Transport, ev *transport.Event, err error) {
	uid := ev.Session().UID()
	switch {
	case err == nil:
		return
	case errors.Is(err, executor.ErrCancelled):
		err = p.reply(ctx, bot, ev, "执行已中止")
	case errors.Is(err, executor.ErrSessionNotInitialized), errors.Is(err, executor.ErrBotMismatch):
		log.Printf("%s code skipped uid=%s err=%v", logPrefix, uid, err)
		return
	default:
		log.Printf("%s code failed uid=%s err=%s", logPrefix, uid, luax.ReprError(err))
		err = p.reply(ctx, bot, ev, "执行失败: "+luax.ReprError(err))
	}
	if err != nil {
		log.Printf("%s reply failed uid=%s err=%v", logPrefix, uid, err)
	}
}

func (p *Plugin) context(ev *transport.Event) *executor.Context {
	return p.reg.Get(ev.Session().UID())
}

// stash saves a quoted message as gem, and its first image as gurl.
func (p *Plugin) stash(ctx context.Context, ev *transport.Event, msg message.Message) error {
	c := p.context(ev)
	if err := c.SetGem(ctx, msg); err != nil {
		return err
	}
	if url := imageURL(msg); url != "" {
		return c.SetGurl(ctx, url)
	}
	return nil
}

func (p *Plugin) getRaw(ctx context.Context, bot transport.Transport, ev *transport.Event) error {
	reply, err := eventReply(ctx, bot, ev)
	if err != nil {
		return err
	}
	if reply == nil {
		return p.reply(ctx, bot, ev, "请回复一条消息")
	}
	if err := p.stash(ctx, ev, reply.Message); err != nil {
		return err
	}
	return p.reply(ctx, bot, ev, reply.Message.String())
}

func (p *Plugin) getMid(ctx context.Context, bot transport.Transport, ev *transport.Event) error {
	reply, err := eventReply(ctx, bot, ev)
	if err != nil {
		return err
	}
	if reply == nil {
		return p.reply(ctx, bot, ev, "请回复一条消息")
	}
	if err := p.stash(ctx, ev, reply.Message); err != nil {
		return err
	}
	return p.reply(ctx, bot, ev, reply.MessageID)
}

func (p *Plugin) getImg(ctx context.Context, bot transport.Transport, ev *transport.Event, args []string) error {
	name := defaultImageName
	if len(args) > 0 {
		name = args[0]
	}
	if !luax.IsIdentifier(name) {
		return p.reply(ctx, bot, ev, luax.IdentifierError(name).Error())
	}

	seg, ok, err := eventImage(ctx, bot, ev)
	if err != nil {
		return err
	}
	if !ok {
		return p.reply(ctx, bot, ev, "未找到图片")
	}
	img, err := loadImage(ctx, bot, seg)
	if err != nil {
		log.Printf("%s getimg failed user=%s err=%v", logPrefix, ev.UserID, err)
		return p.reply(ctx, bot, ev, "获取图片失败: "+err.Error())
	}

	c := p.context(ev)
	if err := c.SetValue(ctx, name, img); err != nil {
		return err
	}
	if img.URL != "" {
		if err := c.SetGurl(ctx, img.URL); err != nil {
			return err
		}
	}
	return p.reply(ctx, bot, ev, fmt.Sprintf("图片已保存至变量 %s", name))
}

// loadImage downloads seg and reads its header. Formats: png, jpeg, gif,
// bmp, webp.
func loadImage(ctx context.Context, bot transport.Transport, seg message.Segment) (*api.Image, error) {
	data, err := bot.FetchImage(ctx, seg)
	if err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &api.Image{
		Data:   data,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		URL:    seg.Str("url"),
	}, nil
}

// terminate cancels the execution of the mentioned user, the quoted
// message's sender, or the caller.
func (p *Plugin) terminate(ctx context.Context, bot transport.Transport, ev *transport.Event) error {
	userID := ev.UserID
	if at, ok := ev.Message.First(message.TypeAt); ok {
		userID = at.Str("user_id")
	} else if reply, err := eventReply(ctx, bot, ev); err == nil && reply != nil && reply.SenderID != "" {
		userID = reply.SenderID
	}
	uid := transport.UID(ev.Adapter, strings.TrimSpace(userID))
	if !p.reg.Cancel(uid) {
		return p.reply(ctx, bot, ev, fmt.Sprintf("%s 没有正在运行的执行任务", uid))
	}
	log.Printf("%s terminate uid=%s by=%s", logPrefix, uid, ev.UserID)
	return p.reply(ctx, bot, ev, fmt.Sprintf("中止 %s 的执行任务", uid))
}
