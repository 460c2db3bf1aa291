package onebot11

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

var ErrNotConnected = errors.New("onebot websocket not connected")

type Options struct {
	URL         string
	AccessToken string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	APITimeout       time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// HTTP downloads images referenced by URL.
	HTTP *http.Client
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.APITimeout <= 0 {
		o.APITimeout = 30 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	return o
}

// Bot is one OneBot v11 account reached through a forward WebSocket.
type Bot struct {
	opts      Options
	hub       *transport.Hub
	logPrefix string

	mu     sync.Mutex
	conn   *websocket.Conn
	selfID string

	writeMu sync.Mutex
	echo    atomic.Int64

	waitMu  sync.Mutex
	waiters map[string]chan gjson.Result
}

func New(opts Options, hub *transport.Hub) *Bot {
	return &Bot{
		opts:      opts.withDefaults(),
		hub:       hub,
		logPrefix: "[onebot11]",
		waiters:   make(map[string]chan gjson.Result),
	}
}

func (b *Bot) Adapter() string { return transport.AdapterOneBot11 }

func (b *Bot) SelfID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selfID
}

// Run keeps the connection alive until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if strings.TrimSpace(b.opts.URL) == "" {
		return fmt.Errorf("onebot url is required")
	}
	backoff := b.opts.InitialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := b.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = b.opts.InitialBackoff
		}
		log.Printf("%s disconnected: %v (reconnect in %s)", b.logPrefix, err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < b.opts.MaxBackoff {
			backoff *= 2
			if backoff > b.opts.MaxBackoff {
				backoff = b.opts.MaxBackoff
			}
		}
	}
}

func (b *Bot) runOnce(ctx context.Context) (bool, error) {
	header := http.Header{}
	if b.opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+b.opts.AccessToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: b.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.opts.URL, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	log.Printf("%s connected url=%s", b.logPrefix, b.opts.URL)

	var registered atomic.Bool
	readErr := make(chan error, 1)
	go func() {
		readErr <- b.readLoop(ctx, conn, &registered)
	}()
	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		b.failWaiters()
		if registered.Load() {
			b.hub.Unregister(b)
		}
	}()

	raw, err := b.Call(ctx, "get_login_info", nil)
	if err != nil {
		_ = conn.Close()
		<-readErr
		return true, fmt.Errorf("get_login_info: %w", err)
	}
	b.mu.Lock()
	b.selfID = gjson.GetBytes(raw, "user_id").String()
	b.mu.Unlock()
	b.hub.Register(b)
	registered.Store(true)

	select {
	case err := <-readErr:
		return true, err
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(2*time.Second))
		_ = conn.Close()
		<-readErr
		return true, ctx.Err()
	}
}

// readLoop routes action responses to their waiters and message events to
// the hub. Events arriving before login info is known are dropped.
func (b *Bot) readLoop(ctx context.Context, conn *websocket.Conn, registered *atomic.Bool) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r := gjson.ParseBytes(payload)
		if echo := r.Get("echo"); echo.Exists() {
			b.resolve(echo.String(), r)
			continue
		}
		if !registered.Load() {
			continue
		}
		if ev, ok := ParseEvent(payload); ok {
			b.hub.Dispatch(ctx, b, ev)
		}
	}
}

func (b *Bot) resolve(echo string, r gjson.Result) {
	b.waitMu.Lock()
	ch, ok := b.waiters[echo]
	if ok {
		delete(b.waiters, echo)
	}
	b.waitMu.Unlock()
	if ok {
		ch <- r
	}
}

func (b *Bot) failWaiters() {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	for echo, ch := range b.waiters {
		close(ch)
		delete(b.waiters, echo)
	}
}

// Call sends an action frame and waits for the matching echo.
func (b *Bot) Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if params == nil {
		params = map[string]any{}
	}

	echo := strconv.FormatInt(b.echo.Add(1), 10)
	waiter := make(chan gjson.Result, 1)
	b.waitMu.Lock()
	b.waiters[echo] = waiter
	b.waitMu.Unlock()
	defer func() {
		b.waitMu.Lock()
		delete(b.waiters, echo)
		b.waitMu.Unlock()
	}()

	frame, err := json.Marshal(map[string]any{"action": action, "params": params, "echo": echo})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", action, err)
	}
	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	b.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", action, err)
	}

	timer := time.NewTimer(b.opts.APITimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrNotConnected
		}
		return checkResponse(action, resp)
	case <-timer.C:
		return nil, fmt.Errorf("onebot action %s timed out", action)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func checkResponse(action string, resp gjson.Result) (json.RawMessage, error) {
	retcode := resp.Get("retcode").Int()
	if resp.Get("status").String() == "failed" || retcode != 0 {
		msg := resp.Get("message").String()
		if msg == "" {
			msg = resp.Get("wording").String()
		}
		return nil, &transport.ActionFailed{Action: action, RetCode: int(retcode), Message: msg}
	}
	data := resp.Get("data")
	if !data.Exists() {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(data.Raw), nil
}

func (b *Bot) receipt(raw json.RawMessage, target transport.Target) *message.Receipt {
	return &message.Receipt{
		Adapter:   transport.AdapterOneBot11,
		MessageID: gjson.GetBytes(raw, "message_id").String(),
		TargetID:  target.ID,
		Private:   target.Private,
	}
}

func (b *Bot) Send(ctx context.Context, target transport.Target, msg message.Message) (*message.Receipt, error) {
	action, params := "send_group_msg", map[string]any{"group_id": ID(target.ID)}
	if target.Private {
		action, params = "send_private_msg", map[string]any{"user_id": ID(target.ID)}
	}
	params["message"] = EncodeMessage(msg)
	raw, err := b.Call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	return b.receipt(raw, target), nil
}

func (b *Bot) SendForward(ctx context.Context, target transport.Target, nodes []message.ForwardNode) (*message.Receipt, error) {
	action, params := "send_group_forward_msg", map[string]any{"group_id": ID(target.ID)}
	if target.Private {
		action, params = "send_private_forward_msg", map[string]any{"user_id": ID(target.ID)}
	}
	params["messages"] = EncodeNodes(nodes)
	raw, err := b.Call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	return b.receipt(raw, target), nil
}

func (b *Bot) FetchImage(ctx context.Context, seg message.Segment) ([]byte, error) {
	if raw := seg.Bytes("raw"); raw != nil {
		return raw, nil
	}
	if url := seg.Str("url"); strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return download(ctx, b.opts.HTTP, url)
	}
	file := seg.Str("file")
	if file == "" {
		return nil, fmt.Errorf("image segment has no source")
	}
	raw, err := b.Call(ctx, "get_image", map[string]any{"file": file})
	if err != nil {
		return nil, err
	}
	return os.ReadFile(gjson.GetBytes(raw, "file").String())
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func (b *Bot) FetchReply(ctx context.Context, ev *transport.Event) (*transport.Reply, error) {
	if ev.Reply != nil {
		return ev.Reply, nil
	}
	seg, ok := ev.Message.First(message.TypeReply)
	if !ok {
		return nil, nil
	}
	raw, err := b.Call(ctx, "get_msg", map[string]any{"message_id": ID(seg.Str("id"))})
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(raw)
	return &transport.Reply{
		MessageID: seg.Str("id"),
		SenderID:  r.Get("sender.user_id").String(),
		Message:   DecodeMessage(r.Get("message")),
	}, nil
}

// ParseEvent converts a message event frame. Other post types are ignored.
func ParseEvent(payload []byte) (*transport.Event, bool) {
	r := gjson.ParseBytes(payload)
	if r.Get("post_type").String() != "message" {
		return nil, false
	}
	ev := &transport.Event{
		Adapter:   transport.AdapterOneBot11,
		SelfID:    r.Get("self_id").String(),
		MessageID: r.Get("message_id").String(),
		UserID:    r.Get("user_id").String(),
		Nickname:  r.Get("sender.nickname").String(),
		Message:   DecodeMessage(r.Get("message")),
		Time:      time.Unix(r.Get("time").Int(), 0),
		Raw:       json.RawMessage(payload),
	}
	if r.Get("message_type").String() == "group" {
		ev.GroupID = r.Get("group_id").String()
	}
	return ev, true
}
