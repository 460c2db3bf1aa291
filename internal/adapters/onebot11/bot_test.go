package onebot11

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

type fakeServer struct {
	t     *testing.T
	mu    sync.Mutex
	auth  string
	calls []string
	conn  *websocket.Conn
	ready chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{t: t, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.auth = r.Header.Get("Authorization")
		fs.conn = conn
		fs.mu.Unlock()
		defer conn.Close()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req := gjson.ParseBytes(payload)
			action := req.Get("action").String()
			fs.mu.Lock()
			fs.calls = append(fs.calls, string(payload))
			fs.mu.Unlock()

			echo := req.Get("echo").Raw
			var resp string
			switch action {
			case "get_login_info":
				resp = `{"status":"ok","retcode":0,"data":{"user_id":10001,"nickname":"bot"},"echo":` + echo + `}`
			case "send_private_msg", "send_group_msg":
				resp = `{"status":"ok","retcode":0,"data":{"message_id":42},"echo":` + echo + `}`
			default:
				resp = `{"status":"failed","retcode":1404,"message":"unknown action","echo":` + echo + `}`
			}
			fs.mu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, []byte(resp))
			fs.mu.Unlock()
			if err != nil {
				return
			}
			if action == "get_login_info" {
				close(fs.ready)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) push(frame string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		fs.t.Fatalf("push: %v", err)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startBot(t *testing.T, srv *httptest.Server, hub *transport.Hub) *Bot {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bot := New(Options{URL: wsURL(srv), AccessToken: "secret", APITimeout: 2 * time.Second}, hub)
	done := make(chan struct{})
	go func() {
		_ = bot.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := hub.Bot(transport.AdapterOneBot11); ok {
			return bot
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("bot did not register")
	return nil
}

func TestBotRegistersAndSends(t *testing.T) {
	fs, srv := newFakeServer(t)
	hub := transport.NewHub("[test]")
	bot := startBot(t, srv, hub)

	if got := bot.SelfID(); got != "10001" {
		t.Fatalf("self id = %q", got)
	}
	fs.mu.Lock()
	auth := fs.auth
	fs.mu.Unlock()
	if auth != "Bearer secret" {
		t.Fatalf("authorization = %q", auth)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	receipt, err := bot.Send(ctx, transport.Target{ID: "123", Private: true}, message.Message{message.Text("hi")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.MessageID != "42" || receipt.TargetID != "123" || !receipt.Private {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	fs.mu.Lock()
	last := gjson.Parse(fs.calls[len(fs.calls)-1])
	fs.mu.Unlock()
	if last.Get("action").String() != "send_private_msg" {
		t.Fatalf("action = %s", last.Get("action").String())
	}
	if last.Get("params.user_id").Int() != 123 {
		t.Fatalf("user_id = %s", last.Get("params.user_id").Raw)
	}
	if last.Get("params.message.0.data.text").String() != "hi" {
		t.Fatalf("message = %s", last.Get("params.message").Raw)
	}
}

func TestBotCallFailureIsActionFailed(t *testing.T) {
	_, srv := newFakeServer(t)
	hub := transport.NewHub("[test]")
	bot := startBot(t, srv, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := bot.Call(ctx, "no_such_action", nil)
	var failed *transport.ActionFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected ActionFailed, got %v", err)
	}
	if failed.RetCode != 1404 || failed.Message != "unknown action" {
		t.Fatalf("unexpected failure %+v", failed)
	}
}

func TestBotDispatchesMessageEvents(t *testing.T) {
	fs, srv := newFakeServer(t)
	hub := transport.NewHub("[test]")
	got := make(chan *transport.Event, 1)
	hub.SetHandler(func(ctx context.Context, bot transport.Transport, ev *transport.Event) {
		got <- ev
	})
	startBot(t, srv, hub)
	<-fs.ready

	fs.push(`{"post_type":"meta_event","meta_event_type":"heartbeat"}`)
	fs.push(`{"post_type":"message","message_type":"group","self_id":10001,"user_id":7,"group_id":99,"message_id":5,"time":1700000000,"sender":{"nickname":"alice"},"message":[{"type":"text","data":{"text":"code print(1)"}}]}`)

	select {
	case ev := <-got:
		if ev.UserID != "7" || ev.GroupID != "99" || ev.Nickname != "alice" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Message.PlainText() != "code print(1)" {
			t.Fatalf("text = %q", ev.Message.PlainText())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not dispatched")
	}
}

func TestDecodeCQString(t *testing.T) {
	t.Parallel()

	msg := DecodeMessage(gjson.Parse(`"hi [CQ:at,qq=123] x&#91;1&#93; [CQ:image,file=a.png,url=http://h/a.png]"`))
	if len(msg) != 4 {
		t.Fatalf("segments = %d (%s)", len(msg), msg)
	}
	if msg[1].Type != message.TypeAt || msg[1].Str("user_id") != "123" {
		t.Fatalf("at segment = %+v", msg[1])
	}
	if msg[2].Str("text") != " x[1] " {
		t.Fatalf("text segment = %q", msg[2].Str("text"))
	}
	if msg[3].Str("url") != "http://h/a.png" || msg[3].Str("file") != "a.png" {
		t.Fatalf("image segment = %+v", msg[3])
	}
}

func TestEncodeImageBytes(t *testing.T) {
	t.Parallel()

	out := EncodeMessage(message.Message{message.ImageBytes([]byte("abc")), message.At("5")})
	data := out[0]["data"].(map[string]any)
	if data["file"] != "base64://YWJj" {
		t.Fatalf("file = %v", data["file"])
	}
	if out[1]["data"].(map[string]any)["qq"] != "5" {
		t.Fatalf("at = %v", out[1])
	}
}

func TestParseEventIgnoresNotices(t *testing.T) {
	t.Parallel()

	if _, ok := ParseEvent([]byte(`{"post_type":"notice","notice_type":"group_increase"}`)); ok {
		t.Fatalf("notice parsed as message")
	}
	ev, ok := ParseEvent([]byte(`{"post_type":"message","message_type":"private","user_id":1,"message":"hello"}`))
	if !ok || !ev.IsPrivate() || ev.Message.PlainText() != "hello" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
