package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

type scripted struct {
	mu      sync.Mutex
	lines   []string
	prompts []string
	history []string
}

func (s *scripted) Prompt(prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scripted) AppendHistory(item string) {
	s.mu.Lock()
	s.history = append(s.history, item)
	s.mu.Unlock()
}

func (s *scripted) Close() error { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	msg := ParseLine("code print([at:111]) [image:/tmp/x.png]!")
	want := message.Message{
		message.Text("code print("),
		message.At("111"),
		message.Text(") "),
		message.Image("/tmp/x.png"),
		message.Text("!"),
	}
	if msg.String() != want.String() || len(msg) != len(want) {
		t.Fatalf("ParseLine = %s, want %s", msg, want)
	}
}

func TestRunDispatchesLines(t *testing.T) {
	t.Parallel()
	in := &scripted{lines: []string{"code if true then", "print(1)", "end", "", "hello", ":quit", "never"}}
	hub := transport.NewHub("[test]")
	var (
		mu     sync.Mutex
		events []*transport.Event
	)
	got := make(chan struct{}, 4)
	hub.SetHandler(func(ctx context.Context, bot transport.Transport, ev *transport.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		got <- struct{}{}
	})

	bot := New(Options{In: in, Out: io.Discard}, hub)
	if err := bot.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("event not dispatched")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	texts := make([]string, len(events))
	for i, ev := range events {
		if ev.Adapter != transport.AdapterConsole || ev.UserID != DefaultUserID || !ev.IsPrivate() {
			t.Fatalf("event = %+v", ev)
		}
		texts[i] = ev.Message.PlainText()
	}
	joined := strings.Join(texts, "|")
	if joined != "code if true then\nprint(1)\nend|hello" && joined != "hello|code if true then\nprint(1)\nend" {
		t.Fatalf("texts = %q", texts)
	}
	if in.prompts[1] != promptCont || in.prompts[2] != promptCont {
		t.Fatalf("prompts = %q", in.prompts)
	}
	if _, ok := hub.Bot(transport.AdapterConsole); ok {
		t.Fatal("bot still registered after Run")
	}
}

func TestSendPrints(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	bot := New(Options{In: &scripted{}, Out: out}, transport.NewHub("[test]"))
	target := transport.Target{ID: DefaultUserID, Private: true}

	r, err := bot.Send(context.Background(), target, message.Message{message.Text("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if r.Adapter != transport.AdapterConsole || r.MessageID == "" {
		t.Fatalf("receipt = %+v", r)
	}
	if _, err := bot.SendForward(context.Background(), target, []message.ForwardNode{
		{Nickname: "bot", Content: message.Message{message.Text("a")}},
	}); err != nil {
		t.Fatal(err)
	}
	want := "[private:console_user] hi\n[private:console_user] <forward>\n  bot: a\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestCallUnsupported(t *testing.T) {
	t.Parallel()
	bot := New(Options{In: &scripted{}, Out: io.Discard}, transport.NewHub("[test]"))
	if _, err := bot.Call(context.Background(), "get_msg", nil); !errors.Is(err, transport.ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchImage(t *testing.T) {
	t.Parallel()
	bot := New(Options{In: &scripted{}, Out: io.Discard}, transport.NewHub("[test]"))
	path := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, err := bot.FetchImage(context.Background(), message.Image("file://"+path))
	if err != nil || string(data) != "png" {
		t.Fatalf("FetchImage = %q, %v", data, err)
	}
	if _, err := bot.FetchImage(context.Background(), message.Image("http://x/a.png")); !errors.Is(err, transport.ErrUnsupported) {
		t.Fatalf("remote image err = %v", err)
	}
}
