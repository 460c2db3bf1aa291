package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport/transporttest"
)

func TestLimiterLatchesAfterSixSends(t *testing.T) {
	t.Parallel()

	l := transport.NewLimiter(6, time.Minute)
	defer l.Stop()

	for i := 0; i < 6; i++ {
		if err := l.Acquire("s"); err != nil {
			t.Fatalf("send %d: unexpected error: %v", i+1, err)
		}
	}
	err := l.Acquire("s")
	var rl *transport.ReachLimit
	if !errors.As(err, &rl) {
		t.Fatalf("expected ReachLimit, got %v", err)
	}
	if rl.Repr() != "ReachLimit('消息发送触发次数限制', 6)" {
		t.Fatalf("unexpected repr: %s", rl.Repr())
	}
	if err := l.Acquire("other"); err != nil {
		t.Fatalf("other session should be independent: %v", err)
	}
}

func TestLimiterResetsAfterWindow(t *testing.T) {
	t.Parallel()

	l := transport.NewLimiter(1, 20*time.Millisecond)
	defer l.Stop()

	if err := l.Acquire("s"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := l.Acquire("s"); err == nil {
		t.Fatalf("expected limit on second send")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := l.Acquire("s"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("limiter never reset")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLimiterCountsFailedSends(t *testing.T) {
	t.Parallel()

	l := transport.NewLimiter(2, time.Minute)
	defer l.Stop()

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := l.Send("s", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected send error, got %v", err)
		}
	}
	if err := l.Send("s", func() error { return nil }); err == nil {
		t.Fatalf("expected ReachLimit after failed sends")
	}
}

func TestHubSubscriptionConsumesEvent(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub("[test]")
	bot := transporttest.New(transport.AdapterConsole, "bot")
	handled := make(chan *transport.Event, 1)
	hub.SetHandler(func(ctx context.Context, _ transport.Transport, ev *transport.Event) {
		handled <- ev
	})

	sub := hub.Subscribe(func(_ transport.Transport, ev *transport.Event) bool {
		return ev.UserID == "u1"
	})
	defer sub.Close()

	hub.Dispatch(context.Background(), bot, bot.Event("u1", "", "answer"))
	in, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if in.Event.Message.PlainText() != "answer" {
		t.Fatalf("unexpected event: %+v", in.Event)
	}
	if hub.Pending() != 0 {
		t.Fatalf("subscription should be consumed")
	}

	hub.Dispatch(context.Background(), bot, bot.Event("u1", "", "regular"))
	select {
	case ev := <-handled:
		if ev.Message.PlainText() != "regular" {
			t.Fatalf("unexpected handled event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("regular handler not called")
	}
}

func TestSubscriptionCloseRemoves(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub("[test]")
	sub := hub.Subscribe(func(transport.Transport, *transport.Event) bool { return true })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	sub.Close()
	if hub.Pending() != 0 {
		t.Fatalf("expected no pending subscriptions, got %d", hub.Pending())
	}
}

func TestSenderForwardKeepsOrder(t *testing.T) {
	t.Parallel()

	bot := transporttest.New(transport.AdapterOneBot11, "10000")
	sender := transport.NewSender(transport.NewLimiter(6, time.Minute))
	defer sender.Limiter.Stop()

	session := transport.Session{Adapter: bot.Adapter(), SelfID: "10000", UserID: "1", GroupID: "2"}
	items := []any{"a", message.UserStr{Content: "42", Args: []any{"b", "nick"}}, int64(3)}
	if _, err := sender.SendForward(context.Background(), bot, session, session.Target(), items); err != nil {
		t.Fatalf("SendForward: %v", err)
	}
	sent := bot.Sent()
	if len(sent) != 1 || len(sent[0].Forward) != 3 {
		t.Fatalf("expected one forward with 3 nodes, got %+v", sent)
	}
	nodes := sent[0].Forward
	if nodes[0].UserID != "10000" || nodes[1].UserID != "42" || nodes[1].Nickname != "nick" || nodes[2].Content.PlainText() != "3" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestSessionKeys(t *testing.T) {
	t.Parallel()

	s := transport.Session{Adapter: "OneBot V11", SelfID: "1", UserID: "2"}
	if s.UID() != "OneBot V11:2" {
		t.Fatalf("unexpected uid: %s", s.UID())
	}
	if !s.Target().Private || s.Target().ID != "2" {
		t.Fatalf("expected private target, got %+v", s.Target())
	}
	s.GroupID = "3"
	if s.Key() != "OneBot V11/1/group:3" {
		t.Fatalf("unexpected key: %s", s.Key())
	}
}
