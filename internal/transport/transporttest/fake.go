// Package transporttest provides an in-memory Transport that records every
// send and action.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

// Sent is one recorded send.
type Sent struct {
	Target  transport.Target
	Message message.Message
	Forward []message.ForwardNode
}

// Action is one recorded Call.
type Action struct {
	Name   string
	Params map[string]any
}

// ActionFunc answers a Call.
type ActionFunc func(params map[string]any) (any, error)

type Bot struct {
	adapter string
	selfID  string

	mu      sync.Mutex
	sent    []Sent
	actions []Action
	handler map[string]ActionFunc
	images  map[string][]byte
	replies map[string]*transport.Reply
	nextID  int
	// SendErr, when set, fails every Send.
	SendErr error
}

func New(adapter, selfID string) *Bot {
	return &Bot{
		adapter: adapter,
		selfID:  selfID,
		handler: make(map[string]ActionFunc),
		images:  make(map[string][]byte),
		replies: make(map[string]*transport.Reply),
	}
}

func (b *Bot) Adapter() string { return b.adapter }
func (b *Bot) SelfID() string  { return b.selfID }

// Handle installs the answer for an action.
func (b *Bot) Handle(action string, fn ActionFunc) {
	b.mu.Lock()
	b.handler[action] = fn
	b.mu.Unlock()
}

func (b *Bot) SetImage(url string, data []byte) {
	b.mu.Lock()
	b.images[url] = data
	b.mu.Unlock()
}

func (b *Bot) SetReply(messageID string, reply *transport.Reply) {
	b.mu.Lock()
	b.replies[messageID] = reply
	b.mu.Unlock()
}

func (b *Bot) receipt(target transport.Target) *message.Receipt {
	b.nextID++
	return &message.Receipt{
		Adapter:   b.adapter,
		MessageID: strconv.Itoa(b.nextID),
		TargetID:  target.ID,
		Private:   target.Private,
	}
}

func (b *Bot) Send(ctx context.Context, target transport.Target, msg message.Message) (*message.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, Sent{Target: target, Message: msg})
	if b.SendErr != nil {
		return nil, b.SendErr
	}
	return b.receipt(target), nil
}

func (b *Bot) SendForward(ctx context.Context, target transport.Target, nodes []message.ForwardNode) (*message.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, Sent{Target: target, Forward: nodes})
	if b.SendErr != nil {
		return nil, b.SendErr
	}
	return b.receipt(target), nil
}

func (b *Bot) Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.actions = append(b.actions, Action{Name: action, Params: params})
	fn := b.handler[action]
	b.mu.Unlock()

	if fn == nil {
		return json.RawMessage("null"), nil
	}
	out, err := fn(params)
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(out)
}

func (b *Bot) FetchImage(ctx context.Context, seg message.Segment) ([]byte, error) {
	if raw := seg.Bytes("raw"); raw != nil {
		return raw, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.images[seg.Str("url")]
	if !ok {
		return nil, fmt.Errorf("image %q not found", seg.Str("url"))
	}
	return data, nil
}

func (b *Bot) FetchReply(ctx context.Context, ev *transport.Event) (*transport.Reply, error) {
	if ev.Reply != nil {
		return ev.Reply, nil
	}
	seg, ok := ev.Message.First(message.TypeReply)
	if !ok {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replies[seg.Str("id")], nil
}

func (b *Bot) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

func (b *Bot) Actions() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Action(nil), b.actions...)
}

// Texts returns the string form of every recorded send.
func (b *Bot) Texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sent))
	for _, s := range b.sent {
		if s.Forward != nil {
			out = append(out, fmt.Sprintf("<forward nodes=%d>", len(s.Forward)))
			continue
		}
		out = append(out, s.Message.String())
	}
	return out
}

// Event builds a message event addressed to this bot.
func (b *Bot) Event(userID, groupID, text string) *transport.Event {
	b.mu.Lock()
	b.nextID++
	id := strconv.Itoa(b.nextID)
	b.mu.Unlock()
	return &transport.Event{
		Adapter:   b.adapter,
		SelfID:    b.selfID,
		MessageID: id,
		UserID:    userID,
		GroupID:   groupID,
		Message:   message.Message{message.Text(text)},
	}
}
