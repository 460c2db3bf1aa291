// Package transport defines the adapter contract the executor talks to and
// the plumbing shared by every adapter: event dispatch, send limiting and
// forward assembly.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
)

// Adapter names reported by Transport.Adapter.
const (
	AdapterOneBot11 = "OneBot V11"
	AdapterQQ       = "QQ"
	AdapterSatori   = "Satori"
	AdapterTelegram = "Telegram"
	AdapterConsole  = "Console"
)

// ErrUnsupported is returned by transports for operations they do not offer.
var ErrUnsupported = errors.New("operation not supported by adapter")

// Transport is one connected bot account.
type Transport interface {
	Adapter() string
	SelfID() string
	Send(ctx context.Context, target Target, msg message.Message) (*message.Receipt, error)
	// Call invokes a raw adapter action and returns its JSON payload.
	Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error)
	FetchImage(ctx context.Context, seg message.Segment) ([]byte, error)
	// FetchReply resolves the message ev replies to.
	FetchReply(ctx context.Context, ev *Event) (*Reply, error)
}

// ForwardSender is implemented by transports with native forward bundles.
type ForwardSender interface {
	SendForward(ctx context.Context, target Target, nodes []message.ForwardNode) (*message.Receipt, error)
}

// ActionFailed is an adapter-level failure of a raw action.
type ActionFailed struct {
	Action  string
	RetCode int
	Message string
}

func (e *ActionFailed) Error() string {
	return fmt.Sprintf("action %s failed: retcode=%d msg=%s", e.Action, e.RetCode, e.Message)
}

// Target addresses a private peer or a group/channel.
type Target struct {
	ID      string
	Private bool
}

func (t Target) String() string {
	if t.Private {
		return "private:" + t.ID
	}
	return "group:" + t.ID
}

type Reply struct {
	MessageID string
	SenderID  string
	Message   message.Message
}

// Event is an incoming chat message.
type Event struct {
	Adapter   string
	SelfID    string
	MessageID string
	UserID    string
	Nickname  string
	// GroupID is empty for private messages.
	GroupID string
	Message message.Message
	// Reply is set when the adapter resolved the quoted message up front.
	Reply *Reply
	Time  time.Time
	Raw   json.RawMessage
}

func (e *Event) IsPrivate() bool { return e.GroupID == "" }

// Target addresses the conversation the event came from.
func (e *Event) Target() Target {
	if e.IsPrivate() {
		return Target{ID: e.UserID, Private: true}
	}
	return Target{ID: e.GroupID}
}

func (e *Event) Session() Session {
	return Session{
		Adapter: e.Adapter,
		SelfID:  e.SelfID,
		UserID:  e.UserID,
		GroupID: e.GroupID,
	}
}

// Session is the normalized identity of who talks to which bot where.
type Session struct {
	Adapter string
	SelfID  string
	UserID  string
	GroupID string
}

// UID is the user key shared by every scene of one platform account.
func (s Session) UID() string {
	return UID(s.Adapter, s.UserID)
}

// Key identifies the conversation scene for send limiting.
func (s Session) Key() string {
	scene := "private:" + s.UserID
	if s.GroupID != "" {
		scene = "group:" + s.GroupID
	}
	return s.Adapter + "/" + s.SelfID + "/" + scene
}

func (s Session) Target() Target {
	if s.GroupID == "" {
		return Target{ID: s.UserID, Private: true}
	}
	return Target{ID: s.GroupID}
}

func UID(adapter, userID string) string {
	return adapter + ":" + userID
}
