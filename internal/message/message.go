// Package message is the transport-agnostic message model shared by the
// executor, the API layer and every adapter.
package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment types understood by every adapter. Adapters map unknown types
// through Raw segments untouched.
const (
	TypeText     = "text"
	TypeAt       = "at"
	TypeImage    = "image"
	TypeReply    = "reply"
	TypeFace     = "face"
	TypeArk      = "ark"
	TypeJSON     = "json"
	TypeMarkdown = "markdown"
	TypeFile     = "file"
	TypeForward  = "forward"
)

// Segment is one element of a Message.
type Segment struct {
	Type string
	Data map[string]any

	// Adapter marks a native segment that only renders on that adapter.
	Adapter string
}

func (s Segment) Str(key string) string {
	if s.Data == nil {
		return ""
	}
	switch v := s.Data[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (s Segment) Bytes(key string) []byte {
	if s.Data == nil {
		return nil
	}
	b, _ := s.Data[key].([]byte)
	return b
}

// Plain is the text-only rendering used by trigger matching.
func (s Segment) Plain() string {
	if s.Type == TypeText {
		return s.Str("text")
	}
	return ""
}

// String renders the segment in a readable, round-trippable tag form.
func (s Segment) String() string {
	switch s.Type {
	case TypeText:
		return s.Str("text")
	case TypeAt:
		return "<at user=" + s.Str("user_id") + ">"
	case TypeImage:
		if u := s.Str("url"); u != "" {
			return "<image url=" + u + ">"
		}
		if b := s.Bytes("raw"); b != nil {
			return "<image bytes=" + strconv.Itoa(len(b)) + ">"
		}
		return "<image>"
	case TypeReply:
		return "<reply id=" + s.Str("id") + ">"
	case TypeFace:
		return "<face id=" + s.Str("id") + ">"
	default:
		return "<" + s.Type + ">"
	}
}

func Text(text string) Segment {
	return Segment{Type: TypeText, Data: map[string]any{"text": text}}
}

func At(userID string) Segment {
	return Segment{Type: TypeAt, Data: map[string]any{"user_id": userID}}
}

func Image(url string) Segment {
	return Segment{Type: TypeImage, Data: map[string]any{"url": url}}
}

func ImageBytes(raw []byte) Segment {
	return Segment{Type: TypeImage, Data: map[string]any{"raw": raw}}
}

func Reply(messageID string) Segment {
	return Segment{Type: TypeReply, Data: map[string]any{"id": messageID}}
}

func Face(id string) Segment {
	return Segment{Type: TypeFace, Data: map[string]any{"id": id}}
}

// Raw builds a native segment for the given adapter.
func Raw(adapter, typ string, data map[string]any) Segment {
	if data == nil {
		data = map[string]any{}
	}
	return Segment{Type: typ, Data: data, Adapter: adapter}
}

// Message is an ordered list of segments.
type Message []Segment

func (m Message) PlainText() string {
	var b strings.Builder
	for _, seg := range m {
		b.WriteString(seg.Plain())
	}
	return b.String()
}

func (m Message) String() string {
	var b strings.Builder
	for _, seg := range m {
		b.WriteString(seg.String())
	}
	return b.String()
}

func (m Message) Has(typ string) bool {
	for _, seg := range m {
		if seg.Type == typ {
			return true
		}
	}
	return false
}

// First returns the first segment of the given type.
func (m Message) First(typ string) (Segment, bool) {
	for _, seg := range m {
		if seg.Type == typ {
			return seg, true
		}
	}
	return Segment{}, false
}

func (m Message) Filter(typ string) Message {
	var out Message
	for _, seg := range m {
		if seg.Type == typ {
			out = append(out, seg)
		}
	}
	return out
}

// Exclude returns m without segments of the given types.
func (m Message) Exclude(types ...string) Message {
	out := make(Message, 0, len(m))
next:
	for _, seg := range m {
		for _, t := range types {
			if seg.Type == t {
				continue next
			}
		}
		out = append(out, seg)
	}
	return out
}

// Receipt is the handle returned by a send operation.
type Receipt struct {
	Adapter   string
	MessageID string
	TargetID  string
	Private   bool
}

func (r *Receipt) String() string {
	if r == nil {
		return "<Receipt>"
	}
	return fmt.Sprintf("<Receipt adapter=%s msg_id=%s>", r.Adapter, r.MessageID)
}
