package message

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrUnsupported is returned by Convert for values that have no message form.
var ErrUnsupported = errors.New("unsupported message value")

// UserStr is a string carrying attached arguments. Inside a forward list the
// content is the fake sender id, Args[0] the node content and Args[1] the
// optional nickname.
type UserStr struct {
	Content string
	Args    []any
}

func (u UserStr) String() string { return u.Content }

// ForwardNode is one entry of a forward bundle.
type ForwardNode struct {
	UserID   string
	Nickname string
	Content  Message
}

// Converter is implemented by values with their own message form.
type Converter interface {
	ToMessage() Message
}

// Convert normalizes v into a Message.
func Convert(v any) (Message, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupported)
	case Message:
		return append(Message(nil), x...), nil
	case *Message:
		if x == nil {
			return nil, fmt.Errorf("%w: nil", ErrUnsupported)
		}
		return append(Message(nil), (*x)...), nil
	case Segment:
		return Message{x}, nil
	case []Segment:
		return Message(append([]Segment(nil), x...)), nil
	case string:
		return Message{Text(x)}, nil
	case UserStr:
		return Message{Text(x.Content)}, nil
	case []byte:
		return Message{ImageBytes(x)}, nil
	case bool:
		return Message{Text(strconv.FormatBool(x))}, nil
	case int:
		return Message{Text(strconv.Itoa(x))}, nil
	case int64:
		return Message{Text(strconv.FormatInt(x, 10))}, nil
	case float64:
		return Message{Text(strconv.FormatFloat(x, 'g', -1, 64))}, nil
	case []any:
		var out Message
		for i, item := range x {
			part, err := Convert(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i+1, err)
			}
			out = append(out, part...)
		}
		return out, nil
	case Converter:
		return x.ToMessage(), nil
	case fmt.Stringer:
		return Message{Text(x.String())}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// Node builds a forward node from one list item. Plain items are attributed
// to selfID.
func Node(selfID string, item any) (ForwardNode, error) {
	if us, ok := item.(UserStr); ok {
		node := ForwardNode{UserID: us.Content}
		if len(us.Args) > 0 {
			content, err := Convert(us.Args[0])
			if err != nil {
				return ForwardNode{}, err
			}
			node.Content = content
		}
		if len(us.Args) > 1 {
			node.Nickname = fmt.Sprint(us.Args[1])
		}
		return node, nil
	}
	content, err := Convert(item)
	if err != nil {
		return ForwardNode{}, err
	}
	return ForwardNode{UserID: selfID, Content: content}, nil
}
