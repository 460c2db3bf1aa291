package message

import (
	"errors"
	"testing"
)

func TestConvertNormalizesValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   any
		want string
	}{
		{in: "hi", want: "hi"},
		{in: int64(3), want: "3"},
		{in: 1.5, want: "1.5"},
		{in: Text("x"), want: "x"},
		{in: Message{Text("a"), At("1")}, want: "a<at user=1>"},
		{in: []any{"a", Image("http://x/y.png")}, want: "a<image url=http://x/y.png>"},
	}
	for _, tc := range cases {
		got, err := Convert(tc.in)
		if err != nil {
			t.Fatalf("Convert(%#v) error: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("Convert(%#v) = %q, want %q", tc.in, got.String(), tc.want)
		}
	}
}

func TestConvertRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Convert(struct{}{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := Convert(nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for nil, got %v", err)
	}
}

func TestNodeUsesUserStrArgs(t *testing.T) {
	t.Parallel()

	node, err := Node("10000", UserStr{Content: "114514", Args: []any{"hello", "nick"}})
	if err != nil {
		t.Fatalf("Node error: %v", err)
	}
	if node.UserID != "114514" || node.Nickname != "nick" || node.Content.PlainText() != "hello" {
		t.Fatalf("unexpected node: %+v", node)
	}

	plain, err := Node("10000", "text")
	if err != nil {
		t.Fatalf("Node error: %v", err)
	}
	if plain.UserID != "10000" || plain.Content.PlainText() != "text" {
		t.Fatalf("unexpected plain node: %+v", plain)
	}
}
