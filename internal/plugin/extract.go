package plugin

import (
	"context"
	"strconv"
	"strings"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

const codePrefix = "code"

// startsWith reports whether the plain text of msg, leading whitespace
// removed, begins with prefix. Non-text segments are skipped.
func startsWith(msg message.Message, prefix string) bool {
	return strings.HasPrefix(strings.TrimLeft(msg.PlainText(), " \t\r\n"), prefix)
}

// command splits the text of msg into a command word and its arguments.
func command(msg message.Message) (string, []string) {
	fields := strings.Fields(msg.PlainText())
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// ExtractCode renders msg as a snippet. Mentions become quoted user ids and
// images their quoted url. ok is false unless the result starts with "code".
func ExtractCode(msg message.Message) (code string, ok bool) {
	var b strings.Builder
	for _, seg := range msg {
		switch seg.Type {
		case message.TypeText:
			b.WriteString(seg.Str("text"))
		case message.TypeAt:
			b.WriteString(strconv.Quote(seg.Str("user_id")))
		case message.TypeImage:
			url := seg.Str("url")
			if url == "" {
				url = "[url]"
			}
			b.WriteString(strconv.Quote(url))
		}
	}
	raw := strings.TrimSpace(b.String())
	if !strings.HasPrefix(raw, codePrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, codePrefix)), true
}

// eventReply resolves the message ev quotes, or nil.
func eventReply(ctx context.Context, bot transport.Transport, ev *transport.Event) (*transport.Reply, error) {
	if ev.Reply != nil {
		return ev.Reply, nil
	}
	if !ev.Message.Has(message.TypeReply) {
		return nil, nil
	}
	return bot.FetchReply(ctx, ev)
}

// eventReplyMessage is the quoted message, or nil.
func eventReplyMessage(ctx context.Context, bot transport.Transport, ev *transport.Event) (message.Message, error) {
	reply, err := eventReply(ctx, bot, ev)
	if err != nil || reply == nil {
		return nil, err
	}
	return reply.Message, nil
}

// eventImage finds an image in ev itself or, failing that, in the message
// it quotes.
func eventImage(ctx context.Context, bot transport.Transport, ev *transport.Event) (message.Segment, bool, error) {
	if seg, ok := ev.Message.First(message.TypeImage); ok {
		return seg, true, nil
	}
	msg, err := eventReplyMessage(ctx, bot, ev)
	if err != nil {
		return message.Segment{}, false, err
	}
	seg, ok := msg.First(message.TypeImage)
	return seg, ok, nil
}

// imageURL is the url of the first image in msg.
func imageURL(msg message.Message) string {
	seg, ok := msg.First(message.TypeImage)
	if !ok {
		return ""
	}
	return seg.Str("url")
}
