// Package onebot11 is a OneBot v11 transport over a forward WebSocket.
package onebot11

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

// ID returns numeric ids as integers, the way OneBot implementations
// expect them.
func ID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// EncodeMessage converts msg to the OneBot array format.
func EncodeMessage(msg message.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msg))
	for _, seg := range msg {
		out = append(out, encodeSegment(seg))
	}
	return out
}

func encodeSegment(seg message.Segment) map[string]any {
	data := map[string]any{}
	switch seg.Type {
	case message.TypeText:
		data["text"] = seg.Str("text")
	case message.TypeAt:
		data["qq"] = seg.Str("user_id")
	case message.TypeImage:
		if raw := seg.Bytes("raw"); raw != nil {
			data["file"] = "base64://" + base64.StdEncoding.EncodeToString(raw)
		} else if file := seg.Str("file"); file != "" && seg.Str("url") == "" {
			data["file"] = file
		} else {
			data["file"] = seg.Str("url")
		}
		if s := seg.Str("summary"); s != "" {
			data["summary"] = s
		}
	case message.TypeReply, message.TypeFace:
		data["id"] = seg.Str("id")
	default:
		for k, v := range seg.Data {
			if b, ok := v.([]byte); ok {
				v = "base64://" + base64.StdEncoding.EncodeToString(b)
			}
			data[k] = v
		}
	}
	return map[string]any{"type": seg.Type, "data": data}
}

// EncodeNodes converts forward nodes to OneBot node segments. Both the
// go-cqhttp and the NapCat field names are set.
func EncodeNodes(nodes []message.ForwardNode) []map[string]any {
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, map[string]any{
			"type": "node",
			"data": map[string]any{
				"user_id":  n.UserID,
				"uin":      n.UserID,
				"nickname": n.Nickname,
				"name":     n.Nickname,
				"content":  EncodeMessage(n.Content),
			},
		})
	}
	return out
}

// DecodeMessage parses the array or CQ-string form of a message.
func DecodeMessage(r gjson.Result) message.Message {
	if !r.IsArray() {
		return decodeCQ(r.String())
	}
	var out message.Message
	for _, item := range r.Array() {
		out = append(out, decodeSegment(item.Get("type").String(), item.Get("data")))
	}
	return out
}

func decodeSegment(typ string, data gjson.Result) message.Segment {
	switch typ {
	case "text":
		return message.Text(data.Get("text").String())
	case "at":
		return message.At(data.Get("qq").String())
	case "image":
		url := data.Get("url").String()
		if url == "" {
			url = data.Get("file").String()
		}
		seg := message.Image(url)
		seg.Data["file"] = data.Get("file").String()
		return seg
	case "reply":
		return message.Reply(data.Get("id").String())
	case "face":
		return message.Face(data.Get("id").String())
	case "json":
		return message.Segment{Type: message.TypeJSON, Data: map[string]any{"data": data.Get("data").String()}}
	default:
		values := map[string]any{}
		data.ForEach(func(k, v gjson.Result) bool {
			values[k.String()] = v.Value()
			return true
		})
		return message.Raw(transport.AdapterOneBot11, typ, values)
	}
}

var cqRe = regexp.MustCompile(`\[CQ:([A-Za-z_]+)((?:,[^\]]*)?)\]`)

func unescapeCQ(s string) string {
	r := strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
	return r.Replace(s)
}

func decodeCQ(raw string) message.Message {
	var out message.Message
	last := 0
	for _, m := range cqRe.FindAllStringSubmatchIndex(raw, -1) {
		if m[0] > last {
			out = append(out, message.Text(unescapeCQ(raw[last:m[0]])))
		}
		typ := raw[m[2]:m[3]]
		params := map[string]string{}
		for _, kv := range strings.Split(strings.TrimPrefix(raw[m[4]:m[5]], ","), ",") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				params[k] = unescapeCQ(v)
			}
		}
		data, _ := json.Marshal(params)
		out = append(out, decodeSegment(typ, gjson.ParseBytes(data)))
		last = m[1]
	}
	if last < len(raw) {
		out = append(out, message.Text(unescapeCQ(raw[last:])))
	}
	return out
}
