package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/iface"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/luax"
)

const maxResponseBody = 8 << 20

// HTTPClient is the `api.http` object.
type HTTPClient struct {
	api *API
}

func (h *HTTPClient) TypeName() string { return "HTTPClient" }
func (h *HTTPClient) Repr() string     { return "<HTTPClient>" }

// Response is a fully read HTTP response.
type Response struct {
	Status  int
	URL     string
	Header  http.Header
	Body    []byte
	started time.Time
}

func (r *Response) TypeName() string                { return "Response" }
func (r *Response) Repr() string                    { return fmt.Sprintf("<Response [%d]>", r.Status) }
func (r *Response) LValue(L *lua.LState) lua.LValue { return responseClass.New(L, r) }

type requestOptions struct {
	headers map[string]string
	timeout time.Duration
	query   map[string]string
}

func parseOptions(v lua.LValue) (requestOptions, error) {
	var opts requestOptions
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return opts, nil
	}
	if h, ok := tbl.RawGetString("headers").(*lua.LTable); ok {
		opts.headers = map[string]string{}
		h.ForEach(func(k, v lua.LValue) { opts.headers[lua.LVAsString(k)] = luax.Str(v) })
	}
	if q, ok := tbl.RawGetString("params").(*lua.LTable); ok {
		opts.query = map[string]string{}
		q.ForEach(func(k, v lua.LValue) { opts.query[lua.LVAsString(k)] = luax.Str(v) })
	}
	if t, ok := tbl.RawGetString("timeout").(lua.LNumber); ok {
		if t <= 0 {
			return opts, &luax.ValueError{Msg: "timeout must be > 0"}
		}
		opts.timeout = time.Duration(float64(t) * float64(time.Second))
	}
	return opts, nil
}

func (h *HTTPClient) do(ctx context.Context, method, rawURL string, body lua.LValue, optsV lua.LValue) (*Response, error) {
	opts, err := parseOptions(optsV)
	if err != nil {
		return nil, err
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case *lua.LNilType:
	case lua.LString:
		reader = strings.NewReader(string(b))
		contentType = "text/plain; charset=utf-8"
	case *lua.LTable:
		v, err := luax.ToJSON(b)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	default:
		return nil, &luax.TypeError{Msg: "unsupported body type " + luax.TypeName(body)}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &luax.ValueError{Msg: err.Error()}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	if len(opts.query) > 0 {
		q := req.URL.Query()
		for k, v := range opts.query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	client := h.api.deps.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Status:  resp.StatusCode,
		URL:     resp.Request.URL.String(),
		Header:  resp.Header,
		Body:    data,
		started: started,
	}, nil
}

// feedSummary flattens a parsed RSS/Atom/JSON feed for scripts.
func feedSummary(feed *gofeed.Feed) map[string]any {
	image := ""
	if feed.Image != nil {
		image = strings.TrimSpace(feed.Image.URL)
	}
	link := strings.TrimSpace(feed.Link)
	if link == "" {
		link = strings.TrimSpace(feed.FeedLink)
	}
	items := make([]any, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		published := strings.TrimSpace(it.Published)
		switch {
		case it.PublishedParsed != nil:
			published = it.PublishedParsed.UTC().Format(time.RFC3339)
		case it.UpdatedParsed != nil:
			published = it.UpdatedParsed.UTC().Format(time.RFC3339)
		}
		items = append(items, map[string]any{
			"title":       strings.TrimSpace(it.Title),
			"link":        strings.TrimSpace(it.Link),
			"guid":        strings.TrimSpace(it.GUID),
			"published":   published,
			"description": strings.TrimSpace(it.Description),
		})
	}
	return map[string]any{
		"title":       strings.TrimSpace(feed.Title),
		"link":        link,
		"image":       image,
		"description": strings.TrimSpace(feed.Description),
		"type":        feed.FeedType,
		"items":       items,
	}
}

func (h *HTTPClient) feed(ctx context.Context, rawURL string, opts lua.LValue) (*Result, error) {
	resp, err := h.do(ctx, http.MethodGet, rawURL, lua.LNil, opts)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, fmt.Errorf("GET %s: status=%d", rawURL, resp.Status)
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &luax.ValueError{Msg: "parse feed: " + err.Error()}
	}
	raw, err := json.Marshal(feedSummary(feed))
	if err != nil {
		return nil, err
	}
	return NewResult(raw, nil), nil
}

var httpClass = iface.NewClass("HTTPClient", "http", nil)

var responseClass = iface.NewClass("Response", "", nil)

func init() {
	httpOpts := "可选参数表: headers 请求头, params 查询参数, timeout 超时秒数"
	httpClass.Define(iface.Spec{
		Name:    "get",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "发送 GET 请求",
			Params:      map[string]string{"url": "请求地址", "opts": httpOpts},
			Result:      "Response 对象, 含 status/text/url, 可调用 json() 与 select(css)",
			Example:     "local r = api.http.get('https://example.com')\nprint(r.status)",
		},
		Params: []iface.Param{iface.P("url", iface.String), iface.Opt("opts", iface.Table, nil)},
		Call: func(c *iface.Call) (any, error) {
			h := c.Self.(*HTTPClient)
			return h.do(c.Ctx, http.MethodGet, c.String("url"), lua.LNil, c.Arg("opts"))
		},
	})
	httpClass.Define(iface.Spec{
		Name:    "post",
		Returns: iface.ReturnsValue,
		Desc: &iface.Descriptor{
			Description: "发送 POST 请求, 表类型的 body 以 JSON 发送",
			Params:      map[string]string{"url": "请求地址", "body": "请求体, 字符串或表", "opts": httpOpts},
			Result:      "Response 对象",
		},
		Params: []iface.Param{
			iface.P("url", iface.String),
			iface.Opt("body", iface.Optional(iface.Union(iface.String, iface.Table)), nil),
			iface.Opt("opts", iface.Table, nil),
		},
		Call: func(c *iface.Call) (any, error) {
			h := c.Self.(*HTTPClient)
			return h.do(c.Ctx, http.MethodPost, c.String("url"), c.Arg("body"), c.Arg("opts"))
		},
	})
	httpClass.Define(iface.Spec{
		Name:    "feed",
		Returns: iface.ReturnsResult,
		Desc: &iface.Descriptor{
			Description: "获取并解析 RSS/Atom/JSON Feed",
			Params:      map[string]string{"url": "订阅地址", "opts": httpOpts},
			Example:     "local f = api.http.feed('https://example.com/rss')\nprint(f.title, f.items[1].title)",
		},
		Params: []iface.Param{iface.P("url", iface.String), iface.Opt("opts", iface.Table, nil)},
		Call: func(c *iface.Call) (any, error) {
			h := c.Self.(*HTTPClient)
			return h.feed(c.Ctx, c.String("url"), c.Arg("opts"))
		},
	})

	responseClass.
		Property("status", func(L *lua.LState, self any) lua.LValue { return lua.LNumber(self.(*Response).Status) }).
		Property("ok", func(L *lua.LState, self any) lua.LValue {
			s := self.(*Response).Status
			return lua.LBool(s >= 200 && s < 300)
		}).
		Property("url", func(L *lua.LState, self any) lua.LValue { return lua.LString(self.(*Response).URL) }).
		Property("text", func(L *lua.LState, self any) lua.LValue { return lua.LString(self.(*Response).Body) }).
		Property("elapsed", func(L *lua.LState, self any) lua.LValue {
			return lua.LNumber(time.Since(self.(*Response).started).Seconds())
		}).
		Define(iface.Spec{
			Name: "json",
			Call: func(c *iface.Call) (any, error) {
				r := c.Self.(*Response)
				if !json.Valid(r.Body) {
					return nil, &luax.ValueError{Msg: "response body is not valid JSON"}
				}
				return NewResult(r.Body, nil), nil
			},
		}).
		Define(iface.Spec{
			Name:   "header",
			Params: []iface.Param{iface.P("name", iface.String)},
			Call: func(c *iface.Call) (any, error) {
				return c.Self.(*Response).Header.Get(c.String("name")), nil
			},
		}).
		Define(iface.Spec{
			Name:   "select",
			Params: []iface.Param{iface.P("css", iface.String), iface.Opt("attr", iface.String, nil)},
			Call: func(c *iface.Call) (any, error) {
				r := c.Self.(*Response)
				doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
				if err != nil {
					return nil, fmt.Errorf("parse html: %w", err)
				}
				out := []any{}
				attr := c.String("attr")
				doc.Find(c.String("css")).Each(func(_ int, s *goquery.Selection) {
					if attr != "" {
						if v, ok := s.Attr(attr); ok {
							out = append(out, v)
						}
						return
					}
					out = append(out, strings.TrimSpace(s.Text()))
				})
				return out, nil
			},
		})
}
