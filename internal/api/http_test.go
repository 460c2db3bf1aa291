package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

func TestHTTPClientGetAndSelect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			if r.URL.Query().Get("q") != "go" || r.Header.Get("X-Test") != "1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"items":[{"name":"a"},{"name":"b"}]}`)
		case "/html":
			_, _ = io.WriteString(w, `<ul><li><a href="/x">one</a></li><li><a href="/y">two</a></li></ul>`)
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
			_, _ = w.Write(body)
		}
	}))
	defer srv.Close()

	h := newHarness(t, transport.AdapterConsole, "")
	h.ns.RawSetString("base", lua.LString(srv.URL))
	h.mustRun(t, `
local r = api.http.get(base .. "/json", {params = {q = "go"}, headers = {["X-Test"] = "1"}})
status = r.status
second = r:json().items[2].name

local page = api.http.get(base .. "/html")
links = page:select("li a", "href")
texts = page.select("li a")

local echo = api.http.post(base .. "/echo", {k = "v"})
ctype = echo:header("Content-Type")
echoed = echo:json().k
`)
	if h.global("status") != lua.LNumber(200) {
		t.Fatalf("status = %v", h.global("status"))
	}
	if h.global("second") != lua.LString("b") {
		t.Fatalf("second = %v", h.global("second"))
	}
	links := h.global("links").(*lua.LTable)
	if links.Len() != 2 || links.RawGetInt(2) != lua.LString("/y") {
		t.Fatalf("links len=%d", links.Len())
	}
	texts := h.global("texts").(*lua.LTable)
	if texts.RawGetInt(1) != lua.LString("one") {
		t.Fatalf("texts[1] = %v", texts.RawGetInt(1))
	}
	if h.global("ctype") != lua.LString("application/json") || h.global("echoed") != lua.LString("v") {
		t.Fatalf("ctype=%v echoed=%v", h.global("ctype"), h.global("echoed"))
	}
}

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example Feed</title>
<link>https://example.com/</link>
<item><title>First</title><link>https://example.com/1</link><guid>1</guid><pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate></item>
<item><title>Second</title><link>https://example.com/2</link><guid>2</guid></item>
</channel></rss>`

func TestHTTPClientFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rss" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, testRSS)
	}))
	defer srv.Close()

	h := newHarness(t, transport.AdapterConsole, "")
	h.ns.RawSetString("base", lua.LString(srv.URL))
	h.mustRun(t, `
local f = api.http.feed(base .. "/rss")
title = f.title
kind = f.type
first = f.items[1].title
published = f.items[1].published
ok, err = pcall(api.http.feed, base .. "/missing")
`)
	if h.global("title") != lua.LString("Example Feed") || h.global("kind") != lua.LString("rss") {
		t.Fatalf("title=%v kind=%v", h.global("title"), h.global("kind"))
	}
	if h.global("first") != lua.LString("First") || h.global("published") != lua.LString("2006-01-02T15:04:05Z") {
		t.Fatalf("first=%v published=%v", h.global("first"), h.global("published"))
	}
	if h.global("ok") != lua.LFalse {
		t.Fatal("missing feed should fail")
	}
}
