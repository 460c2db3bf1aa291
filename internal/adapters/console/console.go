// Package console is a Transport over the terminal: every line typed is a
// private message from one local user, every send is printed.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterh/liner"
	"github.com/yuin/gopher-lua/parse"

	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/message"
	"github.com/wyf7685/nonebot-plugin-exe-code-sub000/internal/transport"
)

const (
	DefaultUserID = "console_user"
	DefaultSelfID = "console"

	promptMain = "exe-code> "
	promptCont = "......... "
)

// LineReader is the subset of *liner.State the console reads with.
type LineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

type Options struct {
	UserID      string
	SelfID      string
	HistoryFile string

	// In defaults to a liner prompt on the terminal, Out to stdout.
	In  LineReader
	Out io.Writer
}

type Bot struct {
	opts      Options
	hub       *transport.Hub
	logPrefix string

	outMu  sync.Mutex
	nextID atomic.Int64
}

func New(opts Options, hub *transport.Hub) *Bot {
	if opts.UserID == "" {
		opts.UserID = DefaultUserID
	}
	if opts.SelfID == "" {
		opts.SelfID = DefaultSelfID
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Bot{opts: opts, hub: hub, logPrefix: "[console]"}
}

func (b *Bot) Adapter() string { return transport.AdapterConsole }
func (b *Bot) SelfID() string  { return b.opts.SelfID }

func (b *Bot) receipt(target transport.Target) *message.Receipt {
	return &message.Receipt{
		Adapter:   transport.AdapterConsole,
		MessageID: strconv.FormatInt(b.nextID.Add(1), 10),
		TargetID:  target.ID,
		Private:   target.Private,
	}
}

func (b *Bot) print(target transport.Target, text string) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	fmt.Fprintf(b.opts.Out, "[%s] %s\n", target, text)
}

func (b *Bot) Send(ctx context.Context, target transport.Target, msg message.Message) (*message.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.print(target, msg.String())
	return b.receipt(target), nil
}

func (b *Bot) SendForward(ctx context.Context, target transport.Target, nodes []message.ForwardNode) (*message.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("<forward>")
	for _, node := range nodes {
		fmt.Fprintf(&sb, "\n  %s: %s", node.Nickname, node.Content.String())
	}
	b.print(target, sb.String())
	return b.receipt(target), nil
}

func (b *Bot) Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	return nil, fmt.Errorf("%s: %w", action, transport.ErrUnsupported)
}

// FetchImage returns inline bytes or reads a local file.
func (b *Bot) FetchImage(ctx context.Context, seg message.Segment) ([]byte, error) {
	if raw := seg.Bytes("raw"); raw != nil {
		return raw, nil
	}
	path := strings.TrimPrefix(seg.Str("url"), "file://")
	if path == "" || strings.Contains(path, "://") {
		return nil, fmt.Errorf("image %q: %w", seg.Str("url"), transport.ErrUnsupported)
	}
	return os.ReadFile(path)
}

func (b *Bot) FetchReply(ctx context.Context, ev *transport.Event) (*transport.Reply, error) {
	return ev.Reply, nil
}

var tagRe = regexp.MustCompile(`\[(at|image):([^\]]+)\]`)

// ParseLine reads `[at:<id>]` and `[image:<url or path>]` tags as segments.
func ParseLine(line string) message.Message {
	var msg message.Message
	last := 0
	for _, m := range tagRe.FindAllStringSubmatchIndex(line, -1) {
		if m[0] > last {
			msg = append(msg, message.Text(line[last:m[0]]))
		}
		value := line[m[4]:m[5]]
		if line[m[2]:m[3]] == "at" {
			msg = append(msg, message.At(value))
		} else {
			msg = append(msg, message.Image(value))
		}
		last = m[1]
	}
	if last < len(line) {
		msg = append(msg, message.Text(line[last:]))
	}
	return msg
}

// incomplete reports a `code` snippet that ends in the middle of a block.
func incomplete(src string) bool {
	code := strings.TrimSpace(src)
	if !strings.HasPrefix(code, "code") {
		return false
	}
	_, err := parse.Parse(strings.NewReader(strings.TrimPrefix(code, "code")), "<console>")
	return err != nil && strings.Contains(err.Error(), "EOF")
}

// readMessage reads one message, prompting for continuation lines while a
// snippet is unfinished.
func readMessage(in LineReader) (string, error) {
	var b strings.Builder
	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := in.Prompt(prompt)
		if err != nil {
			if b.Len() > 0 && !errors.Is(err, io.EOF) {
				return b.String(), nil
			}
			return "", err
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if !incomplete(b.String()) {
			return b.String(), nil
		}
	}
}

func (b *Bot) openReader() (LineReader, func()) {
	if b.opts.In != nil {
		return b.opts.In, func() {}
	}
	ln := liner.NewLiner()
	ln.SetCtrlCAborts(true)
	if b.opts.HistoryFile != "" {
		if f, err := os.Open(b.opts.HistoryFile); err == nil {
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}
	}
	return ln, func() {
		if b.opts.HistoryFile != "" {
			if f, err := os.Create(b.opts.HistoryFile); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}
	}
}

// Run reads lines until EOF, `:quit` or ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	in, saveHistory := b.openReader()
	defer in.Close()
	defer saveHistory()

	b.hub.Register(b)
	defer b.hub.Unregister(b)
	log.Printf("%s ready user=%s", b.logPrefix, b.opts.UserID)

	lines := make(chan string)
	errc := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			line, err := readMessage(in)
			if err != nil {
				errc <- err
				return
			}
			select {
			case lines <- line:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		case line := <-lines:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == ":quit" {
				return nil
			}
			in.AppendHistory(strings.ReplaceAll(line, "\n", " "))
			b.hub.Dispatch(ctx, b, &transport.Event{
				Adapter:   transport.AdapterConsole,
				SelfID:    b.opts.SelfID,
				MessageID: strconv.FormatInt(b.nextID.Add(1), 10),
				UserID:    b.opts.UserID,
				Nickname:  b.opts.UserID,
				Message:   ParseLine(line),
				Time:      time.Now(),
			})
		}
	}
}
