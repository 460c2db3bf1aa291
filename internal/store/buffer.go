package store

import (
	"strings"
	"sync"
)

// Buffer collects print output of one user.
type Buffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (b *Buffer) Write(s string) {
	b.mu.Lock()
	b.b.WriteString(s)
	b.mu.Unlock()
}

// Drain returns the collected text and empties the buffer.
func (b *Buffer) Drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.b.String()
	b.b.Reset()
	return s
}

// Buffers is the process-wide registry of print buffers keyed by uid.
type Buffers struct {
	mu sync.Mutex
	m  map[string]*Buffer
}

func NewBuffers() *Buffers {
	return &Buffers{m: make(map[string]*Buffer)}
}

func (b *Buffers) Get(uid string) *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.m[uid]
	if !ok {
		buf = &Buffer{}
		b.m[uid] = buf
	}
	return buf
}
