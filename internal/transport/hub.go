package transport

import (
	"context"
	"log"
	"sync"
)

// Handler processes an event that no temporary subscription claimed. It is
// called on the adapter's read loop, in arrival order, and must hand slow
// work to its own goroutine.
type Handler func(ctx context.Context, bot Transport, ev *Event)

// Filter selects events for a temporary subscription.
type Filter func(bot Transport, ev *Event) bool

// Incoming pairs an event with the bot that received it.
type Incoming struct {
	Bot   Transport
	Event *Event
}

// Hub tracks connected bots and routes their events. Temporary
// subscriptions are consulted first, in registration order, and consume the
// event they match.
type Hub struct {
	logPrefix string

	mu      sync.Mutex
	bots    map[string]Transport
	subs    []*Subscription
	handler Handler
}

func NewHub(logPrefix string) *Hub {
	return &Hub{
		logPrefix: logPrefix,
		bots:      make(map[string]Transport),
	}
}

func botKey(bot Transport) string {
	return bot.Adapter() + "/" + bot.SelfID()
}

func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) Register(bot Transport) {
	h.mu.Lock()
	h.bots[botKey(bot)] = bot
	h.mu.Unlock()
	log.Printf("%s bot connected adapter=%s self=%s", h.logPrefix, bot.Adapter(), bot.SelfID())
}

func (h *Hub) Unregister(bot Transport) {
	h.mu.Lock()
	key := botKey(bot)
	if cur, ok := h.bots[key]; ok && cur == bot {
		delete(h.bots, key)
	}
	h.mu.Unlock()
	log.Printf("%s bot disconnected adapter=%s self=%s", h.logPrefix, bot.Adapter(), bot.SelfID())
}

// Bot returns any connected bot of the given adapter.
func (h *Hub) Bot(adapter string) (Transport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, bot := range h.bots {
		if bot.Adapter() == adapter {
			return bot, true
		}
	}
	return nil, false
}

// Dispatch delivers ev to the first matching subscription, or else to the
// handler.
func (h *Hub) Dispatch(ctx context.Context, bot Transport, ev *Event) {
	h.mu.Lock()
	for i, sub := range h.subs {
		if sub.filter(bot, ev) {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			h.mu.Unlock()
			sub.ch <- Incoming{Bot: bot, Event: ev}
			return
		}
	}
	handler := h.handler
	h.mu.Unlock()

	if handler == nil {
		return
	}
	handler(ctx, bot, ev)
}

// Subscribe registers a one-shot temporary handler. Close must be called
// when the caller stops waiting.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{hub: h, filter: filter, ch: make(chan Incoming, 1)}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub
}

// Pending reports the number of live temporary subscriptions.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s == sub {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

type Subscription struct {
	hub    *Hub
	filter Filter
	ch     chan Incoming
}

// Next waits for the matching event.
func (s *Subscription) Next(ctx context.Context) (Incoming, error) {
	select {
	case in := <-s.ch:
		return in, nil
	case <-ctx.Done():
		return Incoming{}, ctx.Err()
	}
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}
