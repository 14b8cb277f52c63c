package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/session-sync/pkg/register"
)

const DefaultSubscriberBuffer = 64

// Hub routes envelopes between the connections of one session and its
// Authority.
type Hub struct {
	authority *Authority
	buffer    int

	mu          sync.Mutex
	subscribers map[register.OriginID]chan Envelope
}

func NewHub(authority *Authority, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		authority:   authority,
		buffer:      buffer,
		subscribers: make(map[register.OriginID]chan Envelope),
	}
}

func (h *Hub) Authority() *Authority {
	return h.authority
}

// Subscribe opens the outbound channel for origin. A second subscription for
// the same origin closes the first one.
func (h *Hub) Subscribe(origin register.OriginID) <-chan Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subscribers[origin]; ok {
		close(old)
	}
	ch := make(chan Envelope, h.buffer)
	h.subscribers[origin] = ch
	return ch
}

// Unsubscribe closes ch if it is still origin's current subscription.
func (h *Hub) Unsubscribe(origin register.OriginID, ch <-chan Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.subscribers[origin]
	if !ok || (<-chan Envelope)(cur) != ch {
		return
	}
	close(cur)
	delete(h.subscribers, origin)
	h.authority.Leave(origin)
}

// Serve runs one participant connection until it closes. The first envelope
// on conn must be a hello naming the participant.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) error {
	var hello Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != MessageHello || hello.Origin == "" {
		_ = conn.Close()
		return fmt.Errorf("expected hello with an origin, got %q", hello.Type)
	}
	origin := hello.Origin
	out := h.Subscribe(origin)
	defer h.Unsubscribe(origin, out)
	if err := h.Handle(origin, hello); err != nil {
		_ = conn.Close()
		return err
	}
	slog.Info("participant joined", "origin", origin)
	err := Sync(ctx, conn, out, func(env Envelope) error {
		return h.Handle(origin, env)
	})
	slog.Info("participant left", "origin", origin)
	return err
}

// Handle applies an envelope that arrived on origin's connection.
func (h *Hub) Handle(origin register.OriginID, env Envelope) error {
	switch env.Type {
	case MessageHello:
		catchUp, err := h.authority.Join(origin, env.StateVector)
		if err != nil {
			return err
		}
		h.send(origin, catchUp)
	case MessageInput:
		if env.Input == nil {
			return fmt.Errorf("input envelope without payload")
		}
		return h.authority.ApplyInput(origin, *env.Input)
	case MessageOperations:
		accepted := h.authority.ApplyOperations(env.Operations)
		if len(accepted) > 0 {
			h.broadcast(origin, Envelope{Type: MessageOperations, Origin: origin, Operations: accepted})
		}
	default:
		return fmt.Errorf("unexpected message type: %q", env.Type)
	}
	return nil
}

// ConfirmAll sends every subscriber its confirmed snapshot.
func (h *Hub) ConfirmAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for origin, ch := range h.subscribers {
		if env, ok := h.authority.Confirm(origin); ok {
			h.offer(origin, ch, env)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) send(origin register.OriginID, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[origin]; ok {
		h.offer(origin, ch, env)
	}
}

func (h *Hub) broadcast(except register.OriginID, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for origin, ch := range h.subscribers {
		if origin != except {
			h.offer(origin, ch, env)
		}
	}
}

// offer never blocks; a subscriber that cannot keep up loses the envelope and
// relies on the next hello to catch up.
func (h *Hub) offer(origin register.OriginID, ch chan Envelope, env Envelope) {
	select {
	case ch <- env:
	default:
		slog.Warn("subscriber buffer full, dropping envelope", "origin", origin, "type", env.Type)
	}
}
