package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
)

var (
	// ErrTransportClosed is returned by Listen when the transport stops delivering events.
	ErrTransportClosed = errors.New("transport closed")
)

// Event is the envelope carried by every websocket frame.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals payload into a new event of type t.
// A nil payload produces an event without a payload.
func NewEvent(t string, payload any) (*Event, error) {
	e := &Event{Type: t}
	if payload == nil {
		return e, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	e.Payload = b
	return e, nil
}

// Decode unmarshals the payload of the event into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// EventTransport moves events between the client and the relay.
type EventTransport interface {
	// Send queues an event for delivery. It does not wait for an acknowledgement.
	Send(event *Event) error
	// Receive returns the stream of inbound events. The channel is closed when
	// the transport is closed for good.
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// Subscription identifies a handler registered with On.
type Subscription struct {
	event string
	id    uint64
}

// EventBus is the part of the router the chat components depend on.
type EventBus interface {
	On(eventName string, handler EventHandler) Subscription
	Off(subs ...Subscription)
	Replace(sub Subscription, handler EventHandler) Subscription
	Emit(t string, payload any) error
}

type listener struct {
	id      uint64
	handler EventHandler
}

// EventRouter dispatches inbound events to the handlers registered for their
// type and emits outbound events through the transport.
// Handlers for one event run sequentially in registration order, and events are
// dispatched in the order they are received.
type EventRouter struct {
	listeners *SyncMap[string, []listener]
	nextID    atomic.Uint64
	transport EventTransport
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger, transport EventTransport) *EventRouter {
	return &EventRouter{
		listeners: NewSyncMap[string, []listener](),
		transport: transport,
		logger:    logger,
	}
}

// Listen dispatches inbound events until ctx is done or the transport closes.
func (em *EventRouter) Listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-em.transport.Receive():
			if !ok {
				return ErrTransportClosed
			}
			em.Dispatch(ctx, e)
		}
	}
}

// Dispatch runs every handler registered for the event type.
// Events without a handler are dropped.
func (em *EventRouter) Dispatch(ctx context.Context, e *Event) {
	em.logger.Debug(fmt.Sprintf("received: %v", e))
	handlers, ok := em.listeners.Load(e.Type)
	if !ok {
		return
	}
	for _, l := range handlers {
		em.handle(ctx, e, l.handler)
	}
}

func (em *EventRouter) handle(ctx context.Context, e *Event, h EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			em.logger.Error(fmt.Sprintf("%s handler: panic: %v", e.Type, r))
		}
	}()
	if err := h(ctx, e); err != nil {
		em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
	}
}

func (em *EventRouter) On(eventName string, handler EventHandler) Subscription {
	id := em.nextID.Add(1)
	em.listeners.LoadAndStore(eventName, func(ls []listener, _ bool) []listener {
		// copy so a concurrent Dispatch keeps iterating its own snapshot
		next := make([]listener, 0, len(ls)+1)
		next = append(next, ls...)
		return append(next, listener{id: id, handler: handler})
	})
	return Subscription{event: eventName, id: id}
}

func (em *EventRouter) Off(subs ...Subscription) {
	for _, sub := range subs {
		em.listeners.LoadAndStore(sub.event, func(ls []listener, _ bool) []listener {
			return slices.DeleteFunc(slices.Clone(ls), func(l listener) bool {
				return l.id == sub.id
			})
		})
	}
}

// Replace swaps the handler registered as sub for handler in a single step, so
// a concurrent Dispatch runs either the old handler or the new one. The new
// handler takes the position of the old one, or is appended when sub is no
// longer registered.
func (em *EventRouter) Replace(sub Subscription, handler EventHandler) Subscription {
	id := em.nextID.Add(1)
	em.listeners.LoadAndStore(sub.event, func(ls []listener, _ bool) []listener {
		next := slices.Clone(ls)
		for i, l := range next {
			if l.id == sub.id {
				next[i] = listener{id: id, handler: handler}
				return next
			}
		}
		return append(next, listener{id: id, handler: handler})
	})
	return Subscription{event: sub.event, id: id}
}

// Emit sends an event to the relay.
func (em *EventRouter) Emit(t string, payload any) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	if err := em.transport.Send(e); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	em.logger.Debug(fmt.Sprintf("sent: %v", e))
	return nil
}
