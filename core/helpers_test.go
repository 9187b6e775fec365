package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memTransport records sent events and lets tests feed inbound events.
type memTransport struct {
	mu      sync.Mutex
	sent    []*Event
	inbound chan *Event
	sendErr error
}

func newMemTransport() *memTransport {
	return &memTransport{inbound: make(chan *Event, 16)}
}

func (m *memTransport) Send(e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, e)
	return nil
}

func (m *memTransport) Receive() <-chan *Event {
	return m.inbound
}

// Sent returns the events of type t that were sent, in order.
func (m *memTransport) Sent(t string) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (m *memTransport) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// sessionFixture wires a session to an event router over a memTransport.
// Inbound events are dispatched synchronously with deliver.
type sessionFixture struct {
	t         *testing.T
	transport *memTransport
	router    *EventRouter
	session   *Session
}

func setUpSession(t *testing.T, name string, opts ...SessionOption) *sessionFixture {
	f := &sessionFixture{t: t, transport: newMemTransport()}
	f.router = NewEventRouter(discardLogger, f.transport)
	opts = append([]SessionOption{WithSessionLogger(discardLogger)}, opts...)
	f.session = NewSession(NewIdentity(name), f.router, opts...)
	t.Cleanup(f.session.Close)
	return f
}

func (f *sessionFixture) deliver(t string, payload any) {
	e, err := NewEvent(t, payload)
	require.NoError(f.t, err)
	f.router.Dispatch(context.Background(), e)
}

func decodePayload[T any](t *testing.T, e *Event) T {
	var v T
	require.NoError(t, json.Unmarshal(e.Payload, &v))
	return v
}
