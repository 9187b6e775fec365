package core_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/discuss/core"
	"github.com/putto11262002/discuss/internal/relaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setUpRelay(t *testing.T, opts ...relaytest.Option) *relaytest.Relay {
	relay := relaytest.New(opts...)
	t.Cleanup(relay.Close)
	return relay
}

func dial(t *testing.T, relay *relaytest.Relay, opts ...core.ConnOption) *core.Conn {
	opts = append([]core.ConnOption{core.WithConnLogger(discardLogger)}, opts...)
	conn, err := core.Dial(context.Background(), relay.WSURL(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *core.Conn) *core.Event {
	t.Helper()
	select {
	case e, ok := <-conn.Receive():
		require.True(t, ok, "read stream closed")
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for event")
		return nil
	}
}

func TestConnSendAndReceive(t *testing.T) {
	relay := setUpRelay(t)
	conn := dial(t, relay, core.WithClientID("client-1"))

	relay.WaitConnected(t, 1)
	assert.Equal(t, []string{"client-1"}, relay.ClientIDs())
	assert.Equal(t, core.ConnOpen, conn.State())

	e, err := core.NewEvent(core.JoinRoomEvent, core.JoinRoomPayload{Username: "alice", Room: "calm"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(e))

	joins := relay.WaitFor(t, core.JoinRoomEvent, 1)
	assert.JSONEq(t, `{"username":"alice","room":"calm"}`, string(joins[0].Payload))

	history := receive(t, conn)
	assert.Equal(t, core.MessageHistoryEvent, history.Type)

	count := receive(t, conn)
	require.Equal(t, core.OnlineCountEvent, count.Type)
	var p core.OnlineCountPayload
	require.NoError(t, count.Decode(&p))
	assert.Equal(t, core.OnlineCountPayload{Room: "calm", Count: 1}, p)
}

func TestConnDialFailure(t *testing.T) {
	relay := setUpRelay(t)
	relay.Refuse(true)

	_, err := core.Dial(context.Background(), relay.WSURL(), core.WithConnLogger(discardLogger))
	assert.Error(t, err)
}

func TestConnClose(t *testing.T) {
	relay := setUpRelay(t)
	conn := dial(t, relay)
	relay.WaitConnected(t, 1)

	require.NoError(t, conn.Close())
	assert.Equal(t, core.ConnClosed, conn.State())
	relay.WaitConnected(t, 0)

	_, ok := <-conn.Receive()
	assert.False(t, ok, "read stream is closed after Close")

	e, err := core.NewEvent(core.StopTypingEvent, core.StopTypingPayload{Room: "calm"})
	require.NoError(t, err)
	assert.ErrorIs(t, conn.Send(e), core.ErrConnClosed)

	assert.NoError(t, conn.Close(), "closing twice is a no-op")
}

func TestConnLostWithoutReconnect(t *testing.T) {
	relay := setUpRelay(t)
	conn := dial(t, relay)
	relay.WaitConnected(t, 1)

	relay.DropConnections()

	select {
	case _, ok := <-conn.Receive():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "read stream was not closed")
	}
	assert.Equal(t, core.ConnClosed, conn.State())
}

func TestConnReconnect(t *testing.T) {
	relay := setUpRelay(t)

	var mu sync.Mutex
	var states []core.ConnState
	reconnected := make(chan struct{}, 1)

	conn := dial(t, relay,
		core.WithClientID("client-1"),
		core.WithReconnect(5, 10*time.Millisecond),
		core.WithStateHandler(func(s core.ConnState) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		}),
	)
	conn.OnReconnect(func() {
		reconnected <- struct{}{}
	})
	relay.WaitConnected(t, 1)

	relay.DropConnections()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "did not reconnect")
	}
	require.Eventually(t, func() bool {
		return len(relay.ClientIDs()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	relay.WaitConnected(t, 1)
	assert.Equal(t, core.ConnOpen, conn.State())
	assert.Equal(t, []string{"client-1", "client-1"}, relay.ClientIDs(), "the client id survives reconnects")

	mu.Lock()
	assert.Equal(t, []core.ConnState{core.ConnConnecting, core.ConnOpen, core.ConnReconnecting, core.ConnOpen}, states)
	mu.Unlock()

	e, err := core.NewEvent(core.JoinRoomEvent, core.JoinRoomPayload{Username: "alice", Room: "calm"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(e))
	relay.WaitFor(t, core.JoinRoomEvent, 1)
}

func TestConnGivesUpReconnecting(t *testing.T) {
	relay := setUpRelay(t)
	conn := dial(t, relay, core.WithReconnect(2, 5*time.Millisecond))
	relay.WaitConnected(t, 1)

	relay.Refuse(true)
	relay.DropConnections()

	select {
	case _, ok := <-conn.Receive():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "read stream was not closed")
	}
	assert.Equal(t, core.ConnClosed, conn.State())
}
